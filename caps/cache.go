// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/xmpp/jid"
)

// Presence is the capability announcement carried by one presence
// stanza, together with the stanza's availability.
type Presence struct {
	Node string
	Ver  string
	Hash string

	// Ext is the legacy pre-hash bundle list: space separated tokens,
	// each naming a feature bundle resolvable on its own.
	// Token order carries no meaning.
	Ext string

	Availability Availability
}

// InfoQuerier issues disco#info queries on behalf of the cache.
type InfoQuerier interface {
	QueryInfo(ctx context.Context, to jid.JID, node string) (Info, error)
}

// ResourceInfo is the per resource view used for call routing.
type ResourceInfo struct {
	Resource     string
	Availability Availability
	ClientType   ClientType
}

type resource struct {
	availability Availability
	clientType   ClientType
	features     featureSet
	ext          map[string]featureSet

	// ver is the sha-1 hash the resource most recently announced.
	// A verified disco reply is applied only while it still matches, so
	// a late reply for a superseded announcement cannot clobber the
	// live feature set.
	ver string
}

func (r *resource) apply(info Info) {
	r.features = newFeatureSet(info.Features)
	if t := info.clientType(); t != ClientUnknown {
		r.clientType = t
	}
}

func (r *resource) allFeatures() featureSet {
	fs := make(featureSet, len(r.features))
	for f := range r.features {
		fs[f] = true
	}
	for _, bundle := range r.ext {
		for f := range bundle {
			fs[f] = true
		}
	}
	return fs
}

type contact struct {
	resources map[string]*resource
	winner    string
}

// Cache resolves capability announcements into verified feature sets and
// derives channel classes from them.
//
// Verified hashes are shared across contacts, so a hash only ever costs
// one disco round trip no matter how many resources announce it; a
// repeat announcement of a known hash re-notifies subscribers without
// touching the wire.
type Cache struct {
	// Querier issues disco queries.
	// A nil Querier disables queries; only replies fed in through
	// RecordDiscoReply resolve capabilities then.
	Querier InfoQuerier

	// Logger, if set, receives debug and warning output.
	Logger logrus.FieldLogger

	mu         sync.Mutex
	self       featureSet
	byVer      map[string]Info
	bundles    map[string]featureSet
	pendingVer map[string][]jid.JID
	pendingExt map[string][]jid.JID
	contacts   map[string]*contact
	subs       map[int]func(jid.JID, []ChannelClass)
	nextSub    int
}

func (c *Cache) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// init seeds the lazy maps.
// The Google Talk bundles are pre-trusted: old clients answer bundle
// discos incorrectly, and the contents have been fixed for a decade.
func (c *Cache) init() {
	if c.bundles != nil {
		return
	}
	c.byVer = make(map[string]Info)
	c.pendingVer = make(map[string][]jid.JID)
	c.pendingExt = make(map[string][]jid.JID)
	c.contacts = make(map[string]*contact)
	c.bundles = map[string]featureSet{
		"voice-v1": newFeatureSet([]string{FeatureGoogleVoice, FeatureTransportP2P}),
		"video-v1": newFeatureSet([]string{FeatureGoogleVideo, FeatureTransportP2P}),
	}
}

func (c *Cache) selfFeatures() featureSet {
	if c.self != nil {
		return c.self
	}
	return newFeatureSet(defaultSelfFeatures)
}

var defaultSelfFeatures = []string{
	FeatureJingle,
	FeatureJingle015,
	FeatureRTP,
	FeatureRTPAudio,
	FeatureRTPVideo,
	FeatureLegacyAudio,
	FeatureLegacyVideo,
	FeatureGoogleVoice,
	FeatureGoogleVideo,
	FeatureTransportICE,
	FeatureTransportRawUDP,
	FeatureTransportP2P,
	FeatureTubes,
}

// SetSelfFeatures replaces the connection's own advertised feature set,
// which the channel class policy intersects against (a transport we do
// not implement is no transport at all).
func (c *Cache) SetSelfFeatures(features []string) {
	c.mu.Lock()
	c.self = newFeatureSet(features)
	c.mu.Unlock()
}

// Subscribe registers a callback invoked with the bare JID and its
// derived channel classes every time a contact's capabilities resolve or
// change. The returned function cancels the subscription.
func (c *Cache) Subscribe(f func(jid.JID, []ChannelClass)) func() {
	c.mu.Lock()
	if c.subs == nil {
		c.subs = make(map[int]func(jid.JID, []ChannelClass))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = f
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// query is a disco query prepared under the lock and fired after it.
type query struct {
	to   jid.JID
	node string
}

// RecordPresence feeds one presence announcement into the cache.
//
// A known hash is answered from the cache with no disco traffic but
// still re-notifies subscribers; an unknown sha-1 hash triggers a single
// scoped disco query. Hashes computed with any other algorithm are not
// trusted: the contact is queried directly and the reply cached only for
// that resource. An unavailable presence drops the resource, and the
// whole contact with its last resource.
func (c *Cache) RecordPresence(ctx context.Context, from jid.JID, p Presence) {
	bare := from.Bare()
	res := from.Resourcepart()

	c.mu.Lock()
	c.init()

	if p.Availability == Offline {
		ct := c.contacts[bare.String()]
		if ct == nil {
			c.mu.Unlock()
			return
		}
		delete(ct.resources, res)
		if len(ct.resources) == 0 {
			delete(c.contacts, bare.String())
		} else if ct.winner == res {
			ct.winner = ""
			for name, r := range ct.resources {
				if ct.winner == "" || r.availability > ct.resources[ct.winner].availability {
					ct.winner = name
				}
			}
		}
		notify := c.notification(bare)
		c.mu.Unlock()
		notify()
		return
	}

	ct := c.contacts[bare.String()]
	if ct == nil {
		ct = &contact{resources: make(map[string]*resource)}
		c.contacts[bare.String()] = ct
	}
	r := ct.resources[res]
	if r == nil {
		r = &resource{}
		ct.resources[res] = r
	}
	r.availability = p.Availability
	// Keep the current winner on equal rank so derived properties do not
	// flip-flop between equally available resources.
	if ct.winner == "" || p.Availability > ct.resources[ct.winner].availability {
		ct.winner = res
	}

	var queries []query
	switch {
	case strings.EqualFold(p.Hash, "sha-1") && p.Ver != "":
		r.ver = p.Ver
		if info, ok := c.byVer[p.Ver]; ok {
			r.apply(info)
		} else {
			waiting := len(c.pendingVer[p.Ver]) > 0
			c.pendingVer[p.Ver] = append(c.pendingVer[p.Ver], from)
			if !waiting {
				queries = append(queries, query{to: from, node: p.Node + "#" + p.Ver})
			}
		}

	case p.Hash != "":
		r.ver = ""
		// Unknown hash algorithm: we cannot verify, so ask the contact
		// directly and trust the answer for this resource only.
		queries = append(queries, query{to: from, node: p.Node + "#" + p.Ver})

	default:
		// Legacy announcement: ver and every ext token are independent
		// bundles forming an unordered set.
		r.ver = ""
		tokens := strings.Fields(p.Ext)
		if p.Ver != "" {
			tokens = append(tokens, p.Ver)
		}
		if r.ext == nil {
			r.ext = make(map[string]featureSet)
		}
		for _, tok := range tokens {
			if bundle, ok := c.bundles[tok]; ok {
				r.ext[tok] = bundle
				continue
			}
			waiting := len(c.pendingExt[tok]) > 0
			c.pendingExt[tok] = append(c.pendingExt[tok], from)
			if !waiting {
				queries = append(queries, query{to: from, node: p.Node + "#" + tok})
			}
		}
	}

	notify := c.notification(bare)
	c.mu.Unlock()

	notify()
	for _, q := range queries {
		c.startQuery(ctx, q)
	}
}

func (c *Cache) startQuery(ctx context.Context, q query) {
	if c.Querier == nil {
		return
	}
	go func() {
		info, err := c.Querier.QueryInfo(ctx, q.to, q.node)
		if err != nil {
			c.logger().WithError(err).WithField("node", q.node).Warn("disco query failed")
			c.queryFailed(q.node)
			return
		}
		c.RecordDiscoReply(q.to, q.node, info)
	}()
}

// queryFailed drops the pending entry for a failed disco query so the
// next announcement of the same token starts over instead of waiting on
// an answer that is never coming.
func (c *Cache) queryFailed(node string) {
	suffix := node
	if i := strings.LastIndex(node, "#"); i >= 0 {
		suffix = node[i+1:]
	}
	c.mu.Lock()
	c.init()
	delete(c.pendingVer, suffix)
	delete(c.pendingExt, suffix)
	c.mu.Unlock()
}

// RecordDiscoReply feeds a disco#info reply into the cache.
//
// A reply whose node suffix matches the recomputed verification string
// is cached globally by hash; a mismatched reply proves nothing and is
// discarded. A reply for a contact that has gone offline or announced a
// different hash in the meantime is stale and ignored entirely.
func (c *Cache) RecordDiscoReply(from jid.JID, node string, info Info) {
	suffix := node
	if i := strings.LastIndex(node, "#"); i >= 0 {
		suffix = node[i+1:]
	}

	c.mu.Lock()
	c.init()

	lookup := func(j jid.JID) *resource {
		ct := c.contacts[j.Bare().String()]
		if ct == nil {
			return nil
		}
		return ct.resources[j.Resourcepart()]
	}

	var affected []jid.JID
	switch {
	case len(c.pendingVer[suffix]) > 0:
		waiters := c.pendingVer[suffix]
		delete(c.pendingVer, suffix)
		if Ver(info) == suffix {
			c.byVer[suffix] = info
			for _, w := range waiters {
				r := lookup(w)
				if r == nil || r.ver != suffix {
					// Signed off, or announced a different hash while
					// the query was in flight.
					continue
				}
				r.apply(info)
				affected = append(affected, w)
			}
		} else {
			// The reply does not hash to what was announced: it proves
			// nothing about the announcement and must not touch the
			// live feature set. The next announcement re-queries.
			c.logger().WithFields(logrus.Fields{
				"jid":  from.String(),
				"node": node,
			}).Warn("capability hash mismatch")
		}

	case len(c.pendingExt[suffix]) > 0:
		waiters := c.pendingExt[suffix]
		delete(c.pendingExt, suffix)
		bundle := newFeatureSet(info.Features)
		c.bundles[suffix] = bundle
		for _, w := range waiters {
			r := lookup(w)
			if r == nil {
				continue
			}
			if r.ext == nil {
				r.ext = make(map[string]featureSet)
			}
			r.ext[suffix] = bundle
			affected = append(affected, w)
		}

	default:
		// Direct, unverified reply.
		r := lookup(from)
		if r == nil {
			// The contact signed off while the query was in flight.
			c.mu.Unlock()
			return
		}
		r.apply(info)
		affected = append(affected, from)
	}

	seen := make(map[string]bool)
	var notifies []func()
	for _, j := range affected {
		bare := j.Bare()
		if seen[bare.String()] {
			continue
		}
		seen[bare.String()] = true
		notifies = append(notifies, c.notification(bare))
	}
	c.mu.Unlock()

	for _, n := range notifies {
		n()
	}
}

// notification captures the subscriber calls for one contact.
// Callers must hold the lock; the returned function must be invoked
// after releasing it.
func (c *Cache) notification(bare jid.JID) func() {
	cls := c.classesLocked(bare)
	subs := make([]func(jid.JID, []ChannelClass), 0, len(c.subs))
	for _, f := range c.subs {
		subs = append(subs, f)
	}
	return func() {
		for _, f := range subs {
			f(bare, cls)
		}
	}
}

func (c *Cache) classesLocked(j jid.JID) []ChannelClass {
	ct := c.contacts[j.Bare().String()]
	if ct == nil {
		return nil
	}
	union := make(featureSet)
	res := j.Resourcepart()
	for name, r := range ct.resources {
		if res != "" && name != res {
			continue
		}
		for f := range r.allFeatures() {
			union[f] = true
		}
	}
	if len(union) == 0 {
		return nil
	}
	return classes(c.selfFeatures(), union)
}

// CapabilitiesFor derives the channel classes offerable to a contact.
// A bare JID aggregates all online resources; a full JID restricts the
// answer to that resource.
func (c *Cache) CapabilitiesFor(j jid.JID) []ChannelClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	return c.classesLocked(j)
}

// FeaturesFor returns the resolved raw feature set of a contact.
func (c *Cache) FeaturesFor(j jid.JID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	ct := c.contacts[j.Bare().String()]
	if ct == nil {
		return nil
	}
	union := make(featureSet)
	res := j.Resourcepart()
	for name, r := range ct.resources {
		if res != "" && name != res {
			continue
		}
		for f := range r.allFeatures() {
			union[f] = true
		}
	}
	return union.list()
}

// ClientTypeFor reports the client type of a contact's most available
// resource.
func (c *Cache) ClientTypeFor(j jid.JID) ClientType {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	ct := c.contacts[j.Bare().String()]
	if ct == nil || ct.winner == "" {
		return ClientUnknown
	}
	return ct.resources[ct.winner].clientType
}

// Resources lists a contact's online resources for call routing.
func (c *Cache) Resources(j jid.JID) []ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	ct := c.contacts[j.Bare().String()]
	if ct == nil {
		return nil
	}
	out := make([]ResourceInfo, 0, len(ct.resources))
	for name, r := range ct.resources {
		out = append(out, ResourceInfo{
			Resource:     name,
			Availability: r.availability,
			ClientType:   r.clientType,
		})
	}
	return out
}

// Online reports whether the contact has any online resource.
func (c *Cache) Online(j jid.JID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	ct := c.contacts[j.Bare().String()]
	return ct != nil && len(ct.resources) > 0
}
