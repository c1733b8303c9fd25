// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package channel

import (
	"context"
	"fmt"
	"sync"

	"mellium.im/jingle"
	"mellium.im/jingle/caps"
	"mellium.im/xmpp/jid"
)

// Stream is the exposed record of one negotiated media stream.
type Stream struct {
	ID   uint
	Name string
	Type jingle.MediaType

	State             jingle.TransportState
	Direction         jingle.Direction
	PendingLocalSend  bool
	PendingRemoteSend bool
}

// Media is a streamed media channel: call membership bound to a Jingle
// session, exposing streams by numeric identifier.
//
// The notification fields must be set before the channel sees traffic
// and are invoked without any lock held.
type Media struct {
	// OnStreamsChanged fires when a stream is added, removed, or
	// changes state or direction.
	OnStreamsChanged func()

	// OnHoldChanged forwards hold aggregate transitions.
	OnHoldChanged func(jingle.HoldState, jingle.HoldReason)

	// OnCallStateChanged forwards remote ringing/hold notifications.
	OnCallStateChanged func(jingle.CallState)

	// OnClosed fires when the underlying session terminates.
	OnClosed func()

	mgr   *jingle.Manager
	cache *caps.Cache
	group *Group

	mu           sync.Mutex
	peer         jid.JID
	sess         *jingle.Session
	ids          map[string]uint
	order        []string
	nextID       uint
	initialAudio bool
	initialVideo bool
	closed       bool
}

// NewOutgoing creates a channel for calling a contact.
// No session exists until the first RequestStreams call, which also
// picks the target resource and dialect from the capability cache.
func NewOutgoing(mgr *jingle.Manager, cache *caps.Cache, self, peer jid.JID) *Media {
	m := &Media{
		mgr:   mgr,
		cache: cache,
		group: newGroup(self),
		peer:  peer,
		ids:   make(map[string]uint),
	}
	m.group.flags = Flags{CanAdd: true, CanRemove: true, CanRescind: true}
	m.group.addMember(self)
	return m
}

// NewIncoming wraps a remotely initiated session in a channel.
//
// The caller lands in the members set by their own action; the local
// user goes to local pending with reason invited and may only accept or
// reject.
func NewIncoming(cache *caps.Cache, self jid.JID, sess *jingle.Session) *Media {
	m := &Media{
		cache: cache,
		group: newGroup(self),
		peer:  sess.Peer(),
		ids:   make(map[string]uint),
	}
	m.group.addMember(sess.Peer())
	m.group.invite(self, sess.Peer())
	m.attach(sess)
	for _, c := range sess.Contents() {
		m.track(c)
		switch c.MediaType() {
		case jingle.MediaAudio:
			m.initialAudio = true
		case jingle.MediaVideo:
			m.initialVideo = true
		}
	}
	return m
}

// attach wires the session's notifications into the channel.
func (m *Media) attach(sess *jingle.Session) {
	m.sess = sess
	sess.OnStateChanged = func(s *jingle.Session) {
		if s.State() != jingle.StateTerminated {
			m.notifyStreams()
			return
		}
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.group.mu.Lock()
		m.group.clear()
		m.group.mu.Unlock()
		if m.OnClosed != nil {
			m.OnClosed()
		}
	}
	sess.OnNewContent = func(c *jingle.Content) {
		m.mu.Lock()
		m.trackLocked(c)
		m.mu.Unlock()
		m.notifyStreams()
	}
	sess.OnContentRemoved = func(c *jingle.Content) {
		m.mu.Lock()
		if id, ok := m.ids[c.Name()]; ok {
			delete(m.ids, c.Name())
			for i, n := range m.order {
				if n == c.Name() {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
			_ = id
		}
		m.mu.Unlock()
		m.notifyStreams()
	}
	sess.OnContentUpdated = func(*jingle.Content) { m.notifyStreams() }
	sess.OnHoldChanged = func(h jingle.HoldState, r jingle.HoldReason) {
		if m.OnHoldChanged != nil {
			m.OnHoldChanged(h, r)
		}
	}
	sess.OnCallStateChanged = func(cs jingle.CallState) {
		if m.OnCallStateChanged != nil {
			m.OnCallStateChanged(cs)
		}
	}
}

func (m *Media) notifyStreams() {
	if m.OnStreamsChanged != nil {
		m.OnStreamsChanged()
	}
}

func (m *Media) track(c *jingle.Content) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackLocked(c)
}

func (m *Media) trackLocked(c *jingle.Content) uint {
	if id, ok := m.ids[c.Name()]; ok {
		return id
	}
	m.nextID++
	m.ids[c.Name()] = m.nextID
	m.order = append(m.order, c.Name())
	return m.nextID
}

// Group returns the channel's membership view.
func (m *Media) Group() *Group { return m.group }

// Peer returns the remote party.
func (m *Media) Peer() jid.JID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Session returns the underlying Jingle session, if one exists yet.
func (m *Media) Session() *jingle.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// InitialAudio and InitialVideo report which media the initiate carried.
func (m *Media) InitialAudio() bool { return m.initialAudio }

// InitialVideo reports whether the initiate carried video.
func (m *Media) InitialVideo() bool { return m.initialVideo }

// ImmutableStreams reports whether the stream set is fixed for the
// lifetime of the call.
// With a live session the dialect decides; before one exists the answer
// comes from the peer's cached capabilities.
func (m *Media) ImmutableStreams() bool {
	m.mu.Lock()
	sess := m.sess
	peer := m.peer
	m.mu.Unlock()
	if sess != nil {
		return !sess.Dialect().CanModifyContents()
	}
	for _, cls := range m.cache.CapabilitiesFor(peer) {
		if cls.Type == caps.ClassStreamedMedia {
			return cls.ImmutableStreams
		}
	}
	return false
}

// dialectFor picks the newest dialect the feature set supports.
func dialectFor(features []string) (jingle.Dialect, bool) {
	fs := make(map[string]bool, len(features))
	for _, f := range features {
		fs[f] = true
	}
	switch {
	case fs[caps.FeatureJingle]:
		return jingle.DialectJingle, true
	case fs[caps.FeatureJingle015]:
		return jingle.DialectJingle015, true
	case fs[caps.FeatureGoogleVoice] || fs[caps.FeatureGoogleVideo]:
		return jingle.DialectGTalk4, true
	}
	return jingle.DialectJingle, false
}

// RequestStreams creates one stream per requested media type and returns
// their records in request order.
//
// The first call on an outgoing channel resolves the target resource and
// dialect and creates the session; requesting media the peer is not
// capable of fails with ErrNotCapable, and a peer with no usable
// presence fails with ErrNotAvailable.
// Newly created streams start disconnected with bidirectional intent and
// no pending send flags.
func (m *Media) RequestStreams(ctx context.Context, types ...jingle.MediaType) ([]Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, jingle.ErrTerminated
	}
	sess := m.sess
	peer := m.peer
	m.mu.Unlock()

	if sess == nil {
		target, err := m.resolveTarget(peer, types)
		if err != nil {
			return nil, err
		}
		features := m.cache.FeaturesFor(target)
		d, ok := dialectFor(features)
		if !ok {
			return nil, jingle.ErrNotCapable
		}
		sess, err = m.mgr.Initiate(target, d)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.peer = target
		m.attach(sess)
		m.mu.Unlock()
		m.group.mu.Lock()
		m.group.addMember(target)
		m.group.mu.Unlock()
	} else if err := m.checkCapable(peer, types); err != nil {
		return nil, err
	}

	streams := make([]Stream, 0, len(types))
	for _, t := range types {
		m.mu.Lock()
		m.nextID++
		id := m.nextID
		name := fmt.Sprintf("%s%d", t, id)
		m.mu.Unlock()

		c, err := sess.AddContent(name, t)
		if err != nil {
			return streams, err
		}
		m.mu.Lock()
		m.ids[name] = id
		m.order = append(m.order, name)
		m.mu.Unlock()
		streams = append(streams, m.streamFor(id, c))
	}
	m.notifyStreams()
	return streams, nil
}

// resolveTarget routes the call to one of the contact's resources and
// validates the requested media against its capabilities.
func (m *Media) resolveTarget(peer jid.JID, types []jingle.MediaType) (jid.JID, error) {
	if peer.Resourcepart() != "" {
		if err := m.checkCapable(peer, types); err != nil {
			return jid.JID{}, err
		}
		return peer, nil
	}
	res, ok := PickResource(m.cache.Resources(peer), "")
	if !ok {
		return jid.JID{}, jingle.ErrNotAvailable
	}
	full, err := peer.WithResource(res)
	if err != nil {
		return jid.JID{}, jingle.ErrInvalidArgument
	}
	if err := m.checkCapable(full, types); err != nil {
		return jid.JID{}, err
	}
	return full, nil
}

func (m *Media) checkCapable(target jid.JID, types []jingle.MediaType) error {
	var media *caps.ChannelClass
	for _, cls := range m.cache.CapabilitiesFor(target) {
		if cls.Type == caps.ClassStreamedMedia {
			c := cls
			media = &c
			break
		}
	}
	if media == nil {
		if !m.cache.Online(target) {
			return jingle.ErrNotAvailable
		}
		return jingle.ErrNotCapable
	}
	for _, t := range types {
		switch t {
		case jingle.MediaAudio:
			if !media.Audio {
				return jingle.ErrNotCapable
			}
		case jingle.MediaVideo:
			if !media.Video {
				return jingle.ErrNotCapable
			}
		default:
			return jingle.ErrInvalidArgument
		}
	}
	return nil
}

// RemoveStreams removes the identified streams.
// A stream the peer never acknowledged disappears silently; an
// acknowledged one is removed on the wire. Unknown identifiers fail with
// ErrInvalidArgument before anything is removed.
func (m *Media) RemoveStreams(ctx context.Context, ids ...uint) error {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return jingle.ErrInvalidArgument
	}
	sess := m.sess
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		found := ""
		for name, n := range m.ids {
			if n == id {
				found = name
				break
			}
		}
		if found == "" {
			m.mu.Unlock()
			return jingle.ErrInvalidArgument
		}
		names = append(names, found)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := sess.RemoveContent(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ListStreams returns the channel's current streams.
// The order is not significant.
func (m *Media) ListStreams() []Stream {
	m.mu.Lock()
	sess := m.sess
	ids := make(map[string]uint, len(m.ids))
	for k, v := range m.ids {
		ids[k] = v
	}
	m.mu.Unlock()
	if sess == nil {
		return nil
	}

	var out []Stream
	for _, c := range sess.Contents() {
		id, ok := ids[c.Name()]
		if !ok {
			id = m.track(c)
		}
		out = append(out, m.streamFor(id, c))
	}
	return out
}

func (m *Media) streamFor(id uint, c *jingle.Content) Stream {
	return Stream{
		ID:                id,
		Name:              c.Name(),
		Type:              c.MediaType(),
		State:             c.TransportState(),
		Direction:         c.Direction(),
		PendingLocalSend:  c.PendingLocalSend(),
		PendingRemoteSend: c.PendingRemoteSend(),
	}
}

// RequestHold puts the whole call on or off hold.
func (m *Media) RequestHold(ctx context.Context, hold bool) error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return jingle.ErrNotAvailable
	}
	return sess.RequestHold(ctx, hold)
}

// HoldState returns the call's hold aggregate.
func (m *Media) HoldState() (jingle.HoldState, jingle.HoldReason) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return jingle.HoldUnheld, jingle.HoldReasonNone
	}
	return sess.Hold()
}

// Accept answers an incoming call: the local user moves from local
// pending to full membership, which triggers the session-accept.
func (m *Media) Accept(ctx context.Context) error {
	m.group.mu.Lock()
	self := m.group.self
	if _, pending := m.group.localPending[self.String()]; !pending {
		m.group.mu.Unlock()
		return jingle.ErrInvalidArgument
	}
	m.group.addMember(self)
	m.group.mu.Unlock()

	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return jingle.ErrInvalidArgument
	}
	return sess.Accept(ctx)
}

// Close ends the call.
// An unanswered incoming call is declined; anything else terminates
// normally. The local user leaves the group either way.
func (m *Media) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sess := m.sess
	m.mu.Unlock()

	reason := jingle.ReasonSuccess
	if m.group.SelfPending() {
		reason = jingle.ReasonDecline
	}
	m.group.mu.Lock()
	m.group.clear()
	m.group.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Terminate(ctx, reason)
}

// Ring reports local ringing to the caller of an incoming call.
func (m *Media) Ring(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return jingle.ErrInvalidArgument
	}
	return sess.Ring(ctx)
}
