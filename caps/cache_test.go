// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/xmpp/jid"
)

var (
	laptopJID = jid.MustParse("juliet@example.com/laptop")
	phoneJID  = jid.MustParse("juliet@example.com/phone")
	bareJID   = jid.MustParse("juliet@example.com")
)

type fakeQuerier struct {
	mu    sync.Mutex
	info  Info
	err   error
	calls []string
}

func (q *fakeQuerier) QueryInfo(_ context.Context, _ jid.JID, node string) (Info, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, node)
	return q.info, q.err
}

func (q *fakeQuerier) setErr(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *fakeQuerier) nodes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.calls))
	copy(out, q.calls)
	return out
}

// subscriber records every notification delivered to it.
type subscriber struct {
	mu    sync.Mutex
	count int
	last  []ChannelClass
}

func (s *subscriber) record(_ jid.JID, cls []ChannelClass) {
	s.mu.Lock()
	s.count++
	s.last = cls
	s.mu.Unlock()
}

func (s *subscriber) notifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

var jingleInfo = Info{
	Identities: []Identity{{Category: "client", Type: "pc", Name: "Gabble"}},
	Features: []string{
		FeatureJingle, FeatureRTP, FeatureRTPAudio, FeatureRTPVideo, FeatureTransportICE,
	},
}

// A hash is resolved with a single disco query no matter how many
// resources announce it; repeat announcements answer from the cache but
// still re-notify subscribers.
func TestHashResolvedOnce(t *testing.T) {
	ctx := context.Background()
	q := &fakeQuerier{info: jingleInfo}
	c := &Cache{Querier: q}
	sub := &subscriber{}
	c.Subscribe(sub.record)

	ver := Ver(jingleInfo)
	ann := Presence{Node: "http://example.org/gabble", Ver: ver, Hash: "sha-1", Availability: Available}

	c.RecordPresence(ctx, laptopJID, ann)
	require.Eventually(t, func() bool {
		return len(c.FeaturesFor(laptopJID)) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"http://example.org/gabble#" + ver}, q.nodes())

	cls := c.CapabilitiesFor(bareJID)
	_, ok := callClass(cls)
	assert.True(t, ok, "resolved contact should be call capable")

	// Second resource, same hash: no new query, but a fresh notification.
	before := sub.notifications()
	c.RecordPresence(ctx, phoneJID, ann)
	assert.Equal(t, 1, len(q.nodes()), "known hash must not be re-queried")
	assert.Greater(t, sub.notifications(), before)
	assert.NotEmpty(t, c.FeaturesFor(phoneJID))
}

// A reply that does not hash to the announced value proves nothing: it
// must not change the live capability set, and the next announcement of
// the same hash starts a fresh query.
func TestHashMismatchDiscarded(t *testing.T) {
	ctx := context.Background()
	q := &fakeQuerier{}
	c := &Cache{Querier: q}

	c.RecordPresence(ctx, laptopJID, Presence{Node: "n", Ver: "bogus", Hash: "sha-1", Availability: Available})
	c.RecordDiscoReply(laptopJID, "n#bogus", jingleInfo)
	assert.Empty(t, c.FeaturesFor(laptopJID), "mismatched reply must not apply")

	// The same announcement from another resource starts over.
	other := jid.MustParse("romeo@example.net/desk")
	c.RecordPresence(ctx, other, Presence{Node: "n", Ver: "bogus", Hash: "sha-1", Availability: Available})
	assert.Empty(t, c.FeaturesFor(other), "unverified info must not be shared across resources")
}

// A verified reply for a hash the resource no longer announces is stale:
// the live set follows the most recent announcement.
func TestSupersededHashIgnored(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}

	oldInfo := jingleInfo
	oldVer := Ver(oldInfo)
	newInfo := Info{Features: []string{FeatureTubes}}
	newVer := Ver(newInfo)

	c.RecordPresence(ctx, laptopJID, Presence{Node: "n", Ver: oldVer, Hash: "sha-1", Availability: Available})
	c.RecordPresence(ctx, laptopJID, Presence{Node: "n", Ver: newVer, Hash: "sha-1", Availability: Available})

	// The reply to the first query limps in after the announcement
	// changed. It verifies, so the shared cache learns it, but the
	// resource must not be rewound to it.
	c.RecordDiscoReply(laptopJID, "n#"+oldVer, oldInfo)
	assert.Empty(t, c.FeaturesFor(laptopJID), "superseded reply must not apply to the resource")

	c.RecordDiscoReply(laptopJID, "n#"+newVer, newInfo)
	assert.Equal(t, []string{FeatureTubes}, c.FeaturesFor(laptopJID))

	// The verified old hash still serves contacts that announce it now.
	other := jid.MustParse("romeo@example.net/desk")
	c.RecordPresence(ctx, other, Presence{Node: "n", Ver: oldVer, Hash: "sha-1", Availability: Available})
	assert.NotEmpty(t, c.FeaturesFor(other))
}

// A failed disco query must not wedge its hash forever: the pending
// entry is dropped so a later announcement queries again.
func TestFailedQueryRetries(t *testing.T) {
	ctx := context.Background()
	q := &fakeQuerier{info: jingleInfo}
	q.setErr(errors.New("remote-server-timeout"))
	c := &Cache{Querier: q}

	ver := Ver(jingleInfo)
	ann := Presence{Node: "n", Ver: ver, Hash: "sha-1", Availability: Available}
	c.RecordPresence(ctx, laptopJID, ann)
	require.Eventually(t, func() bool {
		return len(q.nodes()) == 1
	}, time.Second, time.Millisecond)

	// Once the failure has been processed, a fresh announcement of the
	// same hash triggers a new query.
	q.setErr(nil)
	require.Eventually(t, func() bool {
		c.RecordPresence(ctx, phoneJID, ann)
		return len(q.nodes()) >= 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(c.FeaturesFor(phoneJID)) > 0
	}, time.Second, time.Millisecond)
}

// A disco reply that arrives after the contact signed off is stale and
// changes nothing.
func TestStaleReplyIgnored(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}
	sub := &subscriber{}
	c.Subscribe(sub.record)

	c.RecordPresence(ctx, laptopJID, Presence{Availability: Available})
	c.RecordPresence(ctx, laptopJID, Presence{Availability: Offline})
	require.False(t, c.Online(bareJID))

	before := sub.notifications()
	c.RecordDiscoReply(laptopJID, "n#x", jingleInfo)
	assert.Empty(t, c.FeaturesFor(bareJID))
	assert.Equal(t, before, sub.notifications())
}

// Legacy Google Talk announcements list bundles in the ext attribute;
// token order carries no meaning and the well-known bundles resolve
// without any disco traffic.
func TestLegacyExtBundles(t *testing.T) {
	ctx := context.Background()
	for _, ext := range []string{"voice-v1 video-v1", "video-v1 voice-v1"} {
		q := &fakeQuerier{}
		c := &Cache{Querier: q}
		c.RecordPresence(ctx, laptopJID, Presence{Node: "http://www.google.com/xmpp/client/caps", Ext: ext, Availability: Available})

		assert.Empty(t, q.nodes(), "pre-trusted bundles must not be queried")
		cls := c.CapabilitiesFor(bareJID)
		call, ok := callClass(cls)
		require.True(t, ok, "ext %q", ext)
		assert.True(t, call.InitialAudio, "ext %q", ext)
		assert.True(t, call.InitialVideo, "ext %q", ext)
		m := mediaClass(t, cls)
		assert.True(t, m.ImmutableStreams, "google-only contact should have a fixed stream set")
	}
}

// An unknown ext token is resolved by disco and then learned as a bundle
// for everyone.
func TestLegacyExtUnknownToken(t *testing.T) {
	ctx := context.Background()
	tubeInfo := Info{Features: []string{FeatureTubes}}
	q := &fakeQuerier{info: tubeInfo}
	c := &Cache{Querier: q}

	c.RecordPresence(ctx, laptopJID, Presence{Node: "n", Ext: "tubes-v1", Availability: Available})
	require.Eventually(t, func() bool {
		return len(c.FeaturesFor(laptopJID)) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"n#tubes-v1"}, q.nodes())

	// A second contact with the same token resolves from the learned
	// bundle.
	other := jid.MustParse("romeo@example.net/desk")
	c.RecordPresence(ctx, other, Presence{Node: "n", Ext: "tubes-v1", Availability: Available})
	assert.Equal(t, 1, len(q.nodes()))
	assert.Contains(t, c.FeaturesFor(other), FeatureTubes)
}

// The most available resource wins; on equal rank the current winner is
// kept so derived properties do not flip-flop.
func TestWinnerSelection(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}

	c.RecordPresence(ctx, laptopJID, Presence{Availability: Available})
	c.RecordDiscoReply(laptopJID, "n#a", Info{Identities: []Identity{{Category: "client", Type: "pc"}}})
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Away})
	c.RecordDiscoReply(phoneJID, "n#b", Info{Identities: []Identity{{Category: "client", Type: "phone"}}})

	assert.Equal(t, ClientPC, c.ClientTypeFor(bareJID), "available laptop outranks away phone")

	// Equal rank does not steal the crown.
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Available})
	assert.Equal(t, ClientPC, c.ClientTypeFor(bareJID))

	// A higher rank does.
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Chat})
	assert.Equal(t, ClientPhone, c.ClientTypeFor(bareJID))

	// The winner going offline recomputes from what is left.
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Offline})
	assert.Equal(t, ClientPC, c.ClientTypeFor(bareJID))

	c.RecordPresence(ctx, laptopJID, Presence{Availability: Offline})
	assert.Equal(t, ClientUnknown, c.ClientTypeFor(bareJID))
	assert.False(t, c.Online(bareJID))
}

// A full JID restricts the derived classes to that resource; the bare
// JID aggregates all of them.
func TestPerResourceClasses(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}

	c.RecordPresence(ctx, laptopJID, Presence{Availability: Available})
	c.RecordDiscoReply(laptopJID, "n#a", jingleInfo)
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Available})
	c.RecordDiscoReply(phoneJID, "n#b", Info{Features: []string{FeatureTubes}})

	_, hasCall := callClass(c.CapabilitiesFor(laptopJID))
	assert.True(t, hasCall)
	_, hasCall = callClass(c.CapabilitiesFor(phoneJID))
	assert.False(t, hasCall)
	_, hasCall = callClass(c.CapabilitiesFor(bareJID))
	assert.True(t, hasCall, "bare JID should aggregate resources")
}

func TestSubscribeCancel(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}
	sub := &subscriber{}
	cancel := c.Subscribe(sub.record)

	c.RecordPresence(ctx, laptopJID, Presence{Availability: Available})
	require.Greater(t, sub.notifications(), 0)

	before := sub.notifications()
	cancel()
	c.RecordPresence(ctx, laptopJID, Presence{Availability: Away})
	assert.Equal(t, before, sub.notifications())
}

func TestResources(t *testing.T) {
	ctx := context.Background()
	c := &Cache{}
	c.RecordPresence(ctx, laptopJID, Presence{Availability: Available})
	c.RecordDiscoReply(laptopJID, "n#a", Info{Identities: []Identity{{Category: "client", Type: "pc"}}})
	c.RecordPresence(ctx, phoneJID, Presence{Availability: Away})

	rs := c.Resources(bareJID)
	require.Len(t, rs, 2)
	byName := make(map[string]ResourceInfo, len(rs))
	for _, r := range rs {
		byName[r.Resource] = r
	}
	assert.Equal(t, Available, byName["laptop"].Availability)
	assert.Equal(t, ClientPC, byName["laptop"].ClientType)
	assert.Equal(t, Away, byName["phone"].Availability)
	assert.Equal(t, ClientUnknown, byName["phone"].ClientType)
}
