// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mellium.im/jingle/internal/jingletest"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

func testManager(t *testing.T) (*Manager, *jingletest.FakeSender) {
	t.Helper()
	f := &jingletest.FakeSender{JID: jid.MustParse("romeo@example.net/orchard")}
	return &Manager{Sender: f}, f
}

var (
	testPeer   = jid.MustParse("juliet@example.com/balcony")
	testCodecs = []Codec{{ID: 96, Name: "speex", Clockrate: 16000}}
	testCand   = Candidate{ID: "c1", Address: "203.0.113.1", Port: 19902, Protocol: "udp", Type: "host"}
)

// Contents requested before negotiation starts are folded into one
// session-initiate, and nothing goes out until all of them are ready.
func TestBatchedInitiate(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)

	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	camera, err := sess.AddContent("camera", MediaVideo)
	require.NoError(t, err)

	require.NoError(t, voice.SetLocalCodecs(ctx, testCodecs))
	require.NoError(t, voice.AddLocalCandidates(ctx, testCand))
	assert.Equal(t, 0, f.Len(), "initiate sent before all contents ready")

	require.NoError(t, camera.SetLocalCodecs(ctx, testCodecs))
	assert.Equal(t, 0, f.Len(), "initiate sent before camera has candidates")
	require.NoError(t, camera.AddLocalCandidates(ctx, testCand))

	require.Equal(t, 1, f.Len())
	sent := f.Last()
	assert.Contains(t, sent, `action="session-initiate"`)
	assert.Contains(t, sent, `name="voice"`)
	assert.Contains(t, sent, `name="camera"`)
	assert.Equal(t, ContentStateSent, voice.State())
	assert.Equal(t, ContentStateSent, camera.State())
	assert.Equal(t, StatePendingInitiate, sess.State())

	// Later candidates go out as transport-info.
	require.NoError(t, voice.AddLocalCandidates(ctx, Candidate{ID: "c2", Address: "198.51.100.7", Port: 20000, Protocol: "udp", Type: "srflx"}))
	require.Equal(t, 2, f.Len())
	assert.Contains(t, f.Last(), `action="transport-info"`)
	assert.Contains(t, f.Last(), "198.51.100.7")
}

func TestAddContentValidation(t *testing.T) {
	m, _ := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	_, err = sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	_, err = sess.AddContent("voice", MediaAudio)
	assert.ErrorIs(t, err, ErrInvalidArgument, "duplicate name")
	_, err = sess.AddContent("", MediaAudio)
	assert.ErrorIs(t, err, ErrInvalidArgument, "empty name")

	gtalk3, err := m.Initiate(testPeer, DialectGTalk3)
	require.NoError(t, err)
	_, err = gtalk3.AddContent("camera", MediaVideo)
	assert.ErrorIs(t, err, ErrNotCapable, "gtalk-v0.3 has no video")
	_, err = gtalk3.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	_, err = gtalk3.AddContent("more", MediaAudio)
	assert.ErrorIs(t, err, ErrNotCapable, "google dialects carry a single stream")
}

// A content removed while its initiate is unacknowledged is suppressed
// locally, and the peer's later acceptance must not bring it back.
func TestNoResurrection(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)

	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	camera, err := sess.AddContent("camera", MediaVideo)
	require.NoError(t, err)
	for _, c := range []*Content{voice, camera} {
		require.NoError(t, c.SetLocalCodecs(ctx, testCodecs))
		require.NoError(t, c.AddLocalCandidates(ctx, testCand))
	}
	require.Equal(t, 1, f.Len())

	var removed []string
	sess.OnContentRemoved = func(c *Content) { removed = append(removed, c.Name()) }
	require.NoError(t, sess.RemoveContent(ctx, "camera"))
	assert.Equal(t, 1, f.Len(), "unacknowledged removal should be wire silent")
	assert.Equal(t, []string{"camera"}, removed)

	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='session-accept' sid='`+sess.SID()+`'>
		<content name='voice' creator='initiator'>
			<description xmlns='urn:xmpp:jingle:apps:rtp:1' media='audio'>
				<payload-type id='96' name='speex' clockrate='16000'/>
			</description>
		</content>
		<content name='camera' creator='initiator'>
			<description xmlns='urn:xmpp:jingle:apps:rtp:1' media='video'/>
		</content>
	</jingle>`)
	require.NoError(t, sess.handle(ctx, ActionSessionAccept, env))

	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, ContentStateAcknowledged, voice.State())
	_, ok := sess.Content("camera")
	assert.False(t, ok, "removed content resurrected by late accept")
	require.Len(t, sess.Contents(), 1)

	// A transport-info for the retired name is ignored, not an error.
	ti := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='transport-info' sid='`+sess.SID()+`'>
		<content name='camera' creator='initiator'>
			<transport xmlns='urn:xmpp:jingle:transports:ice-udp:1'>
				<candidate id='x' address='192.0.2.1' port='1000' protocol='udp' type='host'/>
			</transport>
		</content>
	</jingle>`)
	assert.NoError(t, sess.handle(ctx, ActionTransportInfo, ti))
}

func TestAcknowledgedRemovalSignalled(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	require.NoError(t, voice.SetLocalCodecs(ctx, testCodecs))
	require.NoError(t, voice.AddLocalCandidates(ctx, testCand))

	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='session-accept' sid='`+sess.SID()+`'>
		<content name='voice' creator='initiator'/>
	</jingle>`)
	require.NoError(t, sess.handle(ctx, ActionSessionAccept, env))
	require.Equal(t, ContentStateAcknowledged, voice.State())

	require.NoError(t, sess.RemoveContent(ctx, "voice"))
	require.Equal(t, 2, f.Len())
	assert.Contains(t, f.Last(), `action="content-remove"`)
	assert.Contains(t, f.Last(), `name="voice"`)
}

func TestIncomingSession(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	var got *Session
	m.IncomingSession = func(s *Session) { got = s }

	iq := stanza.IQ{From: testPeer, Type: stanza.SetIQ}
	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='session-initiate' sid='in1' initiator='juliet@example.com/balcony'>
		<content name='voice' creator='initiator' senders='both'>
			<description xmlns='urn:xmpp:jingle:apps:rtp:1' media='audio'>
				<payload-type id='96' name='speex' clockrate='16000'/>
			</description>
			<transport xmlns='urn:xmpp:jingle:transports:ice-udp:1'/>
		</content>
	</jingle>`)
	require.NoError(t, m.dispatch(iq, env))
	require.NotNil(t, got)

	assert.Equal(t, "in1", got.SID())
	assert.Equal(t, StatePendingAccept, got.State())
	assert.False(t, got.LocalInitiator())
	require.Len(t, got.Contents(), 1)
	voice := got.Contents()[0]
	assert.Equal(t, ContentStateNew, voice.State())
	assert.True(t, voice.PendingLocalSend())
	assert.Equal(t, DirectionReceive, voice.Direction(), "must not report sending before the user accepts")
	require.Len(t, voice.RemoteCodecs(), 1)

	// Accept records the decision; the stanza waits for the media layer.
	require.NoError(t, got.Accept(ctx))
	assert.Equal(t, 0, f.Len())
	require.NoError(t, voice.SetLocalCodecs(ctx, testCodecs))

	require.Equal(t, 1, f.Len())
	assert.Contains(t, f.Last(), `action="session-accept"`)
	assert.Equal(t, StateActive, got.State())
	assert.Equal(t, ContentStateAcknowledged, voice.State())
	assert.False(t, voice.PendingLocalSend())
	assert.Equal(t, DirectionBoth, voice.Direction())
}

func TestIncomingDuplicateSID(t *testing.T) {
	m, _ := testManager(t)
	iq := stanza.IQ{From: testPeer, Type: stanza.SetIQ}
	initiate := `<jingle xmlns='urn:xmpp:jingle:1' action='session-initiate' sid='dup1'>
		<content name='voice' creator='initiator'>
			<description xmlns='urn:xmpp:jingle:apps:rtp:1' media='audio'/>
		</content>
	</jingle>`
	require.NoError(t, m.dispatch(iq, decodeEnvelope(t, initiate)))
	err := m.dispatch(iq, decodeEnvelope(t, initiate))
	var serr stanza.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stanza.UnexpectedRequest, serr.Condition)
}

func TestDispatchUnknownSession(t *testing.T) {
	m, _ := testManager(t)
	iq := stanza.IQ{From: testPeer, Type: stanza.SetIQ}
	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='session-accept' sid='nope'/>`)
	err := m.dispatch(iq, env)
	var serr stanza.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stanza.ItemNotFound, serr.Condition)
}

// A google initiate with no transport element is an old client speaking
// GTalk 0.3: no transport negotiation, candidates arrive bare.
func TestGTalkDowngrade(t *testing.T) {
	m, f := testManager(t)
	var got *Session
	m.IncomingSession = func(s *Session) { got = s }
	iq := stanza.IQ{From: testPeer, Type: stanza.SetIQ}
	env := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='initiate' id='g3' initiator='juliet@example.com/balcony'>
		<description xmlns='http://www.google.com/session/phone'>
			<payload-type id='103' name='ISAC' clockrate='16000'/>
		</description>
	</session>`)
	require.NoError(t, m.dispatch(iq, env))
	require.NotNil(t, got)
	assert.Equal(t, DialectGTalk3, got.Dialect())
	assert.Equal(t, 0, f.Len(), "gtalk-v0.3 has no transport-accept handshake")
}

func TestGTalk4IncomingHandshake(t *testing.T) {
	m, f := testManager(t)
	var got *Session
	m.IncomingSession = func(s *Session) { got = s }
	iq := stanza.IQ{From: testPeer, Type: stanza.SetIQ}
	env := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='initiate' id='g4' initiator='juliet@example.com/balcony'>
		<description xmlns='http://www.google.com/session/phone'>
			<payload-type id='103' name='ISAC' clockrate='16000'/>
		</description>
		<transport xmlns='http://www.google.com/transport/p2p'/>
	</session>`)
	require.NoError(t, m.dispatch(iq, env))
	require.NotNil(t, got)
	assert.Equal(t, DialectGTalk4, got.Dialect())

	// The handshake reply is sent from outside the handler.
	assert.Eventually(t, func() bool { return f.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.Last(), `type="transport-accept"`)
}

// An outgoing GTalk4 session queues candidates gathered after the
// initiate until the peer acknowledges the transport.
func TestGTalk4CandidateQueue(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectGTalk4)
	require.NoError(t, err)
	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	require.NoError(t, voice.SetLocalCodecs(ctx, testCodecs))
	require.NoError(t, voice.AddLocalCandidates(ctx, testCand))
	require.Equal(t, 1, f.Len())
	assert.Contains(t, f.Last(), `type="initiate"`)

	late := Candidate{ID: "c2", Address: "198.51.100.7", Port: 20000, Protocol: "udp", Type: "srflx"}
	require.NoError(t, voice.AddLocalCandidates(ctx, late))
	assert.Equal(t, 1, f.Len(), "candidate sent before transport-accept")

	env := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='transport-accept' id='`+sess.SID()+`'>
		<transport xmlns='http://www.google.com/transport/p2p'/>
	</session>`)
	require.NoError(t, sess.handle(ctx, ActionTransportAccept, env))

	assert.Eventually(t, func() bool { return f.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.Last(), `type="transport-info"`)
	assert.Contains(t, f.Last(), "198.51.100.7")
	assert.NotContains(t, f.Last(), "203.0.113.1", "already sent candidates must not be flushed again")
}

// The Google dialects have no content names on the wire, so everything
// the peer sends parses as the implicit "gtalk" content. On an outgoing
// call the local content keeps the caller's name, and inbound accepts
// and candidates must still land on it.
func TestGTalk4OutgoingAccept(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectGTalk4)
	require.NoError(t, err)
	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)
	require.NoError(t, voice.SetLocalCodecs(ctx, testCodecs))
	require.NoError(t, voice.AddLocalCandidates(ctx, testCand))
	require.Equal(t, 1, f.Len())

	accept := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='accept' id='`+sess.SID()+`' initiator='romeo@example.net/orchard'>
		<description xmlns='http://www.google.com/session/phone'>
			<payload-type id='103' name='ISAC' clockrate='16000'/>
		</description>
	</session>`)
	require.NoError(t, sess.handle(ctx, ActionSessionAccept, accept))
	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, ContentStateAcknowledged, voice.State())
	require.Len(t, voice.RemoteCodecs(), 1)
	assert.Equal(t, "ISAC", voice.RemoteCodecs()[0].Name)

	cands := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='candidates' id='`+sess.SID()+`'>
		<transport xmlns='http://www.google.com/transport/p2p'>
			<candidate name='rtp' address='198.51.100.7' port='20000' protocol='udp' type='stun'/>
		</transport>
	</session>`)
	require.NoError(t, sess.handle(ctx, ActionTransportInfo, cands))
	require.Len(t, voice.RemoteCandidates(), 1)
	assert.Equal(t, "198.51.100.7", voice.RemoteCandidates()[0].Address)
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	require.NoError(t, sess.Terminate(ctx, ReasonSuccess))

	assert.Equal(t, StateTerminated, sess.State())
	assert.Equal(t, ReasonSuccess, sess.TerminateReason())
	_, ok := m.Session(sess.SID())
	assert.False(t, ok)
	require.Equal(t, 1, f.Len())
	assert.Contains(t, f.Last(), `action="session-terminate"`)
	assert.Contains(t, f.Last(), "<success>")

	// Terminating twice is a no-op.
	require.NoError(t, sess.Terminate(ctx, ReasonSuccess))
	assert.Equal(t, 1, f.Len())
}

// A declined google call goes out as the reject action.
func TestTerminateGoogleReject(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectGTalk3)
	require.NoError(t, err)
	require.NoError(t, sess.Terminate(ctx, ReasonDecline))
	require.Equal(t, 1, f.Len())
	assert.Contains(t, f.Last(), `type="reject"`)

	sess, err = m.Initiate(testPeer, DialectGTalk4)
	require.NoError(t, err)
	require.NoError(t, sess.Terminate(ctx, ReasonSuccess))
	assert.Contains(t, f.Last(), `type="terminate"`)
}

func TestRemoteTerminate(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='session-terminate' sid='`+sess.SID()+`'>
		<reason><busy/></reason>
	</jingle>`)
	require.NoError(t, sess.handle(ctx, ActionSessionTerminate, env))
	assert.Equal(t, StateTerminated, sess.State())
	assert.Equal(t, ReasonBusy, sess.TerminateReason())
	_, ok := m.Session(sess.SID())
	assert.False(t, ok)
}

func TestRemoteRejectIsDecline(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess, err := m.Initiate(testPeer, DialectGTalk3)
	require.NoError(t, err)
	env := decodeEnvelope(t, `<session xmlns='http://www.google.com/session' type='reject' id='`+sess.SID()+`'/>`)
	require.NoError(t, sess.handle(ctx, ActionSessionTerminate, env))
	assert.Equal(t, ReasonDecline, sess.TerminateReason())
}

func TestContentModifyClearsPendingRemoteSend(t *testing.T) {
	ctx := context.Background()
	m, f := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	voice, err := sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)

	// Drop the peer's send role, then ask for it back.
	require.NoError(t, voice.RequestSenders(ctx, SendersInitiator))
	assert.False(t, voice.PendingRemoteSend())
	require.NoError(t, voice.RequestSenders(ctx, SendersBoth))
	assert.True(t, voice.PendingRemoteSend())
	assert.Contains(t, f.Last(), `action="content-modify"`)

	env := decodeEnvelope(t, `<jingle xmlns='urn:xmpp:jingle:1' action='content-modify' sid='`+sess.SID()+`'>
		<content name='voice' creator='initiator' senders='both'/>
	</jingle>`)
	require.NoError(t, sess.handle(ctx, ActionContentModify, env))
	assert.False(t, voice.PendingRemoteSend())
}

// Close must resolve every blocked call instead of letting it hang on a
// dead connection.
func TestCloseResolvesWaiters(t *testing.T) {
	m, _ := testManager(t)
	sess, err := m.Initiate(testPeer, DialectJingle)
	require.NoError(t, err)
	_, err = sess.AddContent("voice", MediaAudio)
	require.NoError(t, err)

	directive := make(chan struct{}, 1)
	sess.OnHoldDirective = func(*Content, bool) { directive <- struct{}{} }

	errs := make(chan error, 1)
	go func() { errs <- sess.RequestHold(context.Background(), true) }()
	select {
	case <-directive:
	case <-time.After(time.Second):
		t.Fatal("no hold directive issued")
	}

	require.NoError(t, m.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("hold still pending after close")
	}

	_, err = m.Initiate(testPeer, DialectJingle)
	assert.ErrorIs(t, err, ErrDisconnected)
}
