// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"
	"encoding/xml"
	"sync"

	"mellium.im/xmpp/jid"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// StatePendingInitiate is an outgoing session that has not been
	// accepted by the peer yet.
	// The session-initiate itself may not have been sent: contents
	// requested before it goes out are folded into a single stanza.
	StatePendingInitiate SessionState = iota

	// StatePendingAccept is an incoming session waiting for the local
	// user to accept or reject it.
	StatePendingAccept

	// StateActive is an established session.
	StateActive

	// StateTerminated is terminal.
	StateTerminated
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StatePendingInitiate:
		return "pending-initiate"
	case StatePendingAccept:
		return "pending-accept"
	case StateActive:
		return "active"
	}
	return "terminated"
}

// Reasons passed to Terminate and reported for remotely ended sessions.
const (
	ReasonSuccess = "success"
	ReasonBusy    = "busy"
	ReasonDecline = "decline"
	ReasonCancel  = "cancel"
	ReasonError   = "general-error"
)

// Session is a single Jingle negotiation with one peer.
//
// The notification fields must be set before the session sees any
// traffic (for incoming sessions, from the Manager's IncomingSession
// callback) and are invoked without any lock held.
type Session struct {
	m *Manager

	// OnStateChanged is called after every session state transition.
	OnStateChanged func(*Session)

	// OnNewContent is called when the peer adds a content, including
	// the contents of an incoming session-initiate.
	OnNewContent func(*Content)

	// OnContentRemoved is called when a content disappears for any
	// reason other than session termination.
	OnContentRemoved func(*Content)

	// OnContentUpdated is called when a content's senders, transport
	// state, direction, or remote media information changes.
	OnContentUpdated func(*Content)

	// OnCallStateChanged reports remote session-info notifications.
	OnCallStateChanged func(CallState)

	// OnHoldChanged reports local hold aggregate transitions.
	OnHoldChanged func(HoldState, HoldReason)

	// OnHoldDirective asks the media layer to mute or restore sending
	// on one content.
	// The media layer answers with Content.AckHold or
	// Content.UnholdFailed.
	OnHoldDirective func(*Content, bool)

	mu              sync.Mutex
	sid             string
	dialect         Dialect
	peer            jid.JID
	initiator       jid.JID
	localInitiator  bool
	state           SessionState
	contents        []*Content
	removed         map[string]bool
	localAccepted   bool
	initiateSent    bool
	terminateReason string
	callState       CallState
	hold            holdController

	// GTalk4 requires a transport-accept handshake before candidates
	// may flow; until then locally gathered candidates are queued.
	transportAccepted bool
	queuedCandidates  map[string][]Candidate
}

// SID returns the session identifier.
func (s *Session) SID() string { return s.sid }

// Peer returns the remote party.
func (s *Session) Peer() jid.JID { return s.peer }

// Dialect returns the wire dialect the session speaks.
func (s *Session) Dialect() Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect
}

// LocalInitiator reports whether the local side started the session.
func (s *Session) LocalInitiator() bool { return s.localInitiator }

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TerminateReason returns the reason the session ended, if it has.
func (s *Session) TerminateReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateReason
}

// CallState returns the call state last reported by the peer.
func (s *Session) CallState() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callState
}

// Contents returns the session's contents in creation order.
func (s *Session) Contents() []*Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Content, len(s.contents))
	copy(out, s.contents)
	return out
}

// Content looks a content up by name.
func (s *Session) Content(name string) (*Content, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.content(name)
	return c, c != nil
}

func (s *Session) content(name string) *Content {
	for _, c := range s.contents {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Hold returns the local hold aggregate.
func (s *Session) Hold() (HoldState, HoldReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hold.state, s.hold.reason
}

func (s *Session) notifyState() {
	if s.OnStateChanged != nil {
		s.OnStateChanged(s)
	}
}

func (s *Session) notifyContent(c *Content) {
	if s.OnContentUpdated != nil {
		s.OnContentUpdated(c)
	}
}

// sendFunc is a deferred stanza send prepared under the session lock
// and executed after it is released.
type sendFunc func(context.Context) error

// actionSender builds a deferred send for one action.
// Callers must hold the session lock.
func (s *Session) actionSender(a Action, contents []contentView, extra xml.TokenReader) sendFunc {
	if !s.dialect.defines(a) {
		return nil
	}
	payload := marshalEnvelope(s.dialect, a, s.sid, s.initiator.String(), contents, extra)
	m, peer := s.m, s.peer
	return func(ctx context.Context) error {
		return m.send(ctx, peer, payload)
	}
}

func runSend(ctx context.Context, send sendFunc) error {
	if send == nil {
		return nil
	}
	return send(ctx)
}

// AddContent creates a new locally requested content.
//
// The content starts empty and is signalled to the peer once the media
// layer has reported codecs and (for RTP media) at least one candidate:
// in the initial session-initiate if negotiation has not started, or in
// a content-add on an active session.
func (s *Session) AddContent(name string, media MediaType) (*Content, error) {
	s.mu.Lock()
	var err error
	switch {
	case s.state == StateTerminated:
		err = ErrTerminated
	case s.state != StatePendingInitiate && !s.dialect.CanModifyContents():
		err = ErrNotCapable
	case s.dialect == DialectGTalk3 && media == MediaVideo:
		err = ErrNotCapable
	case s.dialect.Google() && len(s.contents) > 0:
		// The Google dialects carry exactly one implicit stream.
		err = ErrNotCapable
	case name == "" || s.content(name) != nil || s.removed[name]:
		err = ErrInvalidArgument
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	c := &Content{
		sess:           s,
		name:           name,
		locallyCreated: true,
		disposition:    "session",
		mediaType:      media,
		senders:        SendersBoth,
		state:          ContentStateEmpty,
		transportNS:    s.defaultTransportNS(),
	}
	s.contents = append(s.contents, c)
	startHeld := s.hold.contentAdded(s, c)
	s.mu.Unlock()

	if startHeld && s.OnHoldDirective != nil {
		s.OnHoldDirective(c, true)
	}
	return c, nil
}

func (s *Session) defaultTransportNS() string {
	if s.dialect.Google() {
		return NSTransportP2P
	}
	return NSTransportICE
}

// RemoveContent removes a content.
//
// A content the peer has never acknowledged is removed silently, even if
// it has already been carried in an initiate: from the peer's point of
// view it never existed as accepted. Only an acknowledged content is
// removed with a fire-and-forget content-remove.
// Either way the name is retired: a late peer stanza naming it is
// ignored rather than resurrecting the content.
func (s *Session) RemoveContent(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	c := s.content(name)
	if c == nil {
		s.mu.Unlock()
		return ErrInvalidArgument
	}
	onWire := c.state == ContentStateAcknowledged
	if onWire && !s.dialect.CanModifyContents() {
		s.mu.Unlock()
		return ErrNotCapable
	}
	var send sendFunc
	if onWire {
		send = s.actionSender(ActionContentRemove, []contentView{c.view(false, false)}, nil)
	}
	s.drop(c)
	s.mu.Unlock()

	if s.OnContentRemoved != nil {
		s.OnContentRemoved(c)
	}
	return runSend(ctx, send)
}

// drop removes c from the content list and retires its name.
// Callers must hold the session lock.
func (s *Session) drop(c *Content) {
	c.state = ContentStateRemoved
	if s.removed == nil {
		s.removed = make(map[string]bool)
	}
	s.removed[c.name] = true
	for i, cc := range s.contents {
		if cc == c {
			s.contents = append(s.contents[:i], s.contents[i+1:]...)
			break
		}
	}
}

// Accept accepts an incoming session.
//
// The session-accept is sent once every content's media layer has
// reported readiness; Accept itself only records the decision, so the
// stanza may go out later from a media layer callback.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if s.state != StatePendingAccept {
		s.mu.Unlock()
		return ErrInvalidArgument
	}
	s.localAccepted = true
	s.mu.Unlock()
	return s.maybeReady(ctx)
}

// Terminate ends the session, notifying the peer with the given reason.
// Terminating an already terminated session is a no-op.
func (s *Session) Terminate(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	send := s.terminateSender(reason)
	s.finish(reason)
	waiters := s.hold.takeWaiters()
	s.mu.Unlock()

	for _, w := range waiters {
		w <- ErrTerminated
	}
	s.m.forget(s.sid)
	s.notifyState()
	return runSend(ctx, send)
}

// terminateSender prepares the session-terminate stanza.
// Callers must hold the session lock.
func (s *Session) terminateSender(reason string) sendFunc {
	if s.dialect.Google() {
		// A declined incoming call maps onto the reject action.
		name := "terminate"
		if reason == ReasonDecline || reason == ReasonBusy {
			name = "reject"
		}
		payload := marshalGoogleAction(s.dialect, name, s.sid, s.initiator.String())
		m, peer := s.m, s.peer
		return func(ctx context.Context) error {
			return m.send(ctx, peer, payload)
		}
	}
	return s.actionSender(ActionSessionTerminate, nil, reasonReader(s.dialect, reason))
}

// finish moves the session to Terminated and tears down its contents.
// Callers must hold the session lock.
func (s *Session) finish(reason string) {
	s.state = StateTerminated
	s.terminateReason = reason
	for _, c := range s.contents {
		c.state = ContentStateRemoved
	}
	s.contents = nil
}

// abort terminates the session locally without touching the wire and
// resolves every pending wait with err.
// It is used at disconnect time.
func (s *Session) abort(err error) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.finish(ReasonError)
	waiters := s.hold.takeWaiters()
	s.mu.Unlock()

	for _, w := range waiters {
		w <- err
	}
	s.notifyState()
}

// maybeReady is called whenever a readiness input changes: the media
// layer reported codecs or candidates, or the local user accepted.
// It sends whichever stanza the new state unblocks.
func (s *Session) maybeReady(ctx context.Context) error {
	s.mu.Lock()
	var send sendFunc
	var updated []*Content
	stateChanged := false

	switch {
	case s.state == StatePendingInitiate && s.localInitiator && !s.initiateSent:
		if s.sessionContentsReady() {
			views := make([]contentView, 0, len(s.contents))
			for _, c := range s.contents {
				if !c.ready() {
					continue
				}
				views = append(views, c.view(true, true))
				c.state = ContentStateSent
			}
			s.initiateSent = true
			send = s.actionSender(ActionSessionInitiate, views, nil)
		}

	case s.state == StatePendingAccept && s.localAccepted:
		if s.allContentsReady() {
			views := make([]contentView, 0, len(s.contents))
			for _, c := range s.contents {
				views = append(views, c.view(true, true))
				c.state = ContentStateAcknowledged
				if c.pendingLocalSend {
					c.pendingLocalSend = false
					updated = append(updated, c)
				}
			}
			s.state = StateActive
			stateChanged = true
			send = s.actionSender(ActionSessionAccept, views, nil)
		}

	case s.state == StateActive:
		for _, c := range s.contents {
			if !c.ready() {
				continue
			}
			if c.locallyCreated {
				send = s.actionSender(ActionContentAdd, []contentView{c.view(true, true)}, nil)
				c.state = ContentStateSent
			} else {
				send = s.actionSender(ActionContentAccept, []contentView{c.view(true, true)}, nil)
				c.state = ContentStateAcknowledged
				updated = append(updated, c)
			}
			break
		}
	}
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
	if stateChanged {
		s.notifyState()
	}
	return runSend(ctx, send)
}

// sessionContentsReady reports whether every session-disposition content
// is ready to be carried in the initiate.
// Callers must hold the session lock.
func (s *Session) sessionContentsReady() bool {
	any := false
	for _, c := range s.contents {
		if c.disposition != "session" {
			continue
		}
		any = true
		if !c.ready() {
			return false
		}
	}
	return any
}

// allContentsReady reports whether the media layer has reported in for
// every content of an incoming session.
// Callers must hold the session lock.
func (s *Session) allContentsReady() bool {
	for _, c := range s.contents {
		if !c.mediaReady {
			return false
		}
	}
	return len(s.contents) > 0
}

// sendTransportInfo relays freshly gathered local candidates.
// On a GTalk4 session candidates are queued until the transport-accept
// handshake has completed.
func (s *Session) sendTransportInfo(ctx context.Context, c *Content, cands []Candidate) error {
	s.mu.Lock()
	if s.dialect == DialectGTalk4 && !s.transportAccepted {
		if s.queuedCandidates == nil {
			s.queuedCandidates = make(map[string][]Candidate)
		}
		s.queuedCandidates[c.name] = append(s.queuedCandidates[c.name], cands...)
		s.mu.Unlock()
		return nil
	}
	v := c.view(false, false)
	v.includeTransport = true
	v.candidates = cands
	send := s.actionSender(ActionTransportInfo, []contentView{v}, nil)
	s.mu.Unlock()
	return runSend(ctx, send)
}

// flushCandidates sends candidates queued while the GTalk4 handshake was
// outstanding.
// The sends are asynchronous because the flush is triggered from inside
// the inbound transport-accept handler.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	queued := s.queuedCandidates
	s.queuedCandidates = nil
	type pending struct {
		payload xml.TokenReader
	}
	var sends []pending
	for name, cands := range queued {
		c := s.content(name)
		if c == nil {
			continue
		}
		v := c.view(false, false)
		v.includeTransport = true
		v.candidates = cands
		sends = append(sends, pending{
			payload: marshalEnvelope(s.dialect, ActionTransportInfo, s.sid, s.initiator.String(), []contentView{v}, nil),
		})
	}
	peer := s.peer
	s.mu.Unlock()

	for _, p := range sends {
		s.m.sendAsync(peer, p.payload)
	}
}

// Ring notifies the peer that the incoming session is ringing locally.
// Dialects without session-info support make this a local no-op.
func (s *Session) Ring(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	send := s.infoSender("ringing")
	s.mu.Unlock()
	return runSend(ctx, send)
}
