// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"

	"mellium.im/xmpp/stanza"
)

// handle applies one inbound action to the session.
//
// A returned stanza.Error is sent back as the IQ error reply; nil means
// the action was applied and an empty result is sent.
func (s *Session) handle(ctx context.Context, a Action, env *wireEnvelope) error {
	switch a {
	case ActionSessionInitiate:
		// Initiates for known session identifiers are resends or abuse.
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.UnexpectedRequest}
	case ActionSessionAccept:
		return s.handleAccept(env)
	case ActionSessionTerminate:
		s.handleTerminate(env)
		return nil
	case ActionSessionInfo:
		return s.handleInfo(env)
	case ActionContentAdd:
		return s.handleContentAdd(env)
	case ActionContentAccept:
		return s.handleContentAccept(env)
	case ActionContentRemove:
		return s.handleContentRemove(env)
	case ActionContentModify:
		return s.handleContentModify(env)
	case ActionDescriptionInfo:
		s.handleDescriptionInfo(env)
		return nil
	case ActionTransportInfo:
		return s.handleTransportInfo(env)
	case ActionTransportAccept:
		return s.handleTransportAccept(ctx)
	}
	return stanza.Error{Type: stanza.Cancel, Condition: stanza.BadRequest}
}

// populate installs the contents of an inbound session-initiate.
// It is called by the Manager while the session is not yet shared, so no
// locking is needed.
func (s *Session) populate(pcs []parsedContent) error {
	for _, pc := range pcs {
		if s.content(pc.name) != nil {
			return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
		}
		c := s.newRemoteContent(pc)
		// The caller has not accepted yet; we receive only.
		c.pendingLocalSend = c.hasDirection(true)
	}
	if len(s.contents) == 0 {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	return nil
}

// newRemoteContent creates a content announced by the peer.
// Callers must hold the session lock (or otherwise own the session).
func (s *Session) newRemoteContent(pc parsedContent) *Content {
	senders := SendersBoth
	if pc.sendersSet {
		senders = pc.senders
	}
	c := &Content{
		sess:             s,
		name:             pc.name,
		creator:          pc.creator,
		locallyCreated:   false,
		disposition:      pc.disposition,
		mediaType:        pc.mediaType,
		senders:          senders,
		state:            ContentStateNew,
		transportNS:      pc.transportNS,
		remoteCodecs:     pc.codecs,
		remoteCandidates: pc.candidates,
	}
	if c.transportNS == "" {
		c.transportNS = s.defaultTransportNS()
	}
	s.contents = append(s.contents, c)
	s.hold.contentAdded(s, c)
	return c
}

// mapGoogleContent renames the implicit Google content onto the
// session's single real content. The Google dialects carry no content
// names on the wire, so the parser labels everything "gtalk", while an
// outgoing session's content keeps whatever name the caller chose.
// Callers must hold the session lock.
func (s *Session) mapGoogleContent(pcs []parsedContent) {
	if !s.dialect.Google() || len(s.contents) == 0 {
		return
	}
	name := s.contents[0].name
	for i := range pcs {
		pcs[i].name = name
	}
}

func (s *Session) handleAccept(env *wireEnvelope) error {
	s.mu.Lock()
	if s.state != StatePendingInitiate || !s.localInitiator || !s.initiateSent {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.UnexpectedRequest}
	}
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	s.mapGoogleContent(pcs)
	var updated []*Content
	for _, pc := range pcs {
		if s.removed[pc.name] {
			// Removed locally before the peer answered; their acceptance
			// must not bring it back.
			continue
		}
		c := s.content(pc.name)
		if c == nil {
			continue
		}
		if c.state == ContentStateSent {
			c.state = ContentStateAcknowledged
		}
		if len(pc.codecs) > 0 {
			c.remoteCodecs = pc.codecs
		}
		c.remoteCandidates = append(c.remoteCandidates, pc.candidates...)
		if pc.sendersSet {
			c.senders = pc.senders
		}
		updated = append(updated, c)
	}
	s.state = StateActive
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
	s.notifyState()
	return nil
}

func (s *Session) handleTerminate(env *wireEnvelope) {
	reason := ReasonSuccess
	if env.Reason != nil && env.Reason.Condition.XMLName.Local != "" {
		reason = env.Reason.Condition.XMLName.Local
	} else if env.Type == "reject" {
		reason = ReasonDecline
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.finish(reason)
	waiters := s.hold.takeWaiters()
	s.mu.Unlock()

	for _, w := range waiters {
		w <- ErrTerminated
	}
	s.m.forget(s.sid)
	s.notifyState()
}

func (s *Session) handleContentAdd(env *wireEnvelope) error {
	s.mu.Lock()
	if s.state != StateActive || !s.dialect.CanModifyContents() {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.UnexpectedRequest}
	}
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	var added []*Content
	var held []holdDirective
	for _, pc := range pcs {
		if s.content(pc.name) != nil || s.removed[pc.name] {
			continue
		}
		c := s.newRemoteContent(pc)
		added = append(added, c)
		if c.hold.held {
			// Joined a held session: the media layer must suppress
			// sending from the start.
			held = append(held, holdDirective{content: c, held: true})
		}
	}
	s.mu.Unlock()

	for _, c := range added {
		if s.OnNewContent != nil {
			s.OnNewContent(c)
		}
	}
	for _, d := range held {
		if s.OnHoldDirective != nil {
			s.OnHoldDirective(d.content, d.held)
		}
	}
	return nil
}

func (s *Session) handleContentAccept(env *wireEnvelope) error {
	s.mu.Lock()
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	var updated []*Content
	for _, pc := range pcs {
		if s.removed[pc.name] {
			continue
		}
		c := s.content(pc.name)
		if c == nil || c.state != ContentStateSent {
			continue
		}
		c.state = ContentStateAcknowledged
		if len(pc.codecs) > 0 {
			c.remoteCodecs = pc.codecs
		}
		c.remoteCandidates = append(c.remoteCandidates, pc.candidates...)
		updated = append(updated, c)
	}
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
	return nil
}

func (s *Session) handleContentRemove(env *wireEnvelope) error {
	s.mu.Lock()
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	var removed []*Content
	for _, pc := range pcs {
		c := s.content(pc.name)
		if c == nil {
			// Already gone, most likely because we removed it ourselves
			// while the peer's request was in flight.
			continue
		}
		s.drop(c)
		removed = append(removed, c)
	}
	s.mu.Unlock()

	for _, c := range removed {
		if s.OnContentRemoved != nil {
			s.OnContentRemoved(c)
		}
	}
	return nil
}

func (s *Session) handleContentModify(env *wireEnvelope) error {
	s.mu.Lock()
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	var updated []*Content
	for _, pc := range pcs {
		c := s.content(pc.name)
		if c == nil || !pc.sendersSet {
			continue
		}
		if c.senders != pc.senders || c.pendingRemoteSend {
			c.senders = pc.senders
			c.pendingRemoteSend = false
			updated = append(updated, c)
		}
	}
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
	return nil
}

// handleDescriptionInfo updates remote codec information.
// Updates for locally created contents the peer has not acknowledged are
// ignored: the peer does not get to describe a stream it has not
// accepted.
func (s *Session) handleDescriptionInfo(env *wireEnvelope) {
	s.mu.Lock()
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.mapGoogleContent(pcs)
	var updated []*Content
	for _, pc := range pcs {
		c := s.content(pc.name)
		if c == nil {
			continue
		}
		if c.locallyCreated && c.state != ContentStateAcknowledged {
			continue
		}
		if len(pc.codecs) > 0 {
			c.remoteCodecs = pc.codecs
			updated = append(updated, c)
		}
	}
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
}

func (s *Session) handleTransportInfo(env *wireEnvelope) error {
	s.mu.Lock()
	pcs, err := env.contents(s.dialect)
	if err != nil {
		s.mu.Unlock()
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	s.mapGoogleContent(pcs)
	var updated []*Content
	for _, pc := range pcs {
		if s.removed[pc.name] {
			continue
		}
		c := s.content(pc.name)
		if c == nil {
			s.mu.Unlock()
			return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
		}
		if len(pc.candidates) > 0 {
			c.remoteCandidates = append(c.remoteCandidates, pc.candidates...)
			updated = append(updated, c)
		}
	}
	s.mu.Unlock()

	for _, c := range updated {
		s.notifyContent(c)
	}
	return nil
}

func (s *Session) handleTransportAccept(_ context.Context) error {
	s.mu.Lock()
	s.transportAccepted = true
	s.mu.Unlock()
	s.flushCandidates()
	return nil
}
