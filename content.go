// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"
)

// ContentState tracks how far a single content has made it onto the wire.
type ContentState int

const (
	// ContentStateEmpty is a locally created content that has not been
	// signalled to the peer yet.
	ContentStateEmpty ContentState = iota

	// ContentStateNew is a remotely created content that we have not
	// accepted yet.
	ContentStateNew

	// ContentStateSent is a locally created content carried in an
	// initiate or content-add that the peer has not accepted yet.
	ContentStateSent

	// ContentStateAcknowledged is a content both sides agree exists.
	ContentStateAcknowledged

	// ContentStateRemoving is a content whose removal has been signalled
	// and which is waiting to disappear.
	ContentStateRemoving

	// ContentStateRemoved is terminal.
	ContentStateRemoved
)

// String implements fmt.Stringer.
func (s ContentState) String() string {
	switch s {
	case ContentStateEmpty:
		return "empty"
	case ContentStateNew:
		return "new"
	case ContentStateSent:
		return "sent"
	case ContentStateAcknowledged:
		return "acknowledged"
	case ContentStateRemoving:
		return "removing"
	}
	return "removed"
}

// Content is one negotiated stream within a session: an audio or video
// RTP stream, or a generic data stream.
//
// The local media layer drives a content through SetLocalCodecs,
// AddLocalCandidates, and SetTransportState; everything else happens in
// response to stanzas from the peer.
type Content struct {
	sess *Session

	name           string
	creator        string
	locallyCreated bool
	disposition    string
	mediaType      MediaType
	senders        Senders
	state          ContentState
	transportNS    string

	localCodecs      []Codec
	remoteCodecs     []Codec
	localCandidates  []Candidate
	remoteCandidates []Candidate

	mediaReady     bool
	transportState TransportState

	// pendingLocalSend is set on remotely initiated contents until the
	// local user accepts the call: we are expected to send, but have not
	// agreed to yet.
	pendingLocalSend bool

	// pendingRemoteSend is set after we ask the peer to start sending,
	// until they confirm the new senders value.
	pendingRemoteSend bool

	hold contentHold
}

// Name returns the content's unique name within its session.
func (c *Content) Name() string { return c.name }

// MediaType returns the kind of stream this content negotiates.
func (c *Content) MediaType() MediaType { return c.mediaType }

// State returns the content's wire state.
func (c *Content) State() ContentState {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.state
}

// Senders returns which parties send media on this content.
func (c *Content) Senders() Senders {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.senders
}

// TransportState returns the last state reported by the media layer.
func (c *Content) TransportState() TransportState {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.transportState
}

// RemoteCodecs returns the codecs most recently advertised by the peer.
func (c *Content) RemoteCodecs() []Codec {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	out := make([]Codec, len(c.remoteCodecs))
	copy(out, c.remoteCodecs)
	return out
}

// RemoteCandidates returns the transport candidates received so far.
func (c *Content) RemoteCandidates() []Candidate {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	out := make([]Candidate, len(c.remoteCandidates))
	copy(out, c.remoteCandidates)
	return out
}

// PendingLocalSend reports whether the peer expects us to send on this
// content but the local user has not accepted yet.
func (c *Content) PendingLocalSend() bool {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.pendingLocalSend
}

// PendingRemoteSend reports whether we asked the peer to start sending
// and they have not confirmed yet.
func (c *Content) PendingRemoteSend() bool {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.pendingRemoteSend
}

// RequestSenders asks for the content's senders value to change, for
// example to request that the peer start sending video.
//
// Modern dialects signal the change with a content-modify; the Google
// dialects have no wire form for it, so the change is local only.
// If the change grants the peer a send role it did not have, the content
// reports pending remote send until the peer confirms.
func (c *Content) RequestSenders(ctx context.Context, senders Senders) error {
	s := c.sess
	s.mu.Lock()
	if c.state >= ContentStateRemoving {
		s.mu.Unlock()
		return ErrTerminated
	}
	if c.senders == senders {
		s.mu.Unlock()
		return nil
	}
	wasReceiving := c.hasDirection(false)
	c.senders = senders
	nowReceiving := c.hasDirection(false)
	var send sendFunc
	if s.dialect.CanModifyContents() {
		if nowReceiving && !wasReceiving {
			c.pendingRemoteSend = true
		}
		send = s.actionSender(ActionContentModify, []contentView{c.view(false, false)}, nil)
	}
	s.mu.Unlock()

	s.notifyContent(c)
	return runSend(ctx, send)
}

// creatorIsInitiator reports whether the content was created by the
// session's initiator (as opposed to the responder).
func (c *Content) creatorIsInitiator() bool {
	return c.locallyCreated == c.sess.localInitiator
}

// hasDirection reports whether media flows in the given direction given
// the current senders value and which side we are.
func (c *Content) hasDirection(sending bool) bool {
	switch c.senders {
	case SendersBoth:
		return true
	case SendersInitiator:
		if sending {
			return c.sess.localInitiator
		}
		return !c.sess.localInitiator
	case SendersResponder:
		if sending {
			return !c.sess.localInitiator
		}
		return c.sess.localInitiator
	}
	return false
}

// Direction returns the local view of the media flow on this content.
func (c *Content) Direction() Direction {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.direction()
}

func (c *Content) direction() Direction {
	send := c.hasDirection(true) && !c.pendingLocalSend
	recv := c.hasDirection(false)
	switch {
	case send && recv:
		return DirectionBoth
	case send:
		return DirectionSend
	case recv:
		return DirectionReceive
	}
	return DirectionNone
}

// SetLocalCodecs records the media layer's codec list for this content.
// The first call also marks the content's media as ready, which may
// unblock a pending session-initiate, content-add, or accept.
func (c *Content) SetLocalCodecs(ctx context.Context, codecs []Codec) error {
	c.sess.mu.Lock()
	if c.state >= ContentStateRemoving {
		c.sess.mu.Unlock()
		return ErrTerminated
	}
	c.localCodecs = append(c.localCodecs[:0], codecs...)
	c.mediaReady = true
	c.sess.mu.Unlock()
	return c.sess.maybeReady(ctx)
}

// AddLocalCandidates feeds local transport candidates from the media
// layer.
// Candidates gathered before the content exists on the wire are batched
// into the stanza that first signals it; later ones are relayed with a
// transport-info.
func (c *Content) AddLocalCandidates(ctx context.Context, candidates ...Candidate) error {
	c.sess.mu.Lock()
	if c.state >= ContentStateRemoving {
		c.sess.mu.Unlock()
		return ErrTerminated
	}
	c.localCandidates = append(c.localCandidates, candidates...)
	signalled := c.state == ContentStateSent || c.state == ContentStateAcknowledged
	c.sess.mu.Unlock()

	if signalled {
		if err := c.sess.sendTransportInfo(ctx, c, candidates); err != nil {
			return err
		}
	}
	return c.sess.maybeReady(ctx)
}

// SetTransportState records the connection state reported by the media
// layer and notifies subscribers.
func (c *Content) SetTransportState(ctx context.Context, state TransportState) error {
	c.sess.mu.Lock()
	if c.state == ContentStateRemoved {
		c.sess.mu.Unlock()
		return ErrTerminated
	}
	c.transportState = state
	c.sess.mu.Unlock()
	c.sess.notifyContent(c)
	return c.sess.maybeReady(ctx)
}

// ready reports whether the content can be signalled: initiated or added
// for local contents, accepted for remote ones.
// Callers must hold the session lock.
func (c *Content) ready() bool {
	if c.locallyCreated {
		return c.mediaReady && c.state == ContentStateEmpty &&
			(c.mediaType == MediaData || len(c.localCandidates) > 0)
	}
	return c.mediaReady && c.state == ContentStateNew
}

// view builds the outgoing wire form of the content.
// Callers must hold the session lock.
func (c *Content) view(description, transport bool) contentView {
	creator := "responder"
	if c.creatorIsInitiator() {
		creator = "initiator"
	}
	v := contentView{
		name:               c.name,
		creator:            creator,
		senders:            c.senders,
		disposition:        c.disposition,
		mediaType:          c.mediaType,
		transportNS:        c.transportNS,
		includeDescription: description,
		includeTransport:   transport,
	}
	if description {
		v.codecs = append(v.codecs, c.localCodecs...)
	}
	if transport {
		v.candidates = append(v.candidates, c.localCandidates...)
	}
	return v
}
