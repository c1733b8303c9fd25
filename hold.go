// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"
)

// HoldState is the session wide hold aggregate.
// It is derived from the per content flags: the session is only Held
// once every content's media layer has confirmed that sending stopped,
// and only Unheld once every content confirmed the opposite.
type HoldState int

const (
	HoldUnheld HoldState = iota
	HoldPendingHold
	HoldHeld
	HoldPendingUnhold
)

// String implements fmt.Stringer.
func (h HoldState) String() string {
	switch h {
	case HoldPendingHold:
		return "pending-hold"
	case HoldHeld:
		return "held"
	case HoldPendingUnhold:
		return "pending-unhold"
	}
	return "unheld"
}

// HoldReason explains the last hold transition.
type HoldReason int

const (
	// HoldReasonNone is the initial reason.
	HoldReasonNone HoldReason = iota

	// HoldReasonRequested marks a transition caused by a local request.
	HoldReasonRequested

	// HoldReasonResourceNotAvailable marks a rollback to Held after the
	// media layer failed to reacquire a resource during unhold.
	HoldReasonResourceNotAvailable
)

// String implements fmt.Stringer.
func (h HoldReason) String() string {
	switch h {
	case HoldReasonRequested:
		return "requested"
	case HoldReasonResourceNotAvailable:
		return "resource-not-available"
	}
	return "none"
}

// contentHold is the per content view of the hold negotiation with the
// local media layer.
type contentHold struct {
	// held is the last state the media layer confirmed.
	held bool

	// pending is set while a directive is outstanding.
	pending bool
}

// holdController reconciles the caller's hold intent with per content
// acknowledgements from the media layer.
// All fields are guarded by the owning session's mutex.
type holdController struct {
	state   HoldState
	reason  HoldReason
	want    bool
	waiters []chan error
}

// holdDirective is an instruction for the media layer prepared under the
// session lock and delivered after it is released.
type holdDirective struct {
	content *Content
	held    bool
}

func (h *holdController) takeWaiters() []chan error {
	w := h.waiters
	h.waiters = nil
	return w
}

// contentAdded makes a content joining a held session start held, so the
// aggregate never leaves Held because a stream appeared.
// Callers must hold the session lock; the returned flag tells them to
// deliver a hold directive for the new content once unlocked.
func (h *holdController) contentAdded(s *Session, c *Content) bool {
	if !h.want {
		return false
	}
	c.hold.held = true
	return true
}

// reconcile recomputes the aggregate and decides what must happen next:
// directives for contents whose confirmed state disagrees with the
// intent, a notification when the aggregate changed, a session-info
// stanza when a transition completed, and the waiters to resolve.
// Callers must hold the session lock.
func (h *holdController) reconcile(s *Session) (directives []holdDirective, notify bool, send sendFunc, resolved []chan error) {
	done := true
	for _, c := range s.contents {
		if c.hold.pending {
			done = false
			continue
		}
		if c.hold.held != h.want {
			done = false
			c.hold.pending = true
			directives = append(directives, holdDirective{content: c, held: h.want})
		}
	}

	var next HoldState
	switch {
	case done && h.want:
		next = HoldHeld
	case done:
		next = HoldUnheld
	case h.want:
		next = HoldPendingHold
	default:
		next = HoldPendingUnhold
	}
	if !done && h.want && h.state == HoldHeld && h.reason == HoldReasonResourceNotAvailable {
		// Rolling stragglers back after a failed unhold; the aggregate
		// already reports Held and must not regress to pending.
		next = HoldHeld
	}

	if next != h.state {
		h.state = next
		notify = true
		if done {
			name := "unhold"
			if h.want {
				name = "hold"
			}
			send = s.infoSender(name)
		}
	}
	if done {
		resolved = h.takeWaiters()
	}
	return directives, notify, send, resolved
}

// RequestHold asks for the whole session to be put on hold (or taken off
// hold) and blocks until every content's media layer has confirmed.
//
// Requesting the state the session is already in succeeds immediately.
// An opposing request issued while a transition is still pending
// supersedes it: the aggregate moves directly between the two pending
// states and the superseded callers are released.
// Concurrent identical requests collapse into a single transition.
func (s *Session) RequestHold(ctx context.Context, hold bool) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	h := &s.hold
	if (hold && h.state == HoldHeld) || (!hold && h.state == HoldUnheld) {
		s.mu.Unlock()
		return nil
	}
	var stale []chan error
	if h.want != hold {
		// Supersede whatever is in flight.
		stale = h.takeWaiters()
		h.want = hold
	}
	h.reason = HoldReasonRequested
	ch := make(chan error, 1)
	h.waiters = append(h.waiters, ch)
	directives, notify, send, resolved := h.reconcile(s)
	state, reason := h.state, h.reason
	s.mu.Unlock()

	for _, w := range stale {
		w <- nil
	}
	s.applyHold(ctx, directives, notify, state, reason, send, resolved)

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyHold delivers the outcome of a reconcile pass outside the lock.
func (s *Session) applyHold(ctx context.Context, directives []holdDirective, notify bool, state HoldState, reason HoldReason, send sendFunc, resolved []chan error) {
	for _, d := range directives {
		if s.OnHoldDirective != nil {
			s.OnHoldDirective(d.content, d.held)
		}
	}
	if notify && s.OnHoldChanged != nil {
		s.OnHoldChanged(state, reason)
	}
	for _, w := range resolved {
		w <- nil
	}
	if send != nil {
		if err := send(ctx); err != nil {
			s.m.logger().WithError(err).Warn("failed to send hold notification")
		}
	}
}

// AckHold is called by the media layer when a hold directive for this
// content completes (or when the content's held state changed on its
// own).
func (c *Content) AckHold(ctx context.Context, held bool) {
	s := c.sess
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	c.hold.pending = false
	c.hold.held = held
	directives, notify, send, resolved := s.hold.reconcile(s)
	state, reason := s.hold.state, s.hold.reason
	s.mu.Unlock()

	s.applyHold(ctx, directives, notify, state, reason, send, resolved)
}

// UnholdFailed is called by the media layer when it cannot take this
// content off hold because the underlying resource is gone.
//
// The whole session rolls back to Held: contents that already confirmed
// the unhold are directed back to held, pending unhold callers fail, and
// the aggregate reports Held with reason resource-not-available without
// any partially unheld state being observable.
func (c *Content) UnholdFailed(ctx context.Context) {
	s := c.sess
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	h := &s.hold
	c.hold.pending = false
	c.hold.held = true
	h.want = true
	h.reason = HoldReasonResourceNotAvailable
	notify := h.state != HoldHeld
	h.state = HoldHeld

	var directives []holdDirective
	for _, cc := range s.contents {
		if !cc.hold.pending && !cc.hold.held {
			cc.hold.pending = true
			directives = append(directives, holdDirective{content: cc, held: true})
		}
	}
	failed := h.takeWaiters()
	var send sendFunc
	if notify {
		send = s.infoSender("hold")
	}
	s.mu.Unlock()

	for _, d := range directives {
		if s.OnHoldDirective != nil {
			s.OnHoldDirective(d.content, d.held)
		}
	}
	if notify && s.OnHoldChanged != nil {
		s.OnHoldChanged(HoldHeld, HoldReasonResourceNotAvailable)
	}
	for _, w := range failed {
		w <- ErrNotAvailable
	}
	if send != nil {
		if err := send(ctx); err != nil {
			s.m.logger().WithError(err).Warn("failed to send hold notification")
		}
	}
}
