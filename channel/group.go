// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package channel

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// Reason explains why a member is in a pending set.
type Reason int

const (
	ReasonNone Reason = iota

	// ReasonInvited marks the local user in an incoming call's local
	// pending set: the peer invited us and we have not answered.
	ReasonInvited
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	if r == ReasonInvited {
		return "invited"
	}
	return "none"
}

// PendingEntry is one member of a pending set.
type PendingEntry struct {
	JID    jid.JID
	Actor  jid.JID
	Reason Reason
}

// Flags describes which membership operations the local user may
// perform on the group.
// During an incoming call only answering is possible: the invitee
// cannot add, remove, or rescind arbitrary members.
type Flags struct {
	CanAdd     bool
	CanRemove  bool
	CanRescind bool
}

// Group tracks call membership: full members, members awaiting local
// approval, and members awaiting remote approval.
//
// Invariant: while a call is live the local user appears in exactly one
// of the three sets; before the call starts and after it closes, in
// none.
type Group struct {
	mu            sync.Mutex
	self          jid.JID
	members       map[string]jid.JID
	localPending  map[string]PendingEntry
	remotePending map[string]jid.JID
	flags         Flags
}

func newGroup(self jid.JID) *Group {
	return &Group{
		self:          self,
		members:       make(map[string]jid.JID),
		localPending:  make(map[string]PendingEntry),
		remotePending: make(map[string]jid.JID),
	}
}

// Self returns the local user's JID.
func (g *Group) Self() jid.JID { return g.self }

// Flags returns the permitted membership operations.
func (g *Group) Flags() Flags {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flags
}

// Members returns the full members.
func (g *Group) Members() []jid.JID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]jid.JID, 0, len(g.members))
	for _, j := range g.members {
		out = append(out, j)
	}
	return out
}

// LocalPending returns members awaiting local approval.
func (g *Group) LocalPending() []PendingEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingEntry, 0, len(g.localPending))
	for _, e := range g.localPending {
		out = append(out, e)
	}
	return out
}

// RemotePending returns members awaiting remote approval.
func (g *Group) RemotePending() []jid.JID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]jid.JID, 0, len(g.remotePending))
	for _, j := range g.remotePending {
		out = append(out, j)
	}
	return out
}

// IsMember reports whether j is a full member.
func (g *Group) IsMember(j jid.JID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[j.String()]
	return ok
}

// SelfPending reports whether the local user is awaiting their own
// approval, i.e. an unanswered incoming call.
func (g *Group) SelfPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.localPending[g.self.String()]
	return ok
}

func (g *Group) addMember(j jid.JID) {
	key := j.String()
	delete(g.localPending, key)
	delete(g.remotePending, key)
	g.members[key] = j
}

func (g *Group) invite(invitee, actor jid.JID) {
	key := invitee.String()
	delete(g.members, key)
	delete(g.remotePending, key)
	g.localPending[key] = PendingEntry{JID: invitee, Actor: actor, Reason: ReasonInvited}
}

func (g *Group) remove(j jid.JID) {
	key := j.String()
	delete(g.members, key)
	delete(g.localPending, key)
	delete(g.remotePending, key)
}

func (g *Group) clear() {
	g.members = make(map[string]jid.JID)
	g.localPending = make(map[string]PendingEntry)
	g.remotePending = make(map[string]jid.JID)
}
