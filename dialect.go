// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"encoding/xml"
)

// Action is a Jingle session action.
type Action int

// The actions understood by this package.
// Not every dialect can express every action.
const (
	ActionUnknown Action = iota
	ActionSessionInitiate
	ActionSessionAccept
	ActionSessionTerminate
	ActionSessionInfo
	ActionContentAdd
	ActionContentAccept
	ActionContentRemove
	ActionContentModify
	ActionDescriptionInfo
	ActionTransportInfo
	ActionTransportAccept
)

var actionNames = map[Action]string{
	ActionSessionInitiate:  "session-initiate",
	ActionSessionAccept:    "session-accept",
	ActionSessionTerminate: "session-terminate",
	ActionSessionInfo:      "session-info",
	ActionContentAdd:       "content-add",
	ActionContentAccept:    "content-accept",
	ActionContentRemove:    "content-remove",
	ActionContentModify:    "content-modify",
	ActionDescriptionInfo:  "description-info",
	ActionTransportInfo:    "transport-info",
	ActionTransportAccept:  "transport-accept",
}

// String implements fmt.Stringer.
func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// Dialect identifies which of the wire protocols a session is speaking.
//
// The dialect is normally picked from the peer's advertised capabilities
// when a session is created and never changes afterwards, with one
// exception: a GTalk4 session downgrades itself to GTalk3 when the peer
// omits the transport element (old Google Talk clients assume the
// google-p2p transport instead of negotiating it).
type Dialect int

const (
	// DialectJingle is modern Jingle (XEP-0166/0167).
	DialectJingle Dialect = iota

	// DialectJingle015 is the pre-1.0 draft of Jingle that shares the
	// modern content model but uses a description namespace per media
	// type and makes the senders attribute optional.
	DialectJingle015

	// DialectGTalk4 is the Google Talk 0.4 dialect: content wrapped
	// transparently, remapped action names, and a mandatory
	// transport-accept handshake before transport-info is honored.
	DialectGTalk4

	// DialectGTalk3 is the Google Talk 0.3 dialect: a single implicit
	// content carried directly on the session element, no transport
	// element (google-p2p is assumed), and no video.
	DialectGTalk3
)

// String implements fmt.Stringer.
func (d Dialect) String() string {
	switch d {
	case DialectJingle:
		return "jingle"
	case DialectJingle015:
		return "jingle-v0.15"
	case DialectGTalk4:
		return "gtalk-v0.4"
	case DialectGTalk3:
		return "gtalk-v0.3"
	}
	return "invalid"
}

// Google reports whether the dialect is one of the Google Talk variants.
func (d Dialect) Google() bool {
	return d == DialectGTalk3 || d == DialectGTalk4
}

// CanModifyContents reports whether contents can be added and removed
// after the session has been initiated.
// The Google dialects negotiate a fixed set of streams up front.
func (d Dialect) CanModifyContents() bool {
	return !d.Google()
}

// CanSessionInfo reports whether the dialect has a wire representation
// for session-info notifications such as ringing, hold, and mute.
func (d Dialect) CanSessionInfo() bool {
	return d == DialectJingle
}

// payloadName returns the XML name of the dialect's session payload.
func (d Dialect) payloadName() xml.Name {
	switch d {
	case DialectJingle:
		return xml.Name{Space: NS, Local: "jingle"}
	case DialectJingle015:
		return xml.Name{Space: NSLegacy, Local: "jingle"}
	}
	return xml.Name{Space: NSGoogle, Local: "session"}
}

// gtalkActions maps the Google Talk wire action names.
// The terminate and reject actions both map onto session-terminate; a
// reject additionally tells the caller that the session was declined,
// but the state machine treats the two identically.
var gtalkActions = map[string]Action{
	"initiate":  ActionSessionInitiate,
	"accept":    ActionSessionAccept,
	"terminate": ActionSessionTerminate,
	"reject":    ActionSessionTerminate,
	"candidates": ActionTransportInfo,
}

var gtalk4Actions = map[string]Action{
	"transport-info":   ActionTransportInfo,
	"transport-accept": ActionTransportAccept,
}

// defines reports whether the dialect can express the action at all.
func (d Dialect) defines(a Action) bool {
	switch d {
	case DialectJingle:
		return a != ActionUnknown
	case DialectJingle015:
		switch a {
		case ActionSessionInfo, ActionDescriptionInfo, ActionTransportAccept:
			return false
		}
		return a != ActionUnknown
	case DialectGTalk3:
		switch a {
		case ActionSessionInitiate, ActionSessionAccept, ActionSessionTerminate, ActionTransportInfo:
			return true
		}
		return false
	case DialectGTalk4:
		switch a {
		case ActionSessionInitiate, ActionSessionAccept, ActionSessionTerminate,
			ActionTransportInfo, ActionTransportAccept:
			return true
		}
		return false
	}
	return false
}

// actionName returns the wire name of the action for this dialect.
// The empty string means the dialect cannot express the action.
func (d Dialect) actionName(a Action) string {
	if !d.defines(a) {
		return ""
	}
	if !d.Google() {
		return actionNames[a]
	}
	switch a {
	case ActionSessionInitiate:
		return "initiate"
	case ActionSessionAccept:
		return "accept"
	case ActionSessionTerminate:
		return "terminate"
	case ActionTransportInfo:
		if d == DialectGTalk3 {
			return "candidates"
		}
		return "transport-info"
	case ActionTransportAccept:
		return "transport-accept"
	}
	return ""
}

// parseAction maps a wire action name onto an Action.
// A name that the dialect does not define is a no-match, never an error:
// this is what lets a connection ignore payloads for dialects the peer
// did not commit to.
func (d Dialect) parseAction(name string) (Action, bool) {
	if name == "" {
		return ActionUnknown, false
	}
	if d.Google() {
		a, ok := gtalkActions[name]
		if !ok && d == DialectGTalk4 {
			a, ok = gtalk4Actions[name]
		}
		return a, ok && d.defines(a)
	}
	for a, s := range actionNames {
		if s == name {
			return a, d.defines(a)
		}
	}
	return ActionUnknown, false
}
