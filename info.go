// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"encoding/xml"

	"mellium.im/xmlstream"
)

const nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

// unsupportedInfoError marks a session-info payload whose notification
// element we do not understand.
// The manager answers it with a feature-not-implemented stanza error
// carrying the unsupported-info application condition.
type unsupportedInfoError struct{}

func (unsupportedInfoError) Error() string { return "jingle: unsupported session-info" }

var errUnsupportedInfo error = unsupportedInfoError{}

// infoSender prepares a session-info notification with a single child in
// the RTP info namespace.
// Dialects without a session-info representation yield a nil sender, so
// the notification stays local.
// Callers must hold the session lock.
func (s *Session) infoSender(name string) sendFunc {
	if !s.dialect.CanSessionInfo() {
		return nil
	}
	child := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSRTPInfo, Local: name}})
	return s.actionSender(ActionSessionInfo, nil, child)
}

// handleInfo processes an inbound session-info.
//
// Known notifications update the call state exposed to local clients; an
// empty payload is a no-op ping. Both are acknowledged with an empty
// result.
// Unknown children are rejected with unsupported-info rather than being
// silently dropped, but never affect the session itself.
func (s *Session) handleInfo(env *wireEnvelope) error {
	state := CallStateNone
	known := true
	seen := false
	for _, child := range env.Other {
		seen = true
		if child.XMLName.Space != NSRTPInfo {
			known = false
			continue
		}
		switch child.XMLName.Local {
		case "ringing":
			state = CallStateRinging
		case "hold":
			state = CallStateHeld
		case "unhold", "active":
			state = CallStateNone
		case "mute", "unmute":
			// The exposed call state cannot represent per-stream mute,
			// so a muted call reports the same state as an active one.
			state = CallStateNone
		default:
			known = false
		}
	}
	if !known {
		return errUnsupportedInfo
	}
	if !seen {
		return nil
	}

	s.mu.Lock()
	changed := s.callState != state
	s.callState = state
	s.mu.Unlock()

	if changed && s.OnCallStateChanged != nil {
		s.OnCallStateChanged(state)
	}
	return nil
}

// unsupportedInfoReply is the error payload for a rejected session-info.
func unsupportedInfoReply() xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.MultiReader(
			xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: nsStanzas, Local: "feature-not-implemented"}}),
			xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSErrors, Local: "unsupported-info"}}),
		),
		xml.StartElement{
			Name: xml.Name{Local: "error"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "cancel"}},
		},
	)
}
