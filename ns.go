// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

// Namespaces used by this package, provided as a convenience.
const (
	// NS is the namespace of modern Jingle (XEP-0166).
	NS = `urn:xmpp:jingle:1`

	// NSErrors is the namespace of Jingle specific error conditions.
	NSErrors = `urn:xmpp:jingle:errors:1`

	// NSLegacy is the namespace of the pre-1.0 "Jingle 0.15" draft.
	NSLegacy = `http://jabber.org/protocol/jingle`

	// NSGoogle is the namespace of both Google Talk session dialects.
	NSGoogle = `http://www.google.com/session`

	// NSRTP and NSRTPInfo are the modern RTP description and session-info
	// payload namespaces (XEP-0167).
	NSRTP     = `urn:xmpp:jingle:apps:rtp:1`
	NSRTPInfo = `urn:xmpp:jingle:apps:rtp:info:1`

	// Legacy per-media description namespaces.
	NSLegacyAudio = `http://jabber.org/protocol/jingle/description/audio`
	NSLegacyVideo = `http://jabber.org/protocol/jingle/description/video`

	// Google Talk description namespaces. Phone sessions are audio only,
	// video sessions carry both media in a single description.
	NSGooglePhone = `http://www.google.com/session/phone`
	NSGoogleVideo = `http://www.google.com/session/video`

	// Transport namespaces.
	NSTransportICE    = `urn:xmpp:jingle:transports:ice-udp:1`
	NSTransportRawUDP = `urn:xmpp:jingle:transports:raw-udp:1`
	NSTransportP2P    = `http://www.google.com/transport/p2p`
)
