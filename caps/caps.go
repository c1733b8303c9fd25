// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package caps implements an entity capabilities cache (XEP-0115).
//
// The cache maps presence capability announcements onto verified feature
// sets, querying service discovery only when a hash has never been seen
// before, and derives from them the channel classes that can be offered
// for each contact: media calls with their audio/video flags, and tube
// channels.
package caps // import "mellium.im/jingle/caps"

// NSCaps is the entity capabilities namespace.
const NSCaps = "http://jabber.org/protocol/caps"

// Feature variables the channel class policy looks at.
const (
	FeatureJingle    = "urn:xmpp:jingle:1"
	FeatureJingle015 = "http://jabber.org/protocol/jingle"

	FeatureRTP      = "urn:xmpp:jingle:apps:rtp:1"
	FeatureRTPAudio = "urn:xmpp:jingle:apps:rtp:audio"
	FeatureRTPVideo = "urn:xmpp:jingle:apps:rtp:video"

	FeatureLegacyAudio = "http://jabber.org/protocol/jingle/description/audio"
	FeatureLegacyVideo = "http://jabber.org/protocol/jingle/description/video"

	FeatureGoogleVoice = "http://www.google.com/xmpp/protocol/voice/v1"
	FeatureGoogleVideo = "http://www.google.com/xmpp/protocol/video/v1"

	FeatureTransportICE    = "urn:xmpp:jingle:transports:ice-udp:1"
	FeatureTransportRawUDP = "urn:xmpp:jingle:transports:raw-udp:1"
	FeatureTransportP2P    = "http://www.google.com/transport/p2p"

	FeatureTubes = "http://telepathy.freedesktop.org/xmpp/tubes"
)

// transportFeatures are the features that count as a call transport for
// the shared transport rule.
var transportFeatures = []string{
	FeatureTransportICE,
	FeatureTransportRawUDP,
	FeatureTransportP2P,
}

// Availability ranks how available a resource is, least available first.
type Availability int

const (
	Offline Availability = iota
	ExtendedAway
	Away
	DoNotDisturb
	Available
	Chat
)

// ParseAvailability maps a presence show value onto a rank.
// The empty string is plain available presence.
func ParseAvailability(show string) Availability {
	switch show {
	case "chat":
		return Chat
	case "dnd":
		return DoNotDisturb
	case "away":
		return Away
	case "xa":
		return ExtendedAway
	}
	return Available
}

// String implements fmt.Stringer.
func (a Availability) String() string {
	switch a {
	case Chat:
		return "chat"
	case Available:
		return "available"
	case DoNotDisturb:
		return "dnd"
	case Away:
		return "away"
	case ExtendedAway:
		return "xa"
	}
	return "offline"
}

// ClientType is the kind of client a resource identified itself as.
type ClientType string

// The client types defined by the service discovery registry.
const (
	ClientUnknown  ClientType = ""
	ClientBot      ClientType = "bot"
	ClientConsole  ClientType = "console"
	ClientGame     ClientType = "game"
	ClientHandheld ClientType = "handheld"
	ClientPC       ClientType = "pc"
	ClientPhone    ClientType = "phone"
	ClientWeb      ClientType = "web"
	ClientSMS      ClientType = "sms"
)

func parseClientType(s string) ClientType {
	switch ClientType(s) {
	case ClientBot, ClientConsole, ClientGame, ClientHandheld, ClientPC, ClientPhone, ClientWeb, ClientSMS:
		return ClientType(s)
	}
	return ClientUnknown
}

// Identity is one service discovery identity.
type Identity struct {
	Category string
	Type     string
	Name     string
	Lang     string
}

// Info is the decoded body of a disco#info reply.
type Info struct {
	Identities []Identity
	Features   []string
	Forms      []ExtForm
}

func (i Info) clientType() ClientType {
	for _, id := range i.Identities {
		if id.Category == "client" {
			if t := parseClientType(id.Type); t != ClientUnknown {
				return t
			}
		}
	}
	return ClientUnknown
}
