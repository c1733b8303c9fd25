// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

// MediaType is the kind of stream a content negotiates.
type MediaType int

const (
	// MediaNone is the zero value and does not identify any media.
	MediaNone MediaType = iota

	// MediaAudio and MediaVideo are RTP streams.
	MediaAudio
	MediaVideo

	// MediaData is a generic data stream such as a tube.
	MediaData
)

// String implements fmt.Stringer.
func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	}
	return "none"
}

// Senders describes which parties send media on a content.
type Senders int

const (
	SendersNone Senders = iota
	SendersInitiator
	SendersResponder
	SendersBoth
)

func parseSenders(s string) Senders {
	switch s {
	case "initiator":
		return SendersInitiator
	case "responder":
		return SendersResponder
	case "both":
		return SendersBoth
	}
	return SendersNone
}

// String implements fmt.Stringer.
func (s Senders) String() string {
	switch s {
	case SendersInitiator:
		return "initiator"
	case SendersResponder:
		return "responder"
	case SendersBoth:
		return "both"
	}
	return "none"
}

// Codec is a single entry in an RTP payload type list.
type Codec struct {
	ID        uint8
	Name      string
	Clockrate uint
	Channels  uint
	Params    map[string]string
}

// Candidate is one transport candidate.
// The field set is the union of what the supported transports use; fields
// that a given transport does not define are left at their zero value.
type Candidate struct {
	ID         string
	Component  uint
	Address    string
	Port       uint16
	Protocol   string
	Preference float64
	Type       string
	Username   string
	Password   string
	Network    uint
	Generation uint
}

// TransportState is the connection state of a content's transport as
// reported by the local media layer.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
)

// String implements fmt.Stringer.
func (t TransportState) String() string {
	switch t {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	}
	return "disconnected"
}

// Direction is the flow of media on a content from the local point of
// view, together with the pending send flags that report a direction
// change which has not been acknowledged yet.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionSend
	DirectionReceive
	DirectionBoth
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	case DirectionBoth:
		return "both"
	}
	return "none"
}

// CallState is the call state reported by the remote party through
// session-info notifications.
type CallState int

const (
	// CallStateNone is reported when no notification has been received or
	// when the remote party reports that the call is active again.
	// Mute notifications also collapse to CallStateNone: the exposed
	// model cannot represent per-stream mute, so an actively muted call
	// is indistinguishable from a plain active call.
	CallStateNone CallState = iota
	CallStateRinging
	CallStateHeld
)

// String implements fmt.Stringer.
func (c CallState) String() string {
	switch c {
	case CallStateRinging:
		return "ringing"
	case CallStateHeld:
		return "held"
	}
	return "none"
}
