// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"mellium.im/xmlstream"
)

// contentView is the dialect independent description of one content as it
// should appear in an outgoing stanza.
type contentView struct {
	name        string
	creator     string
	senders     Senders
	disposition string

	mediaType   MediaType
	codecs      []Codec
	transportNS string
	candidates  []Candidate

	includeDescription bool
	includeTransport   bool
}

// marshalEnvelope builds the dialect specific payload for one action.
//
// For the Google dialects the contents are folded into the session
// element itself: descriptions and candidates become direct children and
// a GTalk3 session has no transport wrapper at all.
func marshalEnvelope(d Dialect, a Action, sid, initiator string, contents []contentView, extra xml.TokenReader) xml.TokenReader {
	name := d.payloadName()
	start := xml.StartElement{Name: name}
	if d.Google() {
		start.Attr = append(start.Attr,
			xml.Attr{Name: xml.Name{Local: "type"}, Value: d.actionName(a)},
			xml.Attr{Name: xml.Name{Local: "id"}, Value: sid},
		)
	} else {
		start.Attr = append(start.Attr,
			xml.Attr{Name: xml.Name{Local: "action"}, Value: d.actionName(a)},
			xml.Attr{Name: xml.Name{Local: "sid"}, Value: sid},
		)
	}
	if initiator != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "initiator"}, Value: initiator})
	}

	var inner []xml.TokenReader
	for _, c := range contents {
		inner = append(inner, c.tokenReader(d))
	}
	if extra != nil {
		inner = append(inner, extra)
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// tokenReader builds the wire form of a single content.
func (c contentView) tokenReader(d Dialect) xml.TokenReader {
	var parts []xml.TokenReader
	if c.includeDescription {
		parts = append(parts, c.descriptionReader(d))
	}
	if c.includeTransport && d != DialectGTalk3 {
		parts = append(parts, c.transportReader())
	}
	if d == DialectGTalk3 {
		// No transport wrapper: candidates ride directly on the session.
		for _, cand := range c.candidates {
			parts = append(parts, cand.tokenReader())
		}
	}
	body := xmlstream.MultiReader(parts...)

	if d.Google() {
		// Contents are implicit; children go straight into the session
		// element.
		return body
	}

	start := xml.StartElement{
		Name: xml.Name{Local: "content"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "name"}, Value: c.name},
			{Name: xml.Name{Local: "creator"}, Value: c.creator},
		},
	}
	if d == DialectJingle && c.senders != SendersNone {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "senders"}, Value: c.senders.String()})
	}
	if c.disposition != "" && c.disposition != "session" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "disposition"}, Value: c.disposition})
	}
	return xmlstream.Wrap(body, start)
}

func (c contentView) descriptionNS(d Dialect) string {
	switch d {
	case DialectJingle:
		return NSRTP
	case DialectJingle015:
		if c.mediaType == MediaVideo {
			return NSLegacyVideo
		}
		return NSLegacyAudio
	}
	if c.mediaType == MediaVideo {
		return NSGoogleVideo
	}
	return NSGooglePhone
}

func (c contentView) descriptionReader(d Dialect) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: c.descriptionNS(d), Local: "description"}}
	if d == DialectJingle {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "media"}, Value: c.mediaType.String()})
	}
	var payloads []xml.TokenReader
	for _, codec := range c.codecs {
		payloads = append(payloads, codec.tokenReader(d))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(payloads...), start)
}

func (c contentView) transportReader() xml.TokenReader {
	var cands []xml.TokenReader
	for _, cand := range c.candidates {
		cands = append(cands, cand.tokenReader())
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(cands...),
		xml.StartElement{Name: xml.Name{Space: c.transportNS, Local: "transport"}},
	)
}

func (c Codec) tokenReader(d Dialect) xml.TokenReader {
	start := xml.StartElement{
		Name: xml.Name{Local: "payload-type"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: strconv.Itoa(int(c.ID))},
			{Name: xml.Name{Local: "name"}, Value: c.Name},
		},
	}
	if c.Clockrate != 0 {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "clockrate"}, Value: strconv.Itoa(int(c.Clockrate))})
	}
	if c.Channels != 0 {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "channels"}, Value: strconv.Itoa(int(c.Channels))})
	}
	var params []xml.TokenReader
	if d == DialectJingle {
		for name, value := range c.Params {
			params = append(params, xmlstream.Wrap(nil, xml.StartElement{
				Name: xml.Name{Local: "parameter"},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: "name"}, Value: name},
					{Name: xml.Name{Local: "value"}, Value: value},
				},
			}))
		}
	}
	return xmlstream.Wrap(xmlstream.MultiReader(params...), start)
}

func (c Candidate) tokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Local: "candidate"}}
	add := func(local, value string) {
		if value != "" {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
		}
	}
	add("id", c.ID)
	if c.Component != 0 {
		add("component", strconv.Itoa(int(c.Component)))
	}
	add("address", c.Address)
	if c.Port != 0 {
		add("port", strconv.Itoa(int(c.Port)))
	}
	add("protocol", c.Protocol)
	if c.Preference != 0 {
		add("preference", strconv.FormatFloat(c.Preference, 'f', -1, 64))
	}
	add("type", c.Type)
	add("username", c.Username)
	add("password", c.Password)
	add("network", strconv.Itoa(int(c.Network)))
	add("generation", strconv.Itoa(int(c.Generation)))
	return xmlstream.Wrap(nil, start)
}

// marshalGoogleAction builds a bare Google session payload for actions
// that carry no contents, such as terminate and reject.
func marshalGoogleAction(d Dialect, action, sid, initiator string) xml.TokenReader {
	start := xml.StartElement{
		Name: d.payloadName(),
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: action},
			{Name: xml.Name{Local: "id"}, Value: sid},
		},
	}
	if initiator != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "initiator"}, Value: initiator})
	}
	return xmlstream.Wrap(nil, start)
}

// reasonReader builds the terminate reason element.
// Only modern Jingle has a wire representation for it.
func reasonReader(d Dialect, reason string) xml.TokenReader {
	if d != DialectJingle || reason == "" {
		return nil
	}
	return xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: reason}}),
		xml.StartElement{Name: xml.Name{Local: "reason"}},
	)
}

// wireEnvelope is the decoded form of an inbound session payload.
// The same struct covers all four dialects; element matching ignores
// namespaces so the dialect specific interpretation happens afterwards
// in envelopeAction and envelopeContents.
type wireEnvelope struct {
	XMLName   xml.Name
	Action    string `xml:"action,attr"`
	Type      string `xml:"type,attr"`
	SID       string `xml:"sid,attr"`
	ID        string `xml:"id,attr"`
	Initiator string `xml:"initiator,attr"`
	Responder string `xml:"responder,attr"`

	Contents    []wireContent    `xml:"content"`
	Description *wireDescription `xml:"description"`
	Transport   *wireTransport   `xml:"transport"`
	Candidates  []wireCandidate  `xml:"candidate"`
	Reason      *wireReason      `xml:"reason"`

	// Any other children; for session-info payloads these are the
	// notification elements.
	Other []wireAny `xml:",any"`
}

type wireContent struct {
	Name        string           `xml:"name,attr"`
	Creator     string           `xml:"creator,attr"`
	Senders     string           `xml:"senders,attr"`
	Disposition string           `xml:"disposition,attr"`
	Description *wireDescription `xml:"description"`
	Transport   *wireTransport   `xml:"transport"`
}

type wireDescription struct {
	XMLName xml.Name
	Media   string      `xml:"media,attr"`
	Codecs  []wireCodec `xml:"payload-type"`
}

type wireCodec struct {
	ID        uint8  `xml:"id,attr"`
	Name      string `xml:"name,attr"`
	Clockrate uint   `xml:"clockrate,attr"`
	Channels  uint   `xml:"channels,attr"`
	Params    []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"parameter"`
}

type wireTransport struct {
	XMLName    xml.Name
	Candidates []wireCandidate `xml:"candidate"`
}

type wireCandidate struct {
	ID         string  `xml:"id,attr"`
	Component  uint    `xml:"component,attr"`
	Address    string  `xml:"address,attr"`
	Port       uint16  `xml:"port,attr"`
	Protocol   string  `xml:"protocol,attr"`
	Preference float64 `xml:"preference,attr"`
	Type       string  `xml:"type,attr"`
	Username   string  `xml:"username,attr"`
	Password   string  `xml:"password,attr"`
	Network    uint    `xml:"network,attr"`
	Generation uint    `xml:"generation,attr"`
}

type wireReason struct {
	Condition struct {
		XMLName xml.Name
	} `xml:",any"`
	Text string `xml:"text"`
}

type wireAny struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
}

// envelopeAction extracts the action for the given dialect.
// A payload in the wrong namespace, or an action name the dialect does
// not define, is a no-match rather than an error.
func (e *wireEnvelope) action(d Dialect) (Action, bool) {
	if e.XMLName != d.payloadName() {
		return ActionUnknown, false
	}
	if d.Google() {
		return d.parseAction(e.Type)
	}
	return d.parseAction(e.Action)
}

// sid extracts the session identifier for the given dialect.
func (e *wireEnvelope) sid(d Dialect) string {
	if d.Google() {
		return e.ID
	}
	return e.SID
}

// parsedContent is one content extracted from an inbound payload with
// dialect quirks already normalized away.
type parsedContent struct {
	name        string
	creator     string
	senders     Senders
	sendersSet  bool
	disposition string
	mediaType   MediaType
	codecs      []Codec
	transportNS string
	candidates  []Candidate
}

// contents normalizes the payload's contents.
// The Google dialects carry a single implicit content named "gtalk"; a
// GTalk4 payload with no transport element downgrades to GTalk3.
func (e *wireEnvelope) contents(d Dialect) ([]parsedContent, error) {
	if d.Google() {
		if e.Description == nil && e.Transport == nil && len(e.Candidates) == 0 {
			return nil, nil
		}
		pc := parsedContent{
			name:        "gtalk",
			creator:     "initiator",
			senders:     SendersBoth,
			disposition: "session",
			transportNS: NSTransportP2P,
		}
		if e.Description != nil {
			pc.mediaType, pc.codecs = parseDescription(e.Description)
		}
		if e.Transport != nil {
			pc.transportNS = e.Transport.XMLName.Space
			pc.candidates = parseCandidates(e.Transport.Candidates)
		}
		pc.candidates = append(pc.candidates, parseCandidates(e.Candidates)...)
		return []parsedContent{pc}, nil
	}

	parsed := make([]parsedContent, 0, len(e.Contents))
	for _, wc := range e.Contents {
		if wc.Name == "" {
			return nil, fmt.Errorf("missing content name")
		}
		pc := parsedContent{
			name:        wc.Name,
			creator:     wc.Creator,
			disposition: wc.Disposition,
		}
		if pc.creator == "" {
			// Some old clients (Gabble 0.7.16 through 0.7.28) omit the
			// creator attribute entirely.
			pc.creator = "initiator"
		}
		if pc.disposition == "" {
			pc.disposition = "session"
		}
		if wc.Senders != "" {
			pc.senders = parseSenders(wc.Senders)
			pc.sendersSet = true
		}
		if wc.Description != nil {
			pc.mediaType, pc.codecs = parseDescription(wc.Description)
		}
		if wc.Transport != nil {
			pc.transportNS = wc.Transport.XMLName.Space
			pc.candidates = parseCandidates(wc.Transport.Candidates)
		}
		parsed = append(parsed, pc)
	}
	return parsed, nil
}

func parseDescription(d *wireDescription) (MediaType, []Codec) {
	var media MediaType
	switch d.XMLName.Space {
	case NSRTP:
		switch d.Media {
		case "audio":
			media = MediaAudio
		case "video":
			media = MediaVideo
		}
	case NSLegacyAudio, NSGooglePhone:
		media = MediaAudio
	case NSLegacyVideo, NSGoogleVideo:
		media = MediaVideo
	}
	codecs := make([]Codec, 0, len(d.Codecs))
	for _, wc := range d.Codecs {
		c := Codec{ID: wc.ID, Name: wc.Name, Clockrate: wc.Clockrate, Channels: wc.Channels}
		if len(wc.Params) > 0 {
			c.Params = make(map[string]string, len(wc.Params))
			for _, p := range wc.Params {
				c.Params[p.Name] = p.Value
			}
		}
		codecs = append(codecs, c)
	}
	return media, codecs
}

func parseCandidates(wire []wireCandidate) []Candidate {
	out := make([]Candidate, 0, len(wire))
	for _, wc := range wire {
		out = append(out, Candidate(wc))
	}
	return out
}
