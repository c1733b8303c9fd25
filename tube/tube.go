// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package tube negotiates tubes: application bytestreams and D-Bus
// connections carried over XMPP.
//
// Tubes are offered over stream initiation (XEP-0095) with feature
// negotiation picking one of the bytestream methods. The package stops
// once both sides agree on an open tube and its transport method;
// moving the actual bytes belongs to the bytestream implementation for
// that method.
package tube // import "mellium.im/jingle/tube"

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"mellium.im/jingle/internal/attr"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// Namespaces used during tube negotiation.
const (
	NSTubes      = "http://telepathy.freedesktop.org/xmpp/tubes"
	NSSIProfile  = "http://telepathy.freedesktop.org/xmpp/si/profile/tubes"
	NSSI         = "http://jabber.org/protocol/si"
	NSFeatureNeg = "http://jabber.org/protocol/feature-neg"
	NSData       = "jabber:x:data"

	// The bytestream methods offered, in preference order.
	MethodSOCKS5 = "http://jabber.org/protocol/bytestreams"
	MethodIBB    = "http://jabber.org/protocol/ibb"
)

// Errors returned by the negotiator.
var (
	errNoMethod = errors.New("tube: peer selected no usable stream method")
	errBadState = errors.New("tube: operation not valid in this state")
)

// Type is the kind of tube.
type Type int

const (
	// StreamTube carries an application level socket.
	StreamTube Type = iota

	// DBusTube carries a D-Bus connection.
	DBusTube
)

// String implements fmt.Stringer.
func (t Type) String() string {
	if t == DBusTube {
		return "dbus"
	}
	return "stream"
}

func parseType(s string) (Type, bool) {
	switch s {
	case "stream":
		return StreamTube, true
	case "dbus":
		return DBusTube, true
	}
	return StreamTube, false
}

// State is the lifecycle state of a tube.
type State int

const (
	// StateLocalPending is an offered tube waiting for the local user.
	StateLocalPending State = iota

	// StateRemotePending is an offered tube waiting for the peer.
	StateRemotePending

	// StateOpen is an established tube.
	StateOpen

	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateLocalPending:
		return "local-pending"
	case StateRemotePending:
		return "remote-pending"
	case StateOpen:
		return "open"
	}
	return "closed"
}

// Tube is one negotiated tube.
type Tube struct {
	n *Negotiator

	id         string
	typ        Type
	service    string
	parameters map[string]string
	peer       jid.JID
	local      bool

	mu      sync.Mutex
	state   State
	method  string
	replyID string
}

// ID returns the tube identifier.
func (t *Tube) ID() string { return t.id }

// Type returns the kind of tube.
func (t *Tube) Type() Type { return t.typ }

// Service returns the service name (or D-Bus well-known name).
func (t *Tube) Service() string { return t.service }

// Peer returns the remote party.
func (t *Tube) Peer() jid.JID { return t.peer }

// Parameters returns the offer's application parameters.
func (t *Tube) Parameters() map[string]string {
	out := make(map[string]string, len(t.parameters))
	for k, v := range t.parameters {
		out[k] = v
	}
	return out
}

// State returns the tube's lifecycle state.
func (t *Tube) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Method returns the negotiated bytestream method namespace, once the
// tube is open.
func (t *Tube) Method() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.method
}

// Sender is the part of an xmpp.Session that the negotiator uses.
type Sender interface {
	Send(ctx context.Context, r xml.TokenReader) error
	UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error
}

// HandleTubes returns a mux option that routes tube offers and closes to
// the negotiator.
func HandleTubes(n *Negotiator) mux.Option {
	return func(sm *mux.ServeMux) {
		mux.IQ(stanza.SetIQ, xml.Name{Space: NSSI, Local: "si"}, n)(sm)
		mux.MessageFunc(stanza.NormalMessage, xml.Name{Space: NSTubes, Local: "close"}, n.handleClose)(sm)
	}
}

// Negotiator tracks the tubes of one connection, keyed by tube
// identifier.
type Negotiator struct {
	// Sender is used for all outgoing stanzas.
	Sender Sender

	// Logger, if set, receives debug and warning output.
	Logger logrus.FieldLogger

	// IncomingTube is called for every tube offered by a peer.
	// The receiver answers with Accept or Decline.
	IncomingTube func(*Tube)

	mu    sync.Mutex
	tubes map[string]*Tube
}

func (n *Negotiator) logger() logrus.FieldLogger {
	if n.Logger != nil {
		return n.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Tubes returns all known tubes that are not yet closed.
func (n *Negotiator) Tubes() []*Tube {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Tube, 0, len(n.tubes))
	for _, t := range n.tubes {
		out = append(out, t)
	}
	return out
}

// siReply is the result payload of an accepted stream initiation.
type siReply struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/si si"`
	Feature struct {
		X struct {
			Fields []struct {
				Var    string   `xml:"var,attr"`
				Values []string `xml:"value"`
			} `xml:"field"`
		} `xml:"jabber:x:data x"`
	} `xml:"http://jabber.org/protocol/feature-neg feature"`
}

func (r siReply) method() string {
	for _, f := range r.Feature.X.Fields {
		if f.Var == "stream-method" && len(f.Values) > 0 {
			return f.Values[0]
		}
	}
	return ""
}

// Offer proposes a new tube to the peer and blocks until the peer
// answers the stream initiation.
func (n *Negotiator) Offer(ctx context.Context, to jid.JID, typ Type, service string, params map[string]string) (*Tube, error) {
	t := &Tube{
		n:          n,
		id:         attr.RandomID(),
		typ:        typ,
		service:    service,
		parameters: params,
		peer:       to,
		local:      true,
		state:      StateRemotePending,
	}
	n.mu.Lock()
	if n.tubes == nil {
		n.tubes = make(map[string]*Tube)
	}
	n.tubes[t.id] = t
	n.mu.Unlock()

	var reply siReply
	err := n.Sender.UnmarshalIQElement(ctx, t.offerReader(), stanza.IQ{
		To:   to,
		Type: stanza.SetIQ,
	}, &reply)
	if err != nil {
		n.drop(t.id)
		return nil, err
	}
	method := reply.method()
	if method == "" {
		n.drop(t.id)
		return nil, errNoMethod
	}

	t.mu.Lock()
	t.state = StateOpen
	t.method = method
	t.mu.Unlock()
	return t, nil
}

func (n *Negotiator) drop(id string) {
	n.mu.Lock()
	if t := n.tubes[id]; t != nil {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
	}
	delete(n.tubes, id)
	n.mu.Unlock()
}

// offerReader builds the SI offer payload.
func (t *Tube) offerReader() xml.TokenReader {
	var params []xml.TokenReader
	for name, value := range t.parameters {
		params = append(params, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(value)),
			xml.StartElement{
				Name: xml.Name{Local: "parameter"},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: "name"}, Value: name},
					{Name: xml.Name{Local: "type"}, Value: "str"},
				},
			},
		))
	}
	tube := xmlstream.Wrap(
		xmlstream.Wrap(xmlstream.MultiReader(params...), xml.StartElement{Name: xml.Name{Local: "parameters"}}),
		xml.StartElement{
			Name: xml.Name{Space: NSTubes, Local: "tube"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "type"}, Value: t.typ.String()},
				{Name: xml.Name{Local: "service"}, Value: t.service},
				{Name: xml.Name{Local: "id"}, Value: t.id},
			},
		},
	)

	methods := xmlstream.MultiReader(
		xmlstream.Wrap(xmlstream.Wrap(xmlstream.Token(xml.CharData(MethodSOCKS5)), xml.StartElement{Name: xml.Name{Local: "value"}}), xml.StartElement{Name: xml.Name{Local: "option"}}),
		xmlstream.Wrap(xmlstream.Wrap(xmlstream.Token(xml.CharData(MethodIBB)), xml.StartElement{Name: xml.Name{Local: "value"}}), xml.StartElement{Name: xml.Name{Local: "option"}}),
	)
	feature := xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Wrap(methods, xml.StartElement{
				Name: xml.Name{Local: "field"},
				Attr: []xml.Attr{
					{Name: xml.Name{Local: "var"}, Value: "stream-method"},
					{Name: xml.Name{Local: "type"}, Value: "list-single"},
				},
			}),
			xml.StartElement{
				Name: xml.Name{Space: NSData, Local: "x"},
				Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "form"}},
			},
		),
		xml.StartElement{Name: xml.Name{Space: NSFeatureNeg, Local: "feature"}},
	)

	return xmlstream.Wrap(
		xmlstream.MultiReader(tube, feature),
		xml.StartElement{
			Name: xml.Name{Space: NSSI, Local: "si"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "id"}, Value: t.id},
				{Name: xml.Name{Local: "profile"}, Value: NSSIProfile},
			},
		},
	)
}

// siOffer is a decoded inbound stream initiation.
type siOffer struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/si si"`
	ID      string   `xml:"id,attr"`
	Profile string   `xml:"profile,attr"`
	Tube    struct {
		Type       string `xml:"type,attr"`
		Service    string `xml:"service,attr"`
		ID         string `xml:"id,attr"`
		Parameters []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"parameters>parameter"`
	} `xml:"http://telepathy.freedesktop.org/xmpp/tubes tube"`
	Feature struct {
		X struct {
			Fields []struct {
				Var     string `xml:"var,attr"`
				Options []struct {
					Value string `xml:"value"`
				} `xml:"option"`
			} `xml:"field"`
		} `xml:"jabber:x:data x"`
	} `xml:"http://jabber.org/protocol/feature-neg feature"`
}

func (o siOffer) methods() []string {
	for _, f := range o.Feature.X.Fields {
		if f.Var != "stream-method" {
			continue
		}
		out := make([]string, 0, len(f.Options))
		for _, opt := range f.Options {
			out = append(out, opt.Value)
		}
		return out
	}
	return nil
}

// HandleIQ implements mux.IQHandler for inbound tube offers.
func (n *Negotiator) HandleIQ(iq stanza.IQ, rw xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), rw))
	var offer siOffer
	if err := d.Decode(&offer); err != nil {
		return err
	}
	if offer.Profile != NSSIProfile {
		reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
		serr := stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
		_, err := xmlstream.Copy(rw, reply.Wrap(serr.TokenReader()))
		return err
	}

	typ, ok := parseType(offer.Tube.Type)
	id := offer.Tube.ID
	if id == "" {
		id = offer.ID
	}
	if !ok || id == "" {
		reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
		serr := stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
		_, err := xmlstream.Copy(rw, reply.Wrap(serr.TokenReader()))
		return err
	}

	method := pickMethod(offer.methods())
	if method == "" {
		reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
		serr := stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented}
		_, err := xmlstream.Copy(rw, reply.Wrap(serr.TokenReader()))
		return err
	}

	params := make(map[string]string, len(offer.Tube.Parameters))
	for _, p := range offer.Tube.Parameters {
		params[p.Name] = p.Value
	}
	t := &Tube{
		n:          n,
		id:         id,
		typ:        typ,
		service:    offer.Tube.Service,
		parameters: params,
		peer:       iq.From,
		state:      StateLocalPending,
		method:     method,
		replyID:    iq.ID,
	}

	n.mu.Lock()
	if n.tubes == nil {
		n.tubes = make(map[string]*Tube)
	}
	if _, dup := n.tubes[id]; dup {
		n.mu.Unlock()
		reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
		serr := stanza.Error{Type: stanza.Cancel, Condition: stanza.Conflict}
		_, err := xmlstream.Copy(rw, reply.Wrap(serr.TokenReader()))
		return err
	}
	n.tubes[id] = t
	n.mu.Unlock()

	if n.IncomingTube != nil {
		n.IncomingTube(t)
	}
	// The SI result is sent from Accept (or the error from Decline),
	// not from this handler.
	return nil
}

func pickMethod(methods []string) string {
	for _, want := range []string{MethodSOCKS5, MethodIBB} {
		for _, m := range methods {
			if m == want {
				return want
			}
		}
	}
	return ""
}

// Accept answers an offered tube, committing to the negotiated
// bytestream method.
func (t *Tube) Accept(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateLocalPending {
		t.mu.Unlock()
		return errBadState
	}
	t.state = StateOpen
	method := t.method
	replyID := t.replyID
	t.mu.Unlock()

	result := xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Wrap(
				xmlstream.Wrap(xmlstream.Token(xml.CharData(method)), xml.StartElement{Name: xml.Name{Local: "value"}}),
				xml.StartElement{
					Name: xml.Name{Local: "field"},
					Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: "stream-method"}},
				},
			),
			xml.StartElement{
				Name: xml.Name{Space: NSData, Local: "x"},
				Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "submit"}},
			},
		),
		xml.StartElement{Name: xml.Name{Space: NSFeatureNeg, Local: "feature"}},
	)
	payload := xmlstream.Wrap(result, xml.StartElement{Name: xml.Name{Space: NSSI, Local: "si"}})
	iq := stanza.IQ{ID: replyID, To: t.peer, Type: stanza.ResultIQ}
	return t.n.Sender.Send(ctx, iq.Wrap(payload))
}

// Decline rejects an offered tube.
func (t *Tube) Decline(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateLocalPending {
		t.mu.Unlock()
		return errBadState
	}
	t.state = StateClosed
	replyID := t.replyID
	t.mu.Unlock()
	t.n.drop(t.id)

	serr := stanza.Error{Type: stanza.Cancel, Condition: stanza.Forbidden}
	iq := stanza.IQ{ID: replyID, To: t.peer, Type: stanza.ErrorIQ}
	return t.n.Sender.Send(ctx, iq.Wrap(serr.TokenReader()))
}

// Close tears the tube down and tells the peer.
func (t *Tube) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	t.mu.Unlock()
	t.n.drop(t.id)

	msg := stanza.Message{To: t.peer, Type: stanza.NormalMessage}
	payload := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: NSTubes, Local: "close"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "tube"}, Value: t.id}},
	})
	return t.n.Sender.Send(ctx, msg.Wrap(payload))
}

// handleClose processes a peer's tube close message.
func (n *Negotiator) handleClose(msg stanza.Message, rw xmlstream.TokenReadEncoder) error {
	d := xml.NewTokenDecoder(rw)
	var data struct {
		stanza.Message
		Close struct {
			Tube string `xml:"tube,attr"`
		} `xml:"http://telepathy.freedesktop.org/xmpp/tubes close"`
	}
	if err := d.Decode(&data); err != nil {
		return err
	}

	n.mu.Lock()
	t := n.tubes[data.Close.Tube]
	n.mu.Unlock()
	if t == nil {
		n.logger().WithField("tube", data.Close.Tube).Debug("close for unknown tube")
		return nil
	}
	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	n.drop(t.id)
	return nil
}
