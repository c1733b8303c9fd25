// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mellium.im/jingle/internal/attr"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// Sender is the part of an xmpp.Session that the manager needs to talk
// to the network.
type Sender interface {
	// Send writes an entire element to the stream.
	Send(ctx context.Context, r xml.TokenReader) error

	// LocalAddr returns the JID the stream is bound to.
	LocalAddr() jid.JID
}

// HandleJingle returns a mux option that routes the session payloads of
// every supported dialect to the manager.
func HandleJingle(m *Manager) mux.Option {
	return func(sm *mux.ServeMux) {
		mux.IQ(stanza.SetIQ, xml.Name{Space: NS, Local: "jingle"}, m)(sm)
		mux.IQ(stanza.SetIQ, xml.Name{Space: NSLegacy, Local: "jingle"}, m)(sm)
		mux.IQ(stanza.SetIQ, xml.Name{Space: NSGoogle, Local: "session"}, m)(sm)
	}
}

// Manager tracks the Jingle sessions of one connection, keyed by session
// identifier.
//
// The zero value is not usable; the Sender field must be set before the
// manager is registered on a mux, and IncomingSession should be set by
// anything that wants to answer calls.
type Manager struct {
	// Sender is used for all outgoing stanzas.
	Sender Sender

	// Logger, if set, receives debug and warning output.
	Logger logrus.FieldLogger

	// IncomingSession is called for every remotely initiated session
	// before any of its content notifications fire, giving the receiver
	// a chance to install callbacks and ring or reject.
	IncomingSession func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func (m *Manager) logger() logrus.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Initiate starts an outgoing session with the peer, speaking the given
// dialect.
//
// No stanza is sent yet: the session-initiate goes out once every
// requested content has reported media readiness.
func (m *Manager) Initiate(peer jid.JID, d Dialect) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisconnected
	}
	sess := &Session{
		m:              m,
		sid:            uuid.NewString(),
		dialect:        d,
		peer:           peer,
		initiator:      m.Sender.LocalAddr(),
		localInitiator: true,
		state:          StatePendingInitiate,
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[sess.sid] = sess
	return sess, nil
}

// Session looks up an ongoing session by identifier.
func (m *Manager) Session(sid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	return s, ok
}

// Sessions returns all ongoing sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears the manager down when the connection goes away.
// Every session is terminated locally and every pending wait resolves
// with ErrDisconnected instead of hanging.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.abort(ErrDisconnected)
	}
	return nil
}

func (m *Manager) forget(sid string) {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
}

// send wraps the payload in a set IQ to the peer and writes it out.
// Replies are not awaited: all Jingle actions are acknowledged with an
// empty result that carries no information, and failures arrive as
// session-terminate or simply as silence.
func (m *Manager) send(ctx context.Context, to jid.JID, payload xml.TokenReader) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	iq := stanza.IQ{
		ID:   attr.RandomID(),
		To:   to,
		Type: stanza.SetIQ,
	}
	return m.Sender.Send(ctx, iq.Wrap(payload))
}

// sendAsync fires a stanza from a goroutine.
// It is used for stanzas triggered while an inbound stanza is still
// being handled, where the response writer owns the stream.
func (m *Manager) sendAsync(to jid.JID, payload xml.TokenReader) {
	go func() {
		if err := m.send(context.Background(), to, payload); err != nil {
			m.logger().WithError(err).Warn("failed to send jingle stanza")
		}
	}()
}

// HandleIQ implements mux.IQHandler.
func (m *Manager) HandleIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))
	var env wireEnvelope
	if err := d.Decode(&env); err != nil {
		return err
	}

	err := m.dispatch(iq, &env)
	switch {
	case err == nil:
		_, err = xmlstream.Copy(t, iq.Result(nil))
		return err
	case errors.Is(err, errUnsupportedInfo):
		reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
		_, err = xmlstream.Copy(t, reply.Wrap(unsupportedInfoReply()))
		return err
	default:
		var serr stanza.Error
		if errors.As(err, &serr) {
			reply := stanza.IQ{ID: iq.ID, To: iq.From, Type: stanza.ErrorIQ}
			_, err = xmlstream.Copy(t, reply.Wrap(serr.TokenReader()))
			return err
		}
		return err
	}
}

// dispatch routes a decoded payload to its session, creating one for an
// inbound session-initiate.
func (m *Manager) dispatch(iq stanza.IQ, env *wireEnvelope) error {
	var candidates []Dialect
	switch env.XMLName.Space {
	case NS:
		candidates = []Dialect{DialectJingle}
	case NSLegacy:
		candidates = []Dialect{DialectJingle015}
	case NSGoogle:
		candidates = []Dialect{DialectGTalk4}
	default:
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}

	sid := env.sid(candidates[0])
	if sid == "" {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}

	m.mu.Lock()
	closed := m.closed
	sess := m.sessions[sid]
	m.mu.Unlock()
	if closed {
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}

	if sess != nil {
		a, ok := env.action(sess.Dialect())
		if !ok {
			return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
		}
		return sess.handle(context.Background(), a, env)
	}

	a, ok := env.action(candidates[0])
	if !ok || a != ActionSessionInitiate {
		// Unknown session.
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ItemNotFound}
	}
	return m.incoming(iq, env, candidates[0], sid)
}

// incoming builds a session from an inbound session-initiate.
func (m *Manager) incoming(iq stanza.IQ, env *wireEnvelope, d Dialect, sid string) error {
	if d == DialectGTalk4 && env.Transport == nil {
		// Old Google Talk clients never mention the transport; they
		// assume google-p2p and send candidates bare.
		d = DialectGTalk3
	}

	initiator := iq.From
	if env.Initiator != "" {
		if j, err := jid.Parse(env.Initiator); err == nil {
			initiator = j
		}
	}
	sess := &Session{
		m:              m,
		sid:            sid,
		dialect:        d,
		peer:           iq.From,
		initiator:      initiator,
		localInitiator: false,
		state:          StatePendingAccept,
	}
	pcs, err := env.contents(d)
	if err != nil {
		return stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}
	}
	if err := sess.populate(pcs); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}
	if _, dup := m.sessions[sid]; dup {
		m.mu.Unlock()
		return stanza.Error{Type: stanza.Cancel, Condition: stanza.UnexpectedRequest}
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	m.sessions[sid] = sess
	m.mu.Unlock()

	if d == DialectGTalk4 {
		// Acknowledge the offered transport before any candidates flow.
		sess.mu.Lock()
		sess.transportAccepted = true
		v := contentView{transportNS: NSTransportP2P, includeTransport: true}
		payload := marshalEnvelope(d, ActionTransportAccept, sid, sess.initiator.String(), []contentView{v}, nil)
		sess.mu.Unlock()
		m.sendAsync(sess.peer, payload)
	}

	if m.IncomingSession != nil {
		m.IncomingSession(sess)
	}
	for _, c := range sess.Contents() {
		if sess.OnNewContent != nil {
			sess.OnNewContent(c)
		}
	}
	m.logger().WithFields(logrus.Fields{
		"sid":     sid,
		"peer":    sess.peer.String(),
		"dialect": d.String(),
	}).Debug("incoming jingle session")
	return nil
}
