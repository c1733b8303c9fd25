// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jingletest provides shared test doubles for session and
// channel tests.
package jingletest

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// FakeSender records every stanza written to it, rendered to a string.
type FakeSender struct {
	// JID is reported as the stream's local address.
	JID jid.JID

	// Reply, if set, is the raw XML decoded into the result of the next
	// UnmarshalIQElement call.
	Reply string

	mu   sync.Mutex
	sent []string
}

// Send implements the sender interfaces of the production packages.
func (f *FakeSender) Send(_ context.Context, r xml.TokenReader) error {
	s, err := Render(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
	return nil
}

// UnmarshalIQElement renders the payload like Send and then decodes the
// configured reply, if any, into v.
func (f *FakeSender) UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error {
	if err := f.Send(ctx, payload); err != nil {
		return err
	}
	f.mu.Lock()
	reply := f.Reply
	f.mu.Unlock()
	if reply == "" {
		return nil
	}
	return xml.Unmarshal([]byte(reply), v)
}

// LocalAddr implements the sender interfaces.
func (f *FakeSender) LocalAddr() jid.JID { return f.JID }

// Sent returns everything recorded so far.
func (f *FakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// Len returns the number of recorded stanzas.
func (f *FakeSender) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// Last returns the most recently recorded stanza, or the empty string.
func (f *FakeSender) Last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

// Reset clears the recording.
func (f *FakeSender) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// tx is the read/encode pair an IQ handler sees from the serve loop:
// reads come from the inbound stanza, writes go to the reply buffer.
type tx struct {
	d *xml.Decoder
	e *xml.Encoder
}

func (t *tx) Token() (xml.Token, error)       { return t.d.Token() }
func (t *tx) EncodeToken(tok xml.Token) error { return t.e.EncodeToken(tok) }
func (t *tx) Encode(v interface{}) error      { return t.e.Encode(v) }
func (t *tx) EncodeElement(v interface{}, start xml.StartElement) error {
	return t.e.EncodeElement(v, start)
}

// ServeIQ delivers the payload to an IQ handler the way the serve loop
// would and returns whatever the handler wrote in reply.
func ServeIQ(h mux.IQHandler, iq stanza.IQ, payload string) (string, error) {
	d := xml.NewDecoder(strings.NewReader(payload))
	tok, err := d.Token()
	if err != nil {
		return "", err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return "", fmt.Errorf("jingletest: payload does not start with an element")
	}
	var reply strings.Builder
	e := xml.NewEncoder(&reply)
	if err := h.HandleIQ(iq, &tx{d: d, e: e}, &start); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return reply.String(), nil
}

// ServeMessage delivers a whole message stanza to a message handler.
func ServeMessage(h func(stanza.Message, xmlstream.TokenReadEncoder) error, msg stanza.Message, stanzaXML string) (string, error) {
	d := xml.NewDecoder(strings.NewReader(stanzaXML))
	var reply strings.Builder
	e := xml.NewEncoder(&reply)
	if err := h(msg, &tx{d: d, e: e}); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return reply.String(), nil
}

// Render serializes a token stream to its XML text.
func Render(r xml.TokenReader) (string, error) {
	var b strings.Builder
	e := xml.NewEncoder(&b)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}
