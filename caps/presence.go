// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

// HandlePresence returns a mux option that feeds presence traffic into
// the cache: capability announcements on available presence and resource
// removal on unavailable presence.
func HandlePresence(c *Cache) mux.Option {
	return func(sm *mux.ServeMux) {
		mux.PresenceFunc("", xml.Name{Space: NSCaps, Local: "c"}, c.handleAvailable)(sm)
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, c.handleUnavailable)(sm)
	}
}

func (c *Cache) handleAvailable(p stanza.Presence, r xmlstream.TokenReadEncoder) error {
	var data struct {
		stanza.Presence
		Show string `xml:"show"`
		Caps struct {
			Node string `xml:"node,attr"`
			Ver  string `xml:"ver,attr"`
			Hash string `xml:"hash,attr"`
			Ext  string `xml:"ext,attr"`
		} `xml:"http://jabber.org/protocol/caps c"`
	}
	if err := xml.NewTokenDecoder(r).Decode(&data); err != nil {
		return err
	}
	c.RecordPresence(context.Background(), p.From, Presence{
		Node:         data.Caps.Node,
		Ver:          data.Caps.Ver,
		Hash:         data.Caps.Hash,
		Ext:          data.Caps.Ext,
		Availability: ParseAvailability(data.Show),
	})
	return nil
}

func (c *Cache) handleUnavailable(p stanza.Presence, _ xmlstream.TokenReadEncoder) error {
	c.RecordPresence(context.Background(), p.From, Presence{Availability: Offline})
	return nil
}
