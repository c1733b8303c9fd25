// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"context"
	"encoding/xml"

	"mellium.im/xmpp"
	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// SessionQuerier issues disco#info queries over an xmpp.Session.
type SessionQuerier struct {
	Session *xmpp.Session
}

// QueryInfo implements InfoQuerier.
func (q SessionQuerier) QueryInfo(ctx context.Context, to jid.JID, node string) (Info, error) {
	var reply infoReply
	err := q.Session.UnmarshalIQElement(ctx, disco.InfoQuery{Node: node}.TokenReader(), stanza.IQ{
		To:   to,
		Type: stanza.GetIQ,
	}, &reply)
	if err != nil {
		return Info{}, err
	}
	return reply.info(), nil
}

type infoReply struct {
	XMLName    xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string   `xml:"node,attr"`
	Identities []struct {
		Category string `xml:"category,attr"`
		Type     string `xml:"type,attr"`
		Name     string `xml:"name,attr"`
		Lang     string `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	} `xml:"identity"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
	Forms []struct {
		Fields []struct {
			Var    string   `xml:"var,attr"`
			Values []string `xml:"value"`
		} `xml:"field"`
	} `xml:"jabber:x:data x"`
}

func (r infoReply) info() Info {
	var out Info
	for _, id := range r.Identities {
		out.Identities = append(out.Identities, Identity(id))
	}
	for _, f := range r.Features {
		out.Features = append(out.Features, f.Var)
	}
	for _, form := range r.Forms {
		var ext ExtForm
		for _, field := range form.Fields {
			if field.Var == "FORM_TYPE" {
				if len(field.Values) > 0 {
					ext.Type = field.Values[0]
				}
				continue
			}
			ext.Fields = append(ext.Fields, ExtField{Var: field.Var, Values: field.Values})
		}
		out.Forms = append(out.Forms, ext)
	}
	return out
}
