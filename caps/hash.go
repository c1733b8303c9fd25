// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	/* #nosec */
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
)

// ExtForm is an extended service discovery data form as it enters the
// verification string: a FORM_TYPE and the remaining fields.
type ExtForm struct {
	// Type is the value of the form's FORM_TYPE field.
	Type string

	// Fields are the remaining fields of the form.
	Fields []ExtField
}

// ExtField is one data form field.
type ExtField struct {
	Var    string
	Values []string
}

// Ver computes the XEP-0115 verification string of an info reply.
//
// The inputs are sorted as mandated by the XEP, so the result does not
// depend on the order identities, features, forms, or values arrived in.
// Only the sha-1 algorithm is supported; hashes announced with any other
// algorithm are never verified against this value.
func Ver(info Info) string {
	ids := make([]Identity, len(info.Identities))
	copy(ids, info.Identities)
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Lang != b.Lang {
			return a.Lang < b.Lang
		}
		return a.Name < b.Name
	})

	features := make([]string, len(info.Features))
	copy(features, info.Features)
	sort.Strings(features)

	forms := make([]ExtForm, len(info.Forms))
	copy(forms, info.Forms)
	sort.Slice(forms, func(i, j int) bool { return forms[i].Type < forms[j].Type })

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id.Category)
		b.WriteByte('/')
		b.WriteString(id.Type)
		b.WriteByte('/')
		b.WriteString(id.Lang)
		b.WriteByte('/')
		b.WriteString(id.Name)
		b.WriteByte('<')
	}
	for _, f := range features {
		b.WriteString(f)
		b.WriteByte('<')
	}
	for _, form := range forms {
		b.WriteString(form.Type)
		b.WriteByte('<')
		fields := make([]ExtField, len(form.Fields))
		copy(fields, form.Fields)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Var < fields[j].Var })
		for _, field := range fields {
			if field.Var == "FORM_TYPE" {
				continue
			}
			b.WriteString(field.Var)
			b.WriteByte('<')
			values := make([]string, len(field.Values))
			copy(values, field.Values)
			sort.Strings(values)
			for _, v := range values {
				b.WriteString(v)
				b.WriteByte('<')
			}
		}
	}

	/* #nosec */
	sum := sha1.Sum([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(sum[:])
}
