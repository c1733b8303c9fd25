// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jingle implements the Jingle session negotiation protocol as
// defined in XEP-0166 and XEP-0167 together with the dialects spoken by
// older clients: the pre-standard Jingle 0.15 draft and the Google Talk
// 0.3 and 0.4 session protocols.
//
// The package deliberately stops at signalling: it negotiates which
// streams exist, their codecs, transport candidates, directionality, and
// hold state, and leaves moving actual media bytes to a separate media
// layer that is driven through the callbacks on Session and the methods
// on Content.
package jingle // import "mellium.im/jingle"
