// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package channel exposes Jingle calls as channels with group
// membership, numbered streams, and call routing.
//
// A Media channel binds a membership Group to a jingle.Session: an
// incoming call invites the local user, accepting moves them to full
// membership and answers the session, and streams are created and
// removed by numeric identifier. Call routing picks which of a
// contact's resources a new call should target.
package channel // import "mellium.im/jingle/channel"
