// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jingle

import (
	"errors"
)

// Errors returned by the session engine and the channel layer built on
// top of it.
// Protocol level anomalies are answered on the wire and are never
// surfaced through these; they only reach a caller whose own pending
// request was directly affected.
var (
	// ErrNotCapable is returned when a request requires a feature the
	// peer (or the negotiated dialect) does not support, for example
	// requesting video from an audio only client.
	ErrNotCapable = errors.New("jingle: peer does not support the requested feature")

	// ErrNotAvailable is returned when the peer has no usable presence
	// or capabilities at the time of the request.
	ErrNotAvailable = errors.New("jingle: peer not available")

	// ErrInvalidArgument is returned for requests that are malformed
	// regardless of peer state, such as an unknown stream identifier.
	ErrInvalidArgument = errors.New("jingle: invalid argument")

	// ErrDisconnected is returned by operations that were outstanding
	// when the connection went away.
	// Pending operations are resolved eagerly at disconnect time; they
	// must never be left hanging.
	ErrDisconnected = errors.New("jingle: connection closed")

	// ErrTerminated is returned by operations on a session that has
	// already ended.
	ErrTerminated = errors.New("jingle: session terminated")
)
