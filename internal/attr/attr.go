// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package attr generates the random identifiers used in stanzas and
// sessions.
package attr

import (
	"crypto/rand"
	"encoding/hex"
)

// IDLen is the length of generated identifiers in characters.
const IDLen = 16

// RandomID generates a random identifier of length IDLen.
// If the OS's entropy pool is not initialized or random numbers cannot be
// generated for some other reason, RandomID panics.
func RandomID() string {
	b := make([]byte, IDLen/2)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
