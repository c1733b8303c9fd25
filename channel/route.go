// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package channel

import (
	"mellium.im/jingle/caps"
)

// PickResource selects the resource a call to a bare JID should target.
//
// The base rule is most available presence wins, with ties broken by
// keeping the current winner so derived properties do not flip-flop
// between equally ranked resources.
//
// One deliberate policy override sits on top: once any phone resource is
// online it is preferred as the call target over more-available
// non-phone resources. A ringing phone in a pocket beats a forgotten
// laptop session. Gateways of the sms client type count as phones.
func PickResource(resources []caps.ResourceInfo, current string) (string, bool) {
	if len(resources) == 0 {
		return "", false
	}
	phone := func(t caps.ClientType) bool {
		return t == caps.ClientPhone || t == caps.ClientSMS
	}
	better := func(candidate, winner caps.ResourceInfo, winnerSet bool) bool {
		if !winnerSet {
			return true
		}
		candPhone := phone(candidate.ClientType)
		winPhone := phone(winner.ClientType)
		if candPhone != winPhone {
			return candPhone
		}
		if candidate.Availability != winner.Availability {
			return candidate.Availability > winner.Availability
		}
		// Equal rank: keep the current winner.
		if winner.Resource == current {
			return false
		}
		return candidate.Resource == current
	}

	var winner caps.ResourceInfo
	winnerSet := false
	for _, r := range resources {
		if r.Availability == caps.Offline {
			continue
		}
		if better(r, winner, winnerSet) {
			winner = r
			winnerSet = true
		}
	}
	if !winnerSet {
		return "", false
	}
	return winner.Resource, true
}
