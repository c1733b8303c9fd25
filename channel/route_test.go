// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mellium.im/jingle/caps"
)

func TestPickResource(t *testing.T) {
	laptop := caps.ResourceInfo{Resource: "laptop", Availability: caps.Available, ClientType: caps.ClientPC}
	web := caps.ResourceInfo{Resource: "web", Availability: caps.Away, ClientType: caps.ClientWeb}
	phone := caps.ResourceInfo{Resource: "phone", Availability: caps.Away, ClientType: caps.ClientPhone}

	res, ok := PickResource([]caps.ResourceInfo{laptop, web}, "")
	assert.True(t, ok)
	assert.Equal(t, "laptop", res, "most available resource wins")

	// A phone beats more available non-phones once it is online at all.
	res, ok = PickResource([]caps.ResourceInfo{laptop, web, phone}, "")
	assert.True(t, ok)
	assert.Equal(t, "phone", res)

	// Two phones are ranked by availability between themselves.
	phone2 := caps.ResourceInfo{Resource: "phone2", Availability: caps.Available, ClientType: caps.ClientPhone}
	res, _ = PickResource([]caps.ResourceInfo{laptop, phone, phone2}, "")
	assert.Equal(t, "phone2", res)

	// An sms gateway counts as a phone.
	sms := caps.ResourceInfo{Resource: "sms", Availability: caps.Away, ClientType: caps.ClientSMS}
	res, _ = PickResource([]caps.ResourceInfo{laptop, web, sms}, "")
	assert.Equal(t, "sms", res)

	// An offline phone does not count.
	offline := caps.ResourceInfo{Resource: "pocket", Availability: caps.Offline, ClientType: caps.ClientPhone}
	res, _ = PickResource([]caps.ResourceInfo{laptop, offline}, "")
	assert.Equal(t, "laptop", res)

	_, ok = PickResource(nil, "")
	assert.False(t, ok)
	_, ok = PickResource([]caps.ResourceInfo{offline}, "")
	assert.False(t, ok)
}

// Equal rank keeps the current target so an established route does not
// flip-flop between equivalent resources.
func TestPickResourceKeepsCurrent(t *testing.T) {
	a := caps.ResourceInfo{Resource: "a", Availability: caps.Available, ClientType: caps.ClientPC}
	b := caps.ResourceInfo{Resource: "b", Availability: caps.Available, ClientType: caps.ClientPC}

	res, ok := PickResource([]caps.ResourceInfo{a, b}, "b")
	assert.True(t, ok)
	assert.Equal(t, "b", res)

	res, _ = PickResource([]caps.ResourceInfo{a, b}, "a")
	assert.Equal(t, "a", res)
}
