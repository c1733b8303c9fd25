// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package caps

import (
	"sort"
	"strings"
)

// The channel class kinds.
const (
	ClassStreamedMedia = "streamed-media"
	ClassCall          = "call"
	ClassStreamTube    = "stream-tube"
	ClassDBusTube      = "dbus-tube"
)

// ChannelClass is one kind of channel that can be offered to a contact,
// together with the fixed properties that requests against it may use.
type ChannelClass struct {
	// Type is one of the Class constants.
	Type string

	// Audio and Video report which media a streamed media channel can
	// carry; InitialAudio and InitialVideo are the equivalent flags on a
	// call channel.
	Audio, Video               bool
	InitialAudio, InitialVideo bool

	// ImmutableStreams is set when streams cannot be added or removed
	// once the call is running; MutableContents is the opposite.
	// At most one of the two is set.
	ImmutableStreams bool
	MutableContents  bool

	// Service is the exact service (or D-Bus well-known name) of a
	// specialized tube class; empty for the generic tube classes.
	Service string
}

// featureSet is a contact's resolved feature list with set semantics.
type featureSet map[string]bool

func newFeatureSet(features []string) featureSet {
	fs := make(featureSet, len(features))
	for _, f := range features {
		fs[f] = true
	}
	return fs
}

func (fs featureSet) any(features ...string) bool {
	for _, f := range features {
		if fs[f] {
			return true
		}
	}
	return false
}

func (fs featureSet) list() []string {
	out := make([]string, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// classes derives the offerable channel classes from a contact's
// features, given our own feature set.
func classes(self, contact featureSet) []ChannelClass {
	sharedTransport := false
	for _, t := range transportFeatures {
		if self[t] && contact[t] {
			sharedTransport = true
			break
		}
	}

	jingle := contact.any(FeatureJingle, FeatureJingle015)
	googleOnly := !jingle && contact.any(FeatureGoogleVoice, FeatureGoogleVideo)

	audio := sharedTransport &&
		(jingle && contact.any(FeatureRTPAudio, FeatureLegacyAudio) ||
			contact[FeatureGoogleVoice])
	video := sharedTransport &&
		(jingle && contact.any(FeatureRTPVideo, FeatureLegacyVideo) ||
			contact[FeatureGoogleVideo])

	var out []ChannelClass
	if audio || video {
		// The Google dialects fix the stream set at initiate time, and a
		// one-medium contact leaves nothing to add or remove either.
		immutable := googleOnly || (audio != video)
		out = append(out, ChannelClass{
			Type:             ClassStreamedMedia,
			Audio:            audio,
			Video:            video,
			ImmutableStreams: immutable,
			MutableContents:  !immutable,
		})
		out = append(out, ChannelClass{
			Type:         ClassCall,
			InitialAudio: audio,
			InitialVideo: video,
		})
	}

	if contact[FeatureTubes] {
		out = append(out, ChannelClass{Type: ClassStreamTube}, ChannelClass{Type: ClassDBusTube})
	}
	const (
		streamPrefix = FeatureTubes + "/stream#"
		dbusPrefix   = FeatureTubes + "/dbus#"
	)
	for f := range contact {
		if strings.HasPrefix(f, streamPrefix) && len(f) > len(streamPrefix) {
			out = append(out, ChannelClass{Type: ClassStreamTube, Service: f[len(streamPrefix):]})
		}
		if strings.HasPrefix(f, dbusPrefix) && len(f) > len(dbusPrefix) {
			out = append(out, ChannelClass{Type: ClassDBusTube, Service: f[len(dbusPrefix):]})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Service < out[j].Service
	})
	return out
}
