// Copyright 2025 VoiceGrid, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtpengine

import "regexp"

var srtpAudioRE = regexp.MustCompile(`m=audio.*SAVP`)

// SDPWantsSrtp reports whether an offer requests a secure audio profile
// (SAVP or SAVPF).
func SDPWantsSrtp(sdp string) bool {
	return srtpAudioRE.MatchString(sdp)
}

// OptsConfig captures the per-call inputs that shape relay options.
type OptsConfig struct {
	CallID     string
	FromTag    string // caller leg tag, from the inbound From header
	CallerSRTP bool   // caller offered SAVP
	CalleeSRTP bool   // feature server side uses SRTP
	Teams      bool   // caller is MS Teams (SRTP profile differs, no DTMF injection)
	PadCrypto  bool   // gateway requires padded crypto attributes
	RecordAll  bool
	MaskG729   bool // transcode G.729 to PCMU instead of accepting it
}

// Opts holds the derived relay options for one call. The media maps are
// built fresh from the profile templates on every derivation, so a
// transition never observes flags accumulated by an earlier one.
type Opts struct {
	CallID  string
	UASTag  string // caller leg
	UACTag  string // feature-server leg, known once the B leg answers
	common  map[string]any
	uasOpts map[string]any
	uacOpts map[string]any
}

func NewOpts(c OptsConfig) *Opts {
	common := map[string]any{
		"replace":     []string{"origin", "session-connection"},
		"record call": "no",
	}
	if c.RecordAll {
		common["record call"] = "yes"
	}
	if c.MaskG729 {
		common["codec"] = map[string]any{"mask": "g729", "transcode": "pcmu"}
	}
	return &Opts{
		CallID:  c.CallID,
		UASTag:  c.FromTag,
		common:  common,
		uasOpts: mediaProfile(c.CallerSRTP, c.Teams, c.PadCrypto),
		uacOpts: mediaProfile(c.CalleeSRTP, false, c.PadCrypto),
	}
}

// mediaProfile returns a fresh per-leg characteristics map. Never share
// the returned map across derivations.
func mediaProfile(srtp, teams, padCrypto bool) map[string]any {
	if !srtp {
		return map[string]any{
			"transport-protocol": "RTP/AVP",
			"ICE":                "remove",
			"rtcp-mux":           []string{"demux"},
			"flags":              []string{"inject DTMF"},
		}
	}
	m := map[string]any{
		"transport-protocol": "RTP/SAVP",
		"ICE":                "remove",
		"rtcp-mux":           []string{"demux"},
	}
	flags := []string{"SDES-no-gcm"}
	if teams {
		m["transport-protocol"] = "UDP/TLS/RTP/SAVP"
		m["DTLS"] = "passive"
	} else {
		flags = append(flags, "inject DTMF")
	}
	if padCrypto {
		flags = append(flags, "pad crypto")
	}
	m["flags"] = flags
	return m
}

// OfferParams builds the parameters for an offer toward the feature
// server leg. The SDP travels from the caller; the media characteristics
// applied are the callee side's.
func (o *Opts) OfferParams(sdp string, direction []string, extra map[string]any) map[string]any {
	p := o.merged(o.uacOpts)
	p["from-tag"] = o.UASTag
	if len(direction) > 0 {
		p["direction"] = direction
	}
	p["sdp"] = sdp
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// AnswerParams builds the parameters for completing the offer/answer
// cycle with the callee's answer SDP. The rewritten result goes back to
// the caller, so the caller side's characteristics apply.
func (o *Opts) AnswerParams(sdp string, extra map[string]any) map[string]any {
	p := o.merged(o.uasOpts)
	p["from-tag"] = o.UASTag
	p["to-tag"] = o.UACTag
	p["sdp"] = sdp
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// ReverseOfferParams builds offer parameters for an offer that originates
// on the feature-server leg (a re-INVITE from the B side).
func (o *Opts) ReverseOfferParams(sdp string, extra map[string]any) map[string]any {
	p := o.merged(o.uasOpts)
	p["from-tag"] = o.UACTag
	p["to-tag"] = o.UASTag
	p["sdp"] = sdp
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// ReverseAnswerParams completes a B-side offer with the caller's answer.
func (o *Opts) ReverseAnswerParams(sdp string, extra map[string]any) map[string]any {
	p := o.merged(o.uacOpts)
	p["from-tag"] = o.UASTag
	p["to-tag"] = o.UACTag
	p["sdp"] = sdp
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// merged deep-copies the common block plus one leg's characteristics
// into a fresh parameter map.
func (o *Opts) merged(media map[string]any) map[string]any {
	p := make(map[string]any, len(o.common)+len(media)+4)
	for k, v := range o.common {
		p[k] = copyValue(v)
	}
	for k, v := range media {
		p[k] = copyValue(v)
	}
	return p
}

func copyValue(v any) any {
	switch v := v.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
