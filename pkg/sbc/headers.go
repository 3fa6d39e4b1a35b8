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

package sbc

import (
	"github.com/emiago/sipgo/sip"
)

// Custom headers carried between the SBC and feature servers.
const (
	HdrAccountSid         = "X-Account-Sid"
	HdrApplicationSid     = "X-Application-Sid"
	HdrCID                = "X-CID"
	HdrForwardedFor       = "X-Forwarded-For"
	HdrOriginatingCarrier = "X-Originating-Carrier"
	HdrVoipCarrierSid     = "X-Voip-Carrier-Sid"
	HdrAuthenticatedUser  = "X-Authenticated-User"
	HdrTeamsTenant        = "X-MS-Teams-Tenant-FQDN"
	HdrReason             = "X-Reason"
	HdrSrsURL             = "X-Srs-Url"
	HdrSrsRecordingID     = "X-Srs-Recording-ID"
	HdrCallSid            = "X-Call-Sid"
	HdrRetainCallSid      = "X-Retain-Call-Sid"
)

// Reason classifies the X-Reason header on in-dialog requests from the
// feature server.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonReleaseMedia
	ReasonAnchorMedia
	ReasonReleaseMediaEntirely
	ReasonMute
	ReasonUnmute
	ReasonStartRecording
	ReasonStopRecording
	ReasonPauseRecording
	ReasonResumeRecording
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonReleaseMedia:
		return "release-media"
	case ReasonAnchorMedia:
		return "anchor-media"
	case ReasonReleaseMediaEntirely:
		return "release-media-entirely"
	case ReasonMute:
		return "mute"
	case ReasonUnmute:
		return "unmute"
	case ReasonStartRecording:
		return "startCallRecording"
	case ReasonStopRecording:
		return "stopCallRecording"
	case ReasonPauseRecording:
		return "pauseCallRecording"
	case ReasonResumeRecording:
		return "resumeCallRecording"
	}
	return "unknown"
}

// ParseReason maps the X-Reason value of a request to its Reason. An
// absent header is ReasonNone; an unrecognized value is ReasonUnknown so
// callers can treat it as an ordinary passthrough request.
func ParseReason(req *sip.Request) Reason {
	h := req.GetHeader(HdrReason)
	if h == nil {
		return ReasonNone
	}
	switch h.Value() {
	case "release-media":
		return ReasonReleaseMedia
	case "anchor-media":
		return ReasonAnchorMedia
	case "release-media-entirely":
		return ReasonReleaseMediaEntirely
	case "mute":
		return ReasonMute
	case "unmute":
		return ReasonUnmute
	case "startCallRecording":
		return ReasonStartRecording
	case "stopCallRecording":
		return ReasonStopRecording
	case "pauseCallRecording":
		return ReasonPauseRecording
	case "resumeCallRecording":
		return ReasonResumeRecording
	}
	return ReasonUnknown
}

// immutableHeaders are never copied when forwarding a request from one
// leg to the other; they belong to the dialog the request arrived on.
var immutableHeaders = map[string]struct{}{
	"via":            {},
	"from":           {},
	"to":             {},
	"call-id":        {},
	"cseq":           {},
	"contact":        {},
	"max-forwards":   {},
	"record-route":   {},
	"route":          {},
	"content-length": {},
}

// copyMutableHeaders appends every forwardable header of src to dst.
func copyMutableHeaders(src *sip.Request, dst *sip.Request) {
	for _, h := range src.Headers() {
		if _, fixed := immutableHeaders[sip.HeaderToLower(h.Name())]; fixed {
			continue
		}
		dst.AppendHeader(sip.HeaderClone(h))
	}
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}
