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
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const recorderOfferSDP = "v=0\r\n" +
	"o=- 123 123 IN IP4 10.0.0.1\r\n" +
	"s=rtpengine\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0\r\n" +
	"a=sendonly\r\n" +
	"m=audio 30002 RTP/AVP 0\r\n" +
	"a=sendonly\r\n"

func TestLabelRecorderOffer(t *testing.T) {
	out, err := labelRecorderOffer(recorderOfferSDP)
	require.NoError(t, err)
	require.Contains(t, out, "s=VoiceGrid SRS")
	require.Contains(t, out, "a=label:1")
	require.Contains(t, out, "a=label:2")

	_, err = labelRecorderOffer("garbage")
	require.Error(t, err)
}

func TestRecordingMetadata(t *testing.T) {
	rs := &RecordingSession{
		log:            zap.NewNop().Sugar(),
		callSid:        "cs-1",
		accountSid:     "acct-1",
		applicationSid: "app-1",
		recordingID:    "rec-1",
		sipCallID:      "callid-1@host",
		originator:     "trunk",
		carrier:        "carrier-a",
		aorFrom:        "sip:alice@example.com",
		aorTo:          "sip:bob@example.com",
		callingNumber:  "alice",
		calledNumber:   "bob",
	}
	doc := rs.metadata()

	require.Contains(t, doc, `<recording xmlns="urn:ietf:params:xml:ns:recording:1">`)
	require.Contains(t, doc, "<datamode>complete</datamode>")
	require.Contains(t, doc, "<sipSessionID>callid-1@host</sipSessionID>")
	require.Contains(t, doc, "<vg:callsid>cs-1</vg:callsid>")
	require.Contains(t, doc, "<vg:accountsid>acct-1</vg:accountsid>")
	require.Contains(t, doc, "<vg:recordingid>rec-1</vg:recordingid>")
	require.Contains(t, doc, "<vg:originationsource>trunk</vg:originationsource>")
	require.Contains(t, doc, `aor="sip:alice@example.com"`)
	require.Contains(t, doc, "<label>1</label>")
	require.Contains(t, doc, "<label>2</label>")

	// one participantstreamassoc per participant
	require.Equal(t, 2, strings.Count(doc, "<participantstreamassoc"))
}

func TestRecordingMetadataDefaults(t *testing.T) {
	rs := &RecordingSession{log: zap.NewNop().Sugar()}
	doc := rs.metadata()
	require.Contains(t, doc, "<vg:originationsource>unknown</vg:originationsource>")
	require.Contains(t, doc, "<vg:carrier>unknown</vg:carrier>")
}

func TestBuildSiprecBodyRoundTrip(t *testing.T) {
	metadata := `<?xml version="1.0"?><recording/>`
	body, ctype := buildSiprecBody(recorderOfferSDP, metadata)

	require.Equal(t, "multipart/mixed;boundary="+siprecBoundary, ctype)
	require.Contains(t, string(body), "--"+siprecBoundary)
	require.Contains(t, string(body), "application/sdp")
	require.Contains(t, string(body), "application/rs-metadata+xml")

	// the body must parse back as a SIPREC ingress INVITE
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "rec", Host: "sbc.example.com"})
	ct := sip.ContentTypeHeader(ctype)
	req.AppendHeader(&ct)
	req.SetBody(body)

	ri := &RoutingInfo{}
	require.NoError(t, splitSiprecInvite(req, ri))
	require.Equal(t, recorderOfferSDP, ri.SiprecSDP)
	require.Equal(t, metadata, ri.SiprecMetadata)
}

func TestSplitSiprecInviteIgnoresPlainSDP(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "a", Host: "sbc.example.com"})
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody([]byte(recorderOfferSDP))

	ri := &RoutingInfo{}
	require.NoError(t, splitSiprecInvite(req, ri))
	require.Empty(t, ri.SiprecSDP)
	require.Empty(t, ri.SiprecMetadata)
}

func TestSplitSrsURLs(t *testing.T) {
	require.Nil(t, splitSrsURLs(""))
	require.Equal(t, []string{"sip:a"}, splitSrsURLs("sip:a"))
	require.Equal(t, []string{"sip:a", "sip:b"}, splitSrsURLs("sip:a, sip:b"))
	require.Equal(t, []string{"sip:a"}, splitSrsURLs("sip:a,,"))
}

func TestRecordingStateString(t *testing.T) {
	require.Equal(t, "none", RecordingNone.String())
	require.Equal(t, "active", RecordingActive.String())
	require.Equal(t, "paused", RecordingPaused.String())
}
