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
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDialog(kind LegKind) *Dialog {
	d := &Dialog{
		Kind:      kind,
		log:       zap.NewNop().Sugar(),
		CallID:    "test-call-id",
		localURI:  sip.Uri{User: "sbc", Host: "10.0.0.1"},
		remoteURI: sip.Uri{User: "fs", Host: "10.0.0.2"},
		localTag:  "local-tag",
		remoteTag: "remote-tag",
		contact:   sip.ContactHeader{Address: sip.Uri{User: "sbc", Host: "10.0.0.1"}},
		target:    sip.Uri{User: "fs", Host: "10.0.0.2", Port: 5080},
	}
	d.cseq.Store(1)
	return d
}

func TestDialogLink(t *testing.T) {
	a := testDialog(LegUAS)
	b := testDialog(LegUAC)
	link(a, b)
	require.Same(t, b, a.Other())
	require.Same(t, a, b.Other())

	a.unlink()
	require.Nil(t, a.Other())
	require.Same(t, a, b.Other())
}

func TestDialogSetSDP(t *testing.T) {
	d := testDialog(LegUAS)
	d.setSDP("local-1", "remote-1")
	require.Equal(t, "local-1", d.LocalSDP())
	require.Equal(t, "remote-1", d.RemoteSDP())

	// empty values never clobber negotiated SDP
	d.setSDP("", "remote-2")
	require.Equal(t, "local-1", d.LocalSDP())
	require.Equal(t, "remote-2", d.RemoteSDP())
}

func TestNewRequestCSeq(t *testing.T) {
	d := testDialog(LegUAC)

	info := d.newRequest(sip.INFO)
	require.EqualValues(t, 2, info.CSeq().SeqNo)
	require.Equal(t, sip.INFO, info.CSeq().MethodName)

	// ACK and CANCEL reuse the current sequence number
	ack := d.newRequest(sip.ACK)
	require.EqualValues(t, 2, ack.CSeq().SeqNo)

	bye := d.newRequest(sip.BYE)
	require.EqualValues(t, 3, bye.CSeq().SeqNo)

	tag, ok := bye.From().Params.Get("tag")
	require.True(t, ok)
	require.Equal(t, "local-tag", tag)
	tag, ok = bye.To().Params.Get("tag")
	require.True(t, ok)
	require.Equal(t, "remote-tag", tag)
	require.Equal(t, "test-call-id", bye.CallID().Value())
	require.Equal(t, "fs", bye.Recipient.User)
	require.Equal(t, 5080, bye.Recipient.Port)
}

func TestBuildACKFor2xx(t *testing.T) {
	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "fs", Host: "10.0.0.2"})
	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	invite.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "sbc", Host: "10.0.0.1"}, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "fs", Host: "10.0.0.2"}, Params: sip.NewParams()})
	callID := sip.CallIDHeader("ack-test")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})

	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	addToTag(res, "callee-tag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "fs", Host: "10.0.0.9", Port: 5062}})

	ack := buildACKFor2xx(invite, res)
	require.Equal(t, sip.ACK, ack.Method)
	// Request-URI follows the 2xx Contact
	require.Equal(t, "10.0.0.9", ack.Recipient.Host)
	require.Equal(t, 5062, ack.Recipient.Port)
	require.EqualValues(t, 7, ack.CSeq().SeqNo)
	require.Equal(t, sip.ACK, ack.CSeq().MethodName)
	tag, ok := ack.To().Params.Get("tag")
	require.True(t, ok)
	require.Equal(t, "callee-tag", tag)
	require.Equal(t, "ack-test", ack.CallID().Value())
}

func TestBuildCancelRequest(t *testing.T) {
	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "fs", Host: "10.0.0.2", Port: 5070})
	via := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.0.0.1", Port: 5060, Params: sip.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK-cancel-branch")
	invite.AppendHeader(via)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	invite.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "sbc", Host: "10.0.0.1"}, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "fs", Host: "10.0.0.2"}, Params: sip.NewParams()})
	callID := sip.CallIDHeader("cancel-test")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 3, MethodName: sip.INVITE})

	cancel := buildCancelRequest(invite)
	require.Equal(t, sip.CANCEL, cancel.Method)
	// Request-URI, Via branch, Call-ID and CSeq number mirror the INVITE
	require.Equal(t, "10.0.0.2", cancel.Recipient.Host)
	require.Equal(t, 5070, cancel.Recipient.Port)
	branch, ok := cancel.Via().Params.Get("branch")
	require.True(t, ok)
	require.Equal(t, "z9hG4bK-cancel-branch", branch)
	require.Equal(t, "cancel-test", cancel.CallID().Value())
	require.EqualValues(t, 3, cancel.CSeq().SeqNo)
	require.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	tag, ok := cancel.From().Params.Get("tag")
	require.True(t, ok)
	require.Equal(t, "caller-tag", tag)
}

func TestByeAfterClosedIsNoop(t *testing.T) {
	d := testDialog(LegUAS)
	d.markClosed()
	// nil client: would panic if a BYE were actually built and sent
	d.Bye(context.Background())
	d.Bye(context.Background())
}
