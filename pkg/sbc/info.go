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

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
)

// handleInfo processes in-dialog INFO requests: media control from the
// feature server, DTMF from the caller, and transparent passthrough for
// everything else.
func (cs *CallSession) handleInfo(leg *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	reason := ParseReason(req)
	if leg.Kind == LegUAC && reason != ReasonNone {
		switch reason {
		case ReasonMute:
			cs.setMute(ctx, req, tx, true)
		case ReasonUnmute:
			cs.setMute(ctx, req, tx, false)
		case ReasonStartRecording, ReasonStopRecording, ReasonPauseRecording, ReasonResumeRecording:
			cs.handleRecordingControl(ctx, reason, req, tx)
		default:
			cs.forwardInfo(ctx, leg, req, tx)
		}
		return
	}

	if isDTMFContent(req) && cs.mediaPath == MediaPathFull {
		// media is anchored, inject the tone instead of trusting the far
		// end to handle INFO
		digit, duration, err := parseDTMFRelay(string(req.Body()))
		if err != nil {
			cs.respondError(req, tx, 400, "Bad Request")
			return
		}
		fromTag := cs.opts.UASTag
		if leg.Kind == LegUAC {
			fromTag = cs.opts.UACTag
		}
		if err := cs.binding.PlayDTMF(ctx, fromTag, digit, duration); err != nil {
			cs.relayWarn(err, "play DTMF")
			cs.respondError(req, tx, 503, "Service Unavailable")
			return
		}
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		return
	}

	cs.forwardInfo(ctx, leg, req, tx)
}

// isDTMFContent matches both INFO DTMF conventions: the structured
// application/dtmf-relay body and the bare-digit application/dtmf one.
func isDTMFContent(req *sip.Request) bool {
	return contentTypeIs(req, "application/dtmf-relay") || contentTypeIs(req, "application/dtmf")
}

func (cs *CallSession) setMute(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, mute bool) {
	tag := cs.opts.UACTag
	var errMedia, errDTMF error
	if mute {
		errMedia = cs.binding.BlockMedia(ctx, tag, "reset")
		errDTMF = cs.binding.BlockDTMF(ctx, tag, "reset")
	} else {
		errMedia = cs.binding.UnblockMedia(ctx, tag, "reset")
		errDTMF = cs.binding.UnblockDTMF(ctx, tag, "reset")
	}
	if errMedia != nil || errDTMF != nil {
		cs.relayWarn(errMedia, "block media")
		cs.relayWarn(errDTMF, "block DTMF")
		cs.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	cs.log.Infow("media mute changed", "muted", mute)
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

// forwardInfo re-issues the INFO on the peer leg and mirrors the peer's
// response back, keeping only the Content-Type of the peer's reply.
func (cs *CallSession) forwardInfo(ctx context.Context, leg *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	other := leg.Other()
	if other == nil {
		cs.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	peerRes, err := other.ForwardRequest(ctx, req)
	if err != nil {
		cs.log.Warnw("failed to forward INFO", "leg", leg.Kind.String(), "error", err)
		cs.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	res := sip.NewResponseFromRequest(req, peerRes.StatusCode, peerRes.Reason, peerRes.Body())
	if ct := peerRes.ContentType(); ct != nil && len(peerRes.Body()) > 0 {
		res.AppendHeader(sip.HeaderClone(ct))
	}
	_ = tx.Respond(res)
}

func (cs *CallSession) relayWarn(err error, op string) {
	if err == nil {
		return
	}
	var cmdErr *rtpengine.CommandError
	if errors.As(err, &cmdErr) {
		cs.s.mon.RelayError(cmdErr.Command)
		cs.log.Errorw("media relay command failed", "command", cmdErr.Command, "reply", cmdErr.Reply)
		return
	}
	cs.log.Warnw("media relay operation failed", "op", op, "error", err)
}

func contentTypeIs(req *sip.Request, want string) bool {
	ct := req.ContentType()
	return ct != nil && ct.Value() == want
}
