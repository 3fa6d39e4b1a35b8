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
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
)

const midCallTimeout = 15 * time.Second

// handleReinvite processes an in-dialog INVITE or UPDATE on either leg:
// plain session refreshes, transparent offer/answer passthrough, and the
// media anchoring transitions signaled by the feature server.
func (cs *CallSession) handleReinvite(leg *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	offer := string(req.Body())
	if offer == "" {
		if leg.Kind == LegUAS && req.Method == sip.INVITE && cs.lateSDP.CompareAndSwap(true, false) {
			// the initial offer was recvonly or inactive; this re-INVITE's
			// ACK carries the real offer. Arm the ACK capture before the
			// 200 goes out, an immediate ACK must not race past it.
			cs.log.Infow("re-INVITE without SDP after withheld offer, awaiting offer in ACK")
			cs.awaitingAckSDP.Store(true)
			cs.respondSDP(req, tx, leg.LocalSDP())
			go cs.awaitLateOffer(leg)
			return
		}
		// session refresh, echo our current local SDP
		cs.log.Infow("re-INVITE without SDP, responding with current offer", "leg", leg.Kind.String())
		cs.respondSDP(req, tx, leg.LocalSDP())
		return
	}

	reason := ParseReason(req)
	if leg.Kind == LegUAC {
		switch reason {
		case ReasonReleaseMedia, ReasonAnchorMedia, ReasonReleaseMediaEntirely:
			if err := cs.transitionMedia(ctx, reason, leg, req, tx, offer); err != nil {
				cs.log.Errorw("media transition failed", "reason", reason.String(), "error", err)
				cs.respondError(req, tx, 488, "Not Acceptable Here")
			}
			return
		}
	}

	if cs.mediaPath == MediaPathNone {
		// relay is out of the path, pass the offer straight through
		cs.forwardOfferDirect(ctx, leg, req, tx, offer)
		return
	}

	answer, err := cs.relayedOfferAnswer(ctx, leg, offer, nil, "")
	if err != nil {
		cs.failMidCall(req, tx, err)
		return
	}
	cs.respondSDP(req, tx, answer)
	leg.setSDP(answer, offer)
}

// relayedOfferAnswer runs a full offer/answer cycle through the relay
// for an offer that arrived on leg. When answerSDP is empty the
// rewritten offer is sent to the peer leg as a re-INVITE and the peer's
// answer completes the cycle; otherwise answerSDP completes it without
// touching the peer.
func (cs *CallSession) relayedOfferAnswer(ctx context.Context, leg *Dialog, offer string,
	answerFlags []string, answerSDP string) (string, error) {

	var offerParams, answerParams func(string, map[string]any) map[string]any
	var direction []string
	if leg.Kind == LegUAS {
		offerParams = func(sdp string, extra map[string]any) map[string]any {
			return cs.opts.OfferParams(sdp, nil, withToTag(extra, cs.opts.UACTag))
		}
		answerParams = cs.opts.AnswerParams
		direction = []string{"public", "private"}
	} else {
		offerParams = cs.opts.ReverseOfferParams
		answerParams = cs.opts.ReverseAnswerParams
		direction = []string{"private", "public"}
	}

	rewritten, err := cs.binding.Offer(ctx, offerParams(offer, map[string]any{"direction": direction}))
	if err != nil {
		return "", err
	}

	if answerSDP == "" {
		other := leg.Other()
		if other == nil {
			return "", errors.New("no peer leg")
		}
		answerSDP, err = other.Modify(ctx, rewritten, nil)
		if err != nil {
			return "", err
		}
	}

	var extra map[string]any
	if len(answerFlags) > 0 {
		extra = map[string]any{"flags": answerFlags}
	}
	return cs.binding.Answer(ctx, answerParams(answerSDP, extra))
}

// transitionMedia applies a release-media / anchor-media /
// release-media-entirely re-INVITE from the feature server. The caller
// leg is never re-INVITEd: the relay answers asymmetrically and latches
// on whatever the caller already sends.
func (cs *CallSession) transitionMedia(ctx context.Context, reason Reason, leg *Dialog,
	req *sip.Request, tx sip.ServerTransaction, offer string) error {

	target, err := cs.mediaTransitionTarget(reason)
	if err != nil {
		return err
	}
	cs.log.Infow("media anchoring transition",
		"reason", reason.String(), "from", cs.mediaPath.String(), "to", target.String())

	other := leg.Other()
	if other == nil {
		return errors.New("no peer leg")
	}
	callerSDP := other.RemoteSDP()

	switch reason {
	case ReasonReleaseMediaEntirely:
		// take the relay out of the path: park the caller SDP so a later
		// re-anchor can rebuild, then drop the relay resources
		if err := cs.s.store.SavePeerSDP(ctx, cs.cdr.CallID, callerSDP); err != nil {
			cs.log.Warnw("failed to park caller sdp", "error", err)
		}
		cs.deleteRelay(ctx)
		cs.mediaPath = MediaPathNone
		cs.respondSDP(req, tx, callerSDP)
		leg.setSDP(callerSDP, offer)
		return nil

	case ReasonAnchorMedia:
		if cs.mediaPath == MediaPathNone {
			// relay was fully released, build a fresh session
			binding, err := cs.s.pool.Allocate(cs.cdr.CallID)
			if err != nil {
				return err
			}
			cs.binding = binding
			cs.relayDeleted.Store(false)
			if stored, err := cs.s.store.LoadPeerSDP(ctx, cs.cdr.CallID); err == nil && stored != "" {
				callerSDP = stored
			}
			defer cs.s.store.DeletePeerSDP(context.Background(), cs.cdr.CallID)
		}
	}

	answer, err := cs.relayedOfferAnswer(ctx, leg, offer,
		[]string{"asymmetric", "port latching"}, callerSDP)
	if err != nil {
		return err
	}

	cs.mediaPath = target
	if cs.mediaPath == MediaPathPartial {
		cs.subscribeDTMF()
	}
	cs.respondSDP(req, tx, answer)
	leg.setSDP(answer, offer)
	return nil
}

// mediaTransitionTarget validates the requested transition against the
// current media path.
func (cs *CallSession) mediaTransitionTarget(reason Reason) (MediaPath, error) {
	switch reason {
	case ReasonReleaseMedia:
		if cs.mediaPath != MediaPathFull {
			return 0, errors.Errorf("cannot release media from %s", cs.mediaPath)
		}
		return MediaPathPartial, nil
	case ReasonAnchorMedia:
		if cs.mediaPath == MediaPathFull {
			return 0, errors.New("media already anchored")
		}
		return MediaPathFull, nil
	case ReasonReleaseMediaEntirely:
		if cs.mediaPath == MediaPathNone {
			return 0, errors.New("media already released entirely")
		}
		return MediaPathNone, nil
	}
	return 0, errors.Errorf("not a media transition: %s", reason)
}

// awaitLateOffer waits for the real offer in the ACK of a no-body
// re-INVITE and runs it through the relay and the peer leg. The caller
// already holds our SDP from the 200, so nothing is sent back to it.
func (cs *CallSession) awaitLateOffer(leg *Dialog) {
	// awaitingAckSDP was armed before the 200 was sent
	defer cs.awaitingAckSDP.Store(false)

	var offer string
	select {
	case offer = <-cs.ackSDP:
	case <-time.After(cs.s.conf.DelayedOfferTimeout):
		cs.log.Warnw("timed out waiting for offer in ACK")
		cs.teardownBoth("no offer in ACK")
		return
	case <-cs.destroyed.Watch():
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	cs.mu.Lock()
	answer, err := cs.relayedOfferAnswer(ctx, leg, offer, nil, "")
	if err == nil {
		leg.setSDP(answer, offer)
	}
	cs.mu.Unlock()

	if err != nil {
		cs.log.Errorw("late offer exchange failed", "error", err)
		cs.teardownBoth("late offer exchange failed")
	}
}

// forwardOfferDirect bridges an offer/answer exchange without the relay.
func (cs *CallSession) forwardOfferDirect(ctx context.Context, leg *Dialog, req *sip.Request, tx sip.ServerTransaction, offer string) {
	other := leg.Other()
	if other == nil {
		cs.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	answer, err := other.Modify(ctx, offer, nil)
	if err != nil {
		cs.failMidCall(req, tx, err)
		return
	}
	cs.respondSDP(req, tx, answer)
	leg.setSDP(answer, offer)
}

func (cs *CallSession) respondSDP(req *sip.Request, tx sip.ServerTransaction, sdp string) {
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(sdp))
	contact := cs.s.contact
	res.AppendHeader(&contact)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	if err := tx.Respond(res); err != nil {
		cs.log.Warnw("failed to respond to re-INVITE", "error", err)
	}
}

// failMidCall maps a mid-call error to a response, logging relay
// replies verbatim.
func (cs *CallSession) failMidCall(req *sip.Request, tx sip.ServerTransaction, err error) {
	var cmdErr *rtpengine.CommandError
	if errors.As(err, &cmdErr) {
		cs.s.mon.RelayError(cmdErr.Command)
		cs.log.Errorw("media relay command failed", "command", cmdErr.Command, "reply", cmdErr.Reply)
		cs.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}
	code, reason := sipStatusFor(err)
	cs.log.Errorw("mid-call request failed", "error", err)
	cs.respondError(req, tx, code, reason)
}

func withToTag(extra map[string]any, toTag string) map[string]any {
	out := map[string]any{"to-tag": toTag}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
