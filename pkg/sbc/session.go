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
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
	"github.com/voicegrid/sbc-inbound/pkg/stats"
	"github.com/voicegrid/sbc-inbound/pkg/store"
)

// MediaPath describes how much of the call's media is anchored on the
// relay.
type MediaPath int

const (
	// MediaPathFull means both legs flow through the relay.
	MediaPathFull MediaPath = iota
	// MediaPathPartial means the feature-server side was released and
	// media flows caller <-> relay <-> far end directly.
	MediaPathPartial
	// MediaPathNone means the relay was taken out of the path entirely.
	MediaPathNone
)

func (p MediaPath) String() string {
	switch p {
	case MediaPathFull:
		return "full"
	case MediaPathPartial:
		return "partial"
	case MediaPathNone:
		return "none"
	}
	return "unknown"
}

const teardownTimeout = 5 * time.Second

// CallSession is the per-call orchestrator: it owns the two dialogs, the
// media relay binding and all mid-call state machines.
type CallSession struct {
	s   *Server
	log *zap.SugaredLogger

	callSid string
	ri      *RoutingInfo
	cmon    *stats.CallMonitor

	// serializes mid-call events so an offer/answer cycle on a leg can
	// never interleave with another
	mu sync.Mutex

	uas *Dialog
	uac *Dialog

	binding      MediaRelay
	relayDeleted atomic.Bool
	opts         *rtpengine.Opts
	mediaPath    MediaPath

	recordings map[string]*RecordingSession
	recState   RecordingState

	dtmfSubscribed bool

	awaitingAckSDP atomic.Bool
	ackSDP         chan string

	// set when the initial offer was recvonly or inactive: the real
	// offer is expected later, in the ACK of a no-body re-INVITE
	lateSDP atomic.Bool

	sids         store.CallCountSids
	countsBumped atomic.Bool

	cdr     *CDR
	callDur func() time.Duration

	answered  atomic.Bool
	destroyed core.Fuse
}

func newCallSession(s *Server, ri *RoutingInfo) *CallSession {
	callSid := uuid.NewString()
	return &CallSession{
		s:          s,
		log:        s.log.With("callSid", callSid),
		callSid:    callSid,
		ri:         ri,
		cmon:       s.mon.NewCall(string(ri.Originator)),
		recordings: make(map[string]*RecordingSession),
		ackSDP:     make(chan string, 1),
	}
}

// connect runs the inbound call setup: allocate relay resources, build
// the feature-server leg, and bridge the two dialogs.
func (cs *CallSession) connect(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	cs.log = cs.log.With("callID", callID)
	cs.cmon.InviteReq()

	_ = tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil))

	from := req.From()
	if from == nil {
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}
	fromTag, _ := from.Params.Get("tag")
	uasTag := newTag()

	cs.cdr = &CDR{
		CallSid:    cs.callSid,
		CallID:     callID,
		AccountSid: cs.ri.AccountSid,
		From:       from.Address.User,
		To:         req.Recipient.User,
		Carrier:    cs.ri.Carrier,
		Originator: cs.ri.Originator,
		StartedAt:  time.Now(),
	}
	cs.sids = store.CallCountSids{
		AccountSid:         cs.ri.AccountSid,
		ServiceProviderSid: cs.ri.ServiceProviderSid,
		ApplicationSid:     cs.ri.ApplicationSid,
	}

	fs := cs.s.fs.Next()
	if fs == "" {
		cs.log.Infow("no feature server available",
			"accepted", "no", "sipStatus", 480, "originator", string(cs.ri.Originator))
		cs.reject(req, tx, 480, "Temporarily Unavailable")
		return
	}

	binding, err := cs.s.pool.Allocate(callID)
	if err != nil {
		cs.log.Infow("no media relay available",
			"accepted", "no", "sipStatus", 480, "originator", string(cs.ri.Originator), "error", err)
		cs.reject(req, tx, 480, "Temporarily Unavailable")
		return
	}
	cs.binding = binding

	offer := string(req.Body())
	if cs.ri.SiprecSDP != "" {
		offer = cs.ri.SiprecSDP
	}

	cs.opts = rtpengine.NewOpts(rtpengine.OptsConfig{
		CallID:     callID,
		FromTag:    fromTag,
		CallerSRTP: rtpengine.SDPWantsSrtp(offer),
		Teams:      cs.ri.Originator == OriginatorTeams,
		PadCrypto:  cs.ri.Gateway != nil && cs.ri.Gateway.PadCrypto,
		RecordAll:  cs.s.conf.RecordAllCalls,
		MaskG729:   cs.s.conf.AcceptG729,
	})

	setupDur := cs.cmon.SetupDur()
	defer setupDur()

	// caller CANCEL aborts the setup through this context
	setupCtx, cancelSetup := context.WithCancelCause(ctx)
	defer cancelSetup(nil)
	cs.s.registry.AddPending(callID, cancelSetup)
	defer cs.s.registry.RemovePending(callID)

	if offer == "" {
		cs.connectDelayedOffer(setupCtx, req, tx, fs, callID, uasTag)
		return
	}
	if offerWithheldMedia(offer) {
		// a recvonly or inactive initial offer signals the real one will
		// arrive later, in the ACK of a no-body re-INVITE
		cs.lateSDP.Store(true)
	}

	direction := []string{"public", "private"}
	if cs.s.priv.Contains(req.Source()) {
		direction = []string{"private", "private"}
	}
	relayOffer, err := cs.binding.Offer(setupCtx, cs.opts.OfferParams(offer, direction, nil))
	if err != nil {
		cs.failSetup(req, tx, err)
		return
	}

	cs.connectUpstream(setupCtx, req, tx, fs, callID, uasTag, relayOffer, false)
}

// connectUpstream sends the B-leg INVITE and completes both dialogs.
// When delayed is true the INVITE carries no SDP and the feature server
// is expected to offer in its 200.
func (cs *CallSession) connectUpstream(ctx context.Context, req *sip.Request, tx sip.ServerTransaction,
	fs, callID, uasTag, relayOffer string, delayed bool) {

	invite, localURI, localTag := cs.buildUpstreamInvite(req, fs, callID, relayOffer, delayed)
	uacCallID := invite.CallID().Value()

	inviteTx, err := cs.s.client.TransactionRequest(ctx, invite)
	if err != nil {
		cs.log.Errorw("failed to send upstream INVITE", "error", err)
		cs.reject(req, tx, 480, "Temporarily Unavailable")
		return
	}
	defer inviteTx.Terminate()

	var res *sip.Response
	ringingRelayed := false
	for res == nil {
		select {
		case <-ctx.Done():
			// caller gave up, tear the B leg attempt down quietly
			cs.cancelUpstream(invite)
			cs.respondError(req, tx, 487, "Request Terminated")
			cs.abandonSilent(487, "caller abandoned")
			return
		case <-inviteTx.Done():
			if err := inviteTx.Err(); err != nil {
				cs.log.Warnw("upstream INVITE failed", "error", err)
			}
			cs.reject(req, tx, 480, "Temporarily Unavailable")
			return
		case r, ok := <-inviteTx.Responses():
			if !ok {
				cs.reject(req, tx, 480, "Temporarily Unavailable")
				return
			}
			switch {
			case r.StatusCode < 200:
				if (r.StatusCode == 180 || r.StatusCode == 183) && !ringingRelayed {
					ringingRelayed = true
					prov := sip.NewResponseFromRequest(req, r.StatusCode, r.Reason, nil)
					addToTag(prov, uasTag)
					_ = tx.Respond(prov)
				}
			default:
				res = r
			}
		}
	}

	if res.StatusCode >= 300 {
		// propagate the feature server's rejection verbatim
		cs.log.Infow("feature server rejected call", "sipStatus", res.StatusCode, "reason", res.Reason)
		cs.reject(req, tx, res.StatusCode, res.Reason)
		return
	}

	toTag := ""
	if to := res.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	cs.opts.UACTag = toTag

	uac := &Dialog{
		Kind:      LegUAC,
		log:       cs.log,
		c:         cs.s.client,
		CallID:    uacCallID,
		localURI:  localURI,
		localTag:  localTag,
		remoteTag: toTag,
		contact:   cs.s.contact,
		transport: invite.Transport(),
	}
	uac.remoteURI = invite.Recipient
	if to := res.To(); to != nil {
		uac.remoteURI = to.Address
	}
	uac.target = invite.Recipient
	if contact := res.Contact(); contact != nil {
		uac.target = contact.Address
	}
	uac.routes = routeSetFromRecordRoute(res)
	uac.cseq.Store(invite.CSeq().SeqNo)

	var callerSDP, callerRemoteSDP, upstreamSDP string
	if delayed {
		callerSDP, callerRemoteSDP, upstreamSDP = cs.finishDelayedOffer(ctx, req, tx, uac, invite, res, uasTag)
		if callerSDP == "" {
			return
		}
	} else {
		callerRemoteSDP = string(req.Body())
		upstreamSDP = string(res.Body())
		answer, err := cs.binding.Answer(ctx, cs.opts.AnswerParams(upstreamSDP, nil))
		if err != nil {
			uac.ackResponse(invite, res)
			uac.Bye(context.Background())
			cs.failSetup(req, tx, err)
			return
		}
		callerSDP = answer
		uac.ackResponse(invite, res)

		ok := sip.NewResponseFromRequest(req, 200, "OK", []byte(callerSDP))
		addToTag(ok, uasTag)
		contact := cs.s.contact
		ok.AppendHeader(&contact)
		ct := sip.ContentTypeHeader("application/sdp")
		ok.AppendHeader(&ct)
		if err := tx.Respond(ok); err != nil {
			cs.log.Errorw("failed to answer caller", "error", err)
			uac.Bye(context.Background())
			cs.abandonSetup(500, "failed to answer caller")
			return
		}
		uac.setSDP(relayOffer, upstreamSDP)
	}

	uas := cs.buildUASDialog(req, uasTag)
	uas.setSDP(callerSDP, callerRemoteSDP)
	link(uas, uac)

	cs.mu.Lock()
	cs.uas = uas
	cs.uac = uac
	cs.mediaPath = MediaPathFull
	cs.subscribeDTMF()
	cs.mu.Unlock()

	cs.s.registry.Add(callID, cs)
	cs.s.registry.Add(uacCallID, cs)
	cs.s.store.IncrementCallCounts(context.Background(), cs.sids)
	cs.countsBumped.Store(true)

	cs.answered.Store(true)
	cs.cdr.Answered = true
	cs.cdr.AnsweredAt = time.Now()
	cs.cmon.InviteAccept()
	cs.cmon.CallStart()
	cs.callDur = cs.cmon.CallDur()

	cs.log.Infow("call connected",
		"originator", string(cs.ri.Originator),
		"featureServer", fs,
		"engine", cs.binding.Engine(),
		"mediaPath", cs.mediaPath.String())
}

// buildUpstreamInvite constructs the feature-server INVITE with its own
// Call-ID and the identification headers routing produced.
func (cs *CallSession) buildUpstreamInvite(req *sip.Request, fs, callID, relayOffer string, delayed bool) (*sip.Request, sip.Uri, string) {
	host, port := splitAddr(fs, 5060)
	recipient := sip.Uri{Host: host, Port: port, User: req.Recipient.User}

	invite := sip.NewRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	callingUser := ""
	if from := req.From(); from != nil {
		callingUser = from.Address.User
	}
	if callingUser == "" {
		// privacy-withheld callers present no From user
		callingUser = "anonymous"
	}
	// the feature server keys off headers, not the From host
	localURI := sip.Uri{User: callingUser, Host: "localhost"}
	localTag := newTag()
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: localURI, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()})

	bCallID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&bCallID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	contact := cs.s.contact
	invite.AppendHeader(&contact)

	invite.AppendHeader(sip.NewHeader(HdrCID, callID))
	invite.AppendHeader(sip.NewHeader(HdrForwardedFor, sourceHost(req)))
	if cs.ri.AccountSid != "" {
		invite.AppendHeader(sip.NewHeader(HdrAccountSid, cs.ri.AccountSid))
	}
	if cs.ri.ApplicationSid != "" {
		invite.AppendHeader(sip.NewHeader(HdrApplicationSid, cs.ri.ApplicationSid))
	}
	if cs.ri.Carrier != "" {
		invite.AppendHeader(sip.NewHeader(HdrOriginatingCarrier, cs.ri.Carrier))
	}
	if cs.ri.VoipCarrierSid != "" {
		invite.AppendHeader(sip.NewHeader(HdrVoipCarrierSid, cs.ri.VoipCarrierSid))
	}
	if cs.ri.AuthenticatedUser != "" {
		invite.AppendHeader(sip.NewHeader(HdrAuthenticatedUser, cs.ri.AuthenticatedUser))
	}
	if cs.ri.TeamsTenant != "" {
		invite.AppendHeader(sip.NewHeader(HdrTeamsTenant, cs.ri.TeamsTenant))
	}

	if delayed {
		return invite, localURI, localTag
	}

	if cs.ri.SiprecMetadata != "" {
		body, ctype := buildSiprecBody(relayOffer, cs.ri.SiprecMetadata)
		ct := sip.ContentTypeHeader(ctype)
		invite.AppendHeader(&ct)
		invite.SetBody(body)
	} else {
		ct := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&ct)
		invite.SetBody([]byte(relayOffer))
	}
	return invite, localURI, localTag
}

func (cs *CallSession) buildUASDialog(req *sip.Request, uasTag string) *Dialog {
	uas := &Dialog{
		Kind:      LegUAS,
		log:       cs.log,
		c:         cs.s.client,
		CallID:    req.CallID().Value(),
		localTag:  uasTag,
		contact:   cs.s.contact,
		transport: req.Transport(),
		dest:      req.Source(),
	}
	if to := req.To(); to != nil {
		uas.localURI = to.Address
	}
	if from := req.From(); from != nil {
		uas.remoteURI = from.Address
		uas.remoteTag, _ = from.Params.Get("tag")
	}
	uas.target = uas.remoteURI
	if contact := req.Contact(); contact != nil {
		uas.target = contact.Address
	}
	uas.routes = routeSetFromRecordRouteReq(req)
	return uas
}

// connectDelayedOffer handles an INVITE without SDP: the feature server
// offers in its 200, the caller answers in the ACK. The answer wait is
// bounded; an expired wait tears the whole attempt down.
func (cs *CallSession) connectDelayedOffer(ctx context.Context, req *sip.Request, tx sip.ServerTransaction,
	fs, callID, uasTag string) {
	cs.log.Infow("INVITE without SDP, running delayed offer")
	cs.connectUpstream(ctx, req, tx, fs, callID, uasTag, "", true)
}

// finishDelayedOffer runs the reversed offer/answer once the feature
// server's 200 (carrying the offer) arrives. Returns empty strings when
// the call was torn down.
func (cs *CallSession) finishDelayedOffer(ctx context.Context, req *sip.Request, tx sip.ServerTransaction,
	uac *Dialog, invite *sip.Request, res *sip.Response, uasTag string) (callerSDP, callerRemoteSDP, upstreamSDP string) {

	fsOffer := string(res.Body())
	if fsOffer == "" {
		cs.log.Warnw("feature server 200 carried no offer")
		uac.ackResponse(invite, res)
		uac.Bye(context.Background())
		cs.reject(req, tx, 488, "Not Acceptable Here")
		return "", "", ""
	}

	relayOffer, err := cs.binding.Offer(ctx, cs.opts.ReverseOfferParams(fsOffer, nil))
	if err != nil {
		uac.ackResponse(invite, res)
		uac.Bye(context.Background())
		cs.failSetup(req, tx, err)
		return "", "", ""
	}

	cs.awaitingAckSDP.Store(true)
	defer cs.awaitingAckSDP.Store(false)

	// must be registered before the 200 goes out so the ACK finds us
	cs.s.registry.Add(req.CallID().Value(), cs)

	ok := sip.NewResponseFromRequest(req, 200, "OK", []byte(relayOffer))
	addToTag(ok, uasTag)
	contact := cs.s.contact
	ok.AppendHeader(&contact)
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)
	if err := tx.Respond(ok); err != nil {
		cs.log.Errorw("failed to answer caller", "error", err)
		uac.Bye(context.Background())
		cs.abandonSetup(500, "failed to answer caller")
		return "", "", ""
	}

	var ackOffer string
	select {
	case ackOffer = <-cs.ackSDP:
	case <-time.After(cs.s.conf.DelayedOfferTimeout):
		cs.log.Warnw("timed out waiting for offer in ACK")
		uac.ackResponse(invite, res)
		uac.Bye(context.Background())
		cs.abandonSetup(504, "no offer in ACK")
		return "", "", ""
	case <-ctx.Done():
		uac.ackResponse(invite, res)
		uac.Bye(context.Background())
		cs.abandonSilent(487, "caller abandoned")
		return "", "", ""
	}

	relayAnswer, err := cs.binding.Answer(ctx, cs.opts.ReverseAnswerParams(ackOffer, nil))
	if err != nil {
		uac.ackResponse(invite, res)
		uac.Bye(context.Background())
		cs.abandonSetup(488, "relay answer failed")
		return "", "", ""
	}

	// the ACK toward the feature server carries our answer to its offer
	ack := buildACKFor2xx(invite, res)
	act := sip.ContentTypeHeader("application/sdp")
	ack.AppendHeader(&act)
	ack.SetBody([]byte(relayAnswer))
	if err := cs.s.client.WriteRequest(ack); err != nil {
		cs.log.Warnw("failed to ACK feature server", "error", err)
	}
	uac.setSDP(relayAnswer, fsOffer)
	return relayOffer, ackOffer, fsOffer
}

// handleAck captures the SDP answer when the call ran a delayed offer.
func (cs *CallSession) handleAck(req *sip.Request) {
	if !cs.awaitingAckSDP.Load() {
		return
	}
	if body := string(req.Body()); body != "" {
		select {
		case cs.ackSDP <- body:
		default:
		}
	}
}

// handleBye tears the call down when either side hangs up.
func (cs *CallSession) handleBye(leg *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	leg.markClosed()

	reason := "caller hungup"
	if leg.Kind == LegUAC {
		reason = "called party hungup"
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if other := leg.Other(); other != nil {
		other.Bye(ctx)
	}
	cs.teardown(reason, 200)
}

// reject answers the caller with a failure status and records the
// termination.
func (cs *CallSession) reject(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	cs.respondError(req, tx, code, reason)
	cs.abandonSetup(code, reason)
}

// failSetup maps a relay error to the right SIP status and rejects. A
// failure caused by the caller canceling is not a failure of ours: it
// gets 487 and no termination metric.
func (cs *CallSession) failSetup(req *sip.Request, tx sip.ServerTransaction, err error) {
	if errors.Is(err, ErrCallSetupCanceled) || errors.Is(err, context.Canceled) {
		cs.respondError(req, tx, 487, "Request Terminated")
		cs.abandonSilent(487, "caller abandoned")
		return
	}
	code, reason := 500, "Internal Server Error"
	var cmdErr *rtpengine.CommandError
	if errors.As(err, &cmdErr) {
		code, reason = 488, "Not Acceptable Here"
		cs.s.mon.RelayError(cmdErr.Command)
		cs.log.Errorw("media relay command failed", "command", cmdErr.Command, "reply", cmdErr.Reply)
	} else {
		cs.log.Errorw("call setup failed", "error", err)
	}
	cs.reject(req, tx, code, reason)
}

// abandonSetup cleans up a call that never connected.
func (cs *CallSession) abandonSetup(code int, reason string) {
	cs.cmon.Terminate(false, code)
	cs.cdr.SIPStatus = code
	cs.cdr.TerminationReason = reason
	cs.teardown(reason, code)
}

// abandonSilent is abandonSetup for caller-initiated cancels: the call
// still gets a CDR and a full cleanup, but no termination metric.
func (cs *CallSession) abandonSilent(code int, reason string) {
	cs.cdr.SIPStatus = code
	cs.cdr.TerminationReason = reason
	cs.teardown(reason, code)
}

func (cs *CallSession) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		cs.log.Warnw("failed to respond", "sipStatus", code, "error", err)
	}
}

// teardown releases everything exactly once. Safe to call from any
// failure or hangup path.
func (cs *CallSession) teardown(reason string, code int) {
	cs.destroyed.Once(func() {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		cs.mu.Lock()
		recs := cs.recordings
		wasRecording := cs.recState != RecordingNone
		cs.recordings = map[string]*RecordingSession{}
		cs.recState = RecordingNone
		uas, uac := cs.uas, cs.uac
		cs.mu.Unlock()

		for _, rec := range recs {
			rec.Stop(ctx)
		}
		if wasRecording {
			cs.s.mon.RecordingEnded()
		}

		cs.deleteRelay(ctx)

		if cs.dtmfSubscribed {
			cs.s.dtmf.Unsubscribe(cs.cdr.CallID)
		}

		cs.s.registry.Remove(cs.cdr.CallID)
		// replacement legs register under fresh Call-IDs, remove by the
		// live dialogs as well
		if uas != nil {
			cs.s.registry.Remove(uas.CallID)
		}
		if uac != nil {
			cs.s.registry.Remove(uac.CallID)
		}
		if uas != nil {
			uas.unlink()
		}
		if uac != nil {
			uac.unlink()
		}

		if cs.countsBumped.CompareAndSwap(true, false) {
			cs.s.store.DecrementCallCounts(ctx, cs.sids)
		}

		if cs.answered.Load() {
			cs.cmon.CallEnd()
			cs.cmon.Terminate(true, 200)
			if cs.callDur != nil {
				cs.callDur()
			}
		}

		cs.cdr.EndedAt = time.Now()
		if cs.cdr.TerminationReason == "" {
			cs.cdr.TerminationReason = reason
		}
		if cs.cdr.SIPStatus == 0 {
			if cs.answered.Load() {
				cs.cdr.SIPStatus = 200
			} else {
				cs.cdr.SIPStatus = code
			}
		}
		if !cs.cdr.AnsweredAt.IsZero() {
			cs.cdr.DurationSecs = int(cs.cdr.EndedAt.Sub(cs.cdr.AnsweredAt) / time.Second)
		}
		cs.s.cdr.WriteCDR(cs.cdr)

		cs.log.Infow("call ended", "reason", reason, "durationSecs", cs.cdr.DurationSecs)
	})
}

// deleteRelay removes the relay resources exactly once.
func (cs *CallSession) deleteRelay(ctx context.Context) {
	if cs.binding == nil {
		return
	}
	if !cs.relayDeleted.CompareAndSwap(false, true) {
		return
	}
	if err := cs.binding.Delete(ctx); err != nil {
		var cmdErr *rtpengine.CommandError
		if errors.As(err, &cmdErr) {
			cs.s.mon.RelayError(cmdErr.Command)
		}
		cs.log.Debugw("relay delete failed", "error", err)
	}
}

// subscribeDTMF lazily registers for relay DTMF events. Idempotent.
func (cs *CallSession) subscribeDTMF() {
	if cs.dtmfSubscribed {
		return
	}
	cs.dtmfSubscribed = true
	cs.s.dtmf.Subscribe(cs.cdr.CallID, cs.onDTMFEvent)
}

func addToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if _, ok := to.Params.Get("tag"); !ok {
		to.Params.Add("tag", tag)
	}
}

func routeSetFromRecordRoute(res *sip.Response) []sip.Header {
	rr := res.GetHeaders("Record-Route")
	routes := make([]sip.Header, 0, len(rr))
	// reversed: the topmost Record-Route is the closest hop for the UAC
	for i := len(rr) - 1; i >= 0; i-- {
		routes = append(routes, sip.NewHeader("Route", rr[i].Value()))
	}
	return routes
}

func routeSetFromRecordRouteReq(req *sip.Request) []sip.Header {
	rr := req.GetHeaders("Record-Route")
	routes := make([]sip.Header, 0, len(rr))
	for _, h := range rr {
		routes = append(routes, sip.NewHeader("Route", h.Value()))
	}
	return routes
}

func sourceHost(req *sip.Request) string {
	source := req.Source()
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		return source
	}
	return host
}

func splitAddr(addr string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

func newTag() string {
	return uuid.NewString()[:8]
}

// offerWithheldMedia reports whether every media direction in the offer
// is recvonly or inactive.
func offerWithheldMedia(offer string) bool {
	found := false
	for _, line := range strings.Split(offer, "\n") {
		line = strings.TrimSpace(line)
		switch line {
		case "a=sendrecv", "a=sendonly":
			return false
		case "a=recvonly", "a=inactive":
			found = true
		}
	}
	return found
}

// cancelUpstream aborts a pending feature-server INVITE.
func (cs *CallSession) cancelUpstream(invite *sip.Request) {
	cancel := buildCancelRequest(invite)
	if err := cs.s.client.WriteRequest(cancel); err != nil {
		cs.log.Debugw("failed to CANCEL upstream leg", "error", err)
	}
}
