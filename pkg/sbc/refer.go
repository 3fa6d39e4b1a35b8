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
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	msTeamsUserAgent   = "Microsoft.PSTNHub.SIPProxy"
	msTeamsSIPEndpoint = "sip.pstnhub.microsoft.com"

	// REFER targets with this user prefix name a feature server context,
	// not an external party: the call moves to a different feature server.
	internalContextPrefix = "context-"
)

// handleRefer processes a REFER on either leg: internal feature-server
// moves, outbound call transfers, Teams consultative transfers and plain
// passthrough.
func (cs *CallSession) handleRefer(leg *Dialog, req *sip.Request, tx sip.ServerTransaction) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	target, err := parseReferTarget(headerValue(req, "Refer-To"))
	if err != nil {
		cs.log.Warnw("REFER with unparseable Refer-To", "error", err)
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}

	if leg.Kind == LegUAC {
		cs.handleUpstreamRefer(req, tx, target)
		return
	}
	cs.handleCallerRefer(req, tx, target)
}

// handleUpstreamRefer processes a REFER from the feature server: either
// an internal move to another feature server or a call transfer to be
// executed by the caller's network.
func (cs *CallSession) handleUpstreamRefer(req *sip.Request, tx sip.ServerTransaction, target sip.Uri) {
	if strings.HasPrefix(target.User, internalContextPrefix) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil))
		ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
		defer cancel()
		if err := cs.moveUpstream(ctx, req, target); err != nil {
			cs.log.Errorw("failed to move call to new feature server", "error", err)
			// the session mutex is held here, teardown reacquires it
			go cs.teardownBoth("transfer failed")
		}
		return
	}

	referredBy := headerValue(req, "Referred-By")
	if referredBy == "" {
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}

	// rewrite the target toward the caller's carrier gateway when one is
	// known, otherwise back the way the call came in
	rewritten := false
	if cs.ri.Gateway != nil {
		if gw := cs.s.gateways.ResolveGateway(cs.ri.VoipCarrierSid); gw != nil {
			rewritten = true
			target.Host = gw.Host
			target.Port = gw.Port
			if gw.E164First {
				target.User = e164(target.User)
			}
		}
	}
	if !rewritten && cs.uas != nil && cs.uas.dest != "" {
		target.Host, target.Port = splitAddr(cs.uas.dest, 5060)
	}

	if cs.uas == nil {
		cs.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	out := cs.uas.newRequest(sip.REFER)
	for _, h := range req.Headers() {
		name := sip.HeaderToLower(h.Name())
		if _, fixed := immutableHeaders[name]; fixed {
			continue
		}
		if name == "refer-to" || name == "referred-by" {
			continue
		}
		out.AppendHeader(sip.HeaderClone(h))
	}
	out.AppendHeader(sip.NewHeader("Refer-To", "<"+target.String()+">"))
	out.AppendHeader(sip.NewHeader("Referred-By", referredBy))

	res, err := cs.uas.sendRequest(ctx, out)
	if err != nil {
		cs.log.Warnw("failed to forward REFER to caller", "error", err)
		cs.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	cs.respondError(req, tx, res.StatusCode, res.Reason)
}

// moveUpstream replaces the feature-server leg with a fresh dialog to
// the REFER target while the caller leg and its negotiated media stay in
// place.
func (cs *CallSession) moveUpstream(ctx context.Context, req *sip.Request, target sip.Uri) error {
	old := cs.uac
	if old == nil {
		return ErrSessionClosed
	}

	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	localTag := newTag()
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: *old.localURI.Clone(), Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: *target.Clone(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	contact := cs.s.contact
	invite.AppendHeader(&contact)
	if retain := headerValue(req, HdrRetainCallSid); retain != "" {
		invite.AppendHeader(sip.NewHeader(HdrRetainCallSid, retain))
	}

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody([]byte(old.LocalSDP()))

	inviteTx, err := cs.s.client.TransactionRequest(ctx, invite)
	if err != nil {
		return err
	}
	defer inviteTx.Terminate()
	res, err := finalResponse(ctx, inviteTx)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return statusError(res.StatusCode, res.Reason, nil)
	}

	toTag := ""
	if to := res.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}

	uac := &Dialog{
		Kind:      LegUAC,
		log:       cs.log,
		c:         cs.s.client,
		CallID:    string(callID),
		localURI:  old.localURI,
		localTag:  localTag,
		remoteTag: toTag,
		contact:   cs.s.contact,
		transport: invite.Transport(),
	}
	uac.remoteURI = target
	if to := res.To(); to != nil {
		uac.remoteURI = to.Address
	}
	uac.target = target
	if c := res.Contact(); c != nil {
		uac.target = c.Address
	}
	uac.routes = routeSetFromRecordRoute(res)
	uac.cseq.Store(1)
	uac.ackResponse(invite, res)

	upstreamSDP := string(res.Body())

	// redirect the relay to the new feature server
	cs.opts.UACTag = toTag
	answer, err := cs.binding.Answer(ctx, cs.opts.AnswerParams(upstreamSDP, nil))
	if err != nil {
		uac.Bye(ctx)
		cs.relayWarn(err, "answer")
		return err
	}
	uac.setSDP(old.LocalSDP(), upstreamSDP)

	uas := cs.uas
	cs.uac = uac
	link(uas, uac)
	if uas != nil {
		uas.setSDP(answer, uas.RemoteSDP())
	}

	cs.s.registry.Remove(old.CallID)
	cs.s.registry.Add(uac.CallID, cs)
	old.unlink()
	old.Bye(ctx)

	cs.log.Infow("moved call to new feature server", "target", target.Host)
	return nil
}

// handleCallerRefer processes a REFER from the caller leg. Teams refers
// back into its own infrastructure are executed here with sipfrag
// progress; anything else is forwarded to the feature server.
func (cs *CallSession) handleCallerRefer(req *sip.Request, tx sip.ServerTransaction, target sip.Uri) {
	ua := headerValue(req, "User-Agent")
	if cs.ri.Originator == OriginatorTeams &&
		strings.HasPrefix(ua, msTeamsUserAgent) &&
		target.Host == msTeamsSIPEndpoint &&
		target.User == "" {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil))
		cs.executeTeamsRefer(target)
		return
	}

	other := cs.uac
	if other == nil {
		cs.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	out := other.newRequest(sip.REFER)
	for _, name := range []string{"Refer-To", "Referred-By", "User-Agent"} {
		if v := headerValue(req, name); v != "" {
			out.AppendHeader(sip.NewHeader(name, v))
		}
	}
	res, err := other.sendRequest(ctx, out)
	if err != nil {
		cs.log.Warnw("failed to forward REFER upstream", "error", err)
		cs.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	cs.respondError(req, tx, res.StatusCode, res.Reason)
}

// executeTeamsRefer builds a replacement caller leg toward the Teams
// transfer target, reporting INVITE progress on the old leg as sipfrag
// NOTIFYs.
func (cs *CallSession) executeTeamsRefer(target sip.Uri) {
	old := cs.uas
	if old == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	notify := func(status int, reason string, final bool) {
		body := fmt.Sprintf("SIP/2.0 %d %s", status, reason)
		if err := old.Notify(ctx, "refer", "message/sipfrag;version=2.0", body, final); err != nil {
			cs.log.Debugw("failed to send transfer progress", "error", err)
		}
	}

	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	localURI := sip.Uri{User: cs.cdr.From, Host: cs.ri.TeamsTenant}
	localTag := newTag()
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: *localURI.Clone(), Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: *target.Clone(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: localURI})

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	// the old leg may be on hold, the replacement must offer active media
	offer := strings.ReplaceAll(old.LocalSDP(), "a=inactive", "a=sendrecv")
	invite.SetBody([]byte(offer))

	inviteTx, err := cs.s.client.TransactionRequest(ctx, invite)
	if err != nil {
		notify(500, "Internal Server Error", true)
		return
	}
	defer inviteTx.Terminate()
	notify(100, "Trying", false)

	var res *sip.Response
	for res == nil {
		select {
		case <-ctx.Done():
			notify(504, "Server Time-out", true)
			return
		case <-inviteTx.Done():
			notify(500, "Internal Server Error", true)
			return
		case r, ok := <-inviteTx.Responses():
			if !ok {
				notify(500, "Internal Server Error", true)
				return
			}
			if r.StatusCode < 200 {
				if r.StatusCode > 100 {
					notify(r.StatusCode, r.Reason, false)
				}
				continue
			}
			res = r
		}
	}
	if res.StatusCode >= 300 {
		notify(res.StatusCode, res.Reason, true)
		return
	}

	toTag := ""
	if to := res.To(); to != nil {
		toTag, _ = to.Params.Get("tag")
	}
	uas := &Dialog{
		Kind:      LegUAS,
		log:       cs.log,
		c:         cs.s.client,
		CallID:    string(callID),
		localURI:  localURI,
		localTag:  localTag,
		remoteTag: toTag,
		contact:   cs.s.contact,
		transport: invite.Transport(),
	}
	uas.remoteURI = target
	if to := res.To(); to != nil {
		uas.remoteURI = to.Address
	}
	uas.target = target
	if c := res.Contact(); c != nil {
		uas.target = c.Address
	}
	uas.routes = routeSetFromRecordRoute(res)
	uas.cseq.Store(1)
	uas.ackResponse(invite, res)
	uas.setSDP(offer, string(res.Body()))

	// caller tones were interworked off the old leg's subscription
	if cs.dtmfSubscribed {
		cs.s.dtmf.Unsubscribe(cs.cdr.CallID)
		cs.dtmfSubscribed = false
	}

	notify(200, "OK", true)

	cs.s.registry.Remove(old.CallID)
	old.unlink()
	old.Bye(ctx)

	cs.uas = uas
	link(uas, cs.uac)
	cs.s.registry.Add(uas.CallID, cs)

	cs.log.Infow("connected replacement caller leg for transfer", "target", target.Host)
}

// teardownBoth hangs up both legs and releases the call.
func (cs *CallSession) teardownBoth(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if cs.uas != nil {
		cs.uas.Bye(ctx)
	}
	if cs.uac != nil {
		cs.uac.Bye(ctx)
	}
	cs.teardown(reason, 500)
}

// parseReferTarget extracts the URI from a Refer-To or Referred-By
// header value, tolerating display names and angle brackets.
func parseReferTarget(v string) (sip.Uri, error) {
	var uri sip.Uri
	v = strings.TrimSpace(v)
	if start := strings.Index(v, "<"); start >= 0 {
		if end := strings.Index(v[start:], ">"); end > 0 {
			v = v[start+1 : start+end]
		} else {
			v = v[start+1:]
		}
	} else if semi := strings.Index(v, ";"); semi >= 0 {
		v = v[:semi]
	}
	err := sip.ParseUri(v, &uri)
	return uri, err
}
