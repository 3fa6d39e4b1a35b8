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
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LegKind distinguishes the caller-facing leg from the feature-server
// leg of a call.
type LegKind int

const (
	LegUAS LegKind = iota // caller-facing, we answered their INVITE
	LegUAC                // feature-server-facing, we sent the INVITE
)

func (k LegKind) String() string {
	if k == LegUAS {
		return "uas"
	}
	return "uac"
}

// Dialog is one confirmed SIP dialog of a call. It owns the dialog
// identifiers and remote target and builds RFC 3261 in-dialog requests
// on top of a shared sipgo client.
type Dialog struct {
	Kind LegKind
	log  *zap.SugaredLogger
	c    *sipgo.Client

	CallID    string
	localURI  sip.Uri
	remoteURI sip.Uri
	localTag  string
	remoteTag string
	contact   sip.ContactHeader
	target    sip.Uri      // peer Contact, where in-dialog requests go
	routes    []sip.Header // route set learned from Record-Route
	transport string
	dest      string // network destination override (caller source addr)

	cseq atomic.Uint32

	mu        sync.Mutex
	localSDP  string
	remoteSDP string

	other atomic.Pointer[Dialog]

	byeSent core.Fuse
}

// link ties the two legs of a call together.
func link(a, b *Dialog) {
	a.other.Store(b)
	b.other.Store(a)
}

// Other returns the peer leg, nil once unlinked.
func (d *Dialog) Other() *Dialog { return d.other.Load() }

func (d *Dialog) unlink() { d.other.Store(nil) }

func (d *Dialog) RemoteTag() string { return d.remoteTag }
func (d *Dialog) LocalTag() string  { return d.localTag }

func (d *Dialog) LocalSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localSDP
}

func (d *Dialog) RemoteSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

func (d *Dialog) setSDP(local, remote string) {
	d.mu.Lock()
	if local != "" {
		d.localSDP = local
	}
	if remote != "" {
		d.remoteSDP = remote
	}
	d.mu.Unlock()
}

// newRequest builds an in-dialog request with fresh CSeq and the leg's
// dialog identifiers.
func (d *Dialog) newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *d.target.Clone())

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.localTag)
	req.AppendHeader(&sip.FromHeader{Address: *d.localURI.Clone(), Params: fromParams})

	toParams := sip.NewParams()
	if d.remoteTag != "" {
		toParams.Add("tag", d.remoteTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: *d.remoteURI.Clone(), Params: toParams})

	callID := sip.CallIDHeader(d.CallID)
	req.AppendHeader(&callID)

	var seq uint32
	if method == sip.ACK || method == sip.CANCEL {
		seq = d.cseq.Load()
	} else {
		seq = d.cseq.Add(1)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})

	contact := d.contact
	req.AppendHeader(&contact)

	for _, r := range d.routes {
		req.AppendHeader(sip.HeaderClone(r))
	}

	if d.transport != "" {
		req.SetTransport(d.transport)
	}
	if d.dest != "" {
		req.SetDestination(d.dest)
	}
	return req
}

// sendRequest issues the request and waits for its final response.
func (d *Dialog) sendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.c.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "sending %s on %s leg", req.Method, d.Kind)
	}
	defer tx.Terminate()
	return finalResponse(ctx, tx)
}

// finalResponse drains a client transaction until a final (>=200)
// response arrives.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated without response")
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.New("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

// Modify sends a re-INVITE with a new local SDP and completes it with an
// ACK. It returns the peer's answer SDP.
func (d *Dialog) Modify(ctx context.Context, sdp string, headers map[string]string) (string, error) {
	req := d.newRequest(sip.INVITE)
	for name, value := range headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody([]byte(sdp))

	res, err := d.sendRequest(ctx, req)
	if err != nil {
		return "", err
	}
	if res.StatusCode >= 300 {
		return "", statusError(res.StatusCode, res.Reason, errors.Errorf("%s leg rejected re-INVITE", d.Kind))
	}
	d.ackResponse(req, res)
	answer := string(res.Body())
	d.setSDP(sdp, answer)
	return answer, nil
}

// ackResponse sends the ACK for a 2xx response to an INVITE we sent
// within the dialog.
func (d *Dialog) ackResponse(invite *sip.Request, res *sip.Response) {
	ack := buildACKFor2xx(invite, res)
	if d.dest != "" {
		ack.SetDestination(d.dest)
	}
	if err := d.c.WriteRequest(ack); err != nil {
		d.log.Warnw("failed to send ACK", "leg", d.Kind.String(), "error", err)
	}
}

// Bye terminates the dialog. Only the first call sends anything.
func (d *Dialog) Bye(ctx context.Context) {
	d.byeSent.Once(func() {
		req := d.newRequest(sip.BYE)
		if _, err := d.sendRequest(ctx, req); err != nil {
			d.log.Debugw("BYE failed", "leg", d.Kind.String(), "error", err)
		}
	})
}

// markClosed suppresses the BYE for legs that already received one.
func (d *Dialog) markClosed() {
	d.byeSent.Break()
}

// ForwardRequest re-issues an in-dialog request received on the peer leg
// with this leg's dialog identifiers, carrying over body and any
// non-dialog headers.
func (d *Dialog) ForwardRequest(ctx context.Context, src *sip.Request) (*sip.Response, error) {
	req := d.newRequest(src.Method)
	copyMutableHeaders(src, req)
	if len(src.Body()) > 0 {
		req.SetBody(src.Body())
	}
	return d.sendRequest(ctx, req)
}

// Notify sends an in-dialog NOTIFY, used to report transfer progress as
// message/sipfrag.
func (d *Dialog) Notify(ctx context.Context, event, contentType, body string, final bool) error {
	req := d.newRequest(sip.NOTIFY)
	req.AppendHeader(sip.NewHeader("Event", event))
	state := "active"
	if final {
		state = "terminated"
	}
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	if body != "" {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody([]byte(body))
	}
	res, err := d.sendRequest(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return statusError(res.StatusCode, res.Reason, errors.New("NOTIFY rejected"))
	}
	return nil
}

// buildCancelRequest creates the CANCEL for a pending INVITE we sent.
// Per RFC 3261 9.1 it mirrors the INVITE's Request-URI, top Via (same
// branch), route set and CSeq number, with only the method changed.
func buildCancelRequest(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	if via := inviteReq.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, cancel)
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}

	cancel.SetTransport(inviteReq.Transport())
	cancel.SetSource(inviteReq.Source())
	cancel.SetDestination(inviteReq.Destination())

	return cancel
}

// buildACKFor2xx creates the UAC-core ACK for a 2xx response. The
// Request-URI comes from the response Contact when present, otherwise
// from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response, it carries the remote tag
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}
