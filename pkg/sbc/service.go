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
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/voicegrid/sbc-inbound/pkg/config"
	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
	"github.com/voicegrid/sbc-inbound/pkg/stats"
	"github.com/voicegrid/sbc-inbound/pkg/store"
)

const allowedMethods = "INVITE, ACK, OPTIONS, CANCEL, BYE, INFO, UPDATE, REFER, NOTIFY, MESSAGE"

// Server is the SBC's SIP face: it accepts inbound INVITEs, spawns a
// CallSession per call and routes every in-dialog request to its
// session.
type Server struct {
	conf *config.Config
	log  *zap.SugaredLogger
	mon  *stats.Monitor

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	pool  *rtpengine.Pool
	dtmf  *rtpengine.DTMFListener
	store *store.Store

	router   Router
	gateways GatewayResolver
	fs       *FeatureServerPool
	registry *Registry
	cdr      CDRWriter
	priv     *privateNetworks

	contact sip.ContactHeader

	wg       sync.WaitGroup
	closing  core.Fuse
	shutdown core.Fuse
}

// NewServer wires the SIP stack and the service collaborators. Pass nil
// for router, gateways or cdr to use the config-driven defaults.
func NewServer(conf *config.Config, log *zap.SugaredLogger, mon *stats.Monitor,
	st *store.Store, router Router, gateways GatewayResolver, cdr CDRWriter) (*Server, error) {

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(conf.UserAgent))
	if err != nil {
		return nil, errors.Wrap(err, "creating sip user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, errors.Wrap(err, "creating sip server")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, errors.Wrap(err, "creating sip client")
	}

	pool, err := rtpengine.NewPool(conf.RTPEngines, log)
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}

	dtmf, err := rtpengine.NewDTMFListener(conf.DTMFListenAddr, log)
	if err != nil {
		pool.Stop()
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}

	priv, err := newPrivateNetworks(conf.PrivateNetworkCIDR)
	if err != nil {
		dtmf.Close()
		pool.Stop()
		client.Close()
		srv.Close()
		ua.Close()
		return nil, errors.Wrap(err, "parsing private network cidrs")
	}

	if router == nil {
		router = NewStaticRouter(conf.Routing)
	}
	if gateways == nil {
		gateways = nopGatewayResolver{}
	}
	if cdr == nil {
		cdr = &LogCDRWriter{Log: log}
	}

	contactHost := conf.ExternalIP
	if contactHost == "" {
		contactHost = conf.SIPAddress
	}

	s := &Server{
		conf:     conf,
		log:      log,
		mon:      mon,
		ua:       ua,
		srv:      srv,
		client:   client,
		pool:     pool,
		dtmf:     dtmf,
		store:    st,
		router:   router,
		gateways: gateways,
		fs:       NewFeatureServerPool(conf.FeatureServers),
		registry: NewRegistry(),
		cdr:      cdr,
		priv:     priv,
		contact: sip.ContactHeader{
			Address: sip.Uri{User: "sbc", Host: contactHost, Port: conf.SIPPort},
		},
	}
	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.onInvite)
	s.srv.OnAck(s.onAck)
	s.srv.OnCancel(s.onCancel)
	s.srv.OnBye(s.onBye)
	s.srv.OnInfo(s.onInfo)
	s.srv.OnUpdate(s.onUpdate)
	s.srv.OnRefer(s.onRefer)
	s.srv.OnNotify(s.onPassthrough)
	s.srv.OnMessage(s.onPassthrough)
	s.srv.OnOptions(s.onOptions)
}

// Start brings up the relay pool and the SIP listeners. It returns once
// the listeners are running.
func (s *Server) Start(ctx context.Context) error {
	s.pool.Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.conf.SIPAddress, s.conf.SIPPort)
	for _, transport := range []string{"udp", "tcp"} {
		transport := transport
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.log.Infow("sip listener starting", "transport", transport, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, transport, addr); err != nil && !s.closing.IsBroken() {
				s.log.Errorw("sip listener stopped", "transport", transport, "error", err)
			}
		}()
	}
	return nil
}

// Drain stops accepting new calls while leaving live calls running.
func (s *Server) Drain() {
	s.closing.Once(func() {
		s.mon.Shutdown()
	})
}

// Stop shuts the service down. With kill set, live calls are hung up
// first; callers wanting a drain should wait for ActiveCalls to reach
// zero after Drain before stopping.
func (s *Server) Stop(kill bool) {
	s.Drain()
	if kill {
		s.registry.Range(func(cs *CallSession) bool {
			cs.teardownBoth("service shutdown")
			return true
		})
	}
	s.shutdown.Once(func() {
		s.dtmf.Close()
		s.pool.Stop()
		_ = s.srv.Close()
		_ = s.ua.Close()
		s.wg.Wait()
	})
}

// ActiveCalls reports the number of registered Call-IDs, counting both
// legs of a bridged call.
func (s *Server) ActiveCalls() int {
	return s.registry.Len()
}

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	if cs, ok := s.registry.Get(callID); ok {
		leg := cs.legFor(req)
		if leg == nil {
			s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
			return
		}
		go cs.handleReinvite(leg, req, tx)
		return
	}

	if h := req.GetHeader("Replaces"); h != nil {
		s.onInviteReplaces(req, tx, h.Value())
		return
	}

	s.mon.InviteReqRaw()
	if s.closing.IsBroken() || !s.mon.CanAccept() {
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	ri, err := s.router.Route(req)
	if err != nil {
		s.log.Warnw("routing failed", "callID", callID, "error", err)
		s.respond(req, tx, 500, "Internal Server Error")
		return
	}
	if err := splitSiprecInvite(req, ri); err != nil {
		s.log.Warnw("unusable SIPREC INVITE", "callID", callID, "error", err)
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	cs := newCallSession(s, ri)
	go cs.connect(context.Background(), req, tx)
}

// onInviteReplaces replaces the caller leg of an established call with
// the dialog the new INVITE sets up.
func (s *Server) onInviteReplaces(req *sip.Request, tx sip.ServerTransaction, replaces string) {
	targetCallID := replaces
	if i := strings.IndexByte(replaces, ';'); i >= 0 {
		targetCallID = replaces[:i]
	}
	cs, ok := s.registry.Get(strings.TrimSpace(targetCallID))
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go cs.replaceCallerLeg(req, tx)
}

func (s *Server) onAck(req *sip.Request, _ sip.ServerTransaction) {
	if cs, ok := s.registry.Get(req.CallID().Value()); ok {
		cs.handleAck(req)
	}
}

func (s *Server) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if s.registry.CancelPending(callID, ErrCallSetupCanceled) {
		s.respond(req, tx, 200, "OK")
		return
	}
	s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
}

func (s *Server) onBye(req *sip.Request, tx sip.ServerTransaction) {
	cs, leg := s.sessionLeg(req)
	if cs == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go cs.handleBye(leg, req, tx)
}

func (s *Server) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	cs, leg := s.sessionLeg(req)
	if cs == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go cs.handleInfo(leg, req, tx)
}

// onUpdate treats UPDATE like an in-dialog re-INVITE: same offer/answer
// handling, no ACK leg.
func (s *Server) onUpdate(req *sip.Request, tx sip.ServerTransaction) {
	cs, leg := s.sessionLeg(req)
	if cs == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go cs.handleReinvite(leg, req, tx)
}

func (s *Server) onRefer(req *sip.Request, tx sip.ServerTransaction) {
	cs, leg := s.sessionLeg(req)
	if cs == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go cs.handleRefer(leg, req, tx)
}

// onPassthrough forwards in-dialog requests with no SBC semantics
// (NOTIFY, MESSAGE) to the peer leg.
func (s *Server) onPassthrough(req *sip.Request, tx sip.ServerTransaction) {
	cs, leg := s.sessionLeg(req)
	if cs == nil {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
		defer cancel()
		cs.forwardInfo(ctx, leg, req, tx)
	}()
}

func (s *Server) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	_ = tx.Respond(res)
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		s.log.Warnw("failed to respond", "method", string(req.Method), "sipStatus", code, "error", err)
	}
}

func (s *Server) sessionLeg(req *sip.Request) (*CallSession, *Dialog) {
	cs, ok := s.registry.Get(req.CallID().Value())
	if !ok {
		return nil, nil
	}
	leg := cs.legFor(req)
	if leg == nil {
		return nil, nil
	}
	return cs, leg
}

// legFor resolves which of the call's dialogs a request belongs to,
// preferring a From-tag match over the Call-ID alone.
func (cs *CallSession) legFor(req *sip.Request) *Dialog {
	fromTag := ""
	if f := req.From(); f != nil {
		fromTag, _ = f.Params.Get("tag")
	}
	callID := req.CallID().Value()

	cs.mu.Lock()
	uas, uac := cs.uas, cs.uac
	cs.mu.Unlock()

	if fromTag != "" {
		if uas != nil && uas.CallID == callID && uas.remoteTag == fromTag {
			return uas
		}
		if uac != nil && uac.CallID == callID && uac.remoteTag == fromTag {
			return uac
		}
	}
	if uas != nil && uas.CallID == callID {
		return uas
	}
	if uac != nil && uac.CallID == callID {
		return uac
	}
	return nil
}

// replaceCallerLeg swaps the caller leg of an established call for the
// dialog set up by an INVITE with Replaces. The feature-server leg and
// the relay session stay in place; the new offer runs through the usual
// offer/answer cycle.
func (cs *CallSession) replaceCallerLeg(req *sip.Request, tx sip.ServerTransaction) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.destroyed.IsBroken() || cs.uas == nil || cs.uac == nil {
		cs.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	offer := string(req.Body())
	if offer == "" {
		cs.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	answer, err := cs.relayedOfferAnswer(ctx, cs.uas, offer, nil, "")
	if err != nil {
		cs.failMidCall(req, tx, err)
		return
	}

	uasTag := newTag()
	ok := sip.NewResponseFromRequest(req, 200, "OK", []byte(answer))
	addToTag(ok, uasTag)
	contact := cs.s.contact
	if cs.ri.TeamsTenant != "" {
		contact = sip.ContactHeader{Address: sip.Uri{Host: cs.ri.TeamsTenant}}
		ok.AppendHeader(sip.NewHeader("Allow", allowedMethods))
		ok.AppendHeader(sip.NewHeader(HdrTeamsTenant, cs.ri.TeamsTenant))
	}
	ok.AppendHeader(&contact)
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)
	if err := tx.Respond(ok); err != nil {
		cs.log.Errorw("failed to answer replacing INVITE", "error", err)
		return
	}

	old := cs.uas
	uas := cs.buildUASDialog(req, uasTag)
	uas.setSDP(answer, offer)

	cs.s.registry.Remove(old.CallID)
	old.unlink()
	old.Bye(ctx)

	cs.uas = uas
	link(uas, cs.uac)
	cs.s.registry.Add(uas.CallID, cs)

	cs.log.Infow("caller leg replaced", "newCallID", uas.CallID)
}

// splitSiprecInvite detects a SIPREC multipart INVITE and hoists its SDP
// and metadata parts into the routing info so the upstream INVITE can
// re-wrap them.
func splitSiprecInvite(req *sip.Request, ri *RoutingInfo) error {
	ct := req.ContentType()
	if ct == nil {
		return nil
	}
	mediaType, params, err := mime.ParseMediaType(ct.Value())
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return errors.New("multipart INVITE without boundary")
	}

	mr := multipart.NewReader(strings.NewReader(string(req.Body())), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading multipart INVITE")
		}
		body, err := io.ReadAll(p)
		if err != nil {
			return errors.Wrap(err, "reading multipart INVITE part")
		}
		switch {
		case strings.HasPrefix(p.Header.Get("Content-Type"), "application/sdp"):
			ri.SiprecSDP = string(body)
		case strings.HasPrefix(p.Header.Get("Content-Type"), "application/rs-metadata"):
			ri.SiprecMetadata = string(body)
		}
	}
	if ri.SiprecSDP == "" {
		return errors.New("multipart INVITE without sdp part")
	}
	return nil
}
