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
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voicegrid/sbc-inbound/pkg/config"
	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
	"github.com/voicegrid/sbc-inbound/pkg/stats"
)

// fakeRelay stands in for an rtpengine binding in orchestrator tests.
type fakeRelay struct {
	mu           sync.Mutex
	offerSDP     string
	answerSDP    string
	offerErr     error
	offers       int
	answers      int
	deletes      int
	offerParams  map[string]any
	answerParams map[string]any
	playedDigit  string
	playedTag    string
	playedDur    int
}

var _ MediaRelay = (*fakeRelay)(nil)

func (r *fakeRelay) Engine() string { return "fake:2223" }

func (r *fakeRelay) Offer(_ context.Context, params map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers++
	r.offerParams = params
	if r.offerErr != nil {
		return "", r.offerErr
	}
	return r.offerSDP, nil
}

func (r *fakeRelay) Answer(_ context.Context, params map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers++
	r.answerParams = params
	return r.answerSDP, nil
}

func (r *fakeRelay) Delete(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	return nil
}

func (r *fakeRelay) deleteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deletes
}

func (r *fakeRelay) BlockMedia(context.Context, string, ...string) error   { return nil }
func (r *fakeRelay) UnblockMedia(context.Context, string, ...string) error { return nil }
func (r *fakeRelay) BlockDTMF(context.Context, string, ...string) error    { return nil }
func (r *fakeRelay) UnblockDTMF(context.Context, string, ...string) error  { return nil }

func (r *fakeRelay) PlayDTMF(_ context.Context, fromTag, digit string, durationMs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playedTag = fromTag
	r.playedDigit = digit
	r.playedDur = durationMs
	return nil
}

func (r *fakeRelay) SubscribeRequest(context.Context, string, []string) (*rtpengine.SubscribeOffer, error) {
	return nil, errors.New("no recorder fork")
}
func (r *fakeRelay) SubscribeAnswer(context.Context, string, string, string) error { return nil }
func (r *fakeRelay) Unsubscribe(context.Context, string) error                     { return nil }

// testServerTx records the responses a handler sends.
type testServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	onRespond func(*sip.Response)
	acks      chan *sip.Request
	done      chan struct{}
}

var _ sip.ServerTransaction = (*testServerTx)(nil)

func newTestServerTx() *testServerTx {
	return &testServerTx{
		acks: make(chan *sip.Request, 1),
		done: make(chan struct{}),
	}
}

func (tx *testServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	tx.responses = append(tx.responses, res)
	cb := tx.onRespond
	tx.mu.Unlock()
	if cb != nil {
		cb(res)
	}
	return nil
}

func (tx *testServerTx) Acks() <-chan *sip.Request { return tx.acks }
func (tx *testServerTx) Done() <-chan struct{}     { return tx.done }
func (tx *testServerTx) Err() error                { return nil }
func (tx *testServerTx) Terminate()                {}

func (tx *testServerTx) OnCancel(sip.FnTxCancel) bool       { return true }
func (tx *testServerTx) OnTerminate(sip.FnTxTerminate) bool { return true }

func (tx *testServerTx) statuses() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]int, 0, len(tx.responses))
	for _, r := range tx.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func (tx *testServerTx) last() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

type captureCDRWriter struct {
	mu   sync.Mutex
	cdrs []*CDR
}

func (w *captureCDRWriter) WriteCDR(cdr *CDR) {
	w.mu.Lock()
	w.cdrs = append(w.cdrs, cdr)
	w.mu.Unlock()
}

func (w *captureCDRWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cdrs)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conf := &config.Config{
		UserAgent:           "voicegrid-sbc",
		NodeID:              "NE_test",
		DelayedOfferTimeout: time.Minute,
	}
	mon := stats.NewMonitor(conf)
	require.NoError(t, mon.Start())
	t.Cleanup(mon.Stop)
	return &Server{
		conf:     conf,
		log:      zap.NewNop().Sugar(),
		mon:      mon,
		fs:       NewFeatureServerPool(nil),
		registry: NewRegistry(),
		cdr:      &captureCDRWriter{},
		contact:  sip.ContactHeader{Address: sip.Uri{User: "sbc", Host: "10.0.0.1", Port: 5060}},
	}
}

func newTestInvite(callID, fromUser, body string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "svc", Host: "10.0.0.1"})
	via := &sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "203.0.113.5", Port: 5060, Params: sip.NewParams(),
	}
	via.Params.Add("branch", "z9hG4bK-"+callID)
	req.AppendHeader(via)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: fromUser, Host: "203.0.113.5"}, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "svc", Host: "10.0.0.1"}, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if body != "" {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody([]byte(body))
	}
	return req
}

func TestConnectRejectsWithoutFeatureServer(t *testing.T) {
	s := newTestServer(t)
	cs := newCallSession(s, &RoutingInfo{Originator: OriginatorTrunk})

	req := newTestInvite("no-fs-call", "alice", "v=0\r\nm=audio 4000 RTP/AVP 0\r\n")
	tx := newTestServerTx()
	cs.connect(context.Background(), req, tx)

	require.Equal(t, []int{100, 480}, tx.statuses())
	w := s.cdr.(*captureCDRWriter)
	require.Equal(t, 1, w.count())
	require.Equal(t, 480, cs.cdr.SIPStatus)
	require.False(t, cs.cdr.Answered)
}

func TestTeardownReleasesRelayOnce(t *testing.T) {
	s := newTestServer(t)
	relay := &fakeRelay{}

	// the caller leg was replaced mid-call, so it registered a Call-ID of
	// its own next to the original one
	uas := testDialog(LegUAS)
	uas.CallID = "caller-leg-2"
	uac := testDialog(LegUAC)
	uac.CallID = "fs-leg"
	link(uas, uac)

	cs := &CallSession{
		s:          s,
		log:        s.log,
		binding:    relay,
		cdr:        &CDR{CallID: "caller-leg-1"},
		recordings: map[string]*RecordingSession{},
		uas:        uas,
		uac:        uac,
	}
	s.registry.Add("caller-leg-1", cs)
	s.registry.Add("caller-leg-2", cs)
	s.registry.Add("fs-leg", cs)

	cs.teardown("caller hungup", 200)
	cs.teardown("called party hungup", 200)

	require.Equal(t, 1, relay.deleteCount())
	require.Equal(t, 0, s.registry.Len())
	require.Nil(t, uas.Other())
	require.Nil(t, uac.Other())
	require.Equal(t, 1, s.cdr.(*captureCDRWriter).count())
}

func TestSetupCancelTerminatesQuietly(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"context canceled", errors.Wrap(context.Canceled, "offer aborted")},
		{"caller canceled", errors.Wrap(ErrCallSetupCanceled, "setup interrupted")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestServer(t)
			relay := &fakeRelay{}
			// cmon stays nil: recording a termination metric on this path
			// would panic the test
			cs := &CallSession{
				s:          s,
				log:        s.log,
				binding:    relay,
				cdr:        &CDR{CallID: "canceled-call"},
				recordings: map[string]*RecordingSession{},
			}

			req := newTestInvite("canceled-call", "alice", "v=0\r\n")
			tx := newTestServerTx()
			cs.failSetup(req, tx, c.err)

			require.Equal(t, []int{487}, tx.statuses())
			require.Equal(t, 1, relay.deleteCount())
			require.Equal(t, 487, cs.cdr.SIPStatus)
			require.Equal(t, "caller abandoned", cs.cdr.TerminationReason)
			require.Equal(t, 1, s.cdr.(*captureCDRWriter).count())
		})
	}
}

func TestReleaseMediaAnswersAsymmetric(t *testing.T) {
	s := newTestServer(t)
	relay := &fakeRelay{
		offerSDP:  "v=0\r\nm=audio 30000 RTP/AVP 0\r\n",
		answerSDP: "v=0\r\nm=audio 30002 RTP/AVP 0\r\n",
	}
	opts := rtpengine.NewOpts(rtpengine.OptsConfig{CallID: "release-call", FromTag: "caller-tag"})
	opts.UACTag = "fs-tag"

	// the caller leg has a nil sip client: any attempt to re-INVITE it
	// during the transition would panic
	uas := testDialog(LegUAS)
	uas.setSDP("caller-local-sdp", "caller-remote-sdp")
	uac := testDialog(LegUAC)
	link(uas, uac)

	cs := &CallSession{
		s:              s,
		log:            s.log,
		binding:        relay,
		opts:           opts,
		mediaPath:      MediaPathFull,
		cdr:            &CDR{CallID: "release-call"},
		uas:            uas,
		uac:            uac,
		dtmfSubscribed: true,
	}

	req := newTestInvite("release-call", "fs", "v=0\r\nm=audio 5004 RTP/AVP 0\r\n")
	req.AppendHeader(sip.NewHeader(HdrReason, "release-media"))
	tx := newTestServerTx()
	cs.handleReinvite(uac, req, tx)

	require.Equal(t, []int{200}, tx.statuses())
	require.Equal(t, relay.answerSDP, string(tx.last().Body()))
	require.Equal(t, MediaPathPartial, cs.mediaPath)

	require.Equal(t, 1, relay.offers)
	require.Equal(t, "fs-tag", relay.offerParams["from-tag"])

	// the caller is never re-INVITEd: its parked SDP answers, with the
	// relay latching on whatever it actually sends
	require.Equal(t, 1, relay.answers)
	require.Equal(t, "caller-remote-sdp", relay.answerParams["sdp"])
	flags, _ := relay.answerParams["flags"].([]string)
	require.ElementsMatch(t, []string{"asymmetric", "port latching"}, flags)
}

func TestInfoDTMFInjection(t *testing.T) {
	s := newTestServer(t)
	relay := &fakeRelay{}
	opts := rtpengine.NewOpts(rtpengine.OptsConfig{CallID: "dtmf-call", FromTag: "caller-tag"})
	opts.UACTag = "fs-tag"

	uas := testDialog(LegUAS)
	uac := testDialog(LegUAC)
	link(uas, uac)
	cs := &CallSession{
		s:         s,
		log:       s.log,
		binding:   relay,
		opts:      opts,
		mediaPath: MediaPathFull,
		cdr:       &CDR{CallID: "dtmf-call"},
		uas:       uas,
		uac:       uac,
	}

	// feature server plays a tone toward the caller, bare-digit body
	req := sip.NewRequest(sip.INFO, sip.Uri{User: "sbc", Host: "10.0.0.1"})
	ct := sip.ContentTypeHeader("application/dtmf")
	req.AppendHeader(&ct)
	req.SetBody([]byte("5"))
	tx := newTestServerTx()
	cs.handleInfo(uac, req, tx)

	require.Equal(t, []int{200}, tx.statuses())
	require.Equal(t, "5", relay.playedDigit)
	require.Equal(t, "fs-tag", relay.playedTag)

	// caller sends a structured dtmf-relay body, tone goes upstream
	req = sip.NewRequest(sip.INFO, sip.Uri{User: "sbc", Host: "10.0.0.1"})
	ct = sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody([]byte("Signal=#\r\nDuration=120"))
	tx = newTestServerTx()
	cs.handleInfo(uas, req, tx)

	require.Equal(t, []int{200}, tx.statuses())
	require.Equal(t, "#", relay.playedDigit)
	require.Equal(t, "caller-tag", relay.playedTag)
	require.Equal(t, 120, relay.playedDur)

	// a garbled body is rejected, nothing is injected
	req = sip.NewRequest(sip.INFO, sip.Uri{User: "sbc", Host: "10.0.0.1"})
	ct = sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody([]byte("Signal=99"))
	tx = newTestServerTx()
	cs.handleInfo(uas, req, tx)
	require.Equal(t, []int{400}, tx.statuses())
}

func TestUpdateRefreshEchoesLocalSDP(t *testing.T) {
	s := newTestServer(t)
	uas := testDialog(LegUAS)
	uas.setSDP("current-local-sdp", "current-remote-sdp")
	uac := testDialog(LegUAC)
	link(uas, uac)
	cs := &CallSession{
		s:         s,
		log:       s.log,
		binding:   &fakeRelay{},
		mediaPath: MediaPathFull,
		cdr:       &CDR{CallID: "update-call"},
		uas:       uas,
		uac:       uac,
		ackSDP:    make(chan string, 1),
	}
	cs.lateSDP.Store(true)

	req := sip.NewRequest(sip.UPDATE, sip.Uri{User: "sbc", Host: "10.0.0.1"})
	tx := newTestServerTx()
	cs.handleReinvite(uas, req, tx)

	require.Equal(t, []int{200}, tx.statuses())
	require.Equal(t, "current-local-sdp", string(tx.last().Body()))
	// UPDATE has no ACK, so it must never consume the late-offer flag
	require.True(t, cs.lateSDP.Load())
	require.False(t, cs.awaitingAckSDP.Load())
}

func TestLateOfferCaptureArmedBeforeAnswer(t *testing.T) {
	s := newTestServer(t)
	uas := testDialog(LegUAS)
	uas.setSDP("held-local-sdp", "held-remote-sdp")
	uac := testDialog(LegUAC)
	link(uas, uac)
	cs := &CallSession{
		s:         s,
		log:       s.log,
		binding:   &fakeRelay{},
		mediaPath: MediaPathFull,
		cdr:       &CDR{CallID: "late-offer-call"},
		uas:       uas,
		uac:       uac,
		ackSDP:    make(chan string, 1),
	}
	cs.lateSDP.Store(true)
	t.Cleanup(func() { cs.destroyed.Break() })

	// an ACK can arrive the instant the 200 is on the wire, so the
	// capture must already be armed when Respond runs
	var armedAtRespond bool
	tx := newTestServerTx()
	tx.onRespond = func(*sip.Response) {
		armedAtRespond = cs.awaitingAckSDP.Load()
	}

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "sbc", Host: "10.0.0.1"})
	cid := sip.CallIDHeader("late-offer-call")
	req.AppendHeader(&cid)
	cs.handleReinvite(uas, req, tx)

	require.Equal(t, []int{200}, tx.statuses())
	require.Equal(t, "held-local-sdp", string(tx.last().Body()))
	require.True(t, armedAtRespond)
	require.False(t, cs.lateSDP.Load())
}

func TestSubscribeDTMFIdempotent(t *testing.T) {
	s := newTestServer(t)
	l, err := rtpengine.NewDTMFListener("127.0.0.1:0", s.log)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	s.dtmf = l

	cs := &CallSession{s: s, log: s.log, cdr: &CDR{CallID: "dtmf-sub-call"}}
	cs.subscribeDTMF()
	require.True(t, cs.dtmfSubscribed)
	cs.subscribeDTMF()
	require.True(t, cs.dtmfSubscribed)
}

func TestBuildUpstreamInviteAnonymousFrom(t *testing.T) {
	s := newTestServer(t)
	cs := &CallSession{s: s, log: s.log, ri: &RoutingInfo{}, cdr: &CDR{}}

	req := newTestInvite("anon-call", "", "v=0\r\n")
	invite, localURI, localTag := cs.buildUpstreamInvite(req, "10.0.0.9:5070", "anon-call", "offer-sdp", false)

	require.Equal(t, "anonymous", invite.From().Address.User)
	require.Equal(t, "anonymous", localURI.User)
	require.Equal(t, "localhost", localURI.Host)
	require.NotEmpty(t, localTag)

	req = newTestInvite("named-call", "alice", "v=0\r\n")
	invite, _, _ = cs.buildUpstreamInvite(req, "10.0.0.9:5070", "named-call", "offer-sdp", false)
	require.Equal(t, "alice", invite.From().Address.User)
}
