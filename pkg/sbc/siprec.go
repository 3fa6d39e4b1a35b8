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
	"bytes"
	"context"
	"encoding/xml"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RecordingState tracks the SIPREC fork lifecycle for a call.
type RecordingState int

const (
	RecordingNone RecordingState = iota
	RecordingActive
	RecordingPaused
)

func (s RecordingState) String() string {
	switch s {
	case RecordingActive:
		return "active"
	case RecordingPaused:
		return "paused"
	}
	return "none"
}

const siprecBoundary = "uniqueBoundary"

// RecordingSession is one SIPREC client dialog toward a recording
// server. The relay forks both legs' media to the recorder; this type
// owns the subscription tags and the SIP dialog to the SRS.
type RecordingSession struct {
	log     *zap.SugaredLogger
	c       *sipgo.Client
	contact sip.ContactHeader
	binding MediaRelay

	srsURL  string
	fromTag string // feature-server leg tag, identifies the forked media

	recordingID    string
	callSid        string
	accountSid     string
	applicationSid string
	sipCallID      string
	originator     string
	carrier        string
	aorFrom        string
	aorTo          string
	callingNumber  string
	calledNumber   string

	subToTag string
	dlg      *Dialog
	sdpOffer string
	paused   bool

	stopped core.Fuse
}

// Start asks the relay to fork the call's media, offers the fork to the
// recording server in a multipart SIPREC INVITE and completes the
// subscription with the server's answer.
func (rs *RecordingSession) Start(ctx context.Context) error {
	off, err := rs.binding.SubscribeRequest(ctx, "1", []string{"all"})
	if err != nil {
		return errors.Wrap(err, "subscribe request")
	}
	rs.subToTag = off.ToTag

	offer, err := labelRecorderOffer(off.SDP)
	if err != nil {
		return errors.Wrap(err, "labeling recorder offer")
	}
	rs.sdpOffer = offer

	body, ctype := buildSiprecBody(offer, rs.metadata())
	dlg, answer, err := rs.sendInvite(ctx, body, ctype)
	if err != nil {
		return err
	}

	if err := rs.binding.SubscribeAnswer(ctx, off.ToTag, "2", answer); err != nil {
		dlg.Bye(ctx)
		return errors.Wrap(err, "subscribe answer")
	}
	rs.dlg = dlg
	rs.log.Infow("recording session established")
	return nil
}

// sendInvite runs the out-of-dialog INVITE to the recording server and
// returns the confirmed dialog plus the server's answer SDP.
func (rs *RecordingSession) sendInvite(ctx context.Context, body []byte, ctype string) (*Dialog, string, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(rs.srsURL, &recipient); err != nil {
		return nil, "", errors.Wrapf(err, "bad recording server url %q", rs.srsURL)
	}

	invite := sip.NewRequest(sip.INVITE, recipient)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	localURI := rs.contact.Address
	localTag := newTag()
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{Address: *localURI.Clone(), Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	contact := rs.contact
	invite.AppendHeader(&contact)

	ct := sip.ContentTypeHeader(ctype)
	invite.AppendHeader(&ct)
	invite.SetBody(body)

	tx, err := rs.c.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, "", errors.Wrap(err, "sending INVITE to recording server")
	}
	defer tx.Terminate()

	res, err := finalResponse(ctx, tx)
	if err != nil {
		return nil, "", err
	}
	if res.StatusCode >= 300 {
		return nil, "", statusError(res.StatusCode, res.Reason, errors.New("recording server rejected INVITE"))
	}

	dlg := &Dialog{
		Kind:      LegUAC,
		log:       rs.log,
		c:         rs.c,
		CallID:    string(callID),
		localURI:  localURI,
		localTag:  localTag,
		contact:   rs.contact,
		transport: invite.Transport(),
	}
	dlg.remoteURI = recipient
	if to := res.To(); to != nil {
		dlg.remoteURI = to.Address
		dlg.remoteTag, _ = to.Params.Get("tag")
	}
	dlg.target = recipient
	if c := res.Contact(); c != nil {
		dlg.target = c.Address
	}
	dlg.routes = routeSetFromRecordRoute(res)
	dlg.cseq.Store(1)

	dlg.ackResponse(invite, res)
	answer := string(res.Body())
	dlg.setSDP(rs.sdpOffer, answer)
	return dlg, answer, nil
}

// Pause stops media flowing to the recorder without tearing the session
// down: the fork is blocked and the recorder sees an inactive re-INVITE.
func (rs *RecordingSession) Pause(ctx context.Context) error {
	if rs.paused {
		return errors.New("recording already paused")
	}
	if err := rs.binding.BlockMedia(ctx, rs.fromTag); err != nil {
		return errors.Wrap(err, "blocking recorder media")
	}
	inactive := strings.ReplaceAll(rs.sdpOffer, "sendonly", "inactive")
	if _, err := rs.dlg.Modify(ctx, inactive, nil); err != nil {
		return err
	}
	rs.paused = true
	return nil
}

// Resume re-enables the fork and restores the original offer.
func (rs *RecordingSession) Resume(ctx context.Context) error {
	if !rs.paused {
		return errors.New("recording not paused")
	}
	if err := rs.binding.UnblockMedia(ctx, rs.fromTag); err != nil {
		return errors.Wrap(err, "unblocking recorder media")
	}
	if _, err := rs.dlg.Modify(ctx, rs.sdpOffer, nil); err != nil {
		return err
	}
	rs.paused = false
	return nil
}

// Stop removes the media fork and hangs up the recorder dialog. Safe to
// call more than once and from teardown.
func (rs *RecordingSession) Stop(ctx context.Context) {
	rs.stopped.Once(func() {
		if rs.subToTag != "" {
			if err := rs.binding.Unsubscribe(ctx, rs.subToTag); err != nil {
				rs.log.Debugw("failed to unsubscribe recorder media", "error", err)
			}
		}
		if rs.dlg != nil {
			rs.dlg.Bye(ctx)
		}
		rs.log.Infow("recording session stopped")
	})
}

// metadata renders the recording-session metadata document sent in the
// SIPREC INVITE.
func (rs *RecordingSession) metadata() string {
	sessionID := uuid.NewString()
	stream1, stream2 := uuid.NewString(), uuid.NewString()
	part1, part2 := uuid.NewString(), uuid.NewString()

	doc := rsMetadata{
		Xmlns:    "urn:ietf:params:xml:ns:recording:1",
		DataMode: "complete",
		Session: rsSession{
			ID:           sessionID,
			SIPSessionID: rs.sipCallID,
		},
		Extension: rsExtensionData{
			Xmlns:          "http://voicegrid.io/siprec",
			CallSid:        rs.callSid,
			AccountSid:     rs.accountSid,
			ApplicationSid: rs.applicationSid,
			RecordingID:    rs.recordingID,
			Origination:    defaultString(rs.originator, "unknown"),
			Carrier:        defaultString(rs.carrier, "unknown"),
		},
		Participants: []rsParticipant{
			{ID: part1, NameID: rsNameID{AOR: rs.aorFrom, Name: rs.callingNumber}},
			{ID: part2, NameID: rsNameID{AOR: rs.aorTo, Name: rs.calledNumber}},
		},
		SessionAssocs: []rsSessionAssoc{
			{ParticipantID: part1, SessionID: sessionID},
			{ParticipantID: part2, SessionID: sessionID},
		},
		Streams: []rsStream{
			{ID: stream1, SessionID: sessionID, Label: "1"},
			{ID: stream2, SessionID: sessionID, Label: "2"},
		},
		StreamAssocs: []rsStreamAssoc{
			{ParticipantID: part1, Send: stream1, Recv: stream2},
			{ParticipantID: part2, Send: stream2, Recv: stream1},
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		// the document is built from plain strings, this cannot fail
		rs.log.Errorw("failed to render recording metadata", "error", err)
		return ""
	}
	return xml.Header + string(out)
}

type rsMetadata struct {
	XMLName       xml.Name         `xml:"recording"`
	Xmlns         string           `xml:"xmlns,attr"`
	DataMode      string           `xml:"datamode"`
	Session       rsSession        `xml:"session"`
	Extension     rsExtensionData  `xml:"extensiondata"`
	Participants  []rsParticipant  `xml:"participant"`
	SessionAssocs []rsSessionAssoc `xml:"participantsessionassoc"`
	Streams       []rsStream       `xml:"stream"`
	StreamAssocs  []rsStreamAssoc  `xml:"participantstreamassoc"`
}

type rsSession struct {
	ID           string `xml:"session_id,attr"`
	SIPSessionID string `xml:"sipSessionID"`
}

type rsExtensionData struct {
	Xmlns          string `xml:"xmlns:vg,attr"`
	CallSid        string `xml:"vg:callsid"`
	AccountSid     string `xml:"vg:accountsid"`
	ApplicationSid string `xml:"vg:applicationsid,omitempty"`
	RecordingID    string `xml:"vg:recordingid,omitempty"`
	Origination    string `xml:"vg:originationsource"`
	Carrier        string `xml:"vg:carrier"`
}

type rsParticipant struct {
	ID     string   `xml:"participant_id,attr"`
	NameID rsNameID `xml:"nameID"`
}

type rsNameID struct {
	AOR  string `xml:"aor,attr"`
	Name string `xml:"name"`
}

type rsSessionAssoc struct {
	ParticipantID string `xml:"participant_id,attr"`
	SessionID     string `xml:"session_id,attr"`
}

type rsStream struct {
	ID        string `xml:"stream_id,attr"`
	SessionID string `xml:"session_id,attr"`
	Label     string `xml:"label"`
}

type rsStreamAssoc struct {
	ParticipantID string `xml:"participant_id,attr"`
	Send          string `xml:"send"`
	Recv          string `xml:"recv"`
}

// labelRecorderOffer names the forked offer and labels its two streams
// so the recorder can associate them with the metadata document.
func labelRecorderOffer(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", err
	}
	desc.SessionName = "VoiceGrid SRS"
	for i, m := range desc.MediaDescriptions {
		if i > 1 {
			break
		}
		m.Attributes = append(m.Attributes, sdp.NewAttribute("label", strconv.Itoa(i+1)))
	}
	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// buildSiprecBody wraps an SDP and a recording metadata document into
// the multipart body a SIPREC INVITE carries.
func buildSiprecBody(sdpPart, metadata string) ([]byte, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.SetBoundary(siprecBoundary)

	p, _ := w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"session;handling=required"},
		"Content-Type":        {"application/sdp"},
	})
	_, _ = p.Write([]byte(sdpPart))

	p, _ = w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"recording-session"},
		"Content-Type":        {"application/rs-metadata+xml"},
	})
	_, _ = p.Write([]byte(metadata))

	_ = w.Close()
	return buf.Bytes(), "multipart/mixed;boundary=" + siprecBoundary
}

type recStartResult struct {
	rec *RecordingSession
	err error
}

// handleRecordingControl dispatches a recording control INFO from the
// feature server. Runs with the session mutex held.
func (cs *CallSession) handleRecordingControl(ctx context.Context, reason Reason, req *sip.Request, tx sip.ServerTransaction) {
	switch reason {
	case ReasonStartRecording:
		cs.startRecording(req, tx)
	case ReasonStopRecording:
		cs.stopRecording(ctx, req, tx)
	case ReasonPauseRecording:
		cs.pauseRecording(ctx, req, tx)
	case ReasonResumeRecording:
		cs.resumeRecording(ctx, req, tx)
	}
}

// startRecording fans the start out over every listed recording server.
// By default the INFO is answered as soon as the first recorder accepts;
// wait-for-all deployments require every recorder to come up.
func (cs *CallSession) startRecording(req *sip.Request, tx sip.ServerTransaction) {
	if cs.recState != RecordingNone {
		cs.log.Infow("discarding duplicate recording start")
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}
	urls := splitSrsURLs(headerValue(req, HdrSrsURL))
	if len(urls) == 0 {
		cs.log.Infow("recording start request is missing " + HdrSrsURL)
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}

	recs := make([]*RecordingSession, len(urls))
	for i, u := range urls {
		recs[i] = cs.newRecordingSession(u, req)
	}

	rctx, cancel := context.WithTimeout(context.Background(), cs.s.conf.Recording.AnswerTimeout)
	results := make(chan recStartResult, len(recs))
	for _, rec := range recs {
		go func(rec *RecordingSession) {
			results <- recStartResult{rec: rec, err: rec.Start(rctx)}
		}(rec)
	}

	if cs.s.conf.Recording.WaitForAll {
		defer cancel()
		var started []*RecordingSession
		failed := false
		for range recs {
			r := <-results
			if r.err != nil {
				failed = true
				cs.log.Warnw("recorder failed to start", "srsUrl", r.rec.srsURL, "error", r.err)
				continue
			}
			started = append(started, r.rec)
		}
		if failed {
			sctx, scancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer scancel()
			for _, rec := range started {
				rec.Stop(sctx)
			}
			cs.respondError(req, tx, 503, "Service Unavailable")
			return
		}
		for _, rec := range started {
			cs.recordings[rec.srsURL] = rec
		}
		cs.recState = RecordingActive
		cs.s.mon.RecordingStarted()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		return
	}

	pending := len(recs)
	for pending > 0 {
		r := <-results
		pending--
		if r.err != nil {
			cs.log.Warnw("recorder failed to start", "srsUrl", r.rec.srsURL, "error", r.err)
			continue
		}
		cs.recordings[r.rec.srsURL] = r.rec
		cs.recState = RecordingActive
		cs.s.mon.RecordingStarted()
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		if pending > 0 {
			go cs.collectLateRecorders(results, pending, cancel)
		} else {
			cancel()
		}
		return
	}
	cancel()
	cs.respondError(req, tx, 503, "Service Unavailable")
}

// collectLateRecorders adopts recorders that connected after the first
// success already answered the INFO.
func (cs *CallSession) collectLateRecorders(results <-chan recStartResult, n int, cancel context.CancelFunc) {
	defer cancel()
	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			cs.log.Warnw("recorder failed to start", "srsUrl", r.rec.srsURL, "error", r.err)
			continue
		}
		cs.mu.Lock()
		if cs.destroyed.IsBroken() || cs.recState == RecordingNone {
			cs.mu.Unlock()
			sctx, scancel := context.WithTimeout(context.Background(), teardownTimeout)
			r.rec.Stop(sctx)
			scancel()
			continue
		}
		cs.recordings[r.rec.srsURL] = r.rec
		cs.mu.Unlock()
	}
}

func (cs *CallSession) stopRecording(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if cs.recState == RecordingNone {
		cs.log.Infow("discarding recording stop, not recording")
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}
	recs := cs.recordings
	cs.recordings = make(map[string]*RecordingSession)
	cs.recState = RecordingNone
	for _, rec := range recs {
		rec.Stop(ctx)
	}
	cs.s.mon.RecordingEnded()
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (cs *CallSession) pauseRecording(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if cs.recState != RecordingActive {
		cs.log.Infow("discarding invalid recording pause", "state", cs.recState.String())
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}
	ok := true
	for _, rec := range cs.recordings {
		if err := rec.Pause(ctx); err != nil {
			ok = false
			cs.log.Warnw("failed to pause recorder", "srsUrl", rec.srsURL, "error", err)
		}
	}
	if !ok {
		cs.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	cs.recState = RecordingPaused
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (cs *CallSession) resumeRecording(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if cs.recState != RecordingPaused {
		cs.log.Infow("discarding invalid recording resume", "state", cs.recState.String())
		cs.respondError(req, tx, 400, "Bad Request")
		return
	}
	ok := true
	for _, rec := range cs.recordings {
		if err := rec.Resume(ctx); err != nil {
			ok = false
			cs.log.Warnw("failed to resume recorder", "srsUrl", rec.srsURL, "error", err)
		}
	}
	if !ok {
		cs.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	cs.recState = RecordingActive
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (cs *CallSession) newRecordingSession(srsURL string, req *sip.Request) *RecordingSession {
	rec := &RecordingSession{
		log:            cs.log.With("srsUrl", srsURL),
		c:              cs.s.client,
		contact:        cs.s.contact,
		binding:        cs.binding,
		srsURL:         srsURL,
		fromTag:        cs.opts.UACTag,
		recordingID:    headerValue(req, HdrSrsRecordingID),
		callSid:        defaultString(headerValue(req, HdrCallSid), cs.callSid),
		accountSid:     defaultString(headerValue(req, HdrAccountSid), cs.ri.AccountSid),
		applicationSid: defaultString(headerValue(req, HdrApplicationSid), cs.ri.ApplicationSid),
		sipCallID:      cs.cdr.CallID,
		originator:     string(cs.ri.Originator),
		carrier:        cs.ri.Carrier,
		callingNumber:  cs.cdr.From,
		calledNumber:   cs.cdr.To,
	}
	if cs.uas != nil {
		rec.aorFrom = cs.uas.remoteURI.String()
		rec.aorTo = cs.uas.localURI.String()
	}
	return rec
}

func splitSrsURLs(v string) []string {
	if v == "" {
		return nil
	}
	var urls []string
	for _, u := range strings.Split(v, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
