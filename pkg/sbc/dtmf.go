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
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
)

const defaultDTMFDurationMs = 250

// onDTMFEvent converts a relay-detected tone from the caller into an
// INFO toward the feature server. Runs off the listener goroutine.
func (cs *CallSession) onDTMFEvent(ev rtpengine.DTMFEvent) {
	digit := ev.Digit()
	if digit == "" {
		return
	}
	if ev.SourceTag != "" && ev.SourceTag != cs.opts.UASTag {
		// only caller tones are interworked
		return
	}
	go cs.relayDTMFToUpstream(digit, ev.DurationMs)
}

func (cs *CallSession) relayDTMFToUpstream(digit string, durationMs int) {
	if cs.destroyed.IsBroken() {
		return
	}
	cs.mu.Lock()
	uac := cs.uac
	cs.mu.Unlock()
	if uac == nil {
		return
	}
	if durationMs <= 0 {
		durationMs = defaultDTMFDurationMs
	}

	ctx, cancel := context.WithTimeout(context.Background(), midCallTimeout)
	defer cancel()

	req := uac.newRequest(sip.INFO)
	ct := sip.ContentTypeHeader("application/dtmf-relay")
	req.AppendHeader(&ct)
	req.SetBody([]byte(fmt.Sprintf("Signal=%s\r\nDuration=%d", digit, durationMs)))

	if _, err := uac.sendRequest(ctx, req); err != nil {
		cs.log.Warnw("failed to relay DTMF upstream", "digit", digit, "error", err)
		return
	}
	cs.log.Debugw("relayed DTMF upstream", "digit", digit, "durationMs", durationMs)
}

// parseDTMFRelay extracts the digit and duration from an
// application/dtmf-relay body ("Signal=5\r\nDuration=250"). Bodies that
// are just the digit (application/dtmf) are accepted as well.
func parseDTMFRelay(body string) (digit string, durationMs int, err error) {
	durationMs = defaultDTMFDurationMs
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "signal":
			digit = strings.TrimSpace(value)
		case "duration":
			if d, convErr := strconv.Atoi(strings.TrimSpace(value)); convErr == nil && d > 0 {
				durationMs = d
			}
		}
	}
	if digit == "" {
		digit = strings.TrimSpace(body)
	}
	if !validDTMFDigit(digit) {
		return "", 0, errors.Errorf("bad dtmf-relay signal %q", digit)
	}
	return digit, durationMs, nil
}

func validDTMFDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	c := d[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#' ||
		(c >= 'A' && c <= 'D') || (c >= 'a' && c <= 'd')
}
