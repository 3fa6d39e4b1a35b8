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

package rtpengine

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DTMFEvent is the JSON document rtpengine emits to its dtmf-log
// destination when it detects an RFC 4733 telephone-event.
type DTMFEvent struct {
	CallID     string `json:"callid"`
	SourceTag  string `json:"source_tag"`
	Type       string `json:"type"`
	Event      int    `json:"event"`
	DurationMs int    `json:"duration"`
	Volume     int    `json:"volume"`
}

// Digit maps the telephone-event code to its dialpad character.
// Events 10 and 11 are '*' and '#'.
func (e DTMFEvent) Digit() string {
	switch {
	case e.Event >= 0 && e.Event <= 9:
		return string(rune('0' + e.Event))
	case e.Event == 10:
		return "*"
	case e.Event == 11:
		return "#"
	}
	return ""
}

// DTMFListener receives DTMF event datagrams from rtpengine and
// dispatches them to per-call subscribers. Subscription is keyed by
// Call-ID; subscribing twice for the same call replaces the handler,
// which makes subscription safely idempotent across leg swaps.
type DTMFListener struct {
	log  *zap.SugaredLogger
	conn *net.UDPConn

	mu       sync.RWMutex
	handlers map[string]func(DTMFEvent)

	done core.Fuse
}

func NewDTMFListener(bindAddr string, log *zap.SugaredLogger) (*DTMFListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "rtpengine: resolving dtmf listen addr %q", bindAddr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "rtpengine: binding dtmf listener on %q", bindAddr)
	}
	l := &DTMFListener{
		log:      log,
		conn:     conn,
		handlers: make(map[string]func(DTMFEvent)),
	}
	go l.readLoop()
	return l, nil
}

func (l *DTMFListener) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if !l.done.IsBroken() {
				l.log.Warnw("dtmf listener read failed", "error", err)
			}
			return
		}
		var ev DTMFEvent
		if err := json.Unmarshal(buf[:n], &ev); err != nil {
			l.log.Debugw("undecodable dtmf event", "error", err)
			continue
		}
		if ev.Type != "" && ev.Type != "DTMF" {
			continue
		}
		l.mu.RLock()
		h := l.handlers[ev.CallID]
		l.mu.RUnlock()
		if h != nil {
			h(ev)
		}
	}
}

// Subscribe registers a handler for one call's DTMF events.
func (l *DTMFListener) Subscribe(callID string, h func(DTMFEvent)) {
	l.mu.Lock()
	l.handlers[callID] = h
	l.mu.Unlock()
}

// Unsubscribe removes a call's handler. Safe to call repeatedly.
func (l *DTMFListener) Unsubscribe(callID string) {
	l.mu.Lock()
	delete(l.handlers, callID)
	l.mu.Unlock()
}

func (l *DTMFListener) Close() {
	l.done.Once(func() {
		_ = l.conn.Close()
	})
}
