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

package stats

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicegrid/sbc-inbound/pkg/config"
)

// Durations are in seconds
var (
	// durBucketsOp lists histogram buckets for short operations like call setup.
	durBucketsOp = []float64{
		0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 3 * 60,
	}
	// durBucketsLong lists histogram buckets for call durations.
	durBucketsLong = []float64{
		1, 10, 60, 10 * 60, 30 * 60, 3600, 6 * 3600, 12 * 3600, 24 * 3600,
	}
)

type Monitor struct {
	nodeID string

	inviteReqRaw     prometheus.Counter
	inviteReq        *prometheus.CounterVec
	inviteAccept     *prometheus.CounterVec
	callsActive      *prometheus.GaugeVec
	terminations     *prometheus.CounterVec
	relayErrors      *prometheus.CounterVec
	recordingsActive prometheus.Gauge
	durCall          *prometheus.HistogramVec
	durSetup         *prometheus.HistogramVec

	metrics  []prometheus.Collector
	started  core.Fuse
	shutdown core.Fuse
}

func NewMonitor(conf *config.Config) *Monitor {
	return &Monitor{nodeID: conf.NodeID}
}

func mustRegister[T prometheus.Collector](m *Monitor, c T) T {
	err := prometheus.Register(c)
	if err != nil {
		var e prometheus.AlreadyRegisteredError
		if errors.As(err, &e) {
			return e.ExistingCollector.(T)
		} else {
			panic(err)
		}
	}
	m.metrics = append(m.metrics, c)
	return c
}

func (m *Monitor) Start() error {
	m.inviteReqRaw = mustRegister(m, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "invite_requests_raw",
		Help:        "Number of SIP INVITE requests received before routing",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}))

	m.inviteReq = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "invite_requests",
		Help:        "Number of routed SIP INVITE requests",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"originator"}))

	m.inviteAccept = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "invite_accepted",
		Help:        "Number of SIP INVITE requests connected to a feature server",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"originator"}))

	m.callsActive = mustRegister(m, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "calls_active",
		Help:        "Number of currently active calls",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"originator"}))

	m.terminations = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "terminations",
		Help:        "Number of terminated call attempts",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"accepted", "sip_status", "originator"}))

	m.relayErrors = mustRegister(m, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "relay_errors",
		Help:        "Number of failed media relay commands",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}, []string{"command"}))

	m.recordingsActive = mustRegister(m, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "recordings_active",
		Help:        "Number of currently active SIPREC sessions",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
	}))

	m.durCall = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "dur_call_sec",
		Help:        "Call duration (answer to teardown)",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsLong,
	}, []string{"originator"}))

	m.durSetup = mustRegister(m, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   "voicegrid",
		Subsystem:   "sbc",
		Name:        "dur_setup_sec",
		Help:        "Call setup duration (INVITE to answer)",
		ConstLabels: prometheus.Labels{"node_id": m.nodeID},
		Buckets:     durBucketsOp,
	}, []string{"originator"}))

	m.started.Break()
	return nil
}

func (m *Monitor) Shutdown() {
	m.shutdown.Break()
}

func (m *Monitor) Stop() {
	for _, c := range m.metrics {
		prometheus.Unregister(c)
	}
	m.metrics = nil
}

func (m *Monitor) CanAccept() bool {
	return m.started.IsBroken() && !m.shutdown.IsBroken()
}

func (m *Monitor) InviteReqRaw() {
	m.inviteReqRaw.Inc()
}

func (m *Monitor) RelayError(command string) {
	m.relayErrors.WithLabelValues(command).Inc()
}

func (m *Monitor) RecordingStarted() {
	m.recordingsActive.Inc()
}

func (m *Monitor) RecordingEnded() {
	m.recordingsActive.Dec()
}

func (m *Monitor) NewCall(originator string) *CallMonitor {
	return &CallMonitor{
		m:          m,
		originator: originator,
	}
}

type CallMonitor struct {
	m          *Monitor
	originator string
	started    atomic.Bool
	terminated atomic.Bool
}

func (c *CallMonitor) labels(l prometheus.Labels) prometheus.Labels {
	out := prometheus.Labels{"originator": c.originator}
	for k, v := range l {
		out[k] = v
	}
	return out
}

func (c *CallMonitor) InviteReq() {
	c.m.inviteReq.With(c.labels(nil)).Inc()
}

func (c *CallMonitor) InviteAccept() {
	c.m.inviteAccept.With(c.labels(nil)).Inc()
}

func (c *CallMonitor) CallStart() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.m.callsActive.With(c.labels(nil)).Inc()
}

func (c *CallMonitor) CallEnd() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.m.callsActive.With(c.labels(nil)).Dec()
}

// Terminate records the final disposition of a call attempt. Only the
// first call counts; later teardown paths on the same call are ignored.
func (c *CallMonitor) Terminate(accepted bool, sipStatus int) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.m.terminations.With(c.labels(prometheus.Labels{
		"accepted":   strconv.FormatBool(accepted),
		"sip_status": strconv.Itoa(sipStatus),
	})).Inc()
}

func (c *CallMonitor) CallDur() func() time.Duration {
	return prometheus.NewTimer(c.m.durCall.With(c.labels(nil))).ObserveDuration
}

func (c *CallMonitor) SetupDur() func() time.Duration {
	return prometheus.NewTimer(c.m.durSetup.With(c.labels(nil))).ObserveDuration
}
