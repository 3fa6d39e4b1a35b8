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
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/voicegrid/sbc-inbound/pkg/config"
	"go.uber.org/zap"
)

// Originator identifies what kind of endpoint placed the call.
type Originator string

const (
	OriginatorTrunk Originator = "trunk"
	OriginatorTeams Originator = "teams"
	OriginatorUser  Originator = "user"
)

// Gateway describes an outbound carrier gateway used when rewriting
// transfer targets.
type Gateway struct {
	Host      string
	Port      int
	PadCrypto bool
	E164First bool // prepend + to dialed numbers
}

// RoutingInfo is everything routing decided about an inbound call before
// the session is built.
type RoutingInfo struct {
	AccountSid         string
	ApplicationSid     string
	ServiceProviderSid string
	Carrier            string
	VoipCarrierSid     string
	AuthenticatedUser  string
	TeamsTenant        string
	Originator         Originator
	Gateway            *Gateway

	// SIPREC ingress: a recording client sent us a multipart INVITE and
	// routing already split it into its parts.
	SiprecSDP      string
	SiprecMetadata string
}

// Router resolves an inbound INVITE to its tenant and originator.
type Router interface {
	Route(req *sip.Request) (*RoutingInfo, error)
}

// StaticRouter stamps every call with identity from configuration. It
// stands in for an external routing function in single-tenant deploys.
type StaticRouter struct {
	conf  config.RoutingConfig
	teams bool
}

func NewStaticRouter(conf config.RoutingConfig) *StaticRouter {
	return &StaticRouter{conf: conf}
}

func (r *StaticRouter) Route(req *sip.Request) (*RoutingInfo, error) {
	ri := &RoutingInfo{
		AccountSid:         r.conf.AccountSid,
		ApplicationSid:     r.conf.ApplicationSid,
		ServiceProviderSid: r.conf.ServiceProviderSid,
		Carrier:            r.conf.Carrier,
		VoipCarrierSid:     r.conf.VoipCarrierSid,
		Originator:         OriginatorTrunk,
	}
	if tenant := headerValue(req, HdrTeamsTenant); tenant != "" {
		ri.Originator = OriginatorTeams
		ri.TeamsTenant = tenant
	}
	if user := headerValue(req, HdrAuthenticatedUser); user != "" {
		ri.Originator = OriginatorUser
		ri.AuthenticatedUser = user
	}
	return ri, nil
}

// GatewayResolver finds the outbound gateway for a transfer target, used
// to rewrite Refer-To before forwarding a REFER upstream.
type GatewayResolver interface {
	ResolveGateway(carrier string) *Gateway
}

type nopGatewayResolver struct{}

func (nopGatewayResolver) ResolveGateway(string) *Gateway { return nil }

// FeatureServerPool hands out feature server addresses round-robin.
type FeatureServerPool struct {
	addrs []string
	next  atomic.Uint64
}

func NewFeatureServerPool(addrs []string) *FeatureServerPool {
	return &FeatureServerPool{addrs: addrs}
}

// Next returns the next feature server address, or "" when none are
// configured.
func (p *FeatureServerPool) Next() string {
	if len(p.addrs) == 0 {
		return ""
	}
	n := p.next.Add(1) - 1
	return p.addrs[n%uint64(len(p.addrs))]
}

// privateNetworks answers whether a source address belongs to one of the
// configured internal networks.
type privateNetworks struct {
	nets []*net.IPNet
}

func newPrivateNetworks(cidrs []string) (*privateNetworks, error) {
	p := &privateNetworks{}
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		p.nets = append(p.nets, n)
	}
	return p, nil
}

func (p *privateNetworks) Contains(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range p.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// CDR is the call detail record emitted once per call attempt.
type CDR struct {
	CallSid           string     `json:"call_sid"`
	CallID            string     `json:"call_id"`
	AccountSid        string     `json:"account_sid"`
	ApplicationSid    string     `json:"application_sid,omitempty"`
	From              string     `json:"from"`
	To                string     `json:"to"`
	Carrier           string     `json:"carrier,omitempty"`
	Originator        Originator `json:"originator"`
	Answered          bool       `json:"answered"`
	SIPStatus         int        `json:"sip_status"`
	TerminationReason string     `json:"termination_reason"`
	StartedAt         time.Time  `json:"started_at"`
	AnsweredAt        time.Time  `json:"answered_at,omitempty"`
	EndedAt           time.Time  `json:"ended_at,omitempty"`
	DurationSecs      int        `json:"duration_secs"`
}

// CDRWriter receives completed call records. Implementations must not
// block the teardown path.
type CDRWriter interface {
	WriteCDR(cdr *CDR)
}

// LogCDRWriter emits CDRs to the structured log.
type LogCDRWriter struct {
	Log *zap.SugaredLogger
}

func (w *LogCDRWriter) WriteCDR(cdr *CDR) {
	w.Log.Infow("cdr",
		"callSid", cdr.CallSid,
		"callID", cdr.CallID,
		"accountSid", cdr.AccountSid,
		"from", cdr.From,
		"to", cdr.To,
		"originator", string(cdr.Originator),
		"answered", cdr.Answered,
		"sipStatus", cdr.SIPStatus,
		"terminationReason", cdr.TerminationReason,
		"durationSecs", cdr.DurationSecs,
	)
}

// e164 normalizes a dialed number to leading-plus form when the gateway
// wants E.164.
func e164(number string) string {
	if number == "" || strings.HasPrefix(number, "+") {
		return number
	}
	if strings.IndexFunc(number, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return number
	}
	return "+" + number
}
