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

package config

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

type RecordingConfig struct {
	// WaitForAll requires every configured recorder to answer before the
	// recording start is reported successful. Default is first answer wins.
	WaitForAll    bool          `yaml:"wait_for_all"`
	AnswerTimeout time.Duration `yaml:"answer_timeout"`
}

// RoutingConfig provides the identity stamped onto calls when the
// service runs without an external routing function.
type RoutingConfig struct {
	AccountSid         string `yaml:"account_sid"`
	ApplicationSid     string `yaml:"application_sid"`
	ServiceProviderSid string `yaml:"service_provider_sid"`
	Carrier            string `yaml:"carrier"`
	VoipCarrierSid     string `yaml:"voip_carrier_sid"`
}

type Config struct {
	SIPAddress string `yaml:"sip_address"` // bind IP for SIP, default 0.0.0.0
	SIPPort    int    `yaml:"sip_port"`    // default 5060
	ExternalIP string `yaml:"external_ip"` // advertised in Contact, falls back to sip_address
	UserAgent  string `yaml:"user_agent"`

	RTPEngines     []string `yaml:"rtpengines"`       // host:port ng control addresses
	DTMFListenAddr string   `yaml:"dtmf_listen_addr"` // where rtpengine sends DTMF event datagrams
	FeatureServers []string `yaml:"feature_servers"`  // host:port, round-robin

	// Source networks treated as private (calls from feature servers or
	// internal trunks rather than the public internet).
	PrivateNetworkCIDR []string `yaml:"private_network_cidr"`

	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
	Routing   RoutingConfig   `yaml:"routing"`

	HTTPPort int `yaml:"http_port"` // health and metrics, default 3000

	// DelayedOfferTimeout bounds how long a call whose INVITE carried no
	// usable SDP may wait for the offer to arrive in the ACK.
	DelayedOfferTimeout time.Duration `yaml:"delayed_offer_timeout"`

	RecordAllCalls bool `yaml:"record_all_calls"`
	AcceptG729     bool `yaml:"accept_g729"` // mask G.729, transcode to PCMU

	TrackAccountCalls bool `yaml:"track_account_calls"`
	TrackSPCalls      bool `yaml:"track_sp_calls"`
	TrackAppCalls     bool `yaml:"track_app_calls"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string `yaml:"-"` // overwritten by Init
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		SIPAddress:          "0.0.0.0",
		SIPPort:             5060,
		UserAgent:           "voicegrid-sbc",
		HTTPPort:            3000,
		DelayedOfferTimeout: 10 * time.Second,
		Recording:           RecordingConfig{AnswerTimeout: 5 * time.Second},
		Logging:             LoggingConfig{Level: "info"},
		ServiceName:         "sbc-inbound",
	}
	if addr := os.Getenv("SBC_REDIS_ADDRESS"); addr != "" {
		conf.Redis.Address = addr
	}
	if pass := os.Getenv("SBC_REDIS_PASSWORD"); pass != "" {
		conf.Redis.Password = pass
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	if len(conf.RTPEngines) == 0 {
		return nil, errors.New("at least one rtpengine is required")
	}
	if len(conf.FeatureServers) == 0 {
		return nil, errors.New("at least one feature server is required")
	}
	if conf.Redis.Address == "" {
		return nil, errors.New("redis configuration is required")
	}
	return conf, nil
}

func (conf *Config) Init() error {
	conf.NodeID = "NE_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return nil
}

// NewLogger builds the process logger from the logging section, tagged
// with the node identity.
func (conf *Config) NewLogger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(conf.Logging.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "bad log level %q", conf.Logging.Level)
	}
	zc := zap.NewProductionConfig()
	if !conf.Logging.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar().With("nodeID", conf.NodeID, "service", conf.ServiceName), nil
}
