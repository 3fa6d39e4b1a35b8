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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
rtpengines:
  - 10.0.0.10:22222
feature_servers:
  - 10.0.1.10:5060
redis:
  address: 127.0.0.1:6379
`

func TestNewConfigDefaults(t *testing.T) {
	conf, err := NewConfig(minimalConfig)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", conf.SIPAddress)
	require.Equal(t, 5060, conf.SIPPort)
	require.Equal(t, 3000, conf.HTTPPort)
	require.Equal(t, 10*time.Second, conf.DelayedOfferTimeout)
	require.Equal(t, 5*time.Second, conf.Recording.AnswerTimeout)
	require.False(t, conf.Recording.WaitForAll)
	require.Equal(t, "info", conf.Logging.Level)
}

func TestNewConfigOverrides(t *testing.T) {
	conf, err := NewConfig(minimalConfig + `
sip_port: 5080
delayed_offer_timeout: 4s
recording:
  wait_for_all: true
  answer_timeout: 2s
logging:
  level: debug
`)
	require.NoError(t, err)
	require.Equal(t, 5080, conf.SIPPort)
	require.Equal(t, 4*time.Second, conf.DelayedOfferTimeout)
	require.True(t, conf.Recording.WaitForAll)
	require.Equal(t, 2*time.Second, conf.Recording.AnswerTimeout)
	require.Equal(t, "debug", conf.Logging.Level)
}

func TestNewConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		conf string
		want string
	}{
		{"no rtpengine", "feature_servers: [fs:5060]\nredis: {address: r:6379}", "rtpengine"},
		{"no feature server", "rtpengines: [e:22222]\nredis: {address: r:6379}", "feature server"},
		{"no redis", "rtpengines: [e:22222]\nfeature_servers: [fs:5060]", "redis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.conf)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestInitAssignsNodeID(t *testing.T) {
	conf, err := NewConfig(minimalConfig)
	require.NoError(t, err)
	require.NoError(t, conf.Init())
	require.True(t, strings.HasPrefix(conf.NodeID, "NE_"))
	require.Len(t, conf.NodeID, 15)
}
