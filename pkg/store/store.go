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

package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voicegrid/sbc-inbound/pkg/config"
)

// peer SDP entries outlive any realistic media release window but still
// expire if a call leaks
const peerSDPTTL = 4 * time.Hour

// Store holds the SBC's shared state in redis: per-tenant concurrent
// call counts and the parked peer SDP for calls whose media was fully
// released from the relay.
type Store struct {
	rc  *redis.Client
	log *zap.SugaredLogger

	trackAccount bool
	trackSP      bool
	trackApp     bool
}

func NewStore(conf *config.Config, log *zap.SugaredLogger) *Store {
	rc := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Address,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	return &Store{
		rc:           rc,
		log:          log,
		trackAccount: conf.TrackAccountCalls,
		trackSP:      conf.TrackSPCalls,
		trackApp:     conf.TrackAppCalls,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rc.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rc.Close()
}

func accountCallCountKey(sid string) string { return "incalls:account:" + sid }
func spCallCountKey(sid string) string      { return "incalls:sp:" + sid }
func appCallCountKey(sid string) string     { return "incalls:app:" + sid }

// CallCountSids identifies the tenant dimensions a call counts against.
type CallCountSids struct {
	AccountSid         string
	ServiceProviderSid string
	ApplicationSid     string
}

func (s *Store) callCountKeys(sids CallCountSids) []string {
	var keys []string
	if s.trackAccount && sids.AccountSid != "" {
		keys = append(keys, accountCallCountKey(sids.AccountSid))
	}
	if s.trackSP && sids.ServiceProviderSid != "" {
		keys = append(keys, spCallCountKey(sids.ServiceProviderSid))
	}
	if s.trackApp && sids.ApplicationSid != "" {
		keys = append(keys, appCallCountKey(sids.ApplicationSid))
	}
	return keys
}

// IncrementCallCounts bumps the concurrent call counters for the call's
// tenant. Failures are logged, never fatal; counts are advisory.
func (s *Store) IncrementCallCounts(ctx context.Context, sids CallCountSids) {
	for _, key := range s.callCountKeys(sids) {
		if err := s.rc.Incr(ctx, key).Err(); err != nil {
			s.log.Warnw("failed to increment call count", "key", key, "error", err)
		}
	}
}

func (s *Store) DecrementCallCounts(ctx context.Context, sids CallCountSids) {
	for _, key := range s.callCountKeys(sids) {
		n, err := s.rc.Decr(ctx, key).Result()
		if err != nil {
			s.log.Warnw("failed to decrement call count", "key", key, "error", err)
			continue
		}
		if n < 0 {
			s.rc.Set(ctx, key, 0, 0)
		}
	}
}

func peerSDPKey(callID string) string { return "sbc:peersdp:" + callID }

// SavePeerSDP parks the far-end SDP while a call's media is released
// from the relay entirely, so a later re-anchor can rebuild the session.
func (s *Store) SavePeerSDP(ctx context.Context, callID, sdp string) error {
	return s.rc.Set(ctx, peerSDPKey(callID), sdp, peerSDPTTL).Err()
}

func (s *Store) LoadPeerSDP(ctx context.Context, callID string) (string, error) {
	return s.rc.Get(ctx, peerSDPKey(callID)).Result()
}

func (s *Store) DeletePeerSDP(ctx context.Context, callID string) {
	if err := s.rc.Del(ctx, peerSDPKey(callID)).Err(); err != nil {
		s.log.Debugw("failed to delete parked sdp", "callID", callID, "error", err)
	}
}
