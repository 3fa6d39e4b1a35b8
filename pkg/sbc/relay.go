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

	"github.com/voicegrid/sbc-inbound/pkg/rtpengine"
)

// MediaRelay is the per-call command surface of the media relay engine.
// rtpengine.Binding is the production implementation.
type MediaRelay interface {
	Engine() string
	Offer(ctx context.Context, params map[string]any) (string, error)
	Answer(ctx context.Context, params map[string]any) (string, error)
	Delete(ctx context.Context) error
	BlockMedia(ctx context.Context, fromTag string, flags ...string) error
	UnblockMedia(ctx context.Context, fromTag string, flags ...string) error
	BlockDTMF(ctx context.Context, fromTag string, flags ...string) error
	UnblockDTMF(ctx context.Context, fromTag string, flags ...string) error
	PlayDTMF(ctx context.Context, fromTag, digit string, durationMs int) error
	SubscribeRequest(ctx context.Context, label string, flags []string) (*rtpengine.SubscribeOffer, error)
	SubscribeAnswer(ctx context.Context, toTag, label, sdp string) error
	Unsubscribe(ctx context.Context, toTag string) error
}

var _ MediaRelay = (*rtpengine.Binding)(nil)
