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
	"context"

	"github.com/pkg/errors"
)

// Binding is a single call's media session on one rtpengine instance.
// Every command it issues carries the call's Call-ID; the instance stays
// pinned for the lifetime of the call.
type Binding struct {
	c      *Client
	CallID string
}

func (b *Binding) Engine() string { return b.c.Addr() }

func (b *Binding) do(ctx context.Context, cmd string, params map[string]any) (map[string]any, error) {
	p := make(map[string]any, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p["call-id"] = b.CallID
	return b.c.Command(ctx, cmd, p)
}

// Offer allocates (or updates) the relay endpoints for a new offer and
// returns the rewritten SDP to present to the other side.
func (b *Binding) Offer(ctx context.Context, params map[string]any) (string, error) {
	res, err := b.do(ctx, "offer", params)
	if err != nil {
		return "", err
	}
	return sdpFrom(res, "offer")
}

// Answer completes the offer/answer cycle and returns the rewritten
// answer SDP.
func (b *Binding) Answer(ctx context.Context, params map[string]any) (string, error) {
	res, err := b.do(ctx, "answer", params)
	if err != nil {
		return "", err
	}
	return sdpFrom(res, "answer")
}

// Delete tears down the relay resources for the call.
func (b *Binding) Delete(ctx context.Context) error {
	_, err := b.do(ctx, "delete", nil)
	return err
}

func (b *Binding) Query(ctx context.Context) (map[string]any, error) {
	return b.do(ctx, "query", nil)
}

func (b *Binding) BlockMedia(ctx context.Context, fromTag string, flags ...string) error {
	_, err := b.do(ctx, "block media", tagParams(fromTag, flags))
	return err
}

func (b *Binding) UnblockMedia(ctx context.Context, fromTag string, flags ...string) error {
	_, err := b.do(ctx, "unblock media", tagParams(fromTag, flags))
	return err
}

func (b *Binding) BlockDTMF(ctx context.Context, fromTag string, flags ...string) error {
	_, err := b.do(ctx, "block DTMF", tagParams(fromTag, flags))
	return err
}

func (b *Binding) UnblockDTMF(ctx context.Context, fromTag string, flags ...string) error {
	_, err := b.do(ctx, "unblock DTMF", tagParams(fromTag, flags))
	return err
}

// PlayDTMF injects a DTMF tone into the media stream toward the peer of
// the given leg. digit may be 0-9, '*' or '#'.
func (b *Binding) PlayDTMF(ctx context.Context, fromTag, digit string, durationMs int) error {
	if durationMs <= 0 {
		durationMs = 250
	}
	_, err := b.do(ctx, "play DTMF", map[string]any{
		"from-tag": fromTag,
		"code":     digit,
		"duration": durationMs,
	})
	return err
}

// SubscribeOffer is the relay's answer to a subscribe request: the SDP
// describing the media fork plus the tag pair identifying the
// subscription.
type SubscribeOffer struct {
	SDP     string
	FromTag string
	ToTag   string
}

// SubscribeRequest asks the relay to fork the call's media toward a new
// subscriber (a SIPREC recorder). The returned SDP becomes the offer in
// the INVITE to the recorder.
func (b *Binding) SubscribeRequest(ctx context.Context, label string, flags []string) (*SubscribeOffer, error) {
	params := map[string]any{"label": label}
	if len(flags) > 0 {
		params["flags"] = flags
	}
	res, err := b.do(ctx, "subscribe request", params)
	if err != nil {
		return nil, err
	}
	sdp, err := sdpFrom(res, "subscribe request")
	if err != nil {
		return nil, err
	}
	off := &SubscribeOffer{SDP: sdp}
	off.FromTag, _ = res["from-tag"].(string)
	off.ToTag, _ = res["to-tag"].(string)
	return off, nil
}

// SubscribeAnswer completes a subscription with the recorder's answer SDP.
func (b *Binding) SubscribeAnswer(ctx context.Context, toTag, label, sdp string) error {
	_, err := b.do(ctx, "subscribe answer", map[string]any{
		"to-tag": toTag,
		"label":  label,
		"sdp":    sdp,
	})
	return err
}

// Unsubscribe removes a media fork previously set up via SubscribeRequest.
func (b *Binding) Unsubscribe(ctx context.Context, toTag string) error {
	_, err := b.do(ctx, "unsubscribe", map[string]any{"to-tag": toTag})
	return err
}

func tagParams(fromTag string, flags []string) map[string]any {
	p := map[string]any{"from-tag": fromTag}
	if len(flags) > 0 {
		p["flags"] = flags
	}
	return p
}

func sdpFrom(res map[string]any, cmd string) (string, error) {
	sdp, ok := res["sdp"].(string)
	if !ok || sdp == "" {
		return "", errors.Errorf("rtpengine: %s reply missing sdp", cmd)
	}
	return sdp, nil
}
