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
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const healthInterval = 5 * time.Second

// ErrNoEngines is returned by Allocate when no rtpengine instance is
// healthy.
var ErrNoEngines = errors.New("rtpengine: no active instances")

// Pool manages a static set of rtpengine instances, polls their health
// and hands out call bindings on the least-loaded active instance.
type Pool struct {
	log     *zap.SugaredLogger
	clients []*Client
	done    core.Fuse
}

func NewPool(addrs []string, log *zap.SugaredLogger) (*Pool, error) {
	if len(addrs) == 0 {
		return nil, errors.New("rtpengine: no instances configured")
	}
	p := &Pool{log: log}
	for _, addr := range addrs {
		c, err := NewClient(addr, log)
		if err != nil {
			for _, prev := range p.clients {
				prev.Close()
			}
			return nil, err
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

// Start launches the health poller. Instances start inactive and become
// eligible after their first successful poll.
func (p *Pool) Start(ctx context.Context) {
	p.pollOnce(ctx)
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done.Watch():
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

func (p *Pool) pollOnce(ctx context.Context) {
	for _, c := range p.clients {
		pollCtx, cancel := context.WithTimeout(ctx, healthInterval)
		res, err := c.Command(pollCtx, "list", map[string]any{"limit": 10000})
		cancel()
		if err != nil {
			if c.active.Swap(false) {
				c.log.Warnw("instance went inactive", "error", err)
			}
			continue
		}
		if !c.active.Swap(true) {
			c.log.Infow("instance active")
		}
		if calls, ok := res["calls"].([]any); ok {
			c.activeCalls.Store(int64(len(calls)))
		}
	}
}

// Allocate pins a new call to the least-loaded active instance.
func (p *Pool) Allocate(callID string) (*Binding, error) {
	var best *Client
	for _, c := range p.clients {
		if !c.Active() {
			continue
		}
		if best == nil || c.ActiveCalls() < best.ActiveCalls() {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoEngines
	}
	best.activeCalls.Add(1)
	return &Binding{c: best, CallID: callID}, nil
}

func (p *Pool) Stop() {
	p.done.Once(func() {
		for _, c := range p.clients {
			c.Close()
		}
	})
}
