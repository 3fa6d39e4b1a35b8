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

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps Call-IDs to live sessions. Both legs of a call register
// their own Call-ID, so any in-dialog request can be routed to its
// session directly.
type Registry struct {
	calls   *xsync.MapOf[string, *CallSession]
	pending *xsync.MapOf[string, context.CancelCauseFunc]
}

func NewRegistry() *Registry {
	return &Registry{
		calls:   xsync.NewMapOf[string, *CallSession](),
		pending: xsync.NewMapOf[string, context.CancelCauseFunc](),
	}
}

func (r *Registry) Add(callID string, cs *CallSession) {
	r.calls.Store(callID, cs)
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	return r.calls.Load(callID)
}

func (r *Registry) Remove(callID string) {
	r.calls.Delete(callID)
}

func (r *Registry) Len() int {
	return r.calls.Size()
}

// Range visits every live session once, even when both its Call-IDs are
// registered.
func (r *Registry) Range(f func(cs *CallSession) bool) {
	seen := make(map[*CallSession]struct{})
	r.calls.Range(func(_ string, cs *CallSession) bool {
		if _, ok := seen[cs]; ok {
			return true
		}
		seen[cs] = struct{}{}
		return f(cs)
	})
}

// AddPending registers a cancel function for a call still in setup, so a
// CANCEL from the caller can abort the feature-server INVITE.
func (r *Registry) AddPending(callID string, cancel context.CancelCauseFunc) {
	r.pending.Store(callID, cancel)
}

func (r *Registry) RemovePending(callID string) {
	r.pending.Delete(callID)
}

// CancelPending aborts an in-setup call. It reports whether a pending
// setup existed for the Call-ID.
func (r *Registry) CancelPending(callID string, cause error) bool {
	cancel, ok := r.pending.LoadAndDelete(callID)
	if !ok {
		return false
	}
	cancel(cause)
	return true
}
