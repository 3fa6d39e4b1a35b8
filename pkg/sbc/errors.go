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
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCallSetupCanceled is returned when the caller cancels before the
	// feature server answers.
	ErrCallSetupCanceled = errors.New("call setup canceled by caller")

	// ErrSessionClosed is returned for operations on a torn-down call.
	ErrSessionClosed = errors.New("session closed")
)

// StatusError maps an internal failure to the SIP status the caller
// should receive.
type StatusError struct {
	Code   int
	Reason string
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sip %d %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("sip %d %s", e.Code, e.Reason)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusError(code int, reason string, err error) *StatusError {
	return &StatusError{Code: code, Reason: reason, Err: err}
}

// sipStatusFor maps an error to the status reported to the caller.
// Media relay failures surface as 488, everything else as 500.
func sipStatusFor(err error) (int, string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, se.Reason
	}
	return 500, "Internal Server Error"
}
