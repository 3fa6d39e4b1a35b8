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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallCountKeys(t *testing.T) {
	sids := CallCountSids{
		AccountSid:         "acct-1",
		ServiceProviderSid: "sp-1",
		ApplicationSid:     "app-1",
	}

	s := &Store{trackAccount: true, trackSP: true, trackApp: true}
	require.Equal(t, []string{
		"incalls:account:acct-1",
		"incalls:sp:sp-1",
		"incalls:app:app-1",
	}, s.callCountKeys(sids))

	s = &Store{trackAccount: true}
	require.Equal(t, []string{"incalls:account:acct-1"}, s.callCountKeys(sids))

	s = &Store{trackAccount: true, trackSP: true, trackApp: true}
	require.Empty(t, s.callCountKeys(CallCountSids{}))

	s = &Store{}
	require.Empty(t, s.callCountKeys(sids))
}

func TestPeerSDPKey(t *testing.T) {
	require.Equal(t, "sbc:peersdp:abc@host", peerSDPKey("abc@host"))
}
