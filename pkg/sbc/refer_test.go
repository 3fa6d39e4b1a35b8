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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReferTarget(t *testing.T) {
	uri, err := parseReferTarget("<sip:context-abc123@fs1.example.com:5060>")
	require.NoError(t, err)
	require.Equal(t, "context-abc123", uri.User)
	require.Equal(t, "fs1.example.com", uri.Host)
	require.Equal(t, 5060, uri.Port)
	require.True(t, strings.HasPrefix(uri.User, internalContextPrefix))

	uri, err = parseReferTarget("\"Bob\" <sip:bob@example.com>;early-only")
	require.NoError(t, err)
	require.Equal(t, "bob", uri.User)
	require.Equal(t, "example.com", uri.Host)

	uri, err = parseReferTarget("sip:15551234567@gw.example.com")
	require.NoError(t, err)
	require.Equal(t, "15551234567", uri.User)

	uri, err = parseReferTarget("sip:sip.pstnhub.microsoft.com;transport=tls")
	require.NoError(t, err)
	require.Equal(t, "", uri.User)
	require.Equal(t, "sip.pstnhub.microsoft.com", uri.Host)

	_, err = parseReferTarget("not a uri")
	require.Error(t, err)
}
