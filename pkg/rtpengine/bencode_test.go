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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBencodeDict(t *testing.T) {
	out, err := bencode(map[string]any{
		"command": "offer",
		"call-id": "abc123",
		"flags":   []string{"inject DTMF"},
		"ttl":     60,
	})
	require.NoError(t, err)
	// keys are emitted in sorted order
	require.Equal(t, "d7:call-id6:abc1237:command5:offer5:flagsl11:inject DTMFe3:ttli60ee", string(out))
}

func TestBencodeRejectsUnsupported(t *testing.T) {
	_, err := bencode(map[string]any{"bad": 1.5})
	require.Error(t, err)
}

func TestBdecode(t *testing.T) {
	v, err := bdecode([]byte("d6:result2:ok3:sdp4:v=0\r5:extral2:aa2:bbee"))
	require.NoError(t, err)
	dict, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", dict["result"])
	require.Equal(t, "v=0\r", dict["sdp"])
	require.Equal(t, []any{"aa", "bb"}, dict["extra"])
}

func TestBdecodeNegativeInt(t *testing.T) {
	v, err := bdecode([]byte("i-12e"))
	require.NoError(t, err)
	require.Equal(t, int64(-12), v)
}

func TestBdecodeErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"d3:key",
		"l2:aa",
		"i42",
		"5:ab",
		"d6:result2:oke junk",
	} {
		_, err := bdecode([]byte(bad))
		require.Error(t, err, "input %q", bad)
	}
}

func TestBencodeRoundTrip(t *testing.T) {
	in := map[string]any{
		"call-id":  "0b5a8f7c",
		"from-tag": "tag-1",
		"replace":  []string{"origin", "session-connection"},
		"codec":    map[string]any{"mask": "g729", "transcode": "pcmu"},
	}
	enc, err := bencode(in)
	require.NoError(t, err)
	v, err := bdecode(enc)
	require.NoError(t, err)
	dict := v.(map[string]any)
	require.Equal(t, "0b5a8f7c", dict["call-id"])
	require.Equal(t, []any{"origin", "session-connection"}, dict["replace"])
	codec := dict["codec"].(map[string]any)
	require.Equal(t, "g729", codec["mask"])
}
