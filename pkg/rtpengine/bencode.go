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
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// The ng control protocol encodes every message as a bencoded dictionary.
// Only the types the protocol actually uses are supported: strings,
// integers, lists and dictionaries.

func bencode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bencodeValue(buf *bytes.Buffer, v any) error {
	switch v := v.(type) {
	case string:
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.WriteString(v)
	case []byte:
		buf.WriteString(strconv.Itoa(len(v)))
		buf.WriteByte(':')
		buf.Write(v)
	case int:
		fmt.Fprintf(buf, "i%de", v)
	case int64:
		fmt.Fprintf(buf, "i%de", v)
	case []string:
		buf.WriteByte('l')
		for _, e := range v {
			if err := bencodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case []any:
		buf.WriteByte('l')
		for _, e := range v {
			if err := bencodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := bencodeValue(buf, k); err != nil {
				return err
			}
			if err := bencodeValue(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return errors.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

// bdecode parses a single bencoded value. Strings decode as string,
// integers as int64, lists as []any and dictionaries as map[string]any.
func bdecode(data []byte) (any, error) {
	v, rest, err := bdecodeValue(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("bencode: %d trailing bytes", len(rest))
	}
	return v, nil
}

func bdecodeValue(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, errors.New("bencode: unexpected end of input")
	}
	switch {
	case data[0] == 'i':
		end := bytes.IndexByte(data, 'e')
		if end < 0 {
			return nil, nil, errors.New("bencode: unterminated integer")
		}
		n, err := strconv.ParseInt(string(data[1:end]), 10, 64)
		if err != nil {
			return nil, nil, errors.Wrap(err, "bencode: bad integer")
		}
		return n, data[end+1:], nil
	case data[0] == 'l':
		data = data[1:]
		var list []any
		for {
			if len(data) == 0 {
				return nil, nil, errors.New("bencode: unterminated list")
			}
			if data[0] == 'e' {
				return list, data[1:], nil
			}
			v, rest, err := bdecodeValue(data)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
			data = rest
		}
	case data[0] == 'd':
		data = data[1:]
		dict := make(map[string]any)
		for {
			if len(data) == 0 {
				return nil, nil, errors.New("bencode: unterminated dictionary")
			}
			if data[0] == 'e' {
				return dict, data[1:], nil
			}
			k, rest, err := bdecodeValue(data)
			if err != nil {
				return nil, nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, nil, errors.New("bencode: non-string dictionary key")
			}
			v, rest, err := bdecodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			dict[key] = v
			data = rest
		}
	case data[0] >= '0' && data[0] <= '9':
		colon := bytes.IndexByte(data, ':')
		if colon < 0 {
			return nil, nil, errors.New("bencode: unterminated string length")
		}
		n, err := strconv.Atoi(string(data[:colon]))
		if err != nil || n < 0 {
			return nil, nil, errors.New("bencode: bad string length")
		}
		if len(data) < colon+1+n {
			return nil, nil, errors.New("bencode: short string")
		}
		return string(data[colon+1 : colon+1+n]), data[colon+1+n:], nil
	default:
		return nil, nil, errors.Errorf("bencode: unexpected byte %q", data[0])
	}
}
