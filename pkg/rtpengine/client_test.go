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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEngine answers ng commands on a loopback UDP socket.
func fakeEngine(t *testing.T, handler func(cmd string, req map[string]any) map[string]any) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			cookie, body, ok := splitCookie(buf[:n])
			if !ok {
				continue
			}
			v, err := bdecode(body)
			if err != nil {
				continue
			}
			req := v.(map[string]any)
			cmd, _ := req["command"].(string)
			res := handler(cmd, req)
			payload, err := bencode(res)
			if err != nil {
				continue
			}
			out := append([]byte(cookie+" "), payload...)
			_, _ = conn.WriteToUDP(out, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

func TestClientCommand(t *testing.T) {
	addr := fakeEngine(t, func(cmd string, req map[string]any) map[string]any {
		require.Equal(t, "offer", cmd)
		require.Equal(t, "call-1", req["call-id"])
		return map[string]any{"result": "ok", "sdp": "v=0 rewritten"}
	})
	c, err := NewClient(addr, testLogger(t))
	require.NoError(t, err)
	defer c.Close()

	b := &Binding{c: c, CallID: "call-1"}
	sdp, err := b.Offer(context.Background(), map[string]any{"sdp": "v=0"})
	require.NoError(t, err)
	require.Equal(t, "v=0 rewritten", sdp)
}

func TestClientCommandError(t *testing.T) {
	addr := fakeEngine(t, func(cmd string, req map[string]any) map[string]any {
		return map[string]any{"result": "error", "error-reason": "unknown call-id"}
	})
	c, err := NewClient(addr, testLogger(t))
	require.NoError(t, err)
	defer c.Close()

	b := &Binding{c: c, CallID: "missing"}
	err = b.Delete(context.Background())
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "delete", cmdErr.Command)
	require.Equal(t, "unknown call-id", cmdErr.Reply["error-reason"])
}

func TestClientTimeout(t *testing.T) {
	// engine that never answers
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	c, err := NewClient(conn.LocalAddr().String(), testLogger(t))
	require.NoError(t, err)
	defer c.Close()
	c.timeout = 50 * time.Millisecond

	_, err = c.Command(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPoolAllocateLeastLoaded(t *testing.T) {
	busy := fakeEngine(t, func(cmd string, req map[string]any) map[string]any {
		return map[string]any{"result": "ok", "calls": []any{"a", "b", "c"}}
	})
	idle := fakeEngine(t, func(cmd string, req map[string]any) map[string]any {
		return map[string]any{"result": "ok", "calls": []any{}}
	})

	p, err := NewPool([]string{busy, idle}, testLogger(t))
	require.NoError(t, err)
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	b, err := p.Allocate("call-1")
	require.NoError(t, err)
	require.Equal(t, idle, b.Engine())
}

func TestPoolAllocateNoActive(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	p, err := NewPool([]string{conn.LocalAddr().String()}, testLogger(t))
	require.NoError(t, err)
	defer p.Stop()

	_, err = p.Allocate("call-1")
	require.ErrorIs(t, err, ErrNoEngines)
}

func TestDTMFListenerDispatch(t *testing.T) {
	l, err := NewDTMFListener("127.0.0.1:0", testLogger(t))
	require.NoError(t, err)
	defer l.Close()

	got := make(chan DTMFEvent, 1)
	l.Subscribe("call-1", func(ev DTMFEvent) { got <- ev })

	sender, err := net.Dial("udp", l.conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write([]byte(`{"callid":"call-1","source_tag":"ft-1","type":"DTMF","event":11,"duration":200,"volume":10}`))
	require.NoError(t, err)

	select {
	case ev := <-got:
		require.Equal(t, "#", ev.Digit())
		require.Equal(t, 200, ev.DurationMs)
	case <-time.After(2 * time.Second):
		t.Fatal("no dtmf event received")
	}

	l.Unsubscribe("call-1")
	l.Unsubscribe("call-1") // idempotent
}
