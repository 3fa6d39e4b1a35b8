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
	"crypto/rand"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 5 * time.Second
	maxDatagram    = 65507
)

var (
	// ErrTimeout is returned when an ng command receives no reply in time.
	ErrTimeout = errors.New("rtpengine: command timed out")
	// ErrClosed is returned for commands issued after Close.
	ErrClosed = errors.New("rtpengine: client closed")
)

// CommandError is returned when rtpengine replies with anything other
// than result "ok". Reply holds the verbatim decoded response.
type CommandError struct {
	Command string
	Reply   map[string]any
}

func (e *CommandError) Error() string {
	return "rtpengine: " + e.Command + " failed"
}

// Client speaks the ng control protocol to a single rtpengine instance
// over UDP. Requests carry a random cookie; the read loop matches replies
// back to waiters by cookie.
type Client struct {
	log     *zap.SugaredLogger
	addr    string
	conn    *net.UDPConn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan map[string]any

	active      atomic.Bool
	activeCalls atomic.Int64

	closed core.Fuse
}

func NewClient(addr string, log *zap.SugaredLogger) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rtpengine: resolving %q", addr)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "rtpengine: dialing %q", addr)
	}
	c := &Client{
		log:     log.With("rtpengine", addr),
		addr:    addr,
		conn:    conn,
		timeout: defaultTimeout,
		pending: make(map[string]chan map[string]any),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Addr() string { return c.addr }

// Active reports whether the last health poll succeeded.
func (c *Client) Active() bool { return c.active.Load() }

// ActiveCalls returns the call count observed by the last health poll.
func (c *Client) ActiveCalls() int64 { return c.activeCalls.Load() }

func (c *Client) Close() {
	c.closed.Once(func() {
		_ = c.conn.Close()
		c.mu.Lock()
		for cookie, ch := range c.pending {
			close(ch)
			delete(c.pending, cookie)
		}
		c.mu.Unlock()
	})
}

func (c *Client) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if !c.closed.IsBroken() {
				c.log.Warnw("ng read failed", "error", err)
			}
			return
		}
		cookie, body, ok := splitCookie(buf[:n])
		if !ok {
			c.log.Warnw("malformed ng reply", "bytes", n)
			continue
		}
		v, err := bdecode(body)
		if err != nil {
			c.log.Warnw("undecodable ng reply", "error", err)
			continue
		}
		dict, ok := v.(map[string]any)
		if !ok {
			c.log.Warnw("ng reply is not a dictionary")
			continue
		}
		c.mu.Lock()
		ch := c.pending[cookie]
		delete(c.pending, cookie)
		c.mu.Unlock()
		if ch != nil {
			ch <- dict
		}
	}
}

func splitCookie(msg []byte) (cookie string, body []byte, ok bool) {
	for i, b := range msg {
		if b == ' ' {
			return string(msg[:i]), msg[i+1:], true
		}
	}
	return "", nil, false
}

// Command sends a single ng command and waits for the matching reply.
// Any reply whose result is not "ok" is returned as a *CommandError
// carrying the verbatim response.
func (c *Client) Command(ctx context.Context, cmd string, params map[string]any) (map[string]any, error) {
	if c.closed.IsBroken() {
		return nil, ErrClosed
	}
	req := make(map[string]any, len(params)+1)
	for k, v := range params {
		req[k] = v
	}
	req["command"] = cmd

	payload, err := bencode(req)
	if err != nil {
		return nil, err
	}
	cookie := newCookie()
	msg := make([]byte, 0, len(cookie)+1+len(payload))
	msg = append(msg, cookie...)
	msg = append(msg, ' ')
	msg = append(msg, payload...)

	ch := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[cookie] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	if _, err := c.conn.Write(msg); err != nil {
		return nil, errors.Wrapf(err, "rtpengine: sending %s", cmd)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.Wrap(ErrTimeout, cmd)
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if result, _ := res["result"].(string); result != "ok" && result != "pong" {
			return res, &CommandError{Command: cmd, Reply: res}
		}
		return res, nil
	}
}

func newCookie() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
