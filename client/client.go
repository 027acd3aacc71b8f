/*
 *	cborpc speaks CBOR-encoded RPC to a remote database over WebSocket.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package client implements a client for CBOR-encoded RPC over
// WebSocket, with request correlation, live queries and
// automatic reconnection.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/internal/reflectutil"
)

// Client is a cborpc client. It is safe for concurrent use.
type Client struct {
	cfg Config
	log *slog.Logger
	enc *codec.Encoder
	dec *codec.Decoder

	mtx          sync.Mutex
	state        State
	changed      chan struct{}
	cur          *conn
	closed       bool
	reconnecting bool
	ns, db       string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client without connecting it
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		enc:     &codec.Encoder{Tags: cfg.Tags},
		dec:     &codec.Decoder{Tags: cfg.Tags, Logger: cfg.Logger},
		state:   StateDisconnected,
		changed: make(chan struct{}),
		ns:      cfg.Namespace,
		db:      cfg.Database,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Dial creates a client and connects it
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// State returns the client's current state
func (c *Client) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// setStateLocked changes the state and wakes anything waiting
// for a state change. c.mtx must be held.
func (c *Client) setStateLocked(s State) {
	if c.closed && s != StateClosing {
		return
	}
	if c.state == s {
		return
	}

	c.log.Debug("Client state changed", slog.String("from", c.state.String()), slog.String("to", s.String()))
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) setState(s State) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.setStateLocked(s)
}

// Connect connects to the server, signs in and selects the
// configured namespace and database. It returns once the client
// is ready or the attempt fails. If the client is already
// connecting, Connect waits for that attempt instead.
//
// If the attempt fails and reconnecting is disabled, the client
// goes back to StateDisconnected rather than StateClosing, so
// Connect may be called again. Only Close moves the client to
// StateClosing. With reconnecting enabled, a failed attempt moves
// it to StateReconnecting.
func (c *Client) Connect(ctx context.Context) error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return &ConnectionError{Op: "connect", Err: ErrClosed}
	}
	if c.state != StateDisconnected {
		c.mtx.Unlock()
		return c.WaitReady(ctx)
	}
	c.setStateLocked(StateConnecting)
	c.mtx.Unlock()

	err := c.establish(ctx)
	if err != nil {
		c.mtx.Lock()
		if c.cfg.Reconnect.Enabled {
			c.startReconnectLocked()
		} else {
			c.setStateLocked(StateDisconnected)
		}
		c.mtx.Unlock()
	}
	return err
}

// WaitReady blocks until the client is ready. It fails immediately
// if the client is disconnected or closed.
func (c *Client) WaitReady(ctx context.Context) error {
	_, err := c.awaitReady(ctx)
	return err
}

func (c *Client) awaitReady(ctx context.Context) (*conn, error) {
	for {
		c.mtx.Lock()
		if c.closed {
			c.mtx.Unlock()
			return nil, &ConnectionError{Op: "send", Err: ErrClosed}
		}

		if c.state == StateReady {
			cn := c.cur
			c.mtx.Unlock()
			return cn, nil
		}

		if !c.state.pending() {
			c.mtx.Unlock()
			return nil, &ConnectionError{Op: "send", Err: ErrNotConnected}
		}

		changed := c.changed
		c.mtx.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// establish dials the server and prepares the new connection.
// The state must already be StateConnecting.
func (c *Client) establish(ctx context.Context) error {
	tc, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}

	cn := newConn(c, tc)

	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		cn.shutdown(ErrClosed)
		return &ConnectionError{Op: "dial", Err: ErrClosed}
	}
	c.cur = cn
	c.setStateLocked(StateAuthenticating)
	ns, db := c.ns, c.db
	c.wg.Add(1)
	c.mtx.Unlock()

	go func() {
		defer c.wg.Done()
		cn.readLoop()
	}()

	cn.log.Debug("Connected", slog.String("url", c.cfg.URL))

	if c.cfg.Auth != nil {
		if _, err := c.call(ctx, cn, "signin", []any{c.cfg.Auth.Value()}); err != nil {
			cn.shutdown(err)
			return &ConnectionError{Op: "signin", Err: err}
		}
	}

	// Restore the selected namespace and database
	if ns != "" || db != "" {
		if _, err := c.call(ctx, cn, "use", []any{nilIfEmpty(ns), nilIfEmpty(db)}); err != nil {
			cn.shutdown(err)
			return &ConnectionError{Op: "use", Err: err}
		}
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.cur != cn || c.closed {
		// The connection failed or the client was closed while
		// signing in
		err := cn.closeErr()
		if c.closed {
			err = ErrClosed
		}
		return &ConnectionError{Op: "connect", Err: err}
	}

	cn.established = true
	c.reconnecting = false
	c.setStateLocked(StateReady)
	return nil
}

// onConnClosed is called by a connection once it has shut down
func (c *Client) onConnClosed(cn *conn, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.cur != cn {
		return
	}
	c.cur = nil

	// Failures during establish are handled by its caller
	if c.closed || !cn.established {
		return
	}

	cn.log.Warn("Connection lost", slog.Any("error", err))
	if c.cfg.Reconnect.Enabled {
		c.startReconnectLocked()
	} else {
		c.setStateLocked(StateDisconnected)
	}
}

// startReconnectLocked starts the reconnect loop unless it is
// already running. c.mtx must be held.
func (c *Client) startReconnectLocked() {
	if c.closed {
		return
	}
	c.setStateLocked(StateReconnecting)
	if c.reconnecting {
		return
	}
	c.reconnecting = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

func (c *Client) reconnectLoop() {
	policy := c.cfg.Reconnect
	for attempt := 1; ; attempt++ {
		if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
			c.log.Error("Giving up reconnecting", slog.Int("attempts", policy.MaxAttempts))
			c.mtx.Lock()
			c.reconnecting = false
			c.setStateLocked(StateDisconnected)
			c.mtx.Unlock()
			return
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		c.mtx.Lock()
		if c.closed {
			c.mtx.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mtx.Unlock()

		err := c.establish(c.ctx)
		if err == nil {
			c.log.Info("Reconnected", slog.Int("attempt", attempt))
			return
		}

		c.log.Warn("Reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
		c.setState(StateReconnecting)
	}
}

// Close closes the client. Pending requests fail with a
// ConnectionError wrapping ErrClosed. Calling Close more
// than once has no effect.
func (c *Client) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.setStateLocked(StateClosing)
	c.closed = true
	cn := c.cur
	c.mtx.Unlock()

	c.cancel()
	if cn != nil {
		cn.shutdown(ErrClosed)
	}

	c.wg.Wait()
	return nil
}

// current returns the current connection if the client is ready
func (c *Client) current() *conn {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state != StateReady {
		return nil
	}
	return c.cur
}

// Send sends a request and waits for its result. If the client is
// still connecting, Send waits for it to become ready first.
func (c *Client) Send(ctx context.Context, method string, params ...any) (any, error) {
	cn, err := c.awaitReady(ctx)
	if err != nil {
		return nil, err
	}

	return c.call(ctx, cn, method, params)
}

// call sends a request on cn, bounded by the configured
// request timeout if there is one
func (c *Client) call(ctx context.Context, cn *conn, method string, params []any) (any, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	return cn.call(ctx, method, params)
}

// SendInto sends a request and stores its result in the value
// pointed to by out
func (c *Client) SendInto(ctx context.Context, out any, method string, params ...any) error {
	res, err := c.Send(ctx, method, params...)
	if err != nil {
		return err
	}
	return reflectutil.Convert(res, out)
}

// Into converts the result of a request into T. It is meant to
// wrap calls directly, such as Into[[]Person](c.Select(ctx, "person")).
func Into[T any](v any, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	err = reflectutil.Convert(v, &out)
	return out, err
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
