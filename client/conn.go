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

package client

import (
	"context"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/internal/types"
	"go.arsenm.dev/cborpc/transport"
)

var (
	entropyMtx sync.Mutex
	entropy    = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newSessionID generates a ULID identifying a connection in logs
func newSessionID() string {
	entropyMtx.Lock()
	defer entropyMtx.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// result is the outcome of a request
type result struct {
	val any
	err error
}

// conn is a single connection to the server. Request ids and live
// query registrations belong to the connection, so both start over
// when the client reconnects.
type conn struct {
	c   *Client
	tc  transport.Conn
	log *slog.Logger

	// established is guarded by c.mtx
	established bool

	mtx     sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	live    map[string]*liveSub
	closed  bool
	err     error
}

func newConn(c *Client, tc transport.Conn) *conn {
	return &conn{
		c:       c,
		tc:      tc,
		log:     c.log.With(slog.String("session", newSessionID())),
		pending: map[uint64]chan result{},
		live:    map[string]*liveSub{},
	}
}

// call sends a request on this connection and waits for its result
func (cn *conn) call(ctx context.Context, method string, params []any) (any, error) {
	cn.mtx.Lock()
	if cn.closed {
		err := cn.err
		cn.mtx.Unlock()
		return nil, &ConnectionError{Op: method, Err: err}
	}

	// Allocate the next id and register a waiter for it
	cn.nextID++
	id := cn.nextID
	ch := make(chan result, 1)
	cn.pending[id] = ch
	cn.mtx.Unlock()

	data, err := cn.c.enc.Encode(types.Request{
		ID:     id,
		Method: method,
		Params: params,
	}.Value())
	if err != nil {
		cn.removePending(id)
		return nil, err
	}

	cn.log.Debug("Sending request", slog.Uint64("id", id), slog.String("method", method))

	if err := cn.tc.WriteMessage(data); err != nil {
		// Shutting down fails every pending request,
		// including this one
		cn.shutdown(err)
	}

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		cn.removePending(id)
		return nil, ctx.Err()
	}
}

func (cn *conn) removePending(id uint64) {
	cn.mtx.Lock()
	delete(cn.pending, id)
	cn.mtx.Unlock()
}

// closeErr returns the error the connection was shut down with
func (cn *conn) closeErr() error {
	cn.mtx.Lock()
	defer cn.mtx.Unlock()
	if cn.err == nil {
		return ErrNotConnected
	}
	return cn.err
}

// readLoop decodes and dispatches frames in arrival order until
// the transport fails
func (cn *conn) readLoop() {
	for {
		data, err := cn.tc.ReadMessage()
		if err != nil {
			cn.shutdown(err)
			return
		}
		cn.dispatch(data)
	}
}

func (cn *conn) dispatch(data []byte) {
	v, err := cn.c.dec.Decode(data)
	if err != nil {
		cn.log.Warn("Dropping undecodable frame", slog.Any("error", err))
		return
	}

	if cn.log.Enabled(context.Background(), slog.LevelDebug) {
		if diag, err := codec.Diagnose(data); err == nil {
			cn.log.Debug("Received frame", slog.String("frame", diag))
		}
	}

	res, n, err := types.ParseFrame(v)
	if err != nil {
		cn.log.Warn("Dropping invalid frame", slog.Any("error", err))
		return
	}

	if res != nil {
		cn.resolve(res)
	} else {
		cn.route(n)
	}
}

// resolve hands a response to the request waiting for it
func (cn *conn) resolve(res *types.Response) {
	cn.mtx.Lock()
	ch, ok := cn.pending[res.ID]
	delete(cn.pending, res.ID)
	cn.mtx.Unlock()

	if !ok {
		cn.log.Warn("Dropping response with unmatched id", slog.Uint64("id", res.ID))
		return
	}

	if res.Error != nil {
		ch <- result{err: res.Error}
	} else {
		ch <- result{val: res.Result}
	}
}

// shutdown closes the connection, failing every pending request
// and stopping every live query handler. Only the first call
// has any effect.
func (cn *conn) shutdown(err error) {
	cn.mtx.Lock()
	if cn.closed {
		cn.mtx.Unlock()
		return
	}
	cn.closed = true
	cn.err = err
	pending := cn.pending
	live := cn.live
	cn.pending = map[uint64]chan result{}
	cn.live = map[string]*liveSub{}
	cn.mtx.Unlock()

	connErr := &ConnectionError{Op: "connection", Err: err}
	for _, ch := range pending {
		ch <- result{err: connErr}
	}
	for _, sub := range live {
		sub.stop()
	}

	cn.tc.Close()
	cn.c.onConnClosed(cn, err)
}
