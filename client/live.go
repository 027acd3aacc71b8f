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
	"sync"

	"github.com/gofrs/uuid"
	"go.arsenm.dev/cborpc/internal/types"
)

// Action is the kind of change a live query update describes
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionKilled Action = "KILLED"
)

// LiveUpdate is a change pushed by the server for a live query
type LiveUpdate struct {
	ID     string
	Action Action
	Result any
}

// LiveHandler handles live query updates. Updates for one live
// query are delivered in order, one at a time. The context is
// canceled once the handler is detached.
type LiveHandler func(ctx context.Context, update LiveUpdate) error

// Live starts a live query on table and returns its id. Updates
// are dropped until a handler is attached with Attach.
func (c *Client) Live(ctx context.Context, table any, diff bool) (string, error) {
	res, err := c.Send(ctx, "live", table, diff)
	if err != nil {
		return "", err
	}
	return types.SubscriptionID(res)
}

// Subscribe starts a live query on table and attaches handler to it
func (c *Client) Subscribe(ctx context.Context, table any, diff bool, handler LiveHandler) (string, error) {
	cn, err := c.awaitReady(ctx)
	if err != nil {
		return "", err
	}

	res, err := c.call(ctx, cn, "live", []any{table, diff})
	if err != nil {
		return "", err
	}

	id, err := types.SubscriptionID(res)
	if err != nil {
		return "", err
	}

	// Attach to the connection that started the query, since
	// a new connection would not receive its updates
	if err := cn.attach(id, handler); err != nil {
		return "", err
	}
	return id, nil
}

// Attach registers handler for the live query with the given id.
// Any handler already registered for it is replaced.
func (c *Client) Attach(id string, handler LiveHandler) error {
	cn := c.current()
	if cn == nil {
		return &ConnectionError{Op: "attach", Err: ErrNotConnected}
	}
	return cn.attach(id, handler)
}

// Detach removes the handler for the live query with the given id.
// The server keeps sending updates until the query is killed.
func (c *Client) Detach(id string) bool {
	c.mtx.Lock()
	cn := c.cur
	c.mtx.Unlock()

	if cn == nil {
		return false
	}
	return cn.detach(id)
}

// Kill stops the live query with the given id. Its handler is
// detached even if the request fails.
func (c *Client) Kill(ctx context.Context, id string) error {
	defer c.Detach(id)

	var param any = id
	if u, err := uuid.FromString(id); err == nil {
		param = u
	}

	_, err := c.Send(ctx, "kill", param)
	return err
}

func (cn *conn) attach(id string, handler LiveHandler) error {
	cn.mtx.Lock()
	defer cn.mtx.Unlock()

	if cn.closed {
		return &ConnectionError{Op: "attach", Err: cn.err}
	}

	if old, ok := cn.live[id]; ok {
		old.stop()
	}
	cn.live[id] = newLiveSub(id, handler, cn.log)
	return nil
}

func (cn *conn) detach(id string) bool {
	cn.mtx.Lock()
	sub, ok := cn.live[id]
	delete(cn.live, id)
	cn.mtx.Unlock()

	if ok {
		sub.stop()
	}
	return ok
}

// route hands a notification to the handler of its live query
func (cn *conn) route(n *types.Notification) {
	update := LiveUpdate{
		ID:     n.ID,
		Action: Action(n.Action),
		Result: n.Result,
	}

	cn.mtx.Lock()
	sub, ok := cn.live[n.ID]
	if ok && update.Action == ActionKilled {
		// The query is gone, so this is the last update
		delete(cn.live, n.ID)
	}
	cn.mtx.Unlock()

	if !ok {
		cn.log.Warn("Dropping update for unknown live query", slog.String("id", n.ID))
		return
	}

	sub.push(update)
	if update.Action == ActionKilled {
		sub.finish()
	}
}

// liveSub delivers updates for one live query on its own goroutine
// so that handlers never block the read loop
type liveSub struct {
	id      string
	handler LiveHandler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mtx      sync.Mutex
	queue    []LiveUpdate
	draining bool
	wake     chan struct{}
	done     chan struct{}
}

func newLiveSub(id string, handler LiveHandler, log *slog.Logger) *liveSub {
	ctx, cancel := context.WithCancel(context.Background())
	s := &liveSub{
		id:      id,
		handler: handler,
		log:     log.With(slog.String("live", id)),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *liveSub) push(update LiveUpdate) {
	s.mtx.Lock()
	s.queue = append(s.queue, update)
	s.mtx.Unlock()
	s.notify()
}

func (s *liveSub) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish stops the worker once every queued update is delivered
func (s *liveSub) finish() {
	s.mtx.Lock()
	s.draining = true
	s.mtx.Unlock()
	s.notify()
}

// stop cancels the handler's context and drops queued updates
func (s *liveSub) stop() {
	s.cancel()
}

func (s *liveSub) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}

		for {
			s.mtx.Lock()
			if len(s.queue) == 0 {
				draining := s.draining
				s.mtx.Unlock()
				if draining {
					return
				}
				break
			}
			update := s.queue[0]
			s.queue = s.queue[1:]
			s.mtx.Unlock()

			if s.ctx.Err() != nil {
				return
			}
			s.deliver(update)
		}
	}
}

func (s *liveSub) deliver(update LiveUpdate) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Live query handler panicked", slog.Any("panic", r))
		}
	}()

	if err := s.handler(s.ctx, update); err != nil {
		s.log.Warn("Live query handler failed", slog.String("action", string(update.Action)), slog.Any("error", err))
	}
}
