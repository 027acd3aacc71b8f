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

package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"go.arsenm.dev/cborpc/internal/reflectutil"
	"go.arsenm.dev/cborpc/internal/types"
)

// Live query actions
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionKilled = "KILLED"
)

// Context is the context of a single request. It is canceled
// once the handler returns.
type Context struct {
	context.Context
	cancel context.CancelFunc

	ID     uint64
	Method string
	Params []any

	sess *session
	live *Live
}

func newContext(sess *session, req *types.Request) *Context {
	ctx, cancel := context.WithCancel(sess.ctx)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		ID:      req.ID,
		Method:  req.Method,
		Params:  req.Params,
		sess:    sess,
	}
}

// Param returns the parameter at index i, or nil if
// there is no such parameter
func (ctx *Context) Param(i int) any {
	if i < 0 || i >= len(ctx.Params) {
		return nil
	}
	return ctx.Params[i]
}

// ParamInto stores the parameter at index i in the value
// pointed to by out
func (ctx *Context) ParamInto(i int, out any) error {
	if i >= len(ctx.Params) {
		return fmt.Errorf("%w: missing parameter %d", ErrInvalidParams, i)
	}
	if err := reflectutil.Convert(ctx.Params[i], out); err != nil {
		return fmt.Errorf("%w: parameter %d: %v", ErrInvalidParams, i, err)
	}
	return nil
}

// MakeLive turns the request into a live query. The id of the
// new query is sent as the result of the request, overwriting
// any value returned by the handler.
func (ctx *Context) MakeLive() (*Live, error) {
	if ctx.live != nil {
		return ctx.live, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx.sess.ctx)
	l := &Live{
		ID:     id,
		idStr:  id.String(),
		sess:   ctx.sess,
		ctx:    lctx,
		cancel: cancel,
	}

	ctx.sess.liveMtx.Lock()
	ctx.sess.live[l.idStr] = l
	ctx.sess.liveMtx.Unlock()
	ctx.sess.srv.addLive(l)

	ctx.live = l
	return l, nil
}

// Live is a live query started by a request
type Live struct {
	ID uuid.UUID

	idStr string
	sess  *session

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
}

// Notify sends an update to the client that started the query
func (l *Live) Notify(action string, result any) error {
	if err := l.ctx.Err(); err != nil {
		return err
	}
	return l.sess.send(types.Notification{
		ID:     l.idStr,
		Action: action,
		Result: result,
	}.Value())
}

// Done returns a channel that is closed once the query is
// killed or its connection is closed
func (l *Live) Done() <-chan struct{} {
	return l.ctx.Done()
}

// end cancels the query and removes it from the server
func (l *Live) end() {
	l.endOnce.Do(func() {
		l.cancel()
		l.sess.srv.removeLive(l.idStr)

		l.sess.liveMtx.Lock()
		delete(l.sess.live, l.idStr)
		l.sess.liveMtx.Unlock()
	})
}
