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

// Package server implements a server for CBOR-encoded RPC over
// WebSocket. It speaks the same protocol as the client package and
// is mostly useful for tests and local tooling.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/internal/types"
	"go.arsenm.dev/cborpc/models"
	"go.arsenm.dev/cborpc/transport"
	"golang.org/x/net/websocket"
)

// Error codes sent to clients
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

var (
	ErrNoSuchMethod  = errors.New("no such method was found")
	ErrInvalidParams = errors.New("invalid params")
	ErrNoSuchLive    = errors.New("no such live query")
)

// HandlerFunc handles a single request. Its return value is
// sent back as the result of the request.
type HandlerFunc func(ctx *Context) (any, error)

// Option configures a server
type Option func(*Server)

// WithLogger sets the server's logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithTags sets the tag codec used for every connection.
// The default is models.Tags.
func WithTags(tags codec.TagCodec) Option {
	return func(s *Server) {
		s.tags = tags
	}
}

// Server is a cborpc server
type Server struct {
	log  *slog.Logger
	tags codec.TagCodec
	enc  *codec.Encoder
	dec  *codec.Decoder

	methodsMtx sync.RWMutex
	methods    map[string]HandlerFunc

	liveMtx sync.Mutex
	live    map[string]*Live
}

// New creates and returns a new server
func New(opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		tags:    models.Tags,
		methods: map[string]HandlerFunc{},
		live:    map[string]*Live{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.enc = &codec.Encoder{Tags: s.tags}
	s.dec = &codec.Decoder{Tags: s.tags, Logger: s.log}

	// Methods available on every server
	s.Register("kill", s.kill)

	return s
}

// Register registers a handler for method, replacing any
// handler already registered for it
func (s *Server) Register(method string, h HandlerFunc) {
	s.methodsMtx.Lock()
	defer s.methodsMtx.Unlock()
	s.methods[method] = h
}

// Close ends every live query on the server
func (s *Server) Close() {
	s.liveMtx.Lock()
	live := s.live
	s.live = map[string]*Live{}
	s.liveMtx.Unlock()

	for _, l := range live {
		l.cancel()
	}
}

// Notify sends an update to the live query with the given id
func (s *Server) Notify(id, action string, result any) error {
	s.liveMtx.Lock()
	l, ok := s.live[id]
	s.liveMtx.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchLive, id)
	}
	return l.Notify(action, result)
}

// LiveIDs returns the ids of every active live query
func (s *Server) LiveIDs() []string {
	s.liveMtx.Lock()
	defer s.liveMtx.Unlock()

	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}

func (s *Server) addLive(l *Live) {
	s.liveMtx.Lock()
	s.live[l.idStr] = l
	s.liveMtx.Unlock()
}

func (s *Server) removeLive(id string) (*Live, bool) {
	s.liveMtx.Lock()
	defer s.liveMtx.Unlock()
	l, ok := s.live[id]
	delete(s.live, id)
	return l, ok
}

// Handler returns an HTTP handler that upgrades requests to
// WebSocket connections using the cbor subprotocol and serves them
func (s *Server) Handler() http.Handler {
	return websocket.Server{
		Config: websocket.Config{
			Version: websocket.ProtocolVersionHybi13,
		},
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			for _, p := range cfg.Protocol {
				if p == transport.Subprotocol {
					cfg.Protocol = []string{p}
					return nil
				}
			}
			return transport.ErrSubprotocol
		},
		Handler: func(ws *websocket.Conn) {
			ws.PayloadType = websocket.BinaryFrame
			s.ServeConn(ws.Request().Context(), &wsConn{ws: ws})
		},
	}
}

// ListenAndServe serves WebSocket connections on addr at the RPC
// path until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(transport.RPCPath, s.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeConn serves a single connection until it fails or ctx is
// canceled. It may be used with transports other than WebSocket.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{
		srv:  s,
		conn: conn,
		ctx:  ctx,
		live: map[string]*Live{},
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		sess.endLive()
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		v, err := s.dec.Decode(data)
		if err != nil {
			s.log.Warn("Dropping undecodable request", slog.Any("error", err))
			continue
		}

		req, err := types.ParseRequest(v)
		if err != nil {
			s.log.Warn("Dropping invalid request", slog.Any("error", err))
			continue
		}

		// Requests are handled concurrently, so responses may
		// be sent in any order
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.handle(req)
		}()
	}
}

// session is the server side of a single connection
type session struct {
	srv  *Server
	conn transport.Conn
	ctx  context.Context

	writeMtx sync.Mutex

	liveMtx sync.Mutex
	live    map[string]*Live
}

func (sess *session) handle(req *types.Request) {
	log := sess.srv.log.With(slog.Uint64("id", req.ID), slog.String("method", req.Method))
	log.Debug("Handling request")

	sess.srv.methodsMtx.RLock()
	h, ok := sess.srv.methods[req.Method]
	sess.srv.methodsMtx.RUnlock()
	if !ok {
		sess.sendErr(req.ID, fmt.Errorf("%w: %s", ErrNoSuchMethod, req.Method))
		return
	}

	ctx := newContext(sess, req)
	defer ctx.cancel()

	val, err := sess.call(h, ctx, log)
	if err != nil {
		if ctx.live != nil {
			ctx.live.end()
		}
		sess.sendErr(req.ID, err)
		return
	}

	// Live query handlers return the id of the query
	if ctx.live != nil {
		val = ctx.live.ID
	}

	sess.send(types.Response{ID: req.ID, Result: val}.Value())
}

// call runs h, turning a panic into an error
func (sess *session) call(h HandlerFunc, ctx *Context, log *slog.Logger) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panicked", slog.Any("panic", r))
			val, err = nil, errors.New("internal error")
		}
	}()
	return h(ctx)
}

func (sess *session) send(m *codec.Map) error {
	data, err := sess.srv.enc.Encode(m)
	if err != nil {
		sess.srv.log.Error("Error encoding frame", slog.Any("error", err))
		return err
	}

	sess.writeMtx.Lock()
	defer sess.writeMtx.Unlock()
	return sess.conn.WriteMessage(data)
}

// sendErr sends an error response
func (sess *session) sendErr(id uint64, err error) {
	sess.send(types.Response{ID: id, Error: errorValue(err)}.Value())
}

// endLive ends every live query started on the session
func (sess *session) endLive() {
	sess.liveMtx.Lock()
	live := sess.live
	sess.live = map[string]*Live{}
	sess.liveMtx.Unlock()

	for _, l := range live {
		l.end()
	}
}

// errorValue converts a handler error to the error sent to the client
func errorValue(err error) *types.RPCError {
	var rpcErr *types.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrNoSuchMethod):
		return &types.RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		return &types.RPCError{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &types.RPCError{Code: types.CodeServerError, Message: err.Error()}
	}
}

// kill ends a live query, sending it a final KILLED update
func (s *Server) kill(ctx *Context) (any, error) {
	id, err := types.SubscriptionID(ctx.Param(0))
	if err != nil {
		return nil, fmt.Errorf("%w: expected live query id", ErrInvalidParams)
	}

	l, ok := s.removeLive(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchLive, id)
	}

	l.Notify(ActionKilled, nil)
	l.end()
	return nil, nil
}

// wsConn adapts an x/net WebSocket connection to transport.Conn
type wsConn struct {
	ws *websocket.Conn
}

func (wc *wsConn) ReadMessage() ([]byte, error) {
	var data []byte
	err := websocket.Message.Receive(wc.ws, &data)
	return data, err
}

func (wc *wsConn) WriteMessage(data []byte) error {
	return websocket.Message.Send(wc.ws, data)
}

func (wc *wsConn) Close() error {
	return wc.ws.Close()
}
