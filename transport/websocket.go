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

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials WebSocket connections that negotiate
// the cbor subprotocol
type WebSocketDialer struct {
	// Header is sent with the opening handshake
	Header http.Header
	// TLSConfig is used for wss URLs
	TLSConfig *tls.Config
	// HandshakeTimeout defaults to 45 seconds
	HandshakeTimeout time.Duration
	// PingInterval enables keepalive pings when non-zero. The
	// connection fails if no pong arrives within two intervals.
	PingInterval time.Duration
	// ReadLimit limits the size of incoming messages when non-zero
	ReadLimit int64
}

// Dial opens a WebSocket connection to url
func (wd WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wd.HandshakeTimeout,
		TLSClientConfig:  wd.TLSConfig,
		Subprotocols:     []string{Subprotocol},
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 45 * time.Second
	}

	ws, res, err := d.DialContext(ctx, url, wd.Header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, res.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, ErrSubprotocol
	}

	return NewWebSocketConn(ws, wd.PingInterval, wd.ReadLimit), nil
}

// WebSocketConn adapts a gorilla WebSocket connection to Conn
type WebSocketConn struct {
	ws *websocket.Conn

	writeMtx sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	pingInterval time.Duration
}

// NewWebSocketConn wraps ws. If pingInterval is non-zero, pings are
// sent at that interval and reads fail if pongs stop arriving.
func NewWebSocketConn(ws *websocket.Conn, pingInterval time.Duration, readLimit int64) *WebSocketConn {
	wc := &WebSocketConn{
		ws:           ws,
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}

	if readLimit > 0 {
		ws.SetReadLimit(readLimit)
	}

	if pingInterval > 0 {
		ws.SetReadDeadline(time.Now().Add(2 * pingInterval))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
		go wc.pingLoop()
	}

	return wc
}

func (wc *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(wc.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(wc.pingInterval)
			if err := wc.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-wc.done:
			return
		}
	}
}

// ReadMessage returns the next binary message. Text messages
// are not part of the protocol and are skipped.
func (wc *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := wc.ws.ReadMessage()
		if err != nil {
			select {
			case <-wc.done:
				return nil, ErrClosed
			default:
				return nil, err
			}
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage sends data as a single binary message
func (wc *WebSocketConn) WriteMessage(data []byte) error {
	wc.writeMtx.Lock()
	defer wc.writeMtx.Unlock()
	return wc.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame and closes the underlying connection
func (wc *WebSocketConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		close(wc.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		wc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = wc.ws.Close()
	})
	return err
}
