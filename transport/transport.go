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

// Package transport provides the message-oriented connections
// that RPC frames travel over.
package transport

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Subprotocol is the WebSocket subprotocol for CBOR-encoded RPC
const Subprotocol = "cbor"

// RPCPath is the path of the RPC endpoint
const RPCPath = "/rpc"

var (
	ErrSubprotocol = errors.New("server did not select the cbor subprotocol")
	ErrClosed      = errors.New("connection closed")
)

// Conn is a connection that carries whole binary messages
type Conn interface {
	// ReadMessage blocks until the next message arrives.
	// It must only be called from one goroutine at a time.
	ReadMessage() ([]byte, error)
	// WriteMessage sends a message. It is safe for concurrent use.
	WriteMessage(data []byte) error
	// Close closes the connection, unblocking any readers
	Close() error
}

// Dialer opens connections to a URL
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (df DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return df(ctx, url)
}

// RPCURL converts an address such as localhost:8000,
// http://db.example.com or wss://db.example.com/rpc into
// the URL of its RPC endpoint
func RPCURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported url scheme: " + u.Scheme)
	}

	if !strings.HasSuffix(u.Path, RPCPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + RPCPath
	}
	return u.String(), nil
}
