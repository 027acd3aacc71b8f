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

import "sync"

// pipeState is shared by both ends of a pipe
type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

type pipeConn struct {
	state *pipeState
	in    <-chan []byte
	out   chan<- []byte
}

// Pipe creates a pair of connected in-memory connections.
// Closing either end closes both.
func Pipe() (Conn, Conn) {
	state := &pipeState{closed: make(chan struct{})}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeConn{state, ba, ab}, &pipeConn{state, ab, ba}
}

func (pc *pipeConn) ReadMessage() ([]byte, error) {
	// Prefer closure so reads stop promptly after Close
	select {
	case <-pc.state.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case msg := <-pc.in:
		return msg, nil
	case <-pc.state.closed:
		return nil, ErrClosed
	}
}

func (pc *pipeConn) WriteMessage(data []byte) error {
	// Copy the message so the caller may reuse its buffer
	msg := append([]byte(nil), data...)
	select {
	case <-pc.state.closed:
		return ErrClosed
	default:
	}

	select {
	case pc.out <- msg:
		return nil
	case <-pc.state.closed:
		return ErrClosed
	}
}

func (pc *pipeConn) Close() error {
	pc.state.once.Do(func() {
		close(pc.state.closed)
	})
	return nil
}
