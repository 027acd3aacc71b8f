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
	"errors"

	"go.arsenm.dev/cborpc/internal/types"
)

// Client error values
var (
	ErrClosed       = errors.New("client closed")
	ErrNotConnected = errors.New("client not connected")
)

// RPCError is an error returned by the server for a request it
// received but rejected
type RPCError = types.RPCError

// ConnectionError is returned when a request could not be completed
// because the connection failed or was never established
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "cborpc: " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// QueryError is the error of a single failed statement
// in a query
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return "query failed: " + e.Message
}
