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

package codec

import (
	"errors"
	"fmt"
)

// Codec error values. Errors returned by Encode and Decode wrap
// one of these, so they can be checked with errors.Is.
var (
	ErrTruncated          = errors.New("cbor: unexpected end of input")
	ErrMalformedHeader    = errors.New("cbor: malformed header")
	ErrInvalidUTF8        = errors.New("cbor: invalid UTF-8 in text string")
	ErrUnsupportedType    = errors.New("cbor: unsupported type")
	ErrOddLengthMap       = errors.New("cbor: map key without a value")
	ErrTagPayloadMismatch = errors.New("cbor: tag payload mismatch")
	ErrTrailingData       = errors.New("cbor: trailing data after item")
	ErrMaxDepth           = errors.New("cbor: maximum nesting depth exceeded")
)

// offsetError wraps err with the byte offset it occurred at
func offsetError(err error, offset int, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", err, offset, fmt.Sprintf(format, args...))
}
