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
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/x448/float16"
)

// DefaultMaxDepth is the nesting limit used when Decoder.MaxDepth is zero
const DefaultMaxDepth = 1024

// Decoder decodes CBOR data items. The zero value is ready to use.
type Decoder struct {
	// Tags is offered every tag other than 0-3
	Tags TagCodec

	// Logger receives warnings about recoverable oddities
	// in the input, such as duplicate map keys
	Logger *slog.Logger

	// MaxDepth limits how deeply arrays, maps and tags may nest
	MaxDepth int

	// OnDuplicateKey, if set, is called with every map key that
	// appears more than once in the same map. The last value wins.
	OnDuplicateKey func(key any)
}

// Decode decodes exactly one data item from data
func (d *Decoder) Decode(data []byte) (any, error) {
	v, rest, err := d.DecodeFirst(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, offsetError(ErrTrailingData, len(data)-len(rest), "%d bytes remain", len(rest))
	}
	return v, nil
}

// DecodeFirst decodes the first data item in data and returns
// the bytes remaining after it
func (d *Decoder) DecodeFirst(data []byte) (any, []byte, error) {
	s := &decodeState{d: d, data: data}
	v, err := s.decode(0)
	if err != nil {
		return nil, nil, err
	}
	return v, data[s.off:], nil
}

func (d *Decoder) maxDepth() int {
	if d.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return d.MaxDepth
}

func (d *Decoder) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

type decodeState struct {
	d    *Decoder
	data []byte
	off  int
}

// head is a decoded initial byte and its argument
type head struct {
	major byte
	ai    byte
	arg   uint64
	// indefinite is set when ai is 31
	indefinite bool
}

func (s *decodeState) remaining() int {
	return len(s.data) - s.off
}

func (s *decodeState) readHead() (head, error) {
	start := s.off
	if s.remaining() < 1 {
		return head{}, offsetError(ErrTruncated, start, "expected initial byte")
	}

	ib := s.data[s.off]
	s.off++
	h := head{major: ib & 0xe0, ai: ib & 0x1f}

	switch {
	case h.ai < 24:
		h.arg = uint64(h.ai)
	case h.ai <= 27:
		n := 1 << (h.ai - 24)
		if s.remaining() < n {
			return head{}, offsetError(ErrTruncated, start, "expected %d argument bytes", n)
		}
		b := s.data[s.off : s.off+n]
		switch n {
		case 1:
			h.arg = uint64(b[0])
		case 2:
			h.arg = uint64(binary.BigEndian.Uint16(b))
		case 4:
			h.arg = uint64(binary.BigEndian.Uint32(b))
		case 8:
			h.arg = binary.BigEndian.Uint64(b)
		}
		s.off += n
	case h.ai <= 30:
		return head{}, offsetError(ErrMalformedHeader, start, "reserved additional info %d", h.ai)
	default:
		h.indefinite = true
	}

	return h, nil
}

// peekBreak consumes a break byte if one is next
func (s *decodeState) peekBreak() (bool, error) {
	if s.remaining() < 1 {
		return false, offsetError(ErrTruncated, s.off, "expected item or break")
	}
	if s.data[s.off] == byteBreak {
		s.off++
		return true, nil
	}
	return false, nil
}

func (s *decodeState) decode(depth int) (any, error) {
	if depth > s.d.maxDepth() {
		return nil, offsetError(ErrMaxDepth, s.off, "depth %d", depth)
	}

	start := s.off
	h, err := s.readHead()
	if err != nil {
		return nil, err
	}

	switch h.major {
	case majorUnsigned:
		if h.indefinite {
			return nil, offsetError(ErrMalformedHeader, start, "indefinite length integer")
		}
		if h.arg > math.MaxInt64 {
			return new(big.Int).SetUint64(h.arg), nil
		}
		return int64(h.arg), nil
	case majorNegative:
		if h.indefinite {
			return nil, offsetError(ErrMalformedHeader, start, "indefinite length integer")
		}
		if h.arg > math.MaxInt64 {
			// -1 - arg does not fit in an int64
			n := new(big.Int).SetUint64(h.arg)
			return n.Neg(n).Sub(n, big.NewInt(1)), nil
		}
		return -1 - int64(h.arg), nil
	case majorBytes:
		return s.decodeString(h, start)
	case majorText:
		b, err := s.decodeString(h, start)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, offsetError(ErrInvalidUTF8, start, "text string")
		}
		return string(b), nil
	case majorArray:
		return s.decodeArray(h, depth)
	case majorMap:
		return s.decodeMap(h, start, depth)
	case majorTag:
		if h.indefinite {
			return nil, offsetError(ErrMalformedHeader, start, "indefinite length tag")
		}
		return s.decodeTag(h.arg, start, depth)
	default:
		return s.decodeSimple(h, start)
	}
}

// decodeString reads a byte or text string. The result is always
// a copy so that callers may reuse the input buffer.
func (s *decodeState) decodeString(h head, start int) ([]byte, error) {
	if !h.indefinite {
		if h.arg > uint64(s.remaining()) {
			return nil, offsetError(ErrTruncated, start, "string of length %d", h.arg)
		}
		n := int(h.arg)
		out := make([]byte, n)
		copy(out, s.data[s.off:s.off+n])
		s.off += n
		return out, nil
	}

	out := []byte{}
	for {
		brk, err := s.peekBreak()
		if err != nil {
			return nil, err
		}
		if brk {
			return out, nil
		}

		chunkStart := s.off
		ch, err := s.readHead()
		if err != nil {
			return nil, err
		}
		// Chunks must be definite strings of the same major type
		if ch.major != h.major || ch.indefinite {
			return nil, offsetError(ErrMalformedHeader, chunkStart, "invalid chunk in indefinite string")
		}
		if ch.arg > uint64(s.remaining()) {
			return nil, offsetError(ErrTruncated, chunkStart, "chunk of length %d", ch.arg)
		}
		n := int(ch.arg)
		out = append(out, s.data[s.off:s.off+n]...)
		s.off += n
	}
}

func (s *decodeState) decodeArray(h head, depth int) (any, error) {
	if h.indefinite {
		out := []any{}
		for {
			brk, err := s.peekBreak()
			if err != nil {
				return nil, err
			}
			if brk {
				return out, nil
			}
			v, err := s.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}

	// Every element takes at least one byte
	if h.arg > uint64(s.remaining()) {
		return nil, offsetError(ErrTruncated, s.off, "array of length %d", h.arg)
	}

	out := make([]any, 0, int(h.arg))
	for i := uint64(0); i < h.arg; i++ {
		v, err := s.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *decodeState) decodeMap(h head, start, depth int) (any, error) {
	if h.indefinite {
		m := NewMap(0)
		for {
			brk, err := s.peekBreak()
			if err != nil {
				return nil, err
			}
			if brk {
				return m, nil
			}
			k, err := s.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			brk, err = s.peekBreak()
			if err != nil {
				return nil, err
			}
			if brk {
				return nil, offsetError(ErrOddLengthMap, start, "indefinite map")
			}
			v, err := s.decode(depth + 1)
			if err != nil {
				return nil, err
			}
			s.setEntry(m, k, v)
		}
	}

	// Every entry takes at least two bytes
	if h.arg > uint64(s.remaining()/2) {
		return nil, offsetError(ErrTruncated, s.off, "map of length %d", h.arg)
	}

	m := NewMap(int(h.arg))
	for i := uint64(0); i < h.arg; i++ {
		k, err := s.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		v, err := s.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		s.setEntry(m, k, v)
	}
	return m, nil
}

func (s *decodeState) setEntry(m *Map, k, v any) {
	if m.Set(k, v) {
		s.d.logger().Warn("Duplicate key in CBOR map", slog.Any("key", k))
		if s.d.OnDuplicateKey != nil {
			s.d.OnDuplicateKey(k)
		}
	}
}

func (s *decodeState) decodeTag(number uint64, start, depth int) (any, error) {
	content, err := s.decode(depth + 1)
	if err != nil {
		return nil, err
	}

	switch number {
	case tagDateTimeString:
		str, ok := content.(string)
		if !ok {
			return nil, offsetError(ErrTagPayloadMismatch, start, "tag 0 requires text, got %T", content)
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return nil, offsetError(ErrTagPayloadMismatch, start, "tag 0: %v", err)
		}
		return t.UTC(), nil
	case tagEpochDateTime:
		switch c := content.(type) {
		case int64:
			return time.Unix(c, 0).UTC(), nil
		case float32:
			return epochFloatTime(float64(c), start)
		case float64:
			return epochFloatTime(c, start)
		}
		return nil, offsetError(ErrTagPayloadMismatch, start, "tag 1 requires a number, got %T", content)
	case tagPositiveBignum, tagNegativeBignum:
		b, ok := content.([]byte)
		if !ok {
			return nil, offsetError(ErrTagPayloadMismatch, start, "tag %d requires bytes, got %T", number, content)
		}
		n := new(big.Int).SetBytes(b)
		if number == tagNegativeBignum {
			n.Neg(n).Sub(n, big.NewInt(1))
		}
		return n, nil
	}

	if s.d.Tags != nil {
		v, ok, err := s.d.Tags.DecodeTag(number, content)
		if err != nil {
			return nil, fmt.Errorf("tag %d at offset %d: %w", number, start, err)
		}
		if ok {
			return v, nil
		}
	}

	// Unknown tags are transparent
	return content, nil
}

// epochFloatTime converts floating point epoch seconds, which must
// be finite and within the range of an int64.
func epochFloatTime(f float64, start int) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) >= 1<<63 {
		return time.Time{}, offsetError(ErrTagPayloadMismatch, start, "tag 1 requires a finite number of seconds in int64 range, got %v", f)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func (s *decodeState) decodeSimple(h head, start int) (any, error) {
	switch h.ai {
	case 20:
		return false, nil
	case 21:
		return true, nil
	case 22:
		return nil, nil
	case 23:
		return Undefined{}, nil
	case 24:
		if h.arg < 32 {
			return nil, offsetError(ErrMalformedHeader, start, "two-byte simple value %d", h.arg)
		}
		return Simple(h.arg), nil
	case 25:
		return float16.Frombits(uint16(h.arg)).Float32(), nil
	case 26:
		return math.Float32frombits(uint32(h.arg)), nil
	case 27:
		return math.Float64frombits(h.arg), nil
	case 31:
		return nil, offsetError(ErrMalformedHeader, start, "unexpected break")
	}
	return Simple(h.ai), nil
}
