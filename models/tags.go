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

// Package models contains the database's domain values and the
// TagCodec that maps them to and from CBOR tags.
package models

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/gofrs/uuid"
	"go.arsenm.dev/cborpc/codec"
)

// Custom tag numbers
const (
	TagNone           uint64 = 6
	TagTable          uint64 = 7
	TagRecordID       uint64 = 8
	TagUUIDString     uint64 = 9
	TagDecimal        uint64 = 10
	TagDatetime       uint64 = 12
	TagDurationString uint64 = 13
	TagDuration       uint64 = 14
	TagFuture         uint64 = 15
	TagUUID           uint64 = 37
	TagRange          uint64 = 49
	TagBoundIncluded  uint64 = 50
	TagBoundExcluded  uint64 = 51

	TagGeometryPoint        uint64 = 88
	TagGeometryLine         uint64 = 89
	TagGeometryPolygon      uint64 = 90
	TagGeometryMultiPoint   uint64 = 91
	TagGeometryMultiLine    uint64 = 92
	TagGeometryMultiPolygon uint64 = 93
	TagGeometryCollection   uint64 = 94
)

// Tags converts the values in this package, uuid.UUID, time.Time
// and time.Duration to and from their CBOR tags.
var Tags codec.TagCodec = tagCodec{}

type tagCodec struct{}

func (tagCodec) EncodeTag(v any) (codec.Tag, bool, error) {
	var (
		number  uint64
		content any
	)

	switch val := v.(type) {
	case None:
		number, content = TagNone, nil
	case Table:
		number, content = TagTable, string(val)
	case RecordID:
		number, content = TagRecordID, []any{val.Table, val.ID}
	case UUIDString:
		number, content = TagUUIDString, string(val)
	case uuid.UUID:
		number, content = TagUUID, val.Bytes()
	case Decimal:
		number, content = TagDecimal, string(val)
	case time.Time:
		number, content = TagDatetime, []any{val.Unix(), int64(val.Nanosecond())}
	case DurationString:
		number, content = TagDurationString, string(val)
	case time.Duration:
		if val < 0 {
			return codec.Tag{}, false, fmt.Errorf("%w: negative duration %s", codec.ErrUnsupportedType, val)
		}
		number = TagDuration
		content = []any{int64(val / time.Second), int64(val % time.Second)}
	case Future:
		number, content = TagFuture, val.Expression
	case Range:
		number, content = TagRange, []any{boundContent(val.Begin), boundContent(val.End)}
	case Bound:
		return boundContent(&val).(codec.Tag), true, nil
	case Geometry:
		number, content = val.geometryTag(), val.geometryContent()
	default:
		return codec.Tag{}, false, nil
	}

	return codec.Tag{Number: number, Content: content}, true, nil
}

func (tagCodec) DecodeTag(number uint64, content any) (any, bool, error) {
	var (
		v   any
		err error
	)

	switch number {
	case TagNone:
		if content != nil {
			return nil, false, mismatch(number, "expected null, got %T", content)
		}
		v = None{}
	case TagTable:
		var s string
		s, err = textContent(number, content)
		v = Table(s)
	case TagRecordID:
		v, err = decodeRecordID(content)
	case TagUUIDString:
		var s string
		if s, err = textContent(number, content); err == nil {
			v, err = uuid.FromString(s)
			err = wrapMismatch(number, err)
		}
	case TagDecimal:
		var s string
		s, err = textContent(number, content)
		v = Decimal(s)
	case TagDatetime:
		var secs, nanos int64
		if secs, nanos, err = secondsNanos(number, content, 1); err == nil {
			v = time.Unix(secs, nanos).UTC()
		}
	case TagDurationString:
		var s string
		s, err = textContent(number, content)
		v = DurationString(s)
	case TagDuration:
		var secs, nanos int64
		if secs, nanos, err = secondsNanos(number, content, 0); err == nil {
			v = time.Duration(secs)*time.Second + time.Duration(nanos)
		}
	case TagFuture:
		var s string
		s, err = textContent(number, content)
		v = Future{Expression: s}
	case TagUUID:
		b, ok := content.([]byte)
		if !ok {
			return nil, false, mismatch(number, "expected bytes, got %T", content)
		}
		v, err = uuid.FromBytes(b)
		err = wrapMismatch(number, err)
	case TagRange:
		v, err = decodeRange(content)
	case TagBoundIncluded, TagBoundExcluded:
		v = Bound{Value: content, Inclusive: number == TagBoundIncluded}
	case TagGeometryPoint, TagGeometryLine, TagGeometryPolygon, TagGeometryMultiPoint,
		TagGeometryMultiLine, TagGeometryMultiPolygon, TagGeometryCollection:
		v, err = decodeGeometry(number, content)
	default:
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func mismatch(number uint64, format string, args ...any) error {
	return fmt.Errorf("%w: tag %d: %s", codec.ErrTagPayloadMismatch, number, fmt.Sprintf(format, args...))
}

func wrapMismatch(number uint64, err error) error {
	if err == nil {
		return nil
	}
	return mismatch(number, "%v", err)
}

func textContent(number uint64, content any) (string, error) {
	s, ok := content.(string)
	if !ok {
		return "", mismatch(number, "expected text, got %T", content)
	}
	return s, nil
}

func arrayContent(number uint64, content any) ([]any, error) {
	arr, ok := content.([]any)
	if !ok {
		return nil, mismatch(number, "expected array, got %T", content)
	}
	return arr, nil
}

// secondsNanos decodes a [seconds, nanoseconds] pair where trailing
// elements may be omitted down to minLen
func secondsNanos(number uint64, content any, minLen int) (secs, nanos int64, err error) {
	arr, err := arrayContent(number, content)
	if err != nil {
		return 0, 0, err
	}
	if len(arr) < minLen || len(arr) > 2 {
		return 0, 0, mismatch(number, "expected [seconds, nanoseconds], got %d elements", len(arr))
	}

	out := [2]int64{}
	for i, elem := range arr {
		n, ok := elem.(int64)
		if !ok {
			return 0, 0, mismatch(number, "expected integer, got %T", elem)
		}
		out[i] = n
	}
	return out[0], out[1], nil
}

// toFloat converts any decoded number to a float64
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, !math.IsInf(f, 0)
	}
	return 0, false
}
