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
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Major types, pre-shifted into the high three bits
const (
	majorUnsigned byte = 0 << 5
	majorNegative byte = 1 << 5
	majorBytes    byte = 2 << 5
	majorText     byte = 3 << 5
	majorArray    byte = 4 << 5
	majorMap      byte = 5 << 5
	majorTag      byte = 6 << 5
	majorSimple   byte = 7 << 5
)

// Initial bytes with fixed meaning
const (
	byteFalse     byte = 0xf4
	byteTrue      byte = 0xf5
	byteNull      byte = 0xf6
	byteUndefined byte = 0xf7
	byteSimple8   byte = 0xf8
	byteFloat16   byte = 0xf9
	byteFloat32   byte = 0xfa
	byteFloat64   byte = 0xfb
	byteBreak     byte = 0xff
)

// Standard tag numbers understood natively
const (
	tagDateTimeString uint64 = 0
	tagEpochDateTime  uint64 = 1
	tagPositiveBignum uint64 = 2
	tagNegativeBignum uint64 = 3
)

// maxEncodeDepth guards against cyclic values
const maxEncodeDepth = 1024

// Encoder encodes values as CBOR. The zero value is ready to use.
type Encoder struct {
	// Tags is offered every non-nil value before native encoding
	Tags TagCodec
}

// Encode returns the CBOR encoding of v
func (e *Encoder) Encode(v any) ([]byte, error) {
	s := &encodeState{tags: e.Tags}
	if err := s.encode(v, 0); err != nil {
		return nil, err
	}
	return s.buf, nil
}

type encodeState struct {
	buf  []byte
	tags TagCodec
}

// writeHead writes an initial byte and argument using the
// smallest possible encoding
func (s *encodeState) writeHead(major byte, n uint64) {
	switch {
	case n < 24:
		s.buf = append(s.buf, major|byte(n))
	case n <= math.MaxUint8:
		s.buf = append(s.buf, major|24, byte(n))
	case n <= math.MaxUint16:
		s.buf = append(s.buf, major|25)
		s.buf = binary.BigEndian.AppendUint16(s.buf, uint16(n))
	case n <= math.MaxUint32:
		s.buf = append(s.buf, major|26)
		s.buf = binary.BigEndian.AppendUint32(s.buf, uint32(n))
	default:
		s.buf = append(s.buf, major|27)
		s.buf = binary.BigEndian.AppendUint64(s.buf, n)
	}
}

func (s *encodeState) encode(v any, depth int) error {
	if depth > maxEncodeDepth {
		return ErrMaxDepth
	}

	if v == nil {
		s.buf = append(s.buf, byteNull)
		return nil
	}

	// Give the tag codec the first chance at every value
	if s.tags != nil {
		tag, ok, err := s.tags.EncodeTag(v)
		if err != nil {
			return err
		}
		if ok {
			s.writeHead(majorTag, tag.Number)
			return s.encode(tag.Content, depth+1)
		}
	}

	switch val := v.(type) {
	case bool:
		if val {
			s.buf = append(s.buf, byteTrue)
		} else {
			s.buf = append(s.buf, byteFalse)
		}
	case Undefined:
		s.buf = append(s.buf, byteUndefined)
	case Simple:
		return s.encodeSimple(val)
	case int:
		s.encodeInt(int64(val))
	case int8:
		s.encodeInt(int64(val))
	case int16:
		s.encodeInt(int64(val))
	case int32:
		s.encodeInt(int64(val))
	case int64:
		s.encodeInt(val)
	case uint:
		s.writeHead(majorUnsigned, uint64(val))
	case uint8:
		s.writeHead(majorUnsigned, uint64(val))
	case uint16:
		s.writeHead(majorUnsigned, uint64(val))
	case uint32:
		s.writeHead(majorUnsigned, uint64(val))
	case uint64:
		s.writeHead(majorUnsigned, val)
	case float32:
		s.buf = append(s.buf, byteFloat32)
		s.buf = binary.BigEndian.AppendUint32(s.buf, math.Float32bits(val))
	case float64:
		s.buf = append(s.buf, byteFloat64)
		s.buf = binary.BigEndian.AppendUint64(s.buf, math.Float64bits(val))
	case string:
		return s.encodeText(val)
	case []byte:
		if val == nil {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		s.writeHead(majorBytes, uint64(len(val)))
		s.buf = append(s.buf, val...)
	case *big.Int:
		if val == nil {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		s.encodeBigInt(val)
	case big.Int:
		s.encodeBigInt(&val)
	case time.Time:
		s.writeHead(majorTag, tagDateTimeString)
		return s.encodeText(val.Format(time.RFC3339Nano))
	case Tag:
		s.writeHead(majorTag, val.Number)
		return s.encode(val.Content, depth+1)
	case *Map:
		if val == nil {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		return s.encodeMap(val, depth)
	case Map:
		return s.encodeMap(&val, depth)
	case []any:
		if val == nil {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		s.writeHead(majorArray, uint64(len(val)))
		for _, elem := range val {
			if err := s.encode(elem, depth+1); err != nil {
				return err
			}
		}
	default:
		return s.encodeReflect(reflect.ValueOf(v), depth)
	}

	return nil
}

func (s *encodeState) encodeSimple(val Simple) error {
	switch {
	case val < 20:
		s.buf = append(s.buf, majorSimple|byte(val))
	case val < 32:
		// 20-23 have dedicated Go types and 24-31 are reserved
		return fmt.Errorf("%w: simple value %d", ErrUnsupportedType, val)
	default:
		s.buf = append(s.buf, byteSimple8, byte(val))
	}
	return nil
}

func (s *encodeState) encodeInt(i int64) {
	switch {
	case i >= 0:
		s.writeHead(majorUnsigned, uint64(i))
	case i == math.MinInt64:
		// -1 - MinInt64 overflows int64, so this goes
		// through the bignum path instead
		s.encodeBigInt(big.NewInt(i))
	default:
		s.writeHead(majorNegative, uint64(-1-i))
	}
}

func (s *encodeState) encodeBigInt(b *big.Int) {
	if b.Sign() >= 0 {
		s.writeHead(majorTag, tagPositiveBignum)
		mag := b.Bytes()
		s.writeHead(majorBytes, uint64(len(mag)))
		s.buf = append(s.buf, mag...)
		return
	}

	// Negative bignums store -1 - n
	n := new(big.Int).Neg(b)
	n.Sub(n, big.NewInt(1))
	mag := n.Bytes()
	s.writeHead(majorTag, tagNegativeBignum)
	s.writeHead(majorBytes, uint64(len(mag)))
	s.buf = append(s.buf, mag...)
}

func (s *encodeState) encodeText(str string) error {
	if !utf8.ValidString(str) {
		return ErrInvalidUTF8
	}
	s.writeHead(majorText, uint64(len(str)))
	s.buf = append(s.buf, str...)
	return nil
}

func (s *encodeState) encodeMap(m *Map, depth int) error {
	s.writeHead(majorMap, uint64(m.Len()))
	for i := range m.keys {
		if err := s.encode(m.keys[i], depth+1); err != nil {
			return err
		}
		if err := s.encode(m.values[i], depth+1); err != nil {
			return err
		}
	}
	return nil
}

// encodeReflect handles values whose types are not known statically,
// such as named types, typed slices, Go maps and structs
func (s *encodeState) encodeReflect(rv reflect.Value, depth int) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		// Re-dispatch so the tag codec sees the element
		return s.encode(rv.Elem().Interface(), depth+1)
	case reflect.Bool:
		return s.encode(rv.Bool(), depth)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s.encodeInt(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		s.writeHead(majorUnsigned, rv.Uint())
	case reflect.Float32:
		return s.encode(float32(rv.Float()), depth)
	case reflect.Float64:
		return s.encode(rv.Float(), depth)
	case reflect.String:
		return s.encodeText(rv.String())
	case reflect.Slice:
		if rv.IsNil() {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s.writeHead(majorBytes, uint64(rv.Len()))
			s.buf = append(s.buf, rv.Bytes()...)
			return nil
		}
		return s.encodeList(rv, depth)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s.writeHead(majorBytes, uint64(rv.Len()))
			for i := 0; i < rv.Len(); i++ {
				s.buf = append(s.buf, byte(rv.Index(i).Uint()))
			}
			return nil
		}
		return s.encodeList(rv, depth)
	case reflect.Map:
		if rv.IsNil() {
			s.buf = append(s.buf, byteNull)
			return nil
		}
		return s.encodeGoMap(rv, depth)
	case reflect.Struct:
		return s.encodeStruct(rv, depth)
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
}

func (s *encodeState) encodeList(rv reflect.Value, depth int) error {
	s.writeHead(majorArray, uint64(rv.Len()))
	for i := 0; i < rv.Len(); i++ {
		if err := s.encode(rv.Index(i).Interface(), depth+1); err != nil {
			return err
		}
	}
	return nil
}

// encodeGoMap encodes a Go map with its entries sorted by the
// bytewise order of their encoded keys, so that the same map
// always produces the same bytes
func (s *encodeState) encodeGoMap(rv reflect.Value, depth int) error {
	type entry struct {
		key   []byte
		value reflect.Value
	}

	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		ks := &encodeState{tags: s.tags}
		if err := ks.encode(iter.Key().Interface(), depth+1); err != nil {
			return err
		}
		entries = append(entries, entry{key: ks.buf, value: iter.Value()})
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})

	s.writeHead(majorMap, uint64(len(entries)))
	for _, e := range entries {
		s.buf = append(s.buf, e.key...)
		if err := s.encode(e.value.Interface(), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (s *encodeState) encodeStruct(rv reflect.Value, depth int) error {
	fields := structFields(rv.Type())

	type pair struct {
		name  string
		value reflect.Value
	}

	pairs := make([]pair, 0, len(fields))
	for _, f := range fields {
		fv, err := rv.FieldByIndexErr(f.index)
		if err != nil {
			// Field is promoted through a nil embedded pointer
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		pairs = append(pairs, pair{f.name, fv})
	}

	s.writeHead(majorMap, uint64(len(pairs)))
	for _, p := range pairs {
		if err := s.encodeText(p.name); err != nil {
			return err
		}
		if err := s.encode(p.value.Interface(), depth+1); err != nil {
			return err
		}
	}
	return nil
}

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // map[reflect.Type][]field

// structFields returns the encodable fields of t. Field names come
// from json struct tags so that the same struct can be decoded back
// with mapstructure.
func structFields(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}

	var out []field
	seen := map[string]bool{}
	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}

		// Embedded structs without a tag have their
		// fields promoted instead
		if sf.Anonymous && tag == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				continue
			}
		}

		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		out = append(out, field{
			name:      name,
			index:     sf.Index,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}

	fieldCache.Store(t, out)
	return out
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
