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
	"iter"
	"math"
	"math/big"
	"reflect"
	"time"
)

// Undefined is the CBOR undefined value (simple value 23)
type Undefined struct{}

// Simple is a CBOR simple value other than false, true,
// null and undefined.
type Simple uint8

// Tag is a CBOR tag number together with its content.
//
// Decode never returns a Tag: standard tags are interpreted,
// and other tags are either converted by the TagCodec or
// replaced by their content. Encode writes a Tag as-is.
type Tag struct {
	Number  uint64
	Content any
}

// Map is an insertion-ordered CBOR map. Keys may be any decoded
// value and are compared using Equal.
type Map struct {
	keys   []any
	values []any

	// index of keys that can be hashed, see hashKey
	lookup map[any]int
}

// NewMap creates a new map with room for n entries
func NewMap(n int) *Map {
	return &Map{
		keys:   make([]any, 0, n),
		values: make([]any, 0, n),
	}
}

type (
	float32Key uint32
	float64Key uint64
)

// hashKey returns a comparable form of key whose Go equality
// agrees with Equal. It returns false for keys that must be
// compared with Equal, such as arrays, maps and byte strings.
func hashKey(key any) (any, bool) {
	switch k := key.(type) {
	case nil, string, int64, bool, Undefined, Simple:
		return k, true
	case float32:
		return float32Key(math.Float32bits(k)), true
	case float64:
		return float64Key(math.Float64bits(k)), true
	}

	switch reflect.TypeOf(key).Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return key, true
	}
	return nil, false
}

// MapOf creates a map from alternating keys and values.
// It panics if given an odd number of arguments.
func MapOf(kv ...any) *Map {
	if len(kv)%2 != 0 {
		panic("codec: MapOf called with odd number of arguments")
	}
	m := NewMap(len(kv) / 2)
	for i := 0; i < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

func (m *Map) index(key any) int {
	if hk, ok := hashKey(key); ok {
		if i, ok := m.lookup[hk]; ok {
			return i
		}
		return -1
	}

	for i, k := range m.keys {
		if Equal(k, key) {
			return i
		}
	}
	return -1
}

// reindex rebuilds the lookup entries for keys from position i on
func (m *Map) reindex(i int) {
	for ; i < len(m.keys); i++ {
		if hk, ok := hashKey(m.keys[i]); ok {
			m.lookup[hk] = i
		}
	}
}

// Len returns the number of entries in the map
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Set sets key to value. If an equal key already exists, its value
// is replaced in place and Set returns true.
func (m *Map) Set(key, value any) (replaced bool) {
	if i := m.index(key); i >= 0 {
		m.values[i] = value
		return true
	}
	if hk, ok := hashKey(key); ok {
		if m.lookup == nil {
			m.lookup = make(map[any]int, cap(m.keys))
		}
		m.lookup[hk] = len(m.keys)
	}
	m.keys = append(m.keys, key)
	m.values = append(m.values, value)
	return false
}

// Get returns the value stored under key
func (m *Map) Get(key any) (any, bool) {
	if m == nil {
		return nil, false
	}
	if i := m.index(key); i >= 0 {
		return m.values[i], true
	}
	return nil, false
}

// GetString returns the value stored under the text key
func (m *Map) GetString(key string) (any, bool) {
	return m.Get(key)
}

// Delete removes key from the map, reporting whether it was present
func (m *Map) Delete(key any) bool {
	i := m.index(key)
	if i < 0 {
		return false
	}
	if hk, ok := hashKey(key); ok {
		delete(m.lookup, hk)
	}
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.values = append(m.values[:i], m.values[i+1:]...)
	m.reindex(i)
	return true
}

// Keys returns the map's keys in insertion order
func (m *Map) Keys() []any {
	if m == nil {
		return nil
	}
	return append([]any(nil), m.keys...)
}

// Values returns the map's values in insertion order
func (m *Map) Values() []any {
	if m == nil {
		return nil
	}
	return append([]any(nil), m.values...)
}

// Range calls fn for every entry in insertion order,
// stopping if fn returns false.
func (m *Map) Range(fn func(key, value any) bool) {
	if m == nil {
		return
	}
	for i := range m.keys {
		if !fn(m.keys[i], m.values[i]) {
			return
		}
	}
}

// All returns an iterator over the map's entries in insertion order
func (m *Map) All() iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		m.Range(yield)
	}
}

// equal compares two maps without regard to entry order
func (m *Map) equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, k := range m.keys {
		v, ok := o.Get(k)
		if !ok || !Equal(m.values[i], v) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b are structurally equal values.
//
// Floats are compared by bit pattern, so NaN equals NaN and 0.0
// does not equal -0.0. Big integers are compared numerically and
// maps are compared without regard to entry order.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float32:
		y, ok := b.(float32)
		return ok && math.Float32bits(x) == math.Float32bits(y)
	case float64:
		y, ok := b.(float64)
		return ok && math.Float64bits(x) == math.Float64bits(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *big.Int:
		y, ok := b.(*big.Int)
		if !ok || (x == nil) != (y == nil) {
			return false
		}
		return x == nil || x.Cmp(y) == 0
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok || (x == nil) != (y == nil) {
			return false
		}
		return x == nil || x.equal(y)
	case Tag:
		y, ok := b.(Tag)
		return ok && x.Number == y.Number && Equal(x.Content, y.Content)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return reflect.DeepEqual(a, b)
}
