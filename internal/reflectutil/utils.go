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

package reflectutil

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"go.arsenm.dev/cborpc/codec"
)

var ErrInvalidTarget = errors.New("conversion target must be a non-nil pointer")

// Plain replaces every *codec.Map in v with a Go map. Maps whose
// keys are all strings become map[string]any, others become
// map[any]any. Arrays are converted recursively.
func Plain(v any) any {
	switch val := v.(type) {
	case *codec.Map:
		// Check whether every key is a string
		stringKeys := true
		val.Range(func(k, _ any) bool {
			_, stringKeys = k.(string)
			return stringKeys
		})

		if stringKeys {
			out := make(map[string]any, val.Len())
			val.Range(func(k, v any) bool {
				out[k.(string)] = Plain(v)
				return true
			})
			return out
		}

		out := make(map[any]any, val.Len())
		val.Range(func(k, v any) bool {
			// Only comparable keys can be used in a Go map
			if reflect.TypeOf(k) != nil && !reflect.TypeOf(k).Comparable() {
				k = fmt.Sprint(k)
			}
			out[k] = Plain(v)
			return true
		})
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Plain(elem)
		}
		return out
	}
	return v
}

// Convert stores the decoded value in into the value pointed to by out
func Convert(in any, out any) error {
	outVal := reflect.ValueOf(out)
	if outVal.Kind() != reflect.Pointer || outVal.IsNil() {
		return ErrInvalidTarget
	}
	target := outVal.Elem()

	// Null leaves the zero value
	if in == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	in = Plain(in)
	inVal := reflect.ValueOf(in)

	// If input can be stored directly, store it
	if inVal.Type().AssignableTo(target.Type()) {
		target.Set(inVal)
		return nil
	}

	switch val := in.(type) {
	case string:
		// If desired type satisfies text unmarshaler
		if u, ok := out.(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(val))
		}
	case []byte:
		// If desired type satisfies binary unmarshaler
		if u, ok := out.(encoding.BinaryUnmarshaler); ok {
			return u.UnmarshalBinary(val)
		}
	}

	// Use mapstructure for everything else
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			textUnmarshalerHook,
		),
	})
	if err != nil {
		return err
	}

	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("cannot convert %T to %s: %w", in, target.Type(), err)
	}
	return nil
}

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// textUnmarshalerHook decodes strings into fields whose
// pointer type implements encoding.TextUnmarshaler
func textUnmarshalerHook(from, to reflect.Type, data any) (any, error) {
	s, ok := data.(string)
	if !ok || from.Kind() != reflect.String || to.Kind() == reflect.String {
		return data, nil
	}
	if !reflect.PointerTo(to).Implements(textUnmarshalerType) {
		return data, nil
	}

	v := reflect.New(to)
	if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}
