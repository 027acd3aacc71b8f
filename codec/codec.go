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

// Package codec implements CBOR (RFC 8949) encoding and decoding
// of dynamic values.
//
// Decoded values are represented using plain Go types: nil, bool,
// int64, *big.Int, float32, float64, []byte, string, []any, *Map,
// time.Time (tags 0 and 1), Undefined and Simple. Application tags
// are handled by a TagCodec, which is the only place domain types
// enter the codec.
package codec

// TagCodec converts between domain values and CBOR tags.
//
// EncodeTag is offered every non-nil value before it is encoded.
// If it returns true, the returned tag is written in place of the
// value. DecodeTag is offered every tag other than the standard
// tags 0-3 after its content has been decoded. If it returns false,
// the content is used in place of the tag.
type TagCodec interface {
	EncodeTag(v any) (Tag, bool, error)
	DecodeTag(number uint64, content any) (any, bool, error)
}

// TagFuncs is a TagCodec made from a pair of functions.
// Either function may be nil.
type TagFuncs struct {
	Encode func(v any) (Tag, bool, error)
	Decode func(number uint64, content any) (any, bool, error)
}

func (tf TagFuncs) EncodeTag(v any) (Tag, bool, error) {
	if tf.Encode == nil {
		return Tag{}, false, nil
	}
	return tf.Encode(v)
}

func (tf TagFuncs) DecodeTag(number uint64, content any) (any, bool, error) {
	if tf.Decode == nil {
		return nil, false, nil
	}
	return tf.Decode(number, content)
}

// TagChain tries each TagCodec in order, using the first one
// that handles the value or tag.
type TagChain []TagCodec

func (tc TagChain) EncodeTag(v any) (Tag, bool, error) {
	for _, c := range tc {
		tag, ok, err := c.EncodeTag(v)
		if err != nil || ok {
			return tag, ok, err
		}
	}
	return Tag{}, false, nil
}

func (tc TagChain) DecodeTag(number uint64, content any) (any, bool, error) {
	for _, c := range tc {
		v, ok, err := c.DecodeTag(number, content)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return nil, false, nil
}

var (
	defaultEncoder = &Encoder{}
	defaultDecoder = &Decoder{}
)

// Encode encodes v as CBOR without any TagCodec
func Encode(v any) ([]byte, error) {
	return defaultEncoder.Encode(v)
}

// Decode decodes a single CBOR item without any TagCodec.
// It fails if data contains anything after the item.
func Decode(data []byte) (any, error) {
	return defaultDecoder.Decode(data)
}

// DecodeFirst decodes the first CBOR item in data without any
// TagCodec, returning the bytes that follow it.
func DecodeFirst(data []byte) (any, []byte, error) {
	return defaultDecoder.DecodeFirst(data)
}
