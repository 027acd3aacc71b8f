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

package models

import "go.arsenm.dev/cborpc/codec"

// Bound is one end of a Range
type Bound struct {
	Value     any
	Inclusive bool
}

// Range is a range of values. A nil bound is unbounded.
type Range struct {
	Begin *Bound
	End   *Bound
}

// NewRange creates the half-open range [begin, end)
func NewRange(begin, end any) Range {
	return Range{
		Begin: &Bound{Value: begin, Inclusive: true},
		End:   &Bound{Value: end, Inclusive: false},
	}
}

func boundContent(b *Bound) any {
	if b == nil {
		return nil
	}
	number := TagBoundExcluded
	if b.Inclusive {
		number = TagBoundIncluded
	}
	return codec.Tag{Number: number, Content: b.Value}
}

func decodeRange(content any) (Range, error) {
	arr, err := arrayContent(TagRange, content)
	if err != nil {
		return Range{}, err
	}
	if len(arr) != 2 {
		return Range{}, mismatch(TagRange, "expected [begin, end], got %d elements", len(arr))
	}

	var bounds [2]*Bound
	for i, elem := range arr {
		switch b := elem.(type) {
		case nil:
		case Bound:
			bounds[i] = &b
		default:
			return Range{}, mismatch(TagRange, "expected bound or null, got %T", elem)
		}
	}
	return Range{Begin: bounds[0], End: bounds[1]}, nil
}
