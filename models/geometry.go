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

// Geometry is implemented by every geometry type
type Geometry interface {
	geometryTag() uint64
	geometryContent() any
}

// GeometryPoint is a single coordinate
type GeometryPoint struct {
	Longitude float64
	Latitude  float64
}

// GeometryLine is a line through two or more points
type GeometryLine []GeometryPoint

// GeometryPolygon is an exterior ring followed by any number
// of interior rings
type GeometryPolygon []GeometryLine

type (
	GeometryMultiPoint   []GeometryPoint
	GeometryMultiLine    []GeometryLine
	GeometryMultiPolygon []GeometryPolygon
	GeometryCollection   []Geometry
)

func (GeometryPoint) geometryTag() uint64 { return TagGeometryPoint }
func (GeometryLine) geometryTag() uint64 { return TagGeometryLine }
func (GeometryPolygon) geometryTag() uint64 { return TagGeometryPolygon }
func (GeometryMultiPoint) geometryTag() uint64 { return TagGeometryMultiPoint }
func (GeometryMultiLine) geometryTag() uint64 { return TagGeometryMultiLine }
func (GeometryMultiPolygon) geometryTag() uint64 { return TagGeometryMultiPolygon }
func (GeometryCollection) geometryTag() uint64 { return TagGeometryCollection }

func (p GeometryPoint) geometryContent() any {
	return []any{p.Longitude, p.Latitude}
}

func (l GeometryLine) geometryContent() any { return toAnySlice(l) }
func (p GeometryPolygon) geometryContent() any { return toAnySlice(p) }
func (mp GeometryMultiPoint) geometryContent() any { return toAnySlice(mp) }
func (ml GeometryMultiLine) geometryContent() any { return toAnySlice(ml) }
func (mp GeometryMultiPolygon) geometryContent() any { return toAnySlice(mp) }
func (gc GeometryCollection) geometryContent() any { return toAnySlice(gc) }

// toAnySlice boxes each element so the encoder offers it to the
// tag codec individually
func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func decodeGeometry(number uint64, content any) (Geometry, error) {
	if number == TagGeometryPoint {
		return decodePoint(number, content)
	}

	arr, err := arrayContent(number, content)
	if err != nil {
		return nil, err
	}

	switch number {
	case TagGeometryLine:
		return decodeLine(number, arr)
	case TagGeometryPolygon:
		return decodePolygon(number, arr)
	case TagGeometryMultiPoint:
		return decodeEach[GeometryPoint, GeometryMultiPoint](number, arr, decodePoint)
	case TagGeometryMultiLine:
		return decodeEach[GeometryLine, GeometryMultiLine](number, arr, decodeLineElem)
	case TagGeometryMultiPolygon:
		return decodeEach[GeometryPolygon, GeometryMultiPolygon](number, arr, decodePolygonElem)
	default:
		out := make(GeometryCollection, len(arr))
		for i, elem := range arr {
			g, ok := elem.(Geometry)
			if !ok {
				return nil, mismatch(number, "element %d: expected geometry, got %T", i, elem)
			}
			out[i] = g
		}
		return out, nil
	}
}

func decodeEach[T any, S ~[]T](number uint64, arr []any, fn func(uint64, any) (T, error)) (S, error) {
	out := make(S, len(arr))
	for i, elem := range arr {
		v, err := fn(number, elem)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// decodePoint accepts an already decoded point or a bare
// [longitude, latitude] pair
func decodePoint(number uint64, v any) (GeometryPoint, error) {
	if p, ok := v.(GeometryPoint); ok {
		return p, nil
	}

	arr, ok := v.([]any)
	if !ok {
		return GeometryPoint{}, mismatch(number, "expected point, got %T", v)
	}
	if len(arr) != 2 {
		return GeometryPoint{}, mismatch(number, "expected point with 2 coordinates, got %d", len(arr))
	}

	lon, ok := toFloat(arr[0])
	if !ok {
		return GeometryPoint{}, mismatch(number, "expected numeric longitude, got %T", arr[0])
	}
	lat, ok := toFloat(arr[1])
	if !ok {
		return GeometryPoint{}, mismatch(number, "expected numeric latitude, got %T", arr[1])
	}
	return GeometryPoint{Longitude: lon, Latitude: lat}, nil
}

func decodeLine(number uint64, arr []any) (GeometryLine, error) {
	if len(arr) < 2 {
		return nil, mismatch(number, "line needs at least 2 points, got %d", len(arr))
	}
	return decodeEach[GeometryPoint, GeometryLine](number, arr, decodePoint)
}

func decodeLineElem(number uint64, v any) (GeometryLine, error) {
	if l, ok := v.(GeometryLine); ok {
		return l, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, mismatch(number, "expected line, got %T", v)
	}
	return decodeLine(number, arr)
}

func decodePolygon(number uint64, arr []any) (GeometryPolygon, error) {
	if len(arr) < 1 {
		return nil, mismatch(number, "polygon needs at least 1 line")
	}
	return decodeEach[GeometryLine, GeometryPolygon](number, arr, decodeLineElem)
}

func decodePolygonElem(number uint64, v any) (GeometryPolygon, error) {
	if p, ok := v.(GeometryPolygon); ok {
		return p, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, mismatch(number, "expected polygon, got %T", v)
	}
	return decodePolygon(number, arr)
}
