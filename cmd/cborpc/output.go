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

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/models"
	"gopkg.in/yaml.v3"
)

// normalize converts a decoded value into plain maps, slices,
// strings, numbers and booleans so it can be written as JSON or YAML
func normalize(v any) any {
	switch val := v.(type) {
	case *codec.Map:
		out := make(map[string]any, val.Len())
		val.Range(func(k, v any) bool {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprint(normalize(k))
			}
			out[key] = normalize(v)
			return true
		})
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case codec.Undefined, models.None:
		return nil
	case codec.Tag:
		return map[string]any{
			"tag":     val.Number,
			"content": normalize(val.Content),
		}
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case time.Duration:
		return models.FormatDuration(val)
	case models.Table:
		return string(val)
	case models.Decimal:
		return string(val)
	case models.UUIDString:
		return string(val)
	case models.DurationString:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	return v
}

// normalizeFloat writes non-finite floats as strings
func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// writeValue writes v to w in the given format
func writeValue(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(normalize(v))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(normalize(v)); err != nil {
			return err
		}
		return enc.Close()
	case "msgpack":
		return msgpack.NewEncoder(w).Encode(normalize(v))
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
