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

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalidDuration = errors.New("invalid duration")

const (
	day  = 24 * time.Hour
	week = 7 * day
	year = 365 * day
)

// durationUnits is ordered from largest to smallest so that
// FormatDuration can use it directly
var durationUnits = []struct {
	name string
	size time.Duration
}{
	{"y", year},
	{"w", week},
	{"d", day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
	{"ns", time.Nanosecond},
}

// DurationString is a duration in the database's compact text
// form, such as 1h30m or 2w3d
type DurationString string

// Duration parses the duration string
func (d DurationString) Duration() (time.Duration, error) {
	return ParseDuration(string(d))
}

// FormatDuration formats d in the database's compact text form
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0ns"
	}

	var sb strings.Builder
	if d < 0 {
		sb.WriteByte('-')
		// MinInt64 cannot be negated, but it is never
		// a multiple of a unit either
		if d == math.MinInt64 {
			d = math.MaxInt64
		} else {
			d = -d
		}
	}

	for _, u := range durationUnits {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&sb, "%d%s", n, u.name)
			d -= n * u.size
		}
	}
	return sb.String()
}

// ParseDuration parses a duration in the database's compact text
// form. It accepts the units y, w, d, h, m, s, ms, us, µs and ns.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidDuration)
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var total time.Duration
	for s != "" {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("%w: expected number in %q", ErrInvalidDuration, orig)
		}

		var n time.Duration
		for _, c := range s[:i] {
			if n > (math.MaxInt64-9)/10 {
				return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, orig)
			}
			n = n*10 + time.Duration(c-'0')
		}
		s = s[i:]

		unit, rest, ok := cutUnit(s)
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidDuration, orig)
		}
		s = rest

		if n > math.MaxInt64/unit {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, orig)
		}
		total += n * unit
		if total < 0 {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, orig)
		}
	}

	if neg {
		total = -total
	}
	return total, nil
}

func cutUnit(s string) (time.Duration, string, bool) {
	// Two character units first so that ms isn't read as m
	for _, u := range []struct {
		name string
		size time.Duration
	}{
		{"ms", time.Millisecond},
		{"us", time.Microsecond},
		{"µs", time.Microsecond},
		{"ns", time.Nanosecond},
		{"y", year},
		{"w", week},
		{"d", day},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if rest, ok := strings.CutPrefix(s, u.name); ok {
			return u.size, rest, true
		}
	}
	return 0, s, false
}
