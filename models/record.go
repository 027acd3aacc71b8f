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
	"strconv"
	"strings"
)

var ErrInvalidRecordID = errors.New("invalid record id")

// None is the database's NONE value, distinct from null
type None struct{}

// Table is the name of a table
type Table string

// Decimal is an arbitrary precision decimal number in text form
type Decimal string

// UUIDString is a UUID sent in text form. Decoding tag 9
// produces a uuid.UUID rather than a UUIDString.
type UUIDString string

// Future is an expression the database evaluates when it is read
type Future struct {
	Expression string
}

// RecordID identifies a single record in a table. ID may be any
// value the database accepts as an id, such as a string, an
// integer, an array or a map.
type RecordID struct {
	Table string
	ID    any
}

// NewRecordID creates a record id from a table and id
func NewRecordID(table string, id any) RecordID {
	return RecordID{Table: table, ID: id}
}

// String returns the record id in table:id form
func (r RecordID) String() string {
	id := fmt.Sprint(r.ID)
	if s, ok := r.ID.(string); ok {
		id = escapeIdent(s)
	}
	return escapeIdent(r.Table) + ":" + id
}

// ParseRecordID parses a record id in table:id form. Integer ids
// are returned as int64 and everything else as a string.
func ParseRecordID(s string) (RecordID, error) {
	table, id, ok := strings.Cut(s, ":")
	if !ok || table == "" || id == "" {
		return RecordID{}, fmt.Errorf("%w: %q", ErrInvalidRecordID, s)
	}

	table = unescapeIdent(table)
	if isDigits(id) {
		n, err := strconv.ParseInt(id, 10, 64)
		if err == nil {
			return RecordID{Table: table, ID: n}, nil
		}
	}
	return RecordID{Table: table, ID: unescapeIdent(id)}, nil
}

func decodeRecordID(content any) (RecordID, error) {
	switch c := content.(type) {
	case string:
		rid, err := ParseRecordID(c)
		return rid, wrapMismatch(TagRecordID, err)
	case []any:
		if len(c) != 2 {
			return RecordID{}, mismatch(TagRecordID, "expected [table, id], got %d elements", len(c))
		}
		table, ok := c[0].(string)
		if !ok {
			return RecordID{}, mismatch(TagRecordID, "expected table name, got %T", c[0])
		}
		return RecordID{Table: table, ID: c[1]}, nil
	}
	return RecordID{}, mismatch(TagRecordID, "expected array, got %T", content)
}

// escapeIdent wraps identifiers that contain anything other than
// letters, digits and underscores, or that are all digits, in ⟨⟩
func escapeIdent(s string) string {
	if s == "" || isDigits(s) {
		return "⟨" + s + "⟩"
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "⟨" + strings.ReplaceAll(s, "⟩", `\⟩`) + "⟩"
		}
	}
	return s
}

func unescapeIdent(s string) string {
	if strings.HasPrefix(s, "⟨") && strings.HasSuffix(s, "⟩") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "⟨"), "⟩")
		return strings.ReplaceAll(s, `\⟩`, "⟩")
	}
	if len(s) >= 2 && s[0] == '`' && s[len(s)-1] == '`' {
		return s[1 : len(s)-1]
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
