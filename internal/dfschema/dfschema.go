// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dfschema parses the self-describing `??D*` table a device
// returns to declare the shape of its standard measurement frame: an
// ordered field list, each field's kind, and which fields only appear
// in the "extended" (`*`-prefixed) frame variant.
package dfschema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the wire-level type of one data-frame field.
type Kind string

const (
	Integer   Kind = "integer"
	Decimal   Kind = "decimal"
	Text      Kind = "text"
	Timestamp Kind = "timestamp"
	Enum      Kind = "enum"
)

// kindFromType maps a device TYPE cell (e.g. "decimal(XX.XXXX)",
// "integer", "enum(Air,N2,...)") to one of the closed Kind values.
// "decimal" is checked first per the protocol's own rule that any
// TYPE cell containing that substring parses as floating point,
// regardless of what else the cell says.
func kindFromType(raw string) Kind {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "decimal"):
		return Decimal
	case strings.Contains(lower, "time"):
		return Timestamp
	case strings.Contains(lower, "enum"):
		return Enum
	case strings.Contains(lower, "integer") || strings.Contains(lower, "int"):
		return Integer
	default:
		return Text
	}
}

// Field is one column of a device's data frame.
type Field struct {
	Name     string
	Kind     Kind
	Extended bool
}

// Schema is the ordered field list learned from a single `??D*`
// exchange. Standard returns only the fields that appear in the
// non-extended frame, preserving order.
type Schema struct {
	Fields []Field
}

// Standard returns the leading run of non-extended fields; per the
// protocol, extended fields always trail every standard field, so a
// poll response's column count always equals len(Standard()).
func (s *Schema) Standard() []Field {
	out := make([]Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Extended {
			continue
		}
		out = append(out, f)
	}
	return out
}

// ErrMalformedTable is returned when the `??D*` reply does not carry
// enough rows, or its header lacks NAME/TYPE columns, to derive a
// schema.
var ErrMalformedTable = errors.New("dfschema: malformed ??D* table")

// Parse builds a Schema from the raw lines of a `??D*` reply,
// including its header row. Column boundaries are located by the
// word positions in the header row (`INDEX NAME TYPE …`); every
// subsequent row is tokenized the same way and its NAME/TYPE tokens
// are read off by that position, since neither cell ever contains
// embedded whitespace. The conventional trailing blank/footer line,
// if present, is ignored.
func Parse(lines []string) (*Schema, error) {
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w: need a header and at least one field row, got %d lines", ErrMalformedTable, len(lines))
	}
	header := strings.Fields(lines[0])
	nameCol := columnIndex(header, "NAME")
	typeCol := columnIndex(header, "TYPE")
	if nameCol < 0 || typeCol < 0 {
		return nil, fmt.Errorf("%w: header %q has no NAME/TYPE column", ErrMalformedTable, lines[0])
	}

	rows := lines[1:]
	// A conventional trailing footer/blank line carries no NAME
	// cell; drop it rather than emit a bogus field.
	if n := len(rows); n > 0 && strings.TrimSpace(rows[n-1]) == "" {
		rows = rows[:n-1]
	}

	fields := make([]Field, 0, len(rows))
	seenExtended := false
	for _, row := range rows {
		tokens := strings.Fields(row)
		if nameCol >= len(tokens) {
			continue
		}
		name := tokens[nameCol]
		if name == "" {
			continue
		}
		typeCell := ""
		if typeCol < len(tokens) {
			typeCell = tokens[typeCol]
		}
		extended := strings.HasPrefix(name, "*")
		if extended {
			name = strings.TrimPrefix(name, "*")
			seenExtended = true
		} else if seenExtended {
			return nil, fmt.Errorf("%w: standard field %q appears after an extended field", ErrMalformedTable, name)
		}
		fields = append(fields, Field{Name: name, Kind: kindFromType(typeCell), Extended: extended})
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields recovered from table", ErrMalformedTable)
	}
	return &Schema{Fields: fields}, nil
}

func columnIndex(tokens []string, label string) int {
	for i, c := range tokens {
		if strings.Contains(strings.ToUpper(c), label) {
			return i
		}
	}
	return -1
}
