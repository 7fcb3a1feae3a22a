// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package frame implements the syntactic layer of the wire protocol:
// building "<id><body>" command strings and splitting a reply line
// into its unit-id token and value tokens. It never interprets what a
// token means -- that is internal/dfschema's and internal/device's
// job -- it only recognizes the two syntactic sentinels every
// instrument reply can carry: "?" for an error and "--" for an
// absent value.
package frame

import (
	"errors"
	"strings"
)

// ErrEmptyLine is returned by ParseLine when given an empty string;
// the transport layer should never hand one up, but a codec that
// trusts its input is a codec that breaks silently.
var ErrEmptyLine = errors.New("frame: empty line")

// ErrorToken is the sentinel a device sends in place of a value when
// a command could not be executed.
const ErrorToken = "?"

// AbsentToken is the sentinel a device sends in place of a value that
// is not applicable to the current configuration.
const AbsentToken = "--"

// BuildCommand renders a command string ready to hand to a
// transport's Write/WriteReadLine/WriteReadAll. id is the unit id
// ("A".."Z" or "" for broadcast/default); body is everything after
// the id, with no leading or trailing whitespace trimming applied
// beyond what the caller already did.
func BuildCommand(id, body string) string {
	var b strings.Builder
	b.WriteString(id)
	b.WriteString(body)
	return b.String()
}

// Line is a parsed, still-uninterpreted reply: the leading unit id
// token and the whitespace-separated tokens that follow it.
type Line struct {
	ID     string
	Tokens []string
}

// ParseLine splits raw on whitespace. The first token is taken as the
// unit id; every remaining token is a value, a nested keyword, or one
// of the two sentinel tokens.
func ParseLine(raw string) (Line, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Line{}, ErrEmptyLine
	}
	return Line{ID: fields[0], Tokens: fields[1:]}, nil
}

// IsError reports whether tok is the device's error sentinel.
func IsError(tok string) bool {
	return tok == ErrorToken
}

// IsAbsent reports whether tok is the device's absent-value sentinel.
func IsAbsent(tok string) bool {
	return tok == AbsentToken
}

// SplitTokens is a thin, named wrapper over strings.Fields for
// splitting a token slice out of something other than a full Line.
func SplitTokens(s string) []string {
	return strings.Fields(s)
}

// JoinTokens reassembles tokens with a single space, the inverse of
// SplitTokens.
func JoinTokens(tokens []string) string {
	return strings.Join(tokens, " ")
}
