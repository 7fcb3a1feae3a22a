// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codetable holds the process-wide, read-only lookup tables
// the wire protocol encodes as numeric codes: statistics, engineering
// units and gases. The tables are loaded once from an embedded JSON
// asset before the first device handle is constructed.
package codetable

import (
	"embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ulfsri/alicat-daq/pkg/log"
)

//go:embed tables.json
var assetFS embed.FS

// Name identifies one of the three code tables.
type Name string

const (
	Statistics Name = "statistics"
	Units      Name = "units"
	Gases      Name = "gases"
)

// asset mirrors the on-disk JSON layout: each table is a list whose
// first element is the name/symbol -> code map. Symbols and long
// names intentionally collide onto the same code.
type asset struct {
	Statistics []map[string]int `json:"statistics"`
	Units      []map[string]int `json:"units"`
	Gases      []map[string]int `json:"gases"`
}

var (
	once      sync.Once
	tables    map[Name]map[string]int
	loadError error
)

func load() {
	raw, err := assetFS.ReadFile("tables.json")
	if err != nil {
		loadError = err
		return
	}

	var a asset
	if err := json.Unmarshal(raw, &a); err != nil {
		loadError = err
		return
	}

	tables = map[Name]map[string]int{
		Statistics: firstOrEmpty(a.Statistics),
		Units:      firstOrEmpty(a.Units),
		Gases:      firstOrEmpty(a.Gases),
	}
	log.Debugf("codetable: loaded %d statistics, %d units, %d gases",
		len(tables[Statistics]), len(tables[Units]), len(tables[Gases]))
}

func firstOrEmpty(list []map[string]int) map[string]int {
	if len(list) == 0 {
		return map[string]int{}
	}
	return list[0]
}

// Init forces the embedded asset to be parsed. Safe to call multiple
// times and from multiple goroutines; only the first call does work.
// Callers do not have to call this explicitly -- CodeFor and NameFor
// lazily initialize on first use -- but doing so at startup surfaces
// a malformed asset immediately instead of on the first lookup.
func Init() error {
	once.Do(load)
	return loadError
}

// CodeFor looks up name (case-sensitive, as the device firmware
// expects) in the given table. ok is false if the table failed to
// load or the name is unknown.
func CodeFor(table Name, name string) (code int, ok bool) {
	if err := Init(); err != nil {
		log.Errorf("codetable: %s lookup for %q failed, asset did not load: %v", table, name, err)
		return 0, false
	}
	c, ok := tables[table][name]
	return c, ok
}

// NameFor reverse-looks-up the first name mapping to code in the
// given table. Because symbols and long names share a code-space,
// the result favors the shortest matching key (the symbol form).
func NameFor(table Name, code int) (name string, ok bool) {
	if err := Init(); err != nil {
		return "", false
	}
	best := ""
	found := false
	for k, v := range tables[table] {
		if v != code {
			continue
		}
		if !found || len(k) < len(best) || (len(k) == len(best) && strings.Compare(k, best) < 0) {
			best, found = k, true
		}
	}
	return best, found
}
