// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package device

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ulfsri/alicat-daq/pkg/log"
)

// unknownWarningCacheSize bounds how many distinct "unknown
// stat/gas/unit" keys are remembered before the oldest is evicted; a
// misconfigured logger requesting the same bad name thousands of
// times a second should not flood the log.
const unknownWarningCacheSize = 256

// unknownCache deduplicates repeated unknown-name warnings so a
// misbehaving caller doesn't drown the log in copies of the same
// complaint.
type unknownCache struct {
	seen *lru.Cache[string, struct{}]
}

func newUnknownCache() *unknownCache {
	c, err := lru.New[string, struct{}](unknownWarningCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// unknownWarningCacheSize never is.
		panic(err)
	}
	return &unknownCache{seen: c}
}

// warnOnce logs msg at most once per distinct key while that key is
// held in the cache; a key evicted by newer keys warns again.
func (c *unknownCache) warnOnce(key, msg string) {
	if _, ok := c.seen.Get(key); ok {
		return
	}
	c.seen.Add(key, struct{}{})
	log.Warnf("%s", msg)
}
