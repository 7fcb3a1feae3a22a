// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinator implements the acquisition coordinator: a named
// registry of device handles that fans timed get/set operations out
// across them in parallel, using a structured task group so that any
// single failure cancels its siblings and surfaces as the first
// error.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ulfsri/alicat-daq/internal/metrics"
	"github.com/ulfsri/alicat-daq/internal/transport"
	"github.com/ulfsri/alicat-daq/pkg/log"
)

// Handle is the subset of *device.Handle the coordinator depends on;
// expressed as an interface so tests can fake a device without a real
// transport.
type Handle interface {
	Get(ctx context.Context, names []string) (map[string]any, error)
	Set(ctx context.Context, commands map[string][]any) (map[string]any, error)
	Close() error
}

// Opener constructs a Handle for a bare port string; Init/Add use it
// to adopt a port name rather than a pre-built handle.
type Opener func(ctx context.Context, port string) (Handle, error)

// Coordinator is the named device registry.
type Coordinator struct {
	mu      sync.RWMutex
	handles map[string]Handle
	open    Opener
}

// New builds an empty Coordinator. open is used whenever Init/Add is
// given a bare port string instead of an already-built Handle.
func New(open Opener) *Coordinator {
	return &Coordinator{handles: map[string]Handle{}, open: open}
}

// Target is either a port string (to be opened) or an already-built
// Handle (to be adopted as-is).
type Target struct {
	Port   string
	Handle Handle
}

// Init opens or adopts every entry in devs. If any open fails, the
// whole operation fails and every handle opened so far (during this
// call) is closed again.
func (c *Coordinator) Init(ctx context.Context, devs map[string]Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	opened := make(map[string]Handle, len(devs))
	for name, t := range devs {
		h, err := c.resolve(ctx, t)
		if err != nil {
			for _, h := range opened {
				_ = h.Close()
			}
			return fmt.Errorf("coordinator: init %q: %w", name, err)
		}
		opened[name] = h
	}
	c.handles = opened
	return nil
}

// Add opens or adopts each entry in devs and merges it into the
// registry. A name collision overwrites the prior handle without
// closing it; callers that want a clean swap should Remove first.
func (c *Coordinator) Add(ctx context.Context, devs map[string]Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range devs {
		h, err := c.resolve(ctx, t)
		if err != nil {
			return fmt.Errorf("coordinator: add %q: %w", name, err)
		}
		c.handles[name] = h
	}
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, t Target) (Handle, error) {
	if t.Handle != nil {
		return t.Handle, nil
	}
	if c.open == nil {
		return nil, fmt.Errorf("coordinator: no opener configured for port %q", t.Port)
	}
	return c.open(ctx, t.Port)
}

// Remove closes and deregisters each named handle.
func (c *Coordinator) Remove(names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, name := range names {
		h, ok := c.handles[name]
		if !ok {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("coordinator: remove %q: %w", name, err)
		}
		delete(c.handles, name)
	}
	return firstErr
}

// List returns the current name -> handle mapping.
func (c *Coordinator) List() map[string]Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Handle, len(c.handles))
	for k, v := range c.handles {
		out[k] = v
	}
	return out
}

// Reading is one device's Get result annotated with the round-trip
// timestamps the logger needs for its midpoint Time calculation.
type Reading struct {
	Values        map[string]any
	RequestSent   time.Time
	ResponseRecvd time.Time
}

// Get fans a Get(stats) call out across ids (every registered device
// if ids is empty), running them concurrently in a structured task
// group: the first failure cancels the rest and is returned, wrapped
// with the failing device's name.
func (c *Coordinator) Get(ctx context.Context, stats []string, ids []string) (map[string]Reading, error) {
	targets := c.targets(ids)
	results := make(map[string]Reading, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, h := range targets {
		name, h := name, h
		g.Go(func() error {
			metrics.CommandsIssued.WithLabelValues(name, "get").Inc()
			sent := time.Now()
			values, err := h.Get(gctx, stats)
			recvd := time.Now()
			if err != nil {
				recordFailure(name, err)
				return fmt.Errorf("coordinator: get %q: %w", name, err)
			}
			mu.Lock()
			results[name] = Reading{Values: values, RequestSent: sent, ResponseRecvd: recvd}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Set fans a Set(commands) call out across ids the same way Get does,
// without timestamp annotation.
func (c *Coordinator) Set(ctx context.Context, commands map[string][]any, ids []string) (map[string]map[string]any, error) {
	targets := c.targets(ids)
	results := make(map[string]map[string]any, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, h := range targets {
		name, h := name, h
		g.Go(func() error {
			metrics.CommandsIssued.WithLabelValues(name, "set").Inc()
			out, err := h.Set(gctx, commands)
			if err != nil {
				recordFailure(name, err)
				return fmt.Errorf("coordinator: set %q: %w", name, err)
			}
			mu.Lock()
			results[name] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// recordFailure classifies err for the CommandsFailed/Timeouts
// counters. Anything wrapping transport.ErrTimeout is counted as a
// timeout in addition to a generic failure.
func recordFailure(name string, err error) {
	kind := "error"
	if errors.Is(err, transport.ErrTimeout) {
		kind = "timeout"
		metrics.Timeouts.WithLabelValues(name).Inc()
	}
	metrics.CommandsFailed.WithLabelValues(name, kind).Inc()
}

func (c *Coordinator) targets(ids []string) map[string]Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(ids) == 0 {
		out := make(map[string]Handle, len(c.handles))
		for k, v := range c.handles {
			out[k] = v
		}
		return out
	}
	out := make(map[string]Handle, len(ids))
	for _, id := range ids {
		if h, ok := c.handles[id]; ok {
			out[id] = h
		} else {
			log.Warnf("coordinator: requested unknown device %q", id)
		}
	}
	return out
}

// Names returns the registry's device names in sorted order, mainly
// useful for deterministic logging and test assertions.
func (c *Coordinator) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
