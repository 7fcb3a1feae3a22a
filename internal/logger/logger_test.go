// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package logger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ulfsri/alicat-daq/internal/coordinator"
	"github.com/ulfsri/alicat-daq/internal/sink"
	"github.com/ulfsri/alicat-daq/internal/transport"
)

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.New()
}

// fakeCoordinator returns a fixed reading for every registered device
// on every Get, counting calls so tests can assert on tick counts.
// getErr, if set, fails every Get after the first (the bootstrap call
// must succeed for Run to reach the loop at all).
type fakeCoordinator struct {
	mu     sync.Mutex
	calls  int
	names  []string
	getErr error
}

func (f *fakeCoordinator) Get(ctx context.Context, stats []string, ids []string) (map[string]coordinator.Reading, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if f.getErr != nil && calls > 1 {
		return nil, f.getErr
	}

	sent := time.Now()
	recvd := sent.Add(time.Millisecond)
	out := make(map[string]coordinator.Reading, len(f.names))
	for _, n := range f.names {
		out[n] = coordinator.Reading{
			Values:        map[string]any{"Mass_Flow": 1.23},
			RequestSent:   sent,
			ResponseRecvd: recvd,
		}
	}
	return out, nil
}

func (f *fakeCoordinator) Set(ctx context.Context, commands map[string][]any, ids []string) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(f.names))
	for _, n := range f.names {
		out[n] = map[string]any{"ok": true}
	}
	return out, nil
}

func (f *fakeCoordinator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSink records every row handed to Insert.
type fakeSink struct {
	mu    sync.Mutex
	rows  []map[string]any
	cols  []sink.Column
}

func (s *fakeSink) EnsureSchema(ctx context.Context, cols []sink.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols = cols
	return nil
}

func (s *fakeSink) Insert(ctx context.Context, row map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeSink) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

var _ sink.Sink = (*fakeSink)(nil)
var _ Coordinator = (*fakeCoordinator)(nil)

func TestBootstrapSchemaMaterializesColumnsFromOneGet(t *testing.T) {
	coord := &fakeCoordinator{names: []string{"mfc1"}}
	sk := &fakeSink{}
	l := New(Config{Coordinator: coord, Stats: []string{"Mass_Flow"}, RateHz: 10, Sink: sk})

	require.NoError(t, l.bootstrapSchema(context.Background()))
	require.Equal(t, 1, coord.callCount())

	names := map[string]bool{}
	for _, c := range sk.cols {
		names[c.Name] = true
	}
	require.True(t, names["Mass_Flow"])
	require.True(t, names["Time"])
	require.True(t, names["Device"])
}

// TestTickInvariant runs the logger for a fixed duration at a known
// rate and checks the persisted row count lands within one tick of
// the expected floor(duration*rate), the invariant the acquisition
// loop must hold regardless of scheduling jitter.
func TestTickInvariant(t *testing.T) {
	coord := &fakeCoordinator{names: []string{"mfc1", "mfc2"}}
	sk := &fakeSink{}
	const rateHz = 20.0
	const duration = 200 * time.Millisecond

	l := New(Config{
		Coordinator: coord,
		Stats:       []string{"Mass_Flow"},
		RateHz:      rateHz,
		Sink:        sk,
		Duration:    duration,
	})

	err := l.Run(context.Background())
	require.NoError(t, err)

	expectedTicks := int(math.Floor(duration.Seconds() * rateHz))
	gotTicks := sk.rowCount() / len(coord.names)
	require.InDelta(t, expectedTicks, gotTicks, 1)
}

func TestStopSentinelEndsLoopPromptly(t *testing.T) {
	coord := &fakeCoordinator{names: []string{"mfc1"}}
	sk := &fakeSink{}
	l := New(Config{Coordinator: coord, Stats: []string{"Mass_Flow"}, RateHz: 5, Sink: sk})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	l.Commands <- Stop{}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("logger did not stop after Stop sentinel")
	}
}

func TestSideChannelGetCommandIsAnsweredBetweenSamples(t *testing.T) {
	coord := &fakeCoordinator{names: []string{"mfc1"}}
	sk := &fakeSink{}
	l := New(Config{Coordinator: coord, Stats: []string{"Mass_Flow"}, RateHz: 5, Sink: sk})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	id := mustUUID(t)
	l.Commands <- GetCommand{ID: id, Stats: []string{"Mass_Flow"}, IDs: []string{"mfc1"}}

	select {
	case reply := <-l.Replies:
		require.Equal(t, id, reply.ID)
		require.NoError(t, reply.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received for side-channel GetCommand")
	}

	l.Commands <- Stop{}
	require.NoError(t, <-done)
}

func TestTimeoutTickIsSurvivedButOtherErrorsEndTheRun(t *testing.T) {
	timeoutCoord := &fakeCoordinator{
		names:  []string{"mfc1"},
		getErr: fmt.Errorf("get: %w", transport.ErrTimeout),
	}
	sk := &fakeSink{}
	l := New(Config{
		Coordinator: timeoutCoord,
		Stats:       []string{"Mass_Flow"},
		RateHz:      20,
		Sink:        sk,
		Duration:    150 * time.Millisecond,
	})
	require.NoError(t, l.Run(context.Background()))
	require.Greater(t, timeoutCoord.callCount(), 2)

	fatalCoord := &fakeCoordinator{
		names:  []string{"mfc1"},
		getErr: errors.New("device wedged"),
	}
	l = New(Config{
		Coordinator: fatalCoord,
		Stats:       []string{"Mass_Flow"},
		RateHz:      20,
		Sink:        &fakeSink{},
		Duration:    time.Second,
	})
	err := l.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "device wedged")
}

func TestAsyncWriteModePersistsEveryRowEventually(t *testing.T) {
	coord := &fakeCoordinator{names: []string{"mfc1"}}
	sk := &fakeSink{}
	l := New(Config{
		Coordinator: coord,
		Stats:       []string{"Mass_Flow"},
		RateHz:      20,
		Sink:        sk,
		WriteMode:   Async,
		Duration:    150 * time.Millisecond,
	})

	require.NoError(t, l.Run(context.Background()))
	require.Greater(t, sk.rowCount(), 0)
}
