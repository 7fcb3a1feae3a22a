// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logger implements the acquisition coordinator's periodic
// logging loop: rate-paced polling of a named device registry, schema
// materialization against a persistence sink, a side-channel command
// queue that lets callers issue ad-hoc get/set calls between samples,
// and a gocron-driven housekeeping job that prunes the sink's
// retention window alongside the sampling loop.
package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/ulfsri/alicat-daq/internal/coordinator"
	"github.com/ulfsri/alicat-daq/internal/metrics"
	"github.com/ulfsri/alicat-daq/internal/sink"
	"github.com/ulfsri/alicat-daq/internal/telemetry"
	"github.com/ulfsri/alicat-daq/internal/transport"
	"github.com/ulfsri/alicat-daq/pkg/log"
)

// Coordinator is the subset of *coordinator.Coordinator the logger
// depends on, expressed as an interface so tests can fake a device
// fleet without real transports.
type Coordinator interface {
	Get(ctx context.Context, stats []string, ids []string) (map[string]coordinator.Reading, error)
	Set(ctx context.Context, commands map[string][]any, ids []string) (map[string]map[string]any, error)
}

// WriteMode selects whether a tick's rows are persisted before the
// next sample is taken (synchronous) or in parallel with it
// (asynchronous, at most one batch pending).
type WriteMode string

const (
	Sync  WriteMode = "sync"
	Async WriteMode = "async"
)

// Stop is the inbound-channel sentinel that ends the logging loop.
type Stop struct{}

// GetCommand is a side-channel request to run the coordinator's Get
// between samples. Reply arrives on the logger's Replies channel
// carrying the same ID.
type GetCommand struct {
	ID    uuid.UUID
	Stats []string
	IDs   []string
}

// SetCommand is a side-channel request to run the coordinator's Set
// between samples.
type SetCommand struct {
	ID   uuid.UUID
	Cmds map[string][]any
	IDs  []string
}

// Reply carries a side-channel command's result back to whoever sent
// it, correlated by ID.
type Reply struct {
	ID     uuid.UUID
	Result any
	Err    error
}

// Config configures one Logger run.
type Config struct {
	Coordinator Coordinator
	Stats       []string
	RateHz      float64
	Sink        sink.Sink
	Telemetry   telemetry.Publisher

	// WriteMode defaults to Sync.
	WriteMode WriteMode

	// Duration, if nonzero, ends the run after this much time has
	// elapsed even without an explicit Stop.
	Duration time.Duration

	// RetentionInterval configures the gocron housekeeping job that
	// runs runHousekeeping. Zero disables it.
	RetentionInterval time.Duration
	// RetentionAge bounds how old a persisted row may get before
	// runHousekeeping prunes it via Sink.DeleteOlderThan; zero turns
	// the prune into a no-op.
	RetentionAge time.Duration
}

// Logger drives the periodic acquisition loop: a configured rate, a
// target statistic list, a persistence sink held open for the run's
// duration, and a side-channel command queue that decouples ad-hoc
// control from the sampling loop.
type Logger struct {
	cfg       Config
	Commands  chan any
	Replies   chan Reply
	scheduler gocron.Scheduler
}

// New builds a Logger ready to Run. The inbound Commands channel and
// outbound Replies channel are unbuffered; callers send on Commands
// and receive on Replies from a separate goroutine so as not to
// deadlock the loop.
func New(cfg Config) *Logger {
	if cfg.WriteMode == "" {
		cfg.WriteMode = Sync
	}
	return &Logger{
		cfg:      cfg,
		Commands: make(chan any),
		Replies:  make(chan Reply),
	}
}

// period is the nominal duration between ticks.
func (l *Logger) period() time.Duration {
	return time.Duration(float64(time.Second) / l.cfg.RateHz)
}

// Row is one device's sample, ready for both the sink and telemetry.
type Row struct {
	Device        string
	Time          time.Time
	RequestSent   time.Time
	ResponseRecvd time.Time
	Values        map[string]any
}

// sinkRow flattens Row into the map[string]any shape sink.Insert
// expects: every stat key plus "Time", "Device" and the two
// round-trip timestamps the schema bootstrap already declared.
func (r Row) sinkRow() map[string]any {
	out := make(map[string]any, len(r.Values)+4)
	for k, v := range r.Values {
		out[k] = v
	}
	out["Time"] = r.Time
	out["Device"] = r.Device
	out["Request Sent"] = r.RequestSent
	out["Response Received"] = r.ResponseRecvd
	return out
}

// Run bootstraps the sink schema, starts the housekeeping scheduler
// (if configured) and drives the sampling loop until ctx is canceled,
// a Stop arrives on Commands, or cfg.Duration elapses.
func (l *Logger) Run(ctx context.Context) error {
	if err := l.bootstrapSchema(ctx); err != nil {
		return fmt.Errorf("logger: bootstrap: %w", err)
	}

	if l.cfg.RetentionInterval > 0 {
		s, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("logger: scheduler: %w", err)
		}
		l.scheduler = s
		if _, err := s.NewJob(
			gocron.DurationJob(l.cfg.RetentionInterval),
			gocron.NewTask(func() {
				l.runHousekeeping(ctx)
			}),
		); err != nil {
			return fmt.Errorf("logger: register housekeeping job: %w", err)
		}
		s.Start()
		defer func() { _ = s.Shutdown() }()
	}

	return l.loop(ctx)
}

// bootstrapSchema runs one Get(stats) to learn the per-device reply
// shape, unions every device's keys with Time/Device, and hands the
// resulting column set to the sink.
func (l *Logger) bootstrapSchema(ctx context.Context) error {
	readings, err := l.cfg.Coordinator.Get(ctx, l.cfg.Stats, nil)
	if err != nil {
		return err
	}
	union := map[string]any{}
	for _, r := range readings {
		for k, v := range r.Values {
			union[k] = v
		}
	}
	union["Request Sent"] = time.Now()
	union["Response Received"] = time.Now()
	return l.cfg.Sink.EnsureSchema(ctx, sink.BootstrapSchema(union))
}

// runHousekeeping prunes rows older than RetentionAge. It is invoked
// by the gocron job registered in Run and logs rather than propagates
// errors, since a failed prune should not bring the sampling loop
// down.
func (l *Logger) runHousekeeping(ctx context.Context) {
	if l.cfg.RetentionAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.cfg.RetentionAge)
	n, err := l.cfg.Sink.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Warnf("logger: housekeeping: %v", err)
		return
	}
	if n > 0 {
		log.Infof("logger: housekeeping pruned %d row(s) older than %s", n, cutoff)
	}
}

func (l *Logger) loop(ctx context.Context) error {
	start := time.Now()
	reps := 0
	var pending chan error // outstanding async persist batch, if any

	for {
		target := start.Add(time.Duration(reps) * l.period())
		if l.cfg.Duration > 0 && target.Sub(start) >= l.cfg.Duration {
			return l.drainPending(pending)
		}

		if wait := time.Until(target); wait > 0 {
			timer := time.NewTimer(wait)
			stopped, err := l.waitOrHandle(ctx, timer, pending)
			timer.Stop()
			if stopped {
				return l.drainPending(pending)
			}
			if err != nil {
				return err
			}
		}

		now := time.Now()
		elapsed := now.Sub(start)
		nominal := time.Duration(reps) * l.period()
		if overshoot := elapsed - nominal; overshoot >= l.period() {
			skipped := int(overshoot / l.period())
			reps += skipped
			metrics.LoggerOverruns.Inc()
			log.Warnf("logger: SamplingOverrun, skipping ahead %d tick(s)", skipped)
		}

		metrics.LoggerTickDriftSeconds.Set(now.Sub(start.Add(time.Duration(reps) * l.period())).Seconds())

		readings, err := l.cfg.Coordinator.Get(ctx, l.cfg.Stats, nil)
		if err != nil {
			if ctx.Err() != nil {
				return l.drainPending(pending)
			}
			// A timed-out tick is survivable: the handle stays usable
			// and the next sample may well succeed. Anything else ends
			// the run.
			if errors.Is(err, transport.ErrTimeout) {
				log.Warnf("logger: tick %d: %v", reps, err)
				reps++
				continue
			}
			if derr := l.drainPending(pending); derr != nil {
				log.Errorf("logger: async persist during shutdown: %v", derr)
			}
			return fmt.Errorf("logger: tick %d: %w", reps, err)
		}

		rows := toRows(readings)
		if l.cfg.WriteMode == Async {
			if pending != nil {
				if err := <-pending; err != nil {
					return fmt.Errorf("logger: async persist: %w", err)
				}
			}
			done := make(chan error, 1)
			go func() { done <- l.persist(ctx, rows) }()
			pending = done
		} else {
			if err := l.persist(ctx, rows); err != nil {
				return fmt.Errorf("logger: persist: %w", err)
			}
		}

		reps++
	}
}

// waitOrHandle blocks until timer fires, ctx is canceled, or a
// side-channel command arrives. It returns stopped=true if a Stop
// message or context cancellation ended the run.
func (l *Logger) waitOrHandle(ctx context.Context, timer *time.Timer, pending chan error) (stopped bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-timer.C:
			return false, nil
		case msg := <-l.Commands:
			if _, ok := msg.(Stop); ok {
				return true, nil
			}
			l.handleSideCommand(ctx, msg)
		}
	}
}

func (l *Logger) handleSideCommand(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case GetCommand:
		result, err := l.cfg.Coordinator.Get(ctx, m.Stats, m.IDs)
		l.Replies <- Reply{ID: m.ID, Result: result, Err: err}
	case SetCommand:
		result, err := l.cfg.Coordinator.Set(ctx, m.Cmds, m.IDs)
		l.Replies <- Reply{ID: m.ID, Result: result, Err: err}
	default:
		log.Warnf("logger: unrecognized side-channel command %T", msg)
	}
}

func (l *Logger) drainPending(pending chan error) error {
	if pending == nil {
		return nil
	}
	return <-pending
}

// persist writes rows to the sink and mirrors them to telemetry.
func (l *Logger) persist(ctx context.Context, rows []Row) error {
	for _, r := range rows {
		if err := l.cfg.Sink.Insert(ctx, r.sinkRow()); err != nil {
			return err
		}
		metrics.LoggerRowsPersisted.WithLabelValues(r.Device).Inc()
		if l.cfg.Telemetry != nil {
			if err := l.cfg.Telemetry.Publish(telemetry.Row{Device: r.Device, Values: r.Values}); err != nil {
				log.Warnf("logger: telemetry publish for %s: %v", r.Device, err)
			}
		}
	}
	return nil
}

// toRows converts one fan-out's readings into persist-ready Rows,
// with Time set to the midpoint of each device's own
// request-sent/response-received pair.
func toRows(readings map[string]coordinator.Reading) []Row {
	rows := make([]Row, 0, len(readings))
	for device, r := range readings {
		mid := r.RequestSent.Add(r.ResponseRecvd.Sub(r.RequestSent) / 2)
		rows = append(rows, Row{
			Device:        device,
			Time:          mid,
			RequestSent:   r.RequestSent,
			ResponseRecvd: r.ResponseRecvd,
			Values:        r.Values,
		})
	}
	return rows
}
