// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes Prometheus counters and gauges for the
// command surface and the logger's tick loop: commands issued,
// commands failed, timeouts, and how far a logger tick has drifted
// from its nominal schedule.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsIssued counts every command written to a device, by
	// device name and command verb.
	CommandsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alicat_commands_issued_total",
		Help: "Total number of commands written to a device.",
	}, []string{"device", "command"})

	// CommandsFailed counts command failures, by device name and
	// error kind.
	CommandsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alicat_commands_failed_total",
		Help: "Total number of commands that returned an error.",
	}, []string{"device", "kind"})

	// Timeouts counts transport-level timeouts, by device name.
	Timeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alicat_timeouts_total",
		Help: "Total number of transport timeouts.",
	}, []string{"device"})

	// LoggerTickDriftSeconds is the signed difference between a
	// logger tick's actual fire time and its nominal schedule.
	LoggerTickDriftSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alicat_logger_tick_drift_seconds",
		Help: "Difference between the logger's actual and nominal tick time, in seconds.",
	})

	// LoggerOverruns counts ticks the logger had to skip ahead past
	// because elapsed time overshot a full sampling period.
	LoggerOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alicat_logger_overruns_total",
		Help: "Total number of SamplingOverrun events.",
	})

	// LoggerRowsPersisted counts rows the logger has successfully
	// written to the sink, by device name.
	LoggerRowsPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alicat_logger_rows_persisted_total",
		Help: "Total number of rows persisted by the logger.",
	}, []string{"device"})
)

func init() {
	prometheus.MustRegister(
		CommandsIssued,
		CommandsFailed,
		Timeouts,
		LoggerTickDriftSeconds,
		LoggerOverruns,
		LoggerRowsPersisted,
	)
}

// Handler returns the HTTP handler serving the registered metrics in
// the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
