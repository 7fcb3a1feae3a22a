// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry provides an optional live fan-out of every row the
// logger persists, mirrored onto a NATS subject so a dashboard or
// another consumer can watch the acquisition loop without querying the
// sink.
package telemetry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ulfsri/alicat-daq/internal/config"
	"github.com/ulfsri/alicat-daq/pkg/log"
)

// defaultSubject is used when the configuration doesn't name one.
const defaultSubject = "alicat.rows"

// Row is one logger sample for one device: its name and statistic
// values, without the Time and round-trip timestamp columns the sink
// row adds.
type Row struct {
	Device string         `json:"device"`
	Values map[string]any `json:"values"`
}

// Publisher is what the logger depends on to mirror a row. A nil
// Publisher (NoOp) is always valid -- telemetry is optional.
type Publisher interface {
	Publish(row Row) error
	Close()
}

// NoOp is a Publisher that discards every row, used when no "nats"
// section is configured.
type NoOp struct{}

func (NoOp) Publish(Row) error { return nil }
func (NoOp) Close()            {}

// Client wraps a NATS connection bound to one subject.
type Client struct {
	conn    *nats.Conn
	subject string
	mu      sync.Mutex
}

var _ Publisher = (*Client)(nil)

// Connect dials the NATS server described by cfg. A nil cfg or an
// empty Address yields a NoOp publisher instead of an error, since
// telemetry is an optional collaborator.
func Connect(cfg *config.NatsConfig) (Publisher, error) {
	if cfg == nil || cfg.Address == "" {
		return NoOp{}, nil
	}

	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Warnf("telemetry: disconnected: %v", err)
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		log.Infof("telemetry: reconnected to %s", nc.ConnectedUrl())
	}))
	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		log.Errorf("telemetry: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", cfg.Address, err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}
	log.Infof("telemetry: connected to %s, publishing on %s", cfg.Address, subject)
	return &Client{conn: nc, subject: subject}, nil
}

// Publish marshals row as JSON and publishes it to the configured
// subject.
func (c *Client) Publish(row Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("telemetry: marshal row for %s: %w", row.Device, err)
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("telemetry: publish %s: %w", row.Device, err)
	}
	return nil
}

// Close flushes and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Flush()
		c.conn.Close()
	}
}
