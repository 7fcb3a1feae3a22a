// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the daemon's JSON configuration
// document: which serial ports to register, at what rate to log them,
// and where to persist and optionally fan out the results. An
// embedded JSON-Schema document is checked before decoding into a
// typed struct.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ulfsri/alicat-daq/pkg/log"
)

//go:embed schema.json
var schemaFS embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFS.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchema
}

// Validate checks raw against the embedded config schema.
func Validate(r io.Reader) error {
	s, err := jsonschema.Compile("embedFS://schema.json")
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return fmt.Errorf("config: decode for validation: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PortConfig describes one device to register with the coordinator at
// startup.
type PortConfig struct {
	Port      string `json:"port"`
	Baud      int    `json:"baud"`
	TimeoutMS int    `json:"timeout-ms"`
	ID        string `json:"id"`
}

// NatsConfig configures the optional live telemetry fan-out.
type NatsConfig struct {
	Address       string `json:"address"`
	Subject       string `json:"subject"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"creds-file-path"`
}

// ProgramConfig is the daemon's full configuration, decoded from the
// JSON document named by the -config flag.
type ProgramConfig struct {
	Addr string `json:"addr"`

	User  string `json:"user"`
	Group string `json:"group"`

	DBDriver string `json:"db-driver"`
	DB       string `json:"db"`

	RateHz    float64  `json:"rate-hz"`
	WriteMode string   `json:"write-mode"`
	Stats     []string `json:"stats"`

	RetentionInterval string `json:"retention-interval"`

	Ports map[string]PortConfig `json:"ports"`
	Nats  *NatsConfig           `json:"nats"`
}

// Keys holds the global program configuration, populated by Init.
var Keys = ProgramConfig{
	Addr:              ":8090",
	DBDriver:          "sqlite3",
	DB:                "./var/alicat.db",
	RateHz:            1,
	WriteMode:         "sync",
	RetentionInterval: "24h",
}

// Init loads a ".env" file (if present), reads configFile, validates
// it against the embedded schema and decodes it into Keys. As a
// special case, a "db" value of the form "env:VARNAME" is replaced
// with the named environment variable, so a DSN carrying credentials
// never has to live in the config file.
func Init(configFile string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: loading .env: %v", err)
	}

	raw, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", configFile, err)
	}

	if err := Validate(bytes.NewReader(raw)); err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("config: decode %s: %w", configFile, err)
	}

	if strings.HasPrefix(Keys.DB, "env:") {
		Keys.DB = os.Getenv(strings.TrimPrefix(Keys.DB, "env:"))
	}
	if Keys.Nats != nil && strings.HasPrefix(Keys.Nats.Password, "env:") {
		Keys.Nats.Password = os.Getenv(strings.TrimPrefix(Keys.Nats.Password, "env:"))
	}

	if len(Keys.Ports) == 0 {
		return fmt.Errorf("config: at least one port required in %s", configFile)
	}
	return nil
}
