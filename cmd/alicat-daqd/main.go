// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/ulfsri/alicat-daq/internal/config"
	"github.com/ulfsri/alicat-daq/internal/coordinator"
	"github.com/ulfsri/alicat-daq/internal/device"
	"github.com/ulfsri/alicat-daq/internal/logger"
	"github.com/ulfsri/alicat-daq/internal/metrics"
	"github.com/ulfsri/alicat-daq/internal/sink"
	"github.com/ulfsri/alicat-daq/internal/telemetry"
	"github.com/ulfsri/alicat-daq/internal/transport"
	"github.com/ulfsri/alicat-daq/pkg/log"
)

func main() {
	var flagConfigFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the global config options by those specified in `config.json`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := config.Init(flagConfigFile); err != nil {
		log.Fatal(err)
	}

	// The order here matters: the sink and telemetry must be ready
	// before any device is discovered, since discovery logs are the
	// first thing that could race a half-initialized sink.
	sk, err := sink.Open(config.Keys.DBDriver, config.Keys.DB)
	if err != nil {
		log.Fatal(err)
	}

	pub, err := telemetry.Connect(config.Keys.Nats)
	if err != nil {
		log.Fatal(err)
	}
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(nil)
	devs := make(map[string]coordinator.Target, len(config.Keys.Ports))
	for name, pc := range config.Keys.Ports {
		h, err := openHandle(ctx, pc)
		if err != nil {
			log.Fatalf("discover %q on %s: %s", name, pc.Port, err.Error())
		}
		devs[name] = coordinator.Target{Handle: h}
	}
	if err := coord.Init(ctx, devs); err != nil {
		log.Fatal(err)
	}
	log.Infof("registered %d device(s): %v", len(coord.Names()), coord.Names())

	retentionInterval, err := time.ParseDuration(config.Keys.RetentionInterval)
	if err != nil {
		log.Fatalf("config: retention-interval: %s", err.Error())
	}

	lg := logger.New(logger.Config{
		Coordinator:       coord,
		Stats:             config.Keys.Stats,
		RateHz:            config.Keys.RateHz,
		Sink:              sk,
		Telemetry:         pub,
		WriteMode:         logger.WriteMode(config.Keys.WriteMode),
		RetentionInterval: retentionInterval,
		RetentionAge:      30 * 24 * time.Hour,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lg.Run(ctx); err != nil && err != context.Canceled {
			log.Errorf("logger: %s", err.Error())
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: config.Keys.Addr, Handler: mux}

	listener, err := net.Listen("tcp", config.Keys.Addr)
	if err != nil {
		log.Fatal(err)
	}

	// Because the program may want to bind to a privileged port, the
	// listener and every serial/TCP device link must be opened first;
	// only then can the user be dropped.
	if err := dropPrivileges(config.Keys.Group, config.Keys.User); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server: %s", err.Error())
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	systemdNotify(true, "running")

	<-sigs
	systemdNotify(false, "shutting down")
	log.Info("shutting down")

	cancel()
	_ = server.Shutdown(context.Background())
	wg.Wait()

	for _, h := range coord.List() {
		_ = h.Close()
	}
	_ = sk.Close()
	log.Info("graceful shutdown completed")
}

// openHandle opens the transport for one configured port and runs
// discovery against it. The concrete byte pump is a TCP dial -- the
// natural default for Alicat instruments reached through a
// serial-to-Ethernet bridge; a direct USB-serial deployment supplies
// its own Dialer by swapping this one out.
func openHandle(ctx context.Context, pc config.PortConfig) (*device.Handle, error) {
	cfg := transport.Config{Port: pc.Port, Baud: pc.Baud, TimeoutMS: pc.TimeoutMS}
	tr, err := transport.New(cfg, dialTCP, 0)
	if err != nil {
		return nil, err
	}
	if err := tr.Open(ctx); err != nil {
		return nil, err
	}
	if len(pc.ID) != 1 {
		return nil, fmt.Errorf("config: port %q: id must be exactly one character, got %q", pc.Port, pc.ID)
	}
	return device.Discover(ctx, tr, pc.ID[0])
}

func dialTCP(cfg transport.Config) (transport.Conn, error) {
	conn, err := net.DialTimeout("tcp", cfg.Port, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Port, err)
	}
	return conn, nil
}
