// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ulfsri/alicat-daq/internal/config"
)

func TestConnectNilConfigIsNoOp(t *testing.T) {
	pub, err := Connect(nil)
	require.NoError(t, err)
	require.IsType(t, NoOp{}, pub)
	require.NoError(t, pub.Publish(Row{Device: "mfc1"}))
	pub.Close()
}

func TestConnectEmptyAddressIsNoOp(t *testing.T) {
	pub, err := Connect(&config.NatsConfig{})
	require.NoError(t, err)
	require.IsType(t, NoOp{}, pub)
}

func TestConnectUnreachableAddressErrors(t *testing.T) {
	_, err := Connect(&config.NatsConfig{Address: "nats://127.0.0.1:1"})
	require.Error(t, err)
}
