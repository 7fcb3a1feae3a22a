// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(fp, []byte(body), 0o644))
	return fp
}

func TestInit(t *testing.T) {
	Keys = ProgramConfig{}
	fp := writeConfig(t, `{
		"addr": ":9090",
		"db-driver": "sqlite3",
		"db": "./var/test.db",
		"rate-hz": 10,
		"write-mode": "async",
		"stats": ["Mass_Flow", "Abs_Press"],
		"ports": {"mfc1": {"port": "/dev/ttyUSB0", "baud": 19200, "id": "A"}}
	}`)

	require.NoError(t, Init(fp))
	require.Equal(t, ":9090", Keys.Addr)
	require.Equal(t, "async", Keys.WriteMode)
	require.Equal(t, 19200, Keys.Ports["mfc1"].Baud)
}

func TestInitMissingFileIsNotAnError(t *testing.T) {
	Keys = ProgramConfig{}
	require.NoError(t, Init(filepath.Join(t.TempDir(), "does-not-exist.json")))
}

func TestInitRejectsUnknownFields(t *testing.T) {
	fp := writeConfig(t, `{
		"db-driver": "sqlite3",
		"db": "./var/test.db",
		"ports": {"mfc1": {"port": "/dev/ttyUSB0"}},
		"bogus-field": true
	}`)
	require.Error(t, Init(fp))
}

func TestInitRequiresAtLeastOnePort(t *testing.T) {
	Keys = ProgramConfig{}
	fp := writeConfig(t, `{
		"db-driver": "sqlite3",
		"db": "./var/test.db",
		"ports": {}
	}`)
	require.Error(t, Init(fp))
}

func TestInitEnvIndirection(t *testing.T) {
	t.Setenv("ALICAT_TEST_DSN", "postgres://user@host/db")
	fp := writeConfig(t, `{
		"db-driver": "postgres",
		"db": "env:ALICAT_TEST_DSN",
		"ports": {"mfc1": {"port": "/dev/ttyUSB0"}}
	}`)
	require.NoError(t, Init(fp))
	require.Equal(t, "postgres://user@host/db", Keys.DB)
}
