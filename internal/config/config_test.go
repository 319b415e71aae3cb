// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matta/mailpoll/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfg, err := Load(writeConfig(t, "server:\n  host: mail.example.com\n"), nil)
	require.NoError(t, err)

	assert.Equal(t, transport.IMAP, cfg.Server.Kind)
	assert.Equal(t, transport.ImplicitTLS, cfg.Server.Encryption)
	assert.Equal(t, 993, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Sync.ReconnectDelay)
	assert.Equal(t, 256, cfg.Sync.BusBuffer)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, filepath.Join(home, ".mailpoll", "mail.db"), cfg.Cache.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Metrics.Listen)
}

func TestFileEnvAndFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
server:
  kind: pop3
  encryption: none
  host: pop.example.com
  user: ann
sync:
  poll_interval: 1m
transport:
  rate_per_second: 2.5
cache:
  path: /var/lib/mailpoll/cache.db
log:
  level: debug
`)
	t.Setenv("MAILPOLL_SERVER_USER", "bob")
	t.Setenv("MAILPOLL_SERVER_PASSWORD", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("server.host", "", "")
	fs.Bool("transport.trace", false, "")
	fs.Bool("unrelated", false, "")
	require.NoError(t, fs.Parse([]string{"--server.host=other.example.com", "--transport.trace"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, transport.POP3, cfg.Server.Kind)
	assert.Equal(t, transport.Unencrypted, cfg.Server.Encryption)
	assert.Equal(t, 110, cfg.Server.Port)
	assert.Equal(t, "other.example.com", cfg.Server.Host)
	assert.Equal(t, "bob", cfg.Server.User)
	assert.Equal(t, "from-env", cfg.Server.Password)
	assert.Equal(t, time.Minute, cfg.Sync.PollInterval)
	assert.Equal(t, 2.5, cfg.Transport.RatePerSecond)
	assert.True(t, cfg.Transport.Trace)
	assert.Equal(t, "/var/lib/mailpoll/cache.db", cfg.Cache.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInvalidSettings(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cases := map[string]struct {
		body string
		want error
	}{
		"kind":       {"server:\n  kind: smtp\n", transport.ErrUnknownServerKind},
		"encryption": {"server:\n  encryption: maybe\n", transport.ErrUnknownEncryption},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body), nil)
			assert.True(t, errors.Is(err, tc.want), "Load() = %v, want %v", err, tc.want)
		})
	}

	_, err := Load(writeConfig(t, "sync:\n  poll_interval: 0s\n"), nil)
	assert.Error(t, err)
	_, err = Load(writeConfig(t, "server:\n  port: 70000\n"), nil)
	assert.Error(t, err)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
