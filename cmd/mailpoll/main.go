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

package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/config"
	"github.com/matta/mailpoll/internal/credential"
	"github.com/matta/mailpoll/internal/homedir"
	"github.com/matta/mailpoll/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "mailpoll",
	Short:         "Keep a local cache of a remote inbox",
	Long:          "mailpoll polls an IMAP or POP3 inbox, caches new headers and downloads message contents in the background.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.mailpoll/config.yaml)")
	pf.String("server.kind", "imap", "server kind: imap or pop3")
	pf.String("server.encryption", "tls", "encryption: tls, starttls or none")
	pf.String("server.host", "", "mail server host, optionally host:port")
	pf.Int("server.port", 0, "mail server port (default depends on kind and encryption)")
	pf.String("server.user", "", "account user name")
	pf.String("cache.path", "", "cache database (default ~/.mailpoll/mail.db)")
	pf.String("log.level", "info", "log level")
	pf.String("metrics.listen", "", "serve /metrics on this address")
	pf.BoolP("transport.trace", "T", false, "request debug tracing")

	rootCmd.AddCommand(runCmd, headersCmd, loginCmd)
}

// setup loads the config and builds the logger shared by every
// command.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to load config")
	}
	if cfg.Transport.Trace {
		cfg.Log.Level = "debug"
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to initialize logging")
	}
	return cfg, log, nil
}

func openCredentials() (*credential.Store, error) {
	dir, err := homedir.Path("keyring")
	if err != nil {
		return nil, err
	}
	return credential.Open(dir)
}

// password returns the configured password, falling back to the
// keyring.
func password(cfg *config.Config) (string, error) {
	if cfg.Server.Password != "" {
		return cfg.Server.Password, nil
	}
	store, err := openCredentials()
	if err != nil {
		return "", err
	}
	pw, err := store.Get(cfg.Server.User, cfg.Server.Host)
	if errors.Is(err, credential.ErrNotFound) {
		return "", errors.Wrap(err, "set server.password or run 'mailpoll login'")
	}
	return pw, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
