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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/matta/mailpoll/internal/persist"
)

var headersCmd = &cobra.Command{
	Use:   "headers",
	Short: "Print every cached header and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx := cmd.Context()
		db, err := persist.Open(ctx, cfg.Cache.Path, log)
		if err != nil {
			return errors.Wrap(err, "unable to initialize database")
		}
		defer db.Close()

		headers, err := db.AllHeaders(ctx)
		if err != nil {
			return errors.Wrap(err, "unable to read headers")
		}
		c := newConsole(cmd.OutOrStdout())
		for _, h := range headers {
			c.header(h)
		}
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the account password in the OS keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.Server.User == "" || cfg.Server.Host == "" {
			return errors.New("server.user and server.host must be set")
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s@%s: ", cfg.Server.User, cfg.Server.Host)
		pw, err := readPassword(os.Stdin)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return errors.Wrap(err, "unable to read password")
		}
		if pw == "" {
			return errors.New("empty password")
		}

		store, err := openCredentials()
		if err != nil {
			return err
		}
		return store.Set(cfg.Server.User, cfg.Server.Host, pw)
	},
}

// readPassword reads one line from f without echo when f is a
// terminal.
func readPassword(f *os.File) (string, error) {
	if term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
