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
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/config"
	"github.com/matta/mailpoll/internal/metrics"
	"github.com/matta/mailpoll/internal/persist"
	"github.com/matta/mailpoll/internal/sync"
	"github.com/matta/mailpoll/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synchronize until interrupted",
	Long: "Polls the configured inbox, printing connection states, new headers and downloaded contents.  " +
		"Each message id typed on standard input requests its content.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, log)
	},
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	pw, err := password(cfg)
	if err != nil {
		return errors.Wrap(err, "unable to find password")
	}

	db, err := persist.Open(ctx, cfg.Cache.Path, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	dialer := &transport.Dialer{
		Port:    cfg.Server.Port,
		Timeout: cfg.Transport.Timeout,
		Limiter: transport.NewLimiter(cfg.Transport.RatePerSecond, cfg.Transport.Burst),
		Log:     log,
	}
	if cfg.Transport.Trace {
		dialer.Trace = log.Named("trace")
	}

	e, err := sync.New(sync.Options{
		Cache:          db,
		Dialer:         dialer,
		Log:            log,
		Metrics:        m,
		PollInterval:   cfg.Sync.PollInterval,
		ReconnectDelay: cfg.Sync.ReconnectDelay,
		BusBuffer:      cfg.Sync.BusBuffer,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create sync engine")
	}

	c := newConsole(os.Stdout)
	printed := c.follow(e)
	go requestFromLines(os.Stdin, e, log)

	e.LoadAllExistingMailHeaders()
	if err := e.Start(cfg.Server.Kind, cfg.Server.Encryption, cfg.Server.Host, cfg.Server.User, pw); err != nil {
		e.Close()
		<-printed
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	e.Stop()
	e.Close()
	<-printed
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
