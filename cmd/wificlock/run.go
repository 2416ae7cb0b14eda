//----------------------------------------------------------------------
// This file is part of wificlock.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wificlock is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wificlock is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bfix/wificlock"
	"github.com/bfix/wificlock/config"
	"github.com/bfix/wificlock/internal/logger"
	"github.com/bfix/wificlock/metrics"
	"github.com/bfix/wificlock/storage"
	"github.com/bfix/wificlock/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the clock in the foreground",
	Long: `Run the clock with the specified configuration until interrupted.

Examples:
  # Run with the default config location
  wificlock run

  # Run with debug logging
  WIFICLOCK_LOGGING_LEVEL=DEBUG wificlock run --config ./config.yaml`,
	RunE: runClock,
}

func runClock(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	log, closer, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closer.Close()
	log.Info("wificlock", slog.String("version", Version), slog.String("config", configPath()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		m = metrics.New(reg)
		srv := serveMetrics(reg, cfg.Metrics.Port, log)
		defer shutdownServer(srv)
	}

	card, err := openCard(cfg.Storage.Root, log)
	if err != nil {
		return err
	}
	dev := wificlock.InitDevice(log)
	app, err := wificlock.New(dev, card, task.SystemClock{}, cfg, log, m)
	if err != nil {
		return err
	}

	if cfg.Diag.Enabled {
		ns, err := app.Namespace("wificlock", "wificlock")
		if err != nil {
			return err
		}
		go func() {
			log.Info("diag:listening", slog.String("addr", cfg.Diag.Listen))
			if err := ns.Serve(cfg.Diag.Listen); err != nil {
				log.Error("diag:serve", slog.String("err", err.Error()))
			}
		}()
	}

	app.Start()
	err = app.Run(ctx, cfg.TickPeriod)
	if errors.Is(err, context.Canceled) {
		log.Info("shutdown complete")
		return nil
	}
	return err
}

// openCard returns the storage card: a host directory or, without a
// root, an in-memory card.
func openCard(root string, log *slog.Logger) (*storage.Card, error) {
	if root == "" {
		log.Warn("storage:using in-memory card")
		return storage.NewCard(afero.NewMemMapFs(), log), nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return storage.OpenDir(root, log)
}

// serveMetrics exposes the registry on /metrics.
func serveMetrics(reg *prometheus.Registry, port int, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics:listening", slog.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics:serve", slog.String("err", err.Error()))
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
