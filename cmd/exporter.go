// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/internal/exporter"
)

var exporterCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Serve meter measurements as Prometheus metrics",
	Long: `Serve the meter's measurements over HTTP.

Routes:
  /metrics     - Prometheus metrics, one meter session per scrape
  /healthcheck - "health_check: OK" while the meter's bus can be reached
  /live        - websocket feed of the json report every --live-interval

Sessions are serialized within the process and take the bus lock, so the
exporter can share a gateway with other readers.

Examples:
  mercury236 exporter --addr 192.168.1.10 --meter 42
  mercury236 exporter --serial /dev/ttyUSB0 --http :9236

Exit codes:
  0 - Stopped by signal
  1 - Invalid arguments or listen failure`,
	Args: cobra.NoArgs,
	RunE: runExporter,
}

var exporterFlagKeys = map[string]string{
	"exporter.listen":        "http",
	"exporter.http_log":      "http-log",
	"exporter.live_interval": "live-interval",
}

func init() {
	rootCmd.AddCommand(exporterCmd)
	addMeterFlags(exporterCmd)
	f := exporterCmd.Flags()
	f.String("http", ":9236", "HTTP listen address")
	f.Bool("http-log", false, "Log every HTTP request")
	f.Duration("live-interval", exporter.DefaultLiveInterval, "Interval between /live updates")
}

func runExporter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, mergeKeys(meterFlagKeys, exporterFlagKeys))
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	runner, err := newRunner(cmd, cfg, log)
	if err != nil {
		return err
	}

	collector := exporter.NewCollector(runner, scrapeTimeout(cfg), log)
	srv, err := exporter.NewServer(collector, exporter.Options{
		Address:      byte(cfg.Meter.Address),
		HttpLog:      cfg.Exporter.HttpLog,
		LiveInterval: cfg.Exporter.LiveInterval,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	log.Info("exporting meter",
		zap.String("connection", describeConnection(cfg.Meter)),
		zap.Uint("address", cfg.Meter.Address))
	return srv.ListenAndServe(cmd.Context(), cfg.Exporter.Listen)
}

// scrapeTimeout bounds the lock wait and the dial of one query; session steps carry
// their own reply timeout. A lock wait of 0 waits forever, so the query is unbounded.
func scrapeTimeout(cfg config.Config) time.Duration {
	if cfg.Lock.Disabled {
		return cfg.Meter.Timeout
	}
	if cfg.Lock.Wait == 0 {
		return 0
	}
	return cfg.Lock.Wait + cfg.Meter.Timeout
}
