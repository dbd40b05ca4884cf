// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/internal/telemetry"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read one set of measurements from a meter",
	Long: `Open a session with a Mercury 236 meter, read every measurement and print
a report.

The meter is reached through a bus gateway (--addr) or a local RS-485 adapter
(--serial). Reads are made in a fixed order and stop at the first failure;
a meter that does not answer the channel test is reported with mains off.

Formats:
  human - fixed width report (default)
  csv   - one data line, with a header line when --header is given
  json  - one line, two decimal places

Examples:
  mercury236 read --addr 192.168.1.10 --meter 42
  mercury236 read --serial /dev/ttyUSB0 --format json
  mercury236 read --test-run

Exit codes:
  0 - Report printed (including an unreachable meter, reported as mains off)
  1 - Invalid arguments, unknown format, connection failure or bus lock unavailable`,
	Args: cobra.NoArgs,
	RunE: runRead,
}

var readFlagKeys = map[string]string{
	"session.format": "format",
	"session.header": "header",
}

func init() {
	rootCmd.AddCommand(readCmd)
	addMeterFlags(readCmd)
	readCmd.Flags().String("format", "human", "Output format (human, csv, json)")
	readCmd.Flags().Bool("header", false, "Print the csv header line")
	readCmd.Flags().Bool("test-run", false, "Print a reachable meter report without touching the bus")
	readCmd.Flags().Bool("test-fail", false, "Print an unreachable meter report without touching the bus")
	readCmd.MarkFlagsMutuallyExclusive("test-run", "test-fail")
}

func runRead(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, mergeKeys(meterFlagKeys, readFlagKeys))
	if err != nil {
		return err
	}
	format, err := telemetry.ParseFormat(cfg.Session.Format)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	testRun, _ := cmd.Flags().GetBool("test-run")
	testFail, _ := cmd.Flags().GetBool("test-fail")

	var snap telemetry.Snapshot
	var res session.Result
	switch {
	case testRun:
		snap, res = session.DryRun(true)
	case testFail:
		snap, res = session.DryRun(false)
	default:
		runner, err := newRunner(cmd, cfg, log)
		if err != nil {
			return err
		}
		log.Debug("reading meter",
			zap.String("connection", describeConnection(cfg.Meter)),
			zap.Uint("address", cfg.Meter.Address))
		snap, res, err = runner.Query(cmd.Context())
		if err != nil {
			return err
		}
	}

	if res.Failed != "" {
		log.Info("session ended early",
			zap.String("step", res.Failed),
			zap.Stringer("state", res.State),
			zap.Bool("unreachable", res.Unreachable),
			zap.Error(res.Err))
	}

	if err := telemetry.Render(cmd.OutOrStdout(), snap, format, cfg.Session.Header, time.Now()); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
