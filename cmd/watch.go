// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal view of a meter",
	Long: `Read the meter every --interval and show the latest measurements in a
full screen terminal view.

Keys:
  r      - read now
  q      - quit

Logs are discarded while the view is active; run with --log-level debug and
redirect stderr to a file to keep them.

Example:
  mercury236 watch --addr 192.168.1.10 --meter 42 --interval 10s`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchFlagKeys = map[string]string{
	"session.interval": "interval",
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addMeterFlags(watchCmd)
	watchCmd.Flags().Duration("interval", 5*time.Second, "Interval between reads")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, mergeKeys(meterFlagKeys, watchFlagKeys))
	if err != nil {
		return err
	}

	// stderr belongs to the terminal view
	log := zap.NewNop()
	if cmd.Flags().Changed("log-level") {
		if log, err = newLogger(cfg); err != nil {
			return err
		}
		defer log.Sync()
	}

	runner, err := newRunner(cmd, cfg, log)
	if err != nil {
		return err
	}

	m := initialWatchModel(cmd.Context(), runner, describeConnection(cfg.Meter), cfg.Meter.Address, cfg.Session.Interval)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}
