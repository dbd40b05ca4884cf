// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mercury236/pkg/mercury"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the channel to a meter",
	Long: `Send a channel test request to a meter and wait for its reply.

No session is opened and no password is needed. Useful for checking the
wiring, the gateway and the meter address before reading.

Exit codes:
  0 - Meter answered
  1 - Meter did not answer, or invalid arguments, connection failure or bus
      lock unavailable`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	addMeterFlags(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, meterFlagKeys)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mercury 236 - Channel Test\n")
	fmt.Fprintf(out, "Connection: %s\n", describeConnection(cfg.Meter))
	fmt.Fprintf(out, "Meter: %d\n", cfg.Meter.Address)
	fmt.Fprintf(out, "Timeout: %s\n\n", cfg.Meter.Timeout)

	conn, closeBus, err := openBus(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	client := mercury.NewClient(conn, byte(cfg.Meter.Address), mercury.WithTimeout(cfg.Meter.Timeout))
	start := time.Now()
	err = client.ProbeChannel()
	took := time.Since(start)
	closeBus()

	switch {
	case err == nil:
		fmt.Fprintf(out, "SUCCESS: Meter answered in %s\n", took.Round(time.Millisecond))
		return nil
	case mercury.IsTimeout(err):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No reply within %s\n", cfg.Meter.Timeout)
	default:
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
	}
	os.Exit(1)
	return nil
}
