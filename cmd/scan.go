// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

var (
	scanFrom uint
	scanTo   uint
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find meters on the bus",
	Long: `Send a channel test request to every address in a range and list the
meters that answer.

Each address waits up to --timeout for a reply, so a full scan of 1-240 at
the default timeout takes about two minutes. The bus lock is held for the
whole scan.

Examples:
  mercury236 scan --addr 192.168.1.10
  mercury236 scan --serial /dev/ttyUSB0 --from 40 --to 50 --timeout 200ms

Exit codes:
  0 - At least one meter found
  1 - No meter answered, or invalid arguments, connection failure or bus lock
      unavailable`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addMeterFlags(scanCmd)
	scanCmd.Flags().UintVar(&scanFrom, "from", 1, "First address")
	scanCmd.Flags().UintVar(&scanTo, "to", config.MaxMeterAddress, "Last address")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFrom < 1 || scanTo > config.MaxMeterAddress || scanFrom > scanTo {
		return fmt.Errorf("invalid address range %d-%d (1-%d)", scanFrom, scanTo, config.MaxMeterAddress)
	}
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
	fmt.Fprintf(out, "Mercury 236 - Bus Scan\n")
	fmt.Fprintf(out, "Connection: %s\n", describeConnection(cfg.Meter))
	fmt.Fprintf(out, "Addresses: %d-%d\n\n", scanFrom, scanTo)

	conn, closeBus, err := openBus(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	found := make([]byte, 0)
	for addr := scanFrom; addr <= scanTo; addr++ {
		if cmd.Context().Err() != nil {
			break
		}
		client := mercury.NewClient(conn, byte(addr), mercury.WithTimeout(cfg.Meter.Timeout))
		err := client.ProbeChannel()
		switch {
		case err == nil:
			found = append(found, byte(addr))
			fmt.Fprintf(out, "Meter found at address %d\n", addr)
		case mercury.IsTimeout(err):
		case errors.Is(err, mercury.ErrAddressMismatch):
			// another meter answered late; its reply belongs to an earlier probe
			log.Debug("late reply", zap.Uint("address", addr), zap.Error(err))
		default:
			log.Warn("unexpected reply", zap.Uint("address", addr), zap.Error(err))
		}
	}
	closeBus()

	fmt.Fprintf(out, "\n--- Scan summary ---\n")
	fmt.Fprintf(out, "Meters found: %d\n", len(found))

	if len(found) == 0 {
		fmt.Fprintf(out, "No meters answered. Check wiring, baud rate and meter power.\n")
		os.Exit(1)
	}
	return nil
}
