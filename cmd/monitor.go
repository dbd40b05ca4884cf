// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/mercury236/internal/gateway"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

var (
	monitorSerial  string
	monitorBaud    int
	monitorIdleGap time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display raw bus traffic",
	Long: `Listen on an RS-485 adapter and print every frame seen on the bus.

Frames are split on bus silence longer than --idle-gap. Frames with a valid
checksum are shown with their address and operation code, anything else as
a hex dump. The monitor never transmits, so it can run next to another
master.

Example:
  mercury236 monitor --serial /dev/ttyUSB1`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorSerial, "serial", "/dev/ttyUSB0", "Serial RS-485 adapter device")
	monitorCmd.Flags().IntVar(&monitorBaud, "baud", gateway.DefaultBaudRate, "Baud rate")
	monitorCmd.Flags().DurationVar(&monitorIdleGap, "idle-gap", gateway.DefaultIdleGap, "Bus silence that ends a frame")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	port, err := gateway.OpenSerialBus(monitorSerial, monitorBaud)
	if err != nil {
		return err
	}
	defer port.Close()
	if err := port.SetReadTimeout(monitorIdleGap); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mercury 236 - Bus Monitor\n")
	fmt.Fprintf(out, "Connection: Serial: %s @ %d baud\n", monitorSerial, monitorBaud)
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		port.Close()
	}()

	return monitorBus(ctx.Done(), port, func(frame []byte, at time.Time) {
		fmt.Fprintf(out, "[%s] %s\n", at.Format("15:04:05.000"), mercury.FormatFrame(frame))
	})
}

// monitorBus reads until done is closed or the bus fails, calling emit for every chunk
// of bytes followed by an idle read. bus reads must time out with (0, nil).
func monitorBus(done <-chan struct{}, bus gateway.Bus, emit func(frame []byte, at time.Time)) error {
	buf := make([]byte, 256)
	var frame []byte
	var started time.Time

	for {
		n, err := bus.Read(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return fmt.Errorf("read error: %w", err)
		}
		if n > 0 {
			if len(frame) == 0 {
				started = time.Now()
			}
			frame = append(frame, buf[:n]...)
			continue
		}
		if len(frame) > 0 {
			emit(frame, started)
			frame = nil
		}
		select {
		case <-done:
			return nil
		default:
		}
	}
}
