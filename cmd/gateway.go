// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/gateway"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Expose an RS-485 bus over TCP",
	Long: `Relay raw Mercury frames between TCP requesters and an RS-485 adapter.

One requester is served at a time; further connections wait in the listen
backlog until the active one disconnects. Frames are forwarded unmodified in
both directions and never interpreted.

With --simulate the serial adapter is replaced by an in-memory meter with
fixed readings, which is useful to try the reader without hardware.

Under systemd (Type=notify) readiness is reported once the listener is bound.

Examples:
  mercury236 gateway --serial /dev/ttyUSB0
  mercury236 gateway --listen 127.0.0.1:9002 --simulate

Exit codes:
  0 - Stopped by signal
  1 - Invalid arguments, serial port or listen failure`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

var gatewayFlagKeys = map[string]string{
	"gateway.listen":        "listen",
	"gateway.serial":        "serial",
	"gateway.baud":          "baud",
	"gateway.reply_timeout": "reply-timeout",
	"gateway.idle_gap":      "idle-gap",
	"gateway.simulate":      "simulate",
	"meter.address":         "meter",
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	f := gatewayCmd.Flags()
	f.String("listen", ":9002", "TCP listen address")
	f.String("serial", "/dev/ttyUSB0", "Serial RS-485 adapter device")
	f.Int("baud", gateway.DefaultBaudRate, "Baud rate")
	f.Duration("reply-timeout", gateway.DefaultReplyTimeout, "Wait for the first reply byte")
	f.Duration("idle-gap", gateway.DefaultIdleGap, "Bus silence that ends a reply")
	f.Bool("simulate", false, "Serve an in-memory meter instead of the serial port")
	f.Uint("meter", 0, "Bus address of the simulated meter")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, gatewayFlagKeys)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	var bus gateway.Bus
	if cfg.Gateway.Simulate {
		sim := mercury.NewSimulator(byte(cfg.Meter.Address), simulatedReadings())
		defer sim.Close()
		bus = sim
		log.Info("serving simulated meter", zap.Uint("address", cfg.Meter.Address))
	} else {
		port, err := gateway.OpenSerialBus(cfg.Gateway.Serial, cfg.Gateway.Baud)
		if err != nil {
			return err
		}
		defer port.Close()
		bus = port
		log.Info("serial bus open", zap.String("device", cfg.Gateway.Serial), zap.Int("baud", cfg.Gateway.Baud))
	}

	ln, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Gateway.Listen, err)
	}

	srv := gateway.NewServer(bus, gateway.Options{
		ReplyTimeout: cfg.Gateway.ReplyTimeout,
		IdleGap:      cfg.Gateway.IdleGap,
		Logger:       log,
	})

	sdnotify(log, daemon.SdNotifyReady)
	err = srv.Serve(cmd.Context(), ln)
	sdnotify(log, daemon.SdNotifyStopping)

	stats := srv.Stats()
	log.Info("gateway summary",
		zap.Uint64("connections", stats.Connections),
		zap.Uint64("frames", stats.Frames),
		zap.Uint64("replies", stats.Replies),
		zap.Uint64("rejected", stats.Rejected))
	return err
}

func sdnotify(log *zap.Logger, state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sdnotify failed", zap.String("state", state), zap.Error(err))
	}
	return ok
}

// simulatedReadings are the values served by --simulate
func simulatedReadings() mercury.Readings {
	return mercury.Readings{
		Voltage:         mercury.Phases{P1: 230.12, P2: 229.87, P3: 231.05},
		AveragedVoltage: mercury.Phases{P1: 230.0, P2: 230.0, P3: 230.5},
		Current:         mercury.Phases{P1: 1.25, P2: 0.87, P3: 2.1},
		PhaseAngle:      mercury.Phases{P1: 120.3, P2: 119.8, P3: 240.1},
		PowerFactor:     mercury.PhasesSum{Sum: 0.95, P1: 0.97, P2: 0.93, P3: 0.96},
		ActivePower:     mercury.PhasesSum{Sum: 955.4, P1: 280.1, P2: 190.3, P3: 485},
		ReactivePower:   mercury.PhasesSum{Sum: 120.6, P1: 40.2, P2: 35.1, P3: 45.3},
		Frequency:       50.01,
		Energy: map[mercury.EnergyKey]mercury.Energy{
			{Period: mercury.PeriodSinceReset, Tariff: mercury.TariffTotal}: {ActiveImport: 12345.67},
			{Period: mercury.PeriodSinceReset, Tariff: mercury.Tariff1}:     {ActiveImport: 8901.23},
			{Period: mercury.PeriodSinceReset, Tariff: mercury.Tariff2}:     {ActiveImport: 3444.44},
			{Period: mercury.PeriodYesterday, Tariff: mercury.TariffTotal}:  {ActiveImport: 21.5},
			{Period: mercury.PeriodToday, Tariff: mercury.TariffTotal}:      {ActiveImport: 9.75},
		},
	}
}
