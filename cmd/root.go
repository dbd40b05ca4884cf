// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mercury236",
	Short: "Mercury 236 energy meter toolkit",
	Long: `mercury236 - Read Mercury 236 three-phase energy meters over RS-485.

Provides a bus gateway that exposes a serial RS-485 adapter over TCP, a
one-shot reader that prints the meter's measurements, and long running
Prometheus and MQTT bridges.

Connection modes:
  TCP gateway: --addr 192.168.1.10 [--port 9002]
  Serial:      --serial /dev/ttyUSB0 [--baud 9600]

Settings are read from flags, MERCURY_* environment variables (a .env file
in the working directory is loaded automatically), the --config YAML file
and built-in defaults, in that order. The meter password is read from
MERCURY_PASSWORD, or prompted with --ask-password. A --password flag is
intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       versioninfo.Short(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal)")
	v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig binds the running command's flags to their config keys and loads the
// configuration. Flags not defined on cmd are skipped.
func loadConfig(cmd *cobra.Command, keys map[string]string) (config.Config, error) {
	for key, name := range keys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return config.Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return config.Load(v, cfgFile)
}

// newLogger builds the process logger and logs the effective configuration at debug level
func newLogger(cfg config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	log.Debug("configuration loaded", zap.Any("config", cfg.Redacted()))
	return log, nil
}
