// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/publish"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Publish meter measurements to MQTT on a schedule",
	Long: `Read the meter on a cron schedule and publish each report to MQTT.

Topics (base topic from --base-topic, lowercase letters, digits and '_'):
  <base>/bridge/state       - retained "online", "offline" as last will
  <base>/meter/<addr>/state - json report after every session

The schedule is a six field cron expression with a leading seconds field,
e.g. "0 * * * * *" for every minute. A meter that does not answer is
published with mains off; connection and bus lock failures are logged and
retried on the next tick.

The broker credentials are read from MERCURY_MQTT_USERNAME and
MERCURY_MQTT_PASSWORD or the config file.

Examples:
  mercury236 poll --addr 192.168.1.10 --meter 42 --mqtt-host broker.local
  mercury236 poll --serial /dev/ttyUSB0 --cron "*/15 * * * * *"

Exit codes:
  0 - Stopped by signal
  1 - Invalid arguments, invalid schedule or broker connection failure`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

var pollFlagKeys = map[string]string{
	"mqtt.host":       "mqtt-host",
	"mqtt.port":       "mqtt-port",
	"mqtt.base_topic": "base-topic",
	"mqtt.cron":       "cron",
}

func init() {
	rootCmd.AddCommand(pollCmd)
	addMeterFlags(pollCmd)
	f := pollCmd.Flags()
	f.String("mqtt-host", "localhost", "MQTT broker host")
	f.Int("mqtt-port", 1883, "MQTT broker port")
	f.String("base-topic", "mercury236", "MQTT base topic")
	f.String("cron", "0 * * * * *", "Poll schedule (cron with seconds field)")
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, mergeKeys(meterFlagKeys, pollFlagKeys))
	if err != nil {
		return err
	}
	if _, err := publish.ParseCron(cfg.MQTT.Cron); err != nil {
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

	client := mqtt.NewClient(publish.OptsFromConfig(cfg.MQTT))
	publisher := publish.NewPublisher(client, cfg.MQTT.BaseTopic, log)
	if err := publisher.Connect(); err != nil {
		return err
	}
	defer publisher.Close()
	log.Info("connected to mqtt broker",
		zap.String("host", cfg.MQTT.Host),
		zap.Int("port", cfg.MQTT.Port),
		zap.String("topic", publish.StateTopic(cfg.MQTT.BaseTopic, byte(cfg.Meter.Address))))

	poller := publish.NewPoller(runner, publisher, byte(cfg.Meter.Address), log)
	return publish.Schedule(cmd.Context(), cfg.MQTT.Cron, poller.Poll, log)
}
