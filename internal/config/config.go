// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads mercury236 settings from flags, MERCURY_* environment variables,
// an optional YAML file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/Thermoquad/mercury236/internal/telemetry"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// EnvPrefix is the environment variable prefix
const EnvPrefix = "mercury"

// MaxMeterAddress is the highest individual meter address
const MaxMeterAddress = 240

// Config is built once at startup and passed by value
type Config struct {
	LogLevel zapcore.Level `mapstructure:"-"`

	Meter    MeterConfig    `mapstructure:"meter"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Lock     LockConfig     `mapstructure:"lock"`
	Session  SessionConfig  `mapstructure:"session"`
	Exporter ExporterConfig `mapstructure:"exporter"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// MeterConfig selects the meter and the transport to reach it
type MeterConfig struct {
	Host     string
	Port     uint
	Serial   string
	Baud     int
	Address  uint
	Timeout  time.Duration
	Password string
}

// GatewayConfig configures the bus gateway
type GatewayConfig struct {
	Listen       string
	Serial       string
	Baud         int
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
	IdleGap      time.Duration `mapstructure:"idle_gap"`
	Simulate     bool
}

// LockConfig configures the bus lock
type LockConfig struct {
	Disabled bool
	Dir      string
	Wait     time.Duration
	TTL      time.Duration
}

// SessionConfig configures the read session and its rendering
type SessionConfig struct {
	AveragedVoltage bool `mapstructure:"averaged_voltage"`
	Format          string
	Header          bool
	Interval        time.Duration
}

// ExporterConfig configures the Prometheus exporter
type ExporterConfig struct {
	Listen       string
	HttpLog      bool          `mapstructure:"http_log"`
	LiveInterval time.Duration `mapstructure:"live_interval"`
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
	Cron      string
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("meter.host", "")
	v.SetDefault("meter.port", 9002)
	v.SetDefault("meter.serial", "")
	v.SetDefault("meter.baud", 9600)
	v.SetDefault("meter.address", 0)
	v.SetDefault("meter.timeout", mercury.DefaultTimeout)
	v.SetDefault("meter.password", "111111")

	v.SetDefault("gateway.listen", ":9002")
	v.SetDefault("gateway.serial", "/dev/ttyUSB0")
	v.SetDefault("gateway.baud", 9600)
	v.SetDefault("gateway.reply_timeout", 250*time.Millisecond)
	v.SetDefault("gateway.idle_gap", 20*time.Millisecond)
	v.SetDefault("gateway.simulate", false)

	v.SetDefault("lock.disabled", false)
	v.SetDefault("lock.dir", "")
	v.SetDefault("lock.wait", 30*time.Second)
	v.SetDefault("lock.ttl", 5*time.Minute)

	v.SetDefault("session.averaged_voltage", false)
	v.SetDefault("session.format", "human")
	v.SetDefault("session.header", false)
	v.SetDefault("session.interval", 5*time.Second)

	v.SetDefault("exporter.listen", ":9236")
	v.SetDefault("exporter.http_log", false)
	v.SetDefault("exporter.live_interval", 10*time.Second)

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.base_topic", "mercury236")
	v.SetDefault("mqtt.cron", "0 * * * * *")
}

// Load reads configuration into a Config. file is optional.
// Flags must already be bound to v by the caller.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.LogLevel = ParseLevel(v.GetString("log_level"))

	baseTopic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return Config{}, err
	}
	cfg.MQTT.BaseTopic = baseTopic

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseLevel maps a level name to a zap level, defaulting to info
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Validate checks value ranges that flags and YAML cannot express
func (c Config) Validate() error {
	var errs []error

	if c.Meter.Host != "" && (c.Meter.Port == 0 || c.Meter.Port > 65535) {
		errs = append(errs, fmt.Errorf("meter.port %d out of range", c.Meter.Port))
	}
	if c.Meter.Address > MaxMeterAddress {
		errs = append(errs, fmt.Errorf("meter.address %d out of range (0-%d)", c.Meter.Address, MaxMeterAddress))
	}
	if c.Meter.Timeout <= 0 {
		errs = append(errs, errors.New("meter.timeout must be > 0"))
	}
	if _, err := ParsePassword(c.Meter.Password); err != nil {
		errs = append(errs, err)
	}
	if _, err := telemetry.ParseFormat(c.Session.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.Listen == "" {
		errs = append(errs, errors.New("gateway.listen must not be empty"))
	}
	if c.Gateway.IdleGap <= 0 || c.Gateway.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("gateway.reply_timeout and gateway.idle_gap must be > 0"))
	}
	if c.Lock.Wait < 0 {
		errs = append(errs, errors.New("lock.wait must be >= 0"))
	}
	if c.Session.Interval < time.Second {
		errs = append(errs, errors.New("session.interval should be >= 1s"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if strings.TrimSpace(c.MQTT.Cron) == "" {
		errs = append(errs, errors.New("mqtt.cron must not be empty"))
	}
	return errors.Join(errs...)
}

// Password returns the decoded meter password
func (c Config) Password() [mercury.PasswordSize]byte {
	pw, err := ParsePassword(c.Meter.Password)
	if err != nil {
		return mercury.DefaultPassword
	}
	return pw
}

// ParsePassword decodes a six digit password such as "111111"
func ParsePassword(s string) ([mercury.PasswordSize]byte, error) {
	var pw [mercury.PasswordSize]byte
	if len(s) != mercury.PasswordSize {
		return pw, fmt.Errorf("meter password must be %d digits", mercury.PasswordSize)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return pw, fmt.Errorf("meter password must be %d digits", mercury.PasswordSize)
		}
		pw[i] = s[i] - '0'
	}
	return pw, nil
}

var topicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

// CheckMQTTTopic lowercases a base topic and rejects anything but letters, digits and underscores
func CheckMQTTTopic(baseTopic string) (string, error) {
	lower := strings.ToLower(baseTopic)
	if !topicRegexp.MatchString(lower) {
		return "", errors.New("invalid mqtt base topic. can only contain letters, numbers and underscores")
	}
	return lower, nil
}

// Redacted returns a copy safe for logging
func (c Config) Redacted() Config {
	if c.Meter.Password != "" {
		c.Meter.Password = "*redacted*"
	}
	if c.MQTT.Username != "" {
		c.MQTT.Username = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	return c
}
