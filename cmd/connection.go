// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/mercury236/internal/broker"
	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/internal/gateway"
	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// errNoTransport is returned when neither a gateway host nor a serial device is configured
var errNoTransport = errors.New("either --addr or --serial must be specified")

// Connection provides a common interface for reading/writing bytes from serial or TCP
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// SerialConnection wraps a serial port. It keeps the port's read timeout and input buffer
// controls visible to the meter client.
type SerialConnection struct {
	port serial.Port
}

func (s *SerialConnection) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialConnection) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialConnection) Close() error {
	return s.port.Close()
}

func (s *SerialConnection) SetReadTimeout(t time.Duration) error {
	return s.port.SetReadTimeout(t)
}

func (s *SerialConnection) ResetInputBuffer() error {
	return s.port.ResetInputBuffer()
}

// OpenSerialConnection opens a serial port connection
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := gateway.OpenSerialBus(portName, baudRate)
	if err != nil {
		return nil, err
	}
	return &SerialConnection{port: port}, nil
}

// OpenTCPConnection connects to a bus gateway
func OpenTCPConnection(ctx context.Context, address string, timeout time.Duration) (Connection, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", address, err)
	}
	return conn, nil
}

// meterFlagKeys maps config keys to the meter flags added by addMeterFlags
var meterFlagKeys = map[string]string{
	"meter.host":               "addr",
	"meter.port":               "port",
	"meter.serial":             "serial",
	"meter.baud":               "baud",
	"meter.address":            "meter",
	"meter.timeout":            "timeout",
	"lock.disabled":            "no-lock",
	"lock.wait":                "lock-wait",
	"session.averaged_voltage": "averaged-voltage",
}

// addMeterFlags adds the flags selecting the meter and its transport
func addMeterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("addr", "i", "", "Bus gateway host")
	f.UintP("port", "p", 9002, "Bus gateway TCP port")
	f.String("serial", "", "Serial RS-485 adapter device (instead of --addr)")
	f.Int("baud", gateway.DefaultBaudRate, "Baud rate (serial only)")
	f.Uint("meter", 0, "Meter bus address (0 = broadcast)")
	f.Duration("timeout", mercury.DefaultTimeout, "Reply timeout per request")
	f.Bool("no-lock", false, "Do not take the bus lock")
	f.Duration("lock-wait", 30*time.Second, "Maximum wait for the bus lock (0 = unbounded)")
	f.Bool("averaged-voltage", false, "Also read the averaged phase voltages")
	f.Bool("ask-password", false, "Prompt for the meter password")
}

// mergeKeys returns a map holding the entries of every argument
func mergeKeys(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// busName identifies the bus a meter is reached through, for the bus lock
func busName(cfg config.MeterConfig) string {
	if cfg.Serial != "" {
		return cfg.Serial
	}
	return net.JoinHostPort(cfg.Host, strconv.FormatUint(uint64(cfg.Port), 10))
}

// describeConnection returns a human readable transport description
func describeConnection(cfg config.MeterConfig) string {
	if cfg.Serial != "" {
		return fmt.Sprintf("Serial: %s @ %d baud", cfg.Serial, cfg.Baud)
	}
	return fmt.Sprintf("TCP: %s", busName(cfg))
}

// dialMeter returns the dial function for the configured transport
func dialMeter(cfg config.MeterConfig) (session.DialFunc, error) {
	if cfg.Serial != "" {
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return OpenSerialConnection(cfg.Serial, cfg.Baud)
		}, nil
	}
	if cfg.Host != "" {
		address := busName(cfg)
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return OpenTCPConnection(ctx, address, cfg.Timeout)
		}, nil
	}
	return nil, errNoTransport
}

// newRunner builds the query runner for the configured meter. The password prompt
// runs here, before any bus activity.
func newRunner(cmd *cobra.Command, cfg config.Config, log *zap.Logger) (*session.Runner, error) {
	dial, err := dialMeter(cfg.Meter)
	if err != nil {
		return nil, err
	}

	password := cfg.Password()
	if ask, _ := cmd.Flags().GetBool("ask-password"); ask {
		pw, err := GetPassword()
		if err != nil {
			return nil, err
		}
		if password, err = config.ParsePassword(pw); err != nil {
			return nil, err
		}
	}

	opts := session.DefaultOptions()
	opts.Password = password
	opts.AveragedVoltage = cfg.Session.AveragedVoltage
	opts.Logger = log

	runner := &session.Runner{
		Dial:    dial,
		Address: byte(cfg.Meter.Address),
		Options: opts,
		Client: []mercury.Option{
			mercury.WithTimeout(cfg.Meter.Timeout),
			mercury.WithTrace(func(outbound bool, b []byte) {
				dir := "rx"
				if outbound {
					dir = "tx"
				}
				log.Debug(dir, zap.String("frame", mercury.FormatHex(b)))
			}),
		},
	}
	if !cfg.Lock.Disabled {
		runner.Lock = newLock(cfg, log)
	}
	return runner, nil
}

// newLock returns the bus lock for the configured meter transport
func newLock(cfg config.Config, log *zap.Logger) *broker.Lock {
	return broker.New(busName(cfg.Meter), broker.Options{
		Dir:    cfg.Lock.Dir,
		Wait:   cfg.Lock.Wait,
		TTL:    cfg.Lock.TTL,
		Logger: log,
	})
}

// openBus takes the bus lock and connects. The returned function disconnects and then
// releases the lock.
func openBus(ctx context.Context, cfg config.Config, log *zap.Logger) (io.ReadWriteCloser, func(), error) {
	dial, err := dialMeter(cfg.Meter)
	if err != nil {
		return nil, nil, err
	}

	release := func() {}
	if !cfg.Lock.Disabled {
		lock := newLock(cfg, log)
		if err := lock.Acquire(ctx); err != nil {
			return nil, nil, err
		}
		release = func() {
			if err := lock.Release(); err != nil {
				log.Warn("failed to release bus lock", zap.Error(err))
			}
		}
	}

	conn, err := dial(ctx)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("%w: %v", session.ErrConnect, err)
	}
	return conn, func() {
		conn.Close()
		release()
	}, nil
}

// GetPassword prompts for the meter password on the terminal
func GetPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Meter password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}
