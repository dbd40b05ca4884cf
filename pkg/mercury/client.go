// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// ErrTimeout is returned when the meter does not answer within the reply timeout.
// A silent meter usually means mains power is off at the meter.
var ErrTimeout = errors.New("mercury: reply timeout")

// ErrAddressMismatch is returned when a reply comes from another meter
var ErrAddressMismatch = errors.New("mercury: reply address mismatch")

// StatusError is a non-zero status reported by the meter
type StatusError struct {
	Opcode byte
	Status byte
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("mercury: %s rejected with status %s (0x%02X)",
		FormatOpcode(e.Opcode), FormatStatus(e.Status), e.Status)
}

// IsTimeout reports whether err means the meter did not answer in time
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// deadliner is implemented by network connections
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// readTimeouter is implemented by serial ports (go.bug.st/serial)
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// inputResetter is implemented by serial ports and the simulator
type inputResetter interface {
	ResetInputBuffer() error
}

// Client issues read requests to one meter over a byte stream.
// The stream is either a direct RS-485 adapter or a TCP connection to a bus gateway.
// Requests are strictly sequential: one outstanding request at a time.
type Client struct {
	rw      io.ReadWriter
	address byte
	timeout time.Duration
	trace   func(outbound bool, b []byte)
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request reply timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTrace installs a callback receiving every raw frame sent and received
func WithTrace(fn func(outbound bool, b []byte)) Option {
	return func(c *Client) {
		c.trace = fn
	}
}

// NewClient creates a client for the meter at address
func NewClient(rw io.ReadWriter, address byte, opts ...Option) *Client {
	c := &Client{
		rw:      rw,
		address: address,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the meter address this client talks to
func (c *Client) Address() byte {
	return c.address
}

// ProbeChannel tests whether the meter answers at all.
// Returns nil when reachable; IsTimeout(err) is true when the meter is silent.
func (c *Client) ProbeChannel() error {
	return c.status(OpTestChannel, nil)
}

// OpenSession opens an access session with the given level and password
func (c *Client) OpenSession(level AccessLevel, password [PasswordSize]byte) error {
	payload := make([]byte, 0, 1+PasswordSize)
	payload = append(payload, byte(level))
	payload = append(payload, password[:]...)
	return c.status(OpOpenSession, payload)
}

// CloseSession returns the meter to its idle, addressable state
func (c *Client) CloseSession() error {
	return c.status(OpCloseSession, nil)
}

// Voltage reads phase voltages in V
func (c *Client) Voltage() (Phases, error) {
	return c.phases(ParamAux, BwriVoltage, scaleVoltage)
}

// AveragedVoltage reads phase voltages averaged over the last integration interval, in V
func (c *Client) AveragedVoltage() (Phases, error) {
	return c.phases(ParamAveraged, BwriVoltage, scaleVoltage)
}

// Current reads phase currents in A
func (c *Client) Current() (Phases, error) {
	return c.phases(ParamAux, BwriCurrent, scaleCurrent)
}

// PhaseAngle reads the angles between phase voltages in degrees
func (c *Client) PhaseAngle() (Phases, error) {
	return c.phases(ParamAux, BwriPhaseAngle, scalePhaseAngle)
}

// PowerFactor reads cos(f) per phase and aggregate
func (c *Client) PowerFactor() (PhasesSum, error) {
	return c.phasesSum(BwriPowerFactor, scalePowerFactor)
}

// ActivePower reads active power per phase and aggregate in W
func (c *Client) ActivePower() (PhasesSum, error) {
	return c.phasesSum(BwriActivePower, scalePower)
}

// ReactivePower reads reactive power per phase and aggregate in var
func (c *Client) ReactivePower() (PhasesSum, error) {
	return c.phasesSum(BwriReactivePower, scalePower)
}

// Frequency reads the grid frequency in Hz
func (c *Client) Frequency() (float64, error) {
	data, err := c.request(OpReadParams, []byte{ParamAux, BwriFrequency}, 3)
	if err != nil {
		return 0, err
	}
	return DecodeScalar(data, scaleFrequency)
}

// Energy reads the accumulated energy registers for a period and tariff
func (c *Client) Energy(period Period, tariff Tariff) (Energy, error) {
	data, err := c.request(OpReadEnergy, []byte{byte(period) << 4, byte(tariff)}, 16)
	if err != nil {
		return Energy{}, err
	}
	return DecodeEnergy(data)
}

func (c *Client) phases(param, bwri byte, scale float64) (Phases, error) {
	data, err := c.request(OpReadParams, []byte{param, bwri}, 9)
	if err != nil {
		return Phases{}, err
	}
	return DecodePhases(data, scale)
}

func (c *Client) phasesSum(bwri byte, scale float64) (PhasesSum, error) {
	data, err := c.request(OpReadParams, []byte{ParamAux, bwri}, 12)
	if err != nil {
		return PhasesSum{}, err
	}
	return DecodePhasesSum(data, scale)
}

// status sends a request answered by a 4-byte status reply
func (c *Client) status(opcode byte, payload []byte) error {
	_, err := c.request(opcode, payload, 1)
	return err
}

// request sends one frame and returns the reply data section (without address and CRC).
// dataLen is the expected data length; a 4-byte status reply with a non-zero status is
// recognised for any dataLen and reported as *StatusError.
func (c *Client) request(opcode byte, payload []byte, dataLen int) ([]byte, error) {
	req := NewFrame(c.address, opcode, payload)
	wire := req.Bytes()
	if r, ok := c.rw.(inputResetter); ok {
		// drop late bytes of an earlier reply
		if err := r.ResetInputBuffer(); err != nil {
			return nil, fmt.Errorf("mercury: reset input: %w", err)
		}
	}
	if c.trace != nil {
		c.trace(true, wire)
	}
	if _, err := c.rw.Write(wire); err != nil {
		return nil, fmt.Errorf("mercury: write %s: %w", FormatOpcode(opcode), err)
	}

	raw, err := c.readReply(1 + dataLen + crcSize)
	if c.trace != nil && len(raw) > 0 {
		c.trace(false, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("mercury: %s: %w", FormatOpcode(opcode), err)
	}

	reply, err := DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if c.address != AddressBroadcast && reply.Address() != c.address {
		return nil, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrAddressMismatch, c.address, reply.Address())
	}

	if len(raw) == MinFrameSize && reply.Opcode() != StatusOK {
		return nil, &StatusError{Opcode: opcode, Status: reply.Opcode()}
	}
	return reply.Body(), nil
}

// readReply reads exactly want bytes. When a longer reply is expected, a 4-byte status
// reply is accepted only once the line has been silent for statusGap after it.
func (c *Client) readReply(want int) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if err := c.setReadLimit(deadline); err != nil {
		return nil, err
	}
	if d, ok := c.rw.(deadliner); ok {
		defer d.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, want)
	got := 0
	var settle time.Time
	for got < want {
		n, err := c.rw.Read(buf[got:])
		got += n
		if n > 0 && got > MinFrameSize && !settle.IsZero() {
			settle = time.Time{}
			if err := c.setReadLimit(deadline); err != nil {
				return buf[:got], err
			}
		}
		if err != nil {
			if IsTimeout(err) {
				if !settle.IsZero() {
					return buf[:got], nil
				}
				return buf[:got], ErrTimeout
			}
			return buf[:got], err
		}
		if settle.IsZero() && got == MinFrameSize && want > MinFrameSize && isStatusFrame(buf[:got]) {
			settle = time.Now().Add(statusGap)
			if settle.After(deadline) {
				settle = deadline
			}
			if err := c.setReadLimit(settle); err != nil {
				return buf[:got], err
			}
			continue
		}
		if !settle.IsZero() && !time.Now().Before(settle) {
			return buf[:got], nil
		}
		if got < want && time.Now().After(deadline) {
			return buf[:got], ErrTimeout
		}
		if n == 0 {
			// serial ports return (0, nil) when their own read timeout expires
			time.Sleep(idlePoll)
		}
	}
	return buf, nil
}

// setReadLimit bounds the next reads of the stream to until
func (c *Client) setReadLimit(until time.Time) error {
	switch t := c.rw.(type) {
	case deadliner:
		return t.SetReadDeadline(until)
	case readTimeouter:
		d := time.Until(until)
		if d < idlePoll {
			d = idlePoll
		}
		return t.SetReadTimeout(d)
	}
	return nil
}

// isStatusFrame reports whether b is a valid 4-byte error status reply
func isStatusFrame(b []byte) bool {
	if len(b) != MinFrameSize || b[1] == StatusOK {
		return false
	}
	return CalculateCRC(b[:2]) == uint16(b[2])|uint16(b[3])<<8
}
