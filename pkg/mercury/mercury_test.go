// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x4B37, // Standard CRC-16/MODBUS check value
		},
		{
			name:     "Modbus read request",
			data:     []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
			expected: 0x0A84, // wire order 84 0A
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

func TestAppendCRC_LowByteFirst(t *testing.T) {
	out := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(out, want) {
		t.Errorf("appendCRC = % X, want % X", out, want)
	}
}

// ============================================================
// Frame Tests
// ============================================================

func TestNewFrame_Bytes(t *testing.T) {
	f := NewFrame(0x01, OpTestChannel, nil)
	wire := f.Bytes()
	if len(wire) != 4 {
		t.Fatalf("test channel frame length = %d, want 4", len(wire))
	}
	if wire[0] != 0x01 || wire[1] != OpTestChannel {
		t.Errorf("header = % X, want 01 00", wire[:2])
	}
	if f.Len() != len(wire) {
		t.Errorf("Len() = %d, want %d", f.Len(), len(wire))
	}
}

func TestDecodeFrame_RoundTrip(t *testing.T) {
	original := NewFrame(0x2A, OpReadParams, []byte{ParamAux, BwriVoltage})
	decoded, err := DecodeFrame(original.Bytes())
	if err != nil {
		t.Fatalf("DecodeFrame error: %v", err)
	}
	if decoded.Address() != 0x2A {
		t.Errorf("Address() = 0x%02X, want 0x2A", decoded.Address())
	}
	if decoded.Opcode() != OpReadParams {
		t.Errorf("Opcode() = 0x%02X, want 0x%02X", decoded.Opcode(), OpReadParams)
	}
	if !bytes.Equal(decoded.Payload(), []byte{ParamAux, BwriVoltage}) {
		t.Errorf("Payload() = % X", decoded.Payload())
	}
	if decoded.CRC() != original.CRC() {
		t.Errorf("CRC() = 0x%04X, want 0x%04X", decoded.CRC(), original.CRC())
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	good := NewFrame(0x01, OpCloseSession, nil).Bytes()
	corrupt := append([]byte{}, good...)
	corrupt[3] ^= 0xFF

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrShortFrame},
		{"three bytes", good[:3], ErrShortFrame},
		{"bad checksum", corrupt, ErrChecksum},
		{"oversize", make([]byte, MaxFrameSize+1), ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("DecodeFrame error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameBody(t *testing.T) {
	f := NewFrame(0x05, 0x11, []byte{0x22, 0x33})
	if !bytes.Equal(f.Body(), []byte{0x11, 0x22, 0x33}) {
		t.Errorf("Body() = % X", f.Body())
	}
}

// ============================================================
// Value Decoding Tests
// ============================================================

func TestDecode3_MasksDirectionBits(t *testing.T) {
	// 0xC0 carries both direction flags, which are not part of the value
	if v := decode3([]byte{0xC0, 0x34, 0x12}); v != 0x1234 {
		t.Errorf("decode3 = 0x%X, want 0x1234", v)
	}
	if v := decode3([]byte{0x01, 0x00, 0x00}); v != 0x10000 {
		t.Errorf("decode3 = 0x%X, want 0x10000", v)
	}
}

func TestEncode3_Inverse(t *testing.T) {
	for _, v := range []uint32{0, 1, 23012, 0x3FFFFF} {
		if got := decode3(encode3(v)); got != v {
			t.Errorf("decode3(encode3(%d)) = %d", v, got)
		}
	}
}

func TestEncode4_Inverse(t *testing.T) {
	for _, v := range []uint32{0, 1, 123456789, 0xFFFFFFFE} {
		if got := decode4(encode4(v)); got != v {
			t.Errorf("decode4(encode4(%d)) = %d", v, got)
		}
	}
}

func TestDecodePhases(t *testing.T) {
	data := append(append(encode3(23012), encode3(22950)...), encode3(0)...)
	p, err := DecodePhases(data, scaleVoltage)
	if err != nil {
		t.Fatalf("DecodePhases error: %v", err)
	}
	if p.P1 != 230.12 || p.P2 != 229.50 || p.P3 != 0 {
		t.Errorf("DecodePhases = %+v", p)
	}

	if _, err := DecodePhases(data[:8], scaleVoltage); err == nil {
		t.Error("Expected error for short phase data")
	}
}

func TestDecodeEnergy_Unavailable(t *testing.T) {
	data := make([]byte, 0, 16)
	data = append(data, encode4(1234567)...)
	data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	data = append(data, encode4(0)...)
	data = append(data, encode4(1000)...)

	e, err := DecodeEnergy(data)
	if err != nil {
		t.Fatalf("DecodeEnergy error: %v", err)
	}
	if e.ActiveImport != 1234.567 {
		t.Errorf("ActiveImport = %v, want 1234.567", e.ActiveImport)
	}
	if e.ActiveExport != 0 {
		t.Errorf("ActiveExport = %v, want 0 for unavailable register", e.ActiveExport)
	}
	if e.ReactiveExport != 1 {
		t.Errorf("ReactiveExport = %v, want 1", e.ReactiveExport)
	}
}

// ============================================================
// Client Tests (against the simulator)
// ============================================================

func testReadings() Readings {
	return Readings{
		Voltage:         Phases{P1: 230.12, P2: 229.5, P3: 231.07},
		AveragedVoltage: Phases{P1: 230, P2: 230, P3: 230},
		Current:         Phases{P1: 1.234, P2: 0.5, P3: 2},
		PhaseAngle:      Phases{P1: 120.01, P2: 239.98, P3: 0},
		PowerFactor:     PhasesSum{Sum: 0.95, P1: 0.9, P2: 0.99, P3: 1},
		ActivePower:     PhasesSum{Sum: 1530.5, P1: 500, P2: 530.5, P3: 500},
		ReactivePower:   PhasesSum{Sum: 120, P1: 40, P2: 40, P3: 40},
		Frequency:       49.98,
		Energy: map[EnergyKey]Energy{
			{PeriodSinceReset, TariffTotal}: {ActiveImport: 12345.678},
			{PeriodSinceReset, Tariff1}:     {ActiveImport: 10000.5},
			{PeriodYesterday, TariffTotal}:  {ActiveImport: 12.3},
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClient_FullCycle(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	c := NewClient(sim, 0x11, WithTimeout(50*time.Millisecond))

	if err := c.ProbeChannel(); err != nil {
		t.Fatalf("ProbeChannel error: %v", err)
	}
	if err := c.OpenSession(AccessUser, DefaultPassword); err != nil {
		t.Fatalf("OpenSession error: %v", err)
	}

	u, err := c.Voltage()
	if err != nil {
		t.Fatalf("Voltage error: %v", err)
	}
	if !almostEqual(u.P1, 230.12) || !almostEqual(u.P3, 231.07) {
		t.Errorf("Voltage = %+v", u)
	}

	i, err := c.Current()
	if err != nil || !almostEqual(i.P1, 1.234) {
		t.Errorf("Current = %+v, %v", i, err)
	}

	cos, err := c.PowerFactor()
	if err != nil || !almostEqual(cos.Sum, 0.95) || !almostEqual(cos.P2, 0.99) {
		t.Errorf("PowerFactor = %+v, %v", cos, err)
	}

	f, err := c.Frequency()
	if err != nil || !almostEqual(f, 49.98) {
		t.Errorf("Frequency = %v, %v", f, err)
	}

	p, err := c.ActivePower()
	if err != nil || !almostEqual(p.Sum, 1530.5) {
		t.Errorf("ActivePower = %+v, %v", p, err)
	}

	e, err := c.Energy(PeriodSinceReset, TariffTotal)
	if err != nil || !almostEqual(e.ActiveImport, 12345.678) {
		t.Errorf("Energy = %+v, %v", e, err)
	}

	if err := c.CloseSession(); err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
}

func TestClient_UnpoweredMeterTimesOut(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	sim.SetPowered(false)
	c := NewClient(sim, 0x11, WithTimeout(20*time.Millisecond))

	err := c.ProbeChannel()
	if !IsTimeout(err) {
		t.Fatalf("ProbeChannel error = %v, want timeout", err)
	}
}

func TestClient_StatusError(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	c := NewClient(sim, 0x11, WithTimeout(20*time.Millisecond))

	var wrong [PasswordSize]byte
	err := c.OpenSession(AccessUser, wrong)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("OpenSession error = %v, want *StatusError", err)
	}
	if statusErr.Status != StatusAccessDenied {
		t.Errorf("Status = 0x%02X, want ACCESS_DENIED", statusErr.Status)
	}
	if !strings.Contains(statusErr.Error(), "ACCESS_DENIED") {
		t.Errorf("Error() = %q", statusErr.Error())
	}
}

func TestClient_ReadWithoutSession(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	c := NewClient(sim, 0x11, WithTimeout(20*time.Millisecond))

	_, err := c.Voltage()
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusSessionClosed {
		t.Fatalf("Voltage error = %v, want SESSION_CLOSED status", err)
	}
}

func TestClient_Trace(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	var outbound, inbound int
	c := NewClient(sim, 0x11, WithTrace(func(out bool, b []byte) {
		if out {
			outbound++
		} else {
			inbound++
		}
	}))

	if err := c.ProbeChannel(); err != nil {
		t.Fatalf("ProbeChannel error: %v", err)
	}
	if outbound != 1 || inbound != 1 {
		t.Errorf("trace counts out=%d in=%d, want 1/1", outbound, inbound)
	}
}

// chunkedBus hands out replies at most four bytes per read, like a UART
// that returns early with part of a frame
type chunkedBus struct {
	*Simulator
}

func (b chunkedBus) Read(p []byte) (int, error) {
	if len(p) > MinFrameSize {
		p = p[:MinFrameSize]
	}
	return b.Simulator.Read(p)
}

// statusLookalike returns an active import register value whose reply starts
// with four bytes that form a valid status frame for addr
func statusLookalike(addr byte) uint32 {
	const high = 0x0C
	crc := CalculateCRC([]byte{addr, high})
	return uint32(high)<<16 | uint32(crc&0xFF)<<24 | uint32(crc>>8)
}

func TestClient_DataReplyStartingLikeStatus(t *testing.T) {
	v := statusLookalike(0x01)
	head := append([]byte{0x01}, encode4(v)[:3]...)
	if !isStatusFrame(head) {
		t.Fatalf("test value 0x%08X does not start with a status frame", v)
	}

	want := float64(v) / scaleEnergy
	readings := Readings{Energy: map[EnergyKey]Energy{
		{PeriodSinceReset, TariffTotal}: {ActiveImport: want},
	}}
	sim := NewSimulator(0x01, readings)
	c := NewClient(chunkedBus{sim}, 0x01, WithTimeout(100*time.Millisecond))

	if err := c.OpenSession(AccessUser, DefaultPassword); err != nil {
		t.Fatalf("OpenSession error: %v", err)
	}
	e, err := c.Energy(PeriodSinceReset, TariffTotal)
	if err != nil {
		t.Fatalf("Energy error: %v", err)
	}
	if !almostEqual(e.ActiveImport, want) {
		t.Errorf("ActiveImport = %v, want %v", e.ActiveImport, want)
	}
	if err := c.CloseSession(); err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
}

func TestClient_StatusErrorInChunks(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	c := NewClient(chunkedBus{sim}, 0x11, WithTimeout(100*time.Millisecond))

	_, err := c.Voltage()
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusSessionClosed {
		t.Fatalf("Voltage error = %v, want SESSION_CLOSED status", err)
	}
}

func TestClient_DropsStaleInput(t *testing.T) {
	sim := NewSimulator(0x11, testReadings())
	c := NewClient(sim, 0x11, WithTimeout(50*time.Millisecond))

	// a reply that arrived after its request timed out
	sim.pending = append(sim.pending, sim.frame(StatusOK)...)

	if err := c.OpenSession(AccessUser, DefaultPassword); err != nil {
		t.Fatalf("OpenSession error: %v", err)
	}
	u, err := c.Voltage()
	if err != nil || !almostEqual(u.P1, 230.12) {
		t.Fatalf("Voltage = %+v, %v", u, err)
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatFrame(t *testing.T) {
	s := FormatFrame(NewFrame(0x01, OpOpenSession, []byte{1, 1, 1, 1, 1, 1, 1}).Bytes())
	if !strings.Contains(s, "OPEN_SESSION") || !strings.Contains(s, "addr=0x01") {
		t.Errorf("FormatFrame = %q", s)
	}

	bad := FormatFrame([]byte{0x01, 0x02})
	if !strings.Contains(bad, "01 02") {
		t.Errorf("FormatFrame(bad) = %q, want hex dump", bad)
	}
}

func TestFormatHex_WrapsAt16(t *testing.T) {
	s := FormatHex(make([]byte, 17))
	if strings.Count(s, "\n") != 1 {
		t.Errorf("FormatHex should wrap after 16 bytes: %q", s)
	}
}
