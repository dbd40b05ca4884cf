// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import (
	"math"
	"sync"
)

// EnergyKey addresses one energy register set
type EnergyKey struct {
	Period Period
	Tariff Tariff
}

// Readings are the values a simulated meter reports
type Readings struct {
	Voltage         Phases
	AveragedVoltage Phases
	Current         Phases
	PhaseAngle      Phases
	PowerFactor     PhasesSum
	ActivePower     PhasesSum
	ReactivePower   PhasesSum
	Frequency       float64
	Energy          map[EnergyKey]Energy
}

// Simulator is an in-memory bus with one Mercury 236 meter attached.
// It implements io.ReadWriter like a serial port with a read timeout: Write delivers a
// request, Read returns the pending reply and then (0, nil) once the bus is idle.
type Simulator struct {
	mu          sync.Mutex
	address     byte
	password    [PasswordSize]byte
	powered     bool
	readings    Readings
	sessionOpen bool
	failures    map[[2]byte]byte
	pending     []byte
	requests    []*Frame
}

// NewSimulator creates a powered meter at address with the default password
func NewSimulator(address byte, readings Readings) *Simulator {
	return &Simulator{
		address:  address,
		password: DefaultPassword,
		powered:  true,
		readings: readings,
		failures: make(map[[2]byte]byte),
	}
}

// SetPowered switches mains power; an unpowered meter never answers
func (s *Simulator) SetPowered(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powered = on
	if !on {
		s.sessionOpen = false
	}
}

// FailOn makes every request with opcode and selector answer with status.
// selector is the BWRI for OpReadParams, the period/month byte for OpReadEnergy, else 0.
func (s *Simulator) FailOn(opcode, selector, status byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[[2]byte{opcode, selector}] = status
}

// Requests returns the decoded requests received so far
func (s *Simulator) Requests() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Frame, len(s.requests))
	copy(out, s.requests)
	return out
}

// Write accepts one request frame
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := DecodeFrame(p)
	if err != nil {
		// A real meter ignores garbage on the line
		return len(p), nil
	}
	s.requests = append(s.requests, req)
	if !s.powered {
		return len(p), nil
	}
	if req.Address() != s.address && req.Address() != AddressBroadcast {
		return len(p), nil
	}
	s.pending = append(s.pending, s.reply(req)...)
	return len(p), nil
}

// Read returns pending reply bytes, or (0, nil) when nothing is pending
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// ResetInputBuffer discards pending reply bytes
func (s *Simulator) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// Close implements io.Closer
func (s *Simulator) Close() error {
	return nil
}

func (s *Simulator) frame(data ...byte) []byte {
	b := make([]byte, 0, 1+len(data)+crcSize)
	b = append(b, s.address)
	b = append(b, data...)
	return appendCRC(b)
}

func (s *Simulator) reply(req *Frame) []byte {
	var selector byte
	payload := req.Payload()
	switch req.Opcode() {
	case OpReadParams:
		if len(payload) == 2 {
			selector = payload[1]
		}
	case OpReadEnergy:
		if len(payload) == 2 {
			selector = payload[0]
		}
	}
	if status, ok := s.failures[[2]byte{req.Opcode(), selector}]; ok {
		return s.frame(status)
	}

	switch req.Opcode() {
	case OpTestChannel:
		return s.frame(StatusOK)

	case OpOpenSession:
		if len(payload) != 1+PasswordSize {
			return s.frame(StatusInvalidCommand)
		}
		var pw [PasswordSize]byte
		copy(pw[:], payload[1:])
		if pw != s.password {
			return s.frame(StatusAccessDenied)
		}
		s.sessionOpen = true
		return s.frame(StatusOK)

	case OpCloseSession:
		s.sessionOpen = false
		return s.frame(StatusOK)
	}

	if !s.sessionOpen {
		return s.frame(StatusSessionClosed)
	}

	switch req.Opcode() {
	case OpReadParams:
		if len(payload) != 2 {
			return s.frame(StatusInvalidCommand)
		}
		return s.auxReply(payload[0], payload[1])

	case OpReadEnergy:
		if len(payload) != 2 {
			return s.frame(StatusInvalidCommand)
		}
		key := EnergyKey{Period: Period(payload[0] >> 4), Tariff: Tariff(payload[1])}
		e := s.readings.Energy[key]
		data := make([]byte, 0, 16)
		for _, v := range []float64{e.ActiveImport, e.ActiveExport, e.ReactiveImport, e.ReactiveExport} {
			data = append(data, encode4(scaled(v, scaleEnergy))...)
		}
		return s.frame(data...)
	}
	return s.frame(StatusInvalidCommand)
}

func (s *Simulator) auxReply(param, bwri byte) []byte {
	r := s.readings
	if param == ParamAveraged {
		if bwri != BwriVoltage {
			return s.frame(StatusInvalidCommand)
		}
		return s.frame(phasesBytes(r.AveragedVoltage, scaleVoltage)...)
	}
	if param != ParamAux {
		return s.frame(StatusInvalidCommand)
	}

	switch bwri {
	case BwriVoltage:
		return s.frame(phasesBytes(r.Voltage, scaleVoltage)...)
	case BwriCurrent:
		return s.frame(phasesBytes(r.Current, scaleCurrent)...)
	case BwriPhaseAngle:
		return s.frame(phasesBytes(r.PhaseAngle, scalePhaseAngle)...)
	case BwriPowerFactor:
		return s.frame(phasesSumBytes(r.PowerFactor, scalePowerFactor)...)
	case BwriActivePower:
		return s.frame(phasesSumBytes(r.ActivePower, scalePower)...)
	case BwriReactivePower:
		return s.frame(phasesSumBytes(r.ReactivePower, scalePower)...)
	case BwriFrequency:
		return s.frame(encode3(scaled(r.Frequency, scaleFrequency))...)
	}
	return s.frame(StatusInvalidCommand)
}

func scaled(v, scale float64) uint32 {
	return uint32(math.Round(math.Abs(v) * scale))
}

func phasesBytes(p Phases, scale float64) []byte {
	b := make([]byte, 0, 9)
	for _, v := range []float64{p.P1, p.P2, p.P3} {
		b = append(b, encode3(scaled(v, scale))...)
	}
	return b
}

func phasesSumBytes(p PhasesSum, scale float64) []byte {
	b := make([]byte, 0, 12)
	for _, v := range []float64{p.Sum, p.P1, p.P2, p.P3} {
		b = append(b, encode3(scaled(v, scale))...)
	}
	return b
}
