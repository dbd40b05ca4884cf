// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mercury provides a Go implementation of the Mercury 236 RS-485 meter protocol.
//
// Frames are addressed to a single meter on the bus, carry a one-byte operation code and an
// optional payload, and end with a Modbus CRC-16 (low byte first). This package covers the
// read side of the protocol only: channel test, session open/close, auxiliary parameter reads
// and accumulated energy reads.
package mercury

import "time"

// Frame size limits
const (
	MaxFrameSize = 256
	MinFrameSize = 4 // address + status + CRC
	crcSize      = 2
)

// CRC-16/Modbus configuration (reflected polynomial)
const (
	crcPolynomial = 0xA001
	crcInitial    = 0xFFFF
)

// Special addresses
const (
	AddressBroadcast = 0x00 // Any meter answers, only valid with a single meter on the bus
)

// Operation codes (Master → Meter)
const (
	OpTestChannel  = 0x00
	OpOpenSession  = 0x01
	OpCloseSession = 0x02
	OpReadEnergy   = 0x05
	OpReadParams   = 0x08
)

// Auxiliary parameter numbers for OpReadParams
const (
	ParamAux      = 0x16 // Instantaneous auxiliary values
	ParamAveraged = 0x14 // Values averaged over the last integration interval
)

// BWRI selectors for auxiliary reads
const (
	BwriActivePower   = 0x00
	BwriReactivePower = 0x04
	BwriVoltage       = 0x11
	BwriCurrent       = 0x21
	BwriPowerFactor   = 0x30
	BwriFrequency     = 0x40
	BwriPhaseAngle    = 0x51
)

// Status codes in the second byte of a status reply
const (
	StatusOK             = 0x00
	StatusInvalidCommand = 0x01
	StatusInternalError  = 0x02
	StatusAccessDenied   = 0x03
	StatusClockLocked    = 0x04
	StatusSessionClosed  = 0x05
)

// AccessLevel selects the privilege of an opened session
type AccessLevel uint8

// Access level values
const (
	AccessUser  AccessLevel = 0x01
	AccessAdmin AccessLevel = 0x02
)

// PasswordSize is the fixed length of a session password
const PasswordSize = 6

// DefaultPassword is the factory user password
var DefaultPassword = [PasswordSize]byte{1, 1, 1, 1, 1, 1}

// Period selects the accumulation interval of an energy read
type Period uint8

// Energy period values
const (
	PeriodSinceReset Period = 0x00
	PeriodThisYear   Period = 0x01
	PeriodLastYear   Period = 0x02
	PeriodMonth      Period = 0x03
	PeriodToday      Period = 0x04
	PeriodYesterday  Period = 0x05
)

// Tariff selects the billing zone of an energy read
type Tariff uint8

// Tariff values
const (
	TariffTotal Tariff = 0x00
	Tariff1     Tariff = 0x01 // Day
	Tariff2     Tariff = 0x02 // Night
	Tariff3     Tariff = 0x03
	Tariff4     Tariff = 0x04
)

// Value scale divisors
const (
	scaleVoltage     = 100
	scaleCurrent     = 1000
	scalePowerFactor = 1000
	scaleFrequency   = 100
	scalePhaseAngle  = 100
	scalePower       = 100
	scaleEnergy      = 1000 // Wh → kWh
)

// energyUnavailable marks an energy register the meter does not keep
const energyUnavailable = 0xFFFFFFFF

// Reply timing
const (
	DefaultTimeout = 500 * time.Millisecond
	idlePoll       = 2 * time.Millisecond

	// statusGap is the line silence that confirms a 4-byte status reply
	// when a longer data reply was expected
	statusGap = 20 * time.Millisecond
)
