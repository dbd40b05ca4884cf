// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry holds the meter snapshot produced by one query session and renders it
// in the supported output encodings.
package telemetry

// Phases holds one value per phase
type Phases struct {
	P1, P2, P3 float64
}

// PhasesSum holds one value per phase plus the aggregate
type PhasesSum struct {
	Sum        float64
	P1, P2, P3 float64
}

// Energy is one accumulated active energy reading in kWh
type Energy struct {
	Active float64
}

// EnergyKey indexes the energy readings of a snapshot by period and tariff
type EnergyKey int

// Energy readings, in the order they are read from the meter
const (
	EnergySinceReset EnergyKey = iota
	EnergySinceResetDay
	EnergySinceResetNight
	EnergyYesterday
	EnergyToday

	EnergyKeyCount = 5
)

// String returns the short name used in logs and metric labels
func (k EnergyKey) String() string {
	switch k {
	case EnergySinceReset:
		return "reset_total"
	case EnergySinceResetDay:
		return "reset_day"
	case EnergySinceResetNight:
		return "reset_night"
	case EnergyYesterday:
		return "yesterday_total"
	case EnergyToday:
		return "today_total"
	default:
		return "unknown"
	}
}

// Snapshot is the telemetry collected by one session.
// It starts zero-valued; each successful read step fills only its own fields.
type Snapshot struct {
	Mains bool

	Voltage         Phases
	Current         Phases
	AveragedVoltage Phases
	PowerFactor     PhasesSum
	Frequency       float64
	PhaseAngle      Phases
	ActivePower     PhasesSum
	ReactivePower   PhasesSum

	Energy [EnergyKeyCount]Energy
}

// IsZero reports whether every telemetry field is at its zero value.
// The mains flag is not considered.
func (s Snapshot) IsZero() bool {
	s.Mains = false
	return s == Snapshot{}
}
