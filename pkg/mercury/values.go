// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mercury

import "fmt"

// Phases holds one value per phase
type Phases struct {
	P1, P2, P3 float64
}

// PhasesSum holds one value per phase plus the meter's aggregate
type PhasesSum struct {
	Sum        float64
	P1, P2, P3 float64
}

// Energy holds the four accumulated energy registers of one period/tariff, in kWh
type Energy struct {
	ActiveImport   float64
	ActiveExport   float64
	ReactiveImport float64
	ReactiveExport float64
}

// decode3 decodes a 3-byte auxiliary value.
// The two upper bits of the first byte carry direction flags and are masked off.
func decode3(b []byte) uint32 {
	return uint32(b[0]&0x3F)<<16 | uint32(b[2])<<8 | uint32(b[1])
}

// encode3 is the inverse of decode3 for values below 2^22
func encode3(v uint32) []byte {
	return []byte{byte(v>>16) & 0x3F, byte(v), byte(v >> 8)}
}

// decode4 decodes a 4-byte energy register in Wh
func decode4(b []byte) uint32 {
	return uint32(b[1])<<24 | uint32(b[0])<<16 | uint32(b[3])<<8 | uint32(b[2])
}

// encode4 is the inverse of decode4
func encode4(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 24), byte(v), byte(v >> 8)}
}

func checkLen(what string, data []byte, want int) error {
	if len(data) != want {
		return fmt.Errorf("mercury: %s reply has %d data bytes, expected %d", what, len(data), want)
	}
	return nil
}

// DecodePhases decodes three 3-byte values
func DecodePhases(data []byte, scale float64) (Phases, error) {
	if err := checkLen("phase", data, 9); err != nil {
		return Phases{}, err
	}
	return Phases{
		P1: float64(decode3(data[0:3])) / scale,
		P2: float64(decode3(data[3:6])) / scale,
		P3: float64(decode3(data[6:9])) / scale,
	}, nil
}

// DecodePhasesSum decodes four 3-byte values, aggregate first
func DecodePhasesSum(data []byte, scale float64) (PhasesSum, error) {
	if err := checkLen("phase sum", data, 12); err != nil {
		return PhasesSum{}, err
	}
	return PhasesSum{
		Sum: float64(decode3(data[0:3])) / scale,
		P1:  float64(decode3(data[3:6])) / scale,
		P2:  float64(decode3(data[6:9])) / scale,
		P3:  float64(decode3(data[9:12])) / scale,
	}, nil
}

// DecodeScalar decodes a single 3-byte value
func DecodeScalar(data []byte, scale float64) (float64, error) {
	if err := checkLen("scalar", data, 3); err != nil {
		return 0, err
	}
	return float64(decode3(data)) / scale, nil
}

// DecodeEnergy decodes the four 4-byte energy registers
func DecodeEnergy(data []byte) (Energy, error) {
	if err := checkLen("energy", data, 16); err != nil {
		return Energy{}, err
	}
	reg := func(i int) float64 {
		v := decode4(data[i*4 : i*4+4])
		if v == energyUnavailable {
			return 0
		}
		return float64(v) / scaleEnergy
	}
	return Energy{
		ActiveImport:   reg(0),
		ActiveExport:   reg(1),
		ReactiveImport: reg(2),
		ReactiveExport: reg(3),
	}, nil
}
