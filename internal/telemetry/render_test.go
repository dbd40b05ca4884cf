// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	s := Snapshot{
		Mains:         true,
		Voltage:       Phases{230.12, 229.87, 231.04},
		Current:       Phases{1.234, 0.5, 2.75},
		PowerFactor:   PhasesSum{Sum: 0.95, P1: 0.97, P2: 0.93, P3: 0.95},
		Frequency:     50.01,
		PhaseAngle:    Phases{120.5, 119.75, 240.1},
		ActivePower:   PhasesSum{Sum: 1234.56, P1: 400.1, P2: 300.2, P3: 534.26},
		ReactivePower: PhasesSum{Sum: 98.76, P1: 30.1, P2: 20.2, P3: 48.46},
	}
	s.Energy[EnergySinceReset].Active = 12345.678
	s.Energy[EnergySinceResetDay].Active = 8000.5
	s.Energy[EnergySinceResetNight].Active = 4345.178
	s.Energy[EnergyYesterday].Active = 12.3
	s.Energy[EnergyToday].Active = 4.56
	return s
}

var fixedNow = time.Date(2025, 3, 14, 15, 9, 26, 0, time.Local)

// ============================================================================
// Format selection
// ============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"human", FormatHuman},
		{"csv", FormatCSV},
		{"json", FormatJSON},
		{"JSON", FormatJSON},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, strings.ToLower(tt.in), got.String())
	}
}

func TestParseFormat_Unknown(t *testing.T) {
	_, err := ParseFormat("xml")
	require.ErrorIs(t, err, ErrUnknownFormat)
	assert.Contains(t, err.Error(), "xml")
}

func TestRender_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, Snapshot{}, Format(42), false, fixedNow)
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Zero(t, buf.Len())
}

// ============================================================================
// Human
// ============================================================================

func TestRenderHuman_ZeroSnapshotMainsOn(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Snapshot{Mains: true}, FormatHuman, false, fixedNow))

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 13)
	assert.Contains(t, lines[0], "Mains status:")
	assert.True(t, strings.HasSuffix(lines[0], "On"))
	assert.Contains(t, out, "    0.00     0.00     0.00")
	assert.NotContains(t, out, "Off")
}

func TestRenderHuman_MainsOff(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Snapshot{}, FormatHuman, false, fixedNow))
	assert.True(t, strings.HasSuffix(strings.SplitN(buf.String(), "\n", 2)[0], "Off"))
}

func TestRenderHuman_Values(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleSnapshot(), FormatHuman, false, fixedNow))

	out := buf.String()
	assert.Contains(t, out, "  230.12   229.87   231.04")
	assert.Contains(t, out, "( 1234.56)")
	assert.Contains(t, out, "12345.68")
	assert.Contains(t, out, "   50.01")
}

// ============================================================================
// CSV
// ============================================================================

func TestRenderCSV_HeaderLineCount(t *testing.T) {
	for _, header := range []bool{false, true} {
		var buf bytes.Buffer
		require.NoError(t, Render(&buf, sampleSnapshot(), FormatCSV, header, fixedNow))

		lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
		if header {
			require.Len(t, lines, 2)
			assert.Equal(t, strings.Join(CSVHeader, ","), lines[0])
		} else {
			require.Len(t, lines, 1)
		}
	}
}

func TestRenderCSV_Record(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleSnapshot(), FormatCSV, false, fixedNow))

	fields := strings.Split(strings.TrimRight(buf.String(), "\n"), ",")
	require.Len(t, fields, len(CSVHeader))
	assert.Equal(t, "2025-03-14 15:09:26", fields[0])
	assert.Equal(t, "230.12", fields[1])
	assert.Equal(t, "1.23", fields[4])
	assert.Equal(t, "1234.56", fields[10])
	assert.Equal(t, "50.01", fields[19])
	assert.Equal(t, "12345.68", fields[23])
	assert.Equal(t, "1", fields[len(fields)-1])
}

func TestRenderCSV_MainsOff(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, Snapshot{}, FormatCSV, false, fixedNow))
	assert.True(t, strings.HasSuffix(strings.TrimRight(buf.String(), "\n"), ",0"))
}

// ============================================================================
// JSON
// ============================================================================

func TestRenderJSON_SingleLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleSnapshot(), FormatJSON, true, fixedNow))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, `"mainsStatus":1`)
	assert.Contains(t, out, `"F":50.01`)
	assert.Contains(t, out, `"PR":{"ap":12345.68}`)
}

func TestRenderJSON_Keys(t *testing.T) {
	b, err := MarshalJSON(Snapshot{})
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &m))

	keys := []string{"mainsStatus", "U", "I", "CosF", "F", "A", "P", "S", "PR", "PR-day", "PR-night", "PY", "PT"}
	assert.Len(t, m, len(keys))
	for _, k := range keys {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, "0", string(m["mainsStatus"]))
	assert.Equal(t, "0.00", string(m["F"]))
}

func TestRenderJSON_ParsesBackWithinTolerance(t *testing.T) {
	s := sampleSnapshot()
	b, err := MarshalJSON(s)
	require.NoError(t, err)

	var back struct {
		MainsStatus int `json:"mainsStatus"`
		U           struct{ P1, P2, P3 float64 }
		P           struct{ P1, P2, P3, Sum float64 }
		F           float64
		PRDay       struct {
			AP float64 `json:"ap"`
		} `json:"PR-day"`
		PT struct {
			AP float64 `json:"ap"`
		}
	}
	require.NoError(t, json.Unmarshal(b, &back))

	const tol = 0.01
	assert.Equal(t, 1, back.MainsStatus)
	assert.InDelta(t, s.Voltage.P1, back.U.P1, tol)
	assert.InDelta(t, s.Voltage.P3, back.U.P3, tol)
	assert.InDelta(t, s.ActivePower.Sum, back.P.Sum, tol)
	assert.InDelta(t, s.ActivePower.P2, back.P.P2, tol)
	assert.InDelta(t, s.Frequency, back.F, tol)
	assert.InDelta(t, s.Energy[EnergySinceResetDay].Active, back.PRDay.AP, tol)
	assert.InDelta(t, s.Energy[EnergyToday].Active, back.PT.AP, tol)
}

// ============================================================================
// Snapshot
// ============================================================================

func TestSnapshotIsZero(t *testing.T) {
	assert.True(t, Snapshot{}.IsZero())
	assert.True(t, Snapshot{Mains: true}.IsZero())
	assert.False(t, sampleSnapshot().IsZero())

	var s Snapshot
	s.Energy[EnergyToday].Active = 0.01
	assert.False(t, s.IsZero())
}

func TestEnergyKeyString(t *testing.T) {
	assert.Equal(t, "reset_total", EnergySinceReset.String())
	assert.Equal(t, "today_total", EnergyToday.String())
	assert.Equal(t, "unknown", EnergyKey(9).String())
}
