// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownFormat is returned for an output format outside human, csv and json
var ErrUnknownFormat = errors.New("unknown output format")

// Format selects the output encoding
type Format int

// Output formats
const (
	FormatHuman Format = iota
	FormatCSV
	FormatJSON
)

// TimestampLayout is the CSV timestamp layout
const TimestampLayout = "2006-01-02 15:04:05"

// ParseFormat parses a format selector
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "human":
		return FormatHuman, nil
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("%w: %q (use human, csv or json)", ErrUnknownFormat, s)
	}
}

// String returns the selector name
func (f Format) String() string {
	switch f {
	case FormatHuman:
		return "human"
	case FormatCSV:
		return "csv"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Render writes the snapshot in the given format.
// header only applies to csv; now is the render-time timestamp used by csv.
func Render(w io.Writer, s Snapshot, format Format, header bool, now time.Time) error {
	switch format {
	case FormatHuman:
		return renderHuman(w, s)
	case FormatCSV:
		return renderCSV(w, s, header, now)
	case FormatJSON:
		return renderJSON(w, s)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFormat, int(format))
	}
}

func onOff(b bool) string {
	if b {
		return "On"
	}
	return "Off"
}

func mainsInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func renderHuman(w io.Writer, s Snapshot) error {
	var sb strings.Builder
	line := func(label, format string, args ...interface{}) {
		fmt.Fprintf(&sb, "  %-36s"+format+"\n", append([]interface{}{label}, args...)...)
	}

	line("Mains status:", "%8s", onOff(s.Mains))
	line("Voltage (V):", "%8.2f %8.2f %8.2f", s.Voltage.P1, s.Voltage.P2, s.Voltage.P3)
	line("Current (A):", "%8.2f %8.2f %8.2f", s.Current.P1, s.Current.P2, s.Current.P3)
	line("Cos(f):", "%8.2f %8.2f %8.2f (%8.2f)", s.PowerFactor.P1, s.PowerFactor.P2, s.PowerFactor.P3, s.PowerFactor.Sum)
	line("Frequency (Hz):", "%8.2f", s.Frequency)
	line("Phase angles (deg):", "%8.2f %8.2f %8.2f", s.PhaseAngle.P1, s.PhaseAngle.P2, s.PhaseAngle.P3)
	line("Active power (W):", "%8.2f %8.2f %8.2f (%8.2f)", s.ActivePower.P1, s.ActivePower.P2, s.ActivePower.P3, s.ActivePower.Sum)
	line("Reactive power (var):", "%8.2f %8.2f %8.2f (%8.2f)", s.ReactivePower.P1, s.ReactivePower.P2, s.ReactivePower.P3, s.ReactivePower.Sum)
	line("Total consumed, all tariffs (kWh):", "%8.2f", s.Energy[EnergySinceReset].Active)
	line("  including day tariff (kWh):", "%8.2f", s.Energy[EnergySinceResetDay].Active)
	line("  including night tariff (kWh):", "%8.2f", s.Energy[EnergySinceResetNight].Active)
	line("Yesterday consumed (kWh):", "%8.2f", s.Energy[EnergyYesterday].Active)
	line("Today consumed (kWh):", "%8.2f", s.Energy[EnergyToday].Active)

	_, err := io.WriteString(w, sb.String())
	return err
}

// CSVHeader is the header line of the csv format, in field order
var CSVHeader = []string{
	"timestamp",
	"U1", "U2", "U3",
	"I1", "I2", "I3",
	"P1", "P2", "P3", "Psum",
	"S1", "S2", "S3", "Ssum",
	"CosF1", "CosF2", "CosF3", "CosFsum",
	"F",
	"A1", "A2", "A3",
	"PR", "PY", "PT",
	"mains",
}

func f2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func csvRecord(s Snapshot, now time.Time) []string {
	return []string{
		now.Format(TimestampLayout),
		f2(s.Voltage.P1), f2(s.Voltage.P2), f2(s.Voltage.P3),
		f2(s.Current.P1), f2(s.Current.P2), f2(s.Current.P3),
		f2(s.ActivePower.P1), f2(s.ActivePower.P2), f2(s.ActivePower.P3), f2(s.ActivePower.Sum),
		f2(s.ReactivePower.P1), f2(s.ReactivePower.P2), f2(s.ReactivePower.P3), f2(s.ReactivePower.Sum),
		f2(s.PowerFactor.P1), f2(s.PowerFactor.P2), f2(s.PowerFactor.P3), f2(s.PowerFactor.Sum),
		f2(s.Frequency),
		f2(s.PhaseAngle.P1), f2(s.PhaseAngle.P2), f2(s.PhaseAngle.P3),
		f2(s.Energy[EnergySinceReset].Active), f2(s.Energy[EnergyYesterday].Active), f2(s.Energy[EnergyToday].Active),
		strconv.Itoa(mainsInt(s.Mains)),
	}
}

func renderCSV(w io.Writer, s Snapshot, header bool, now time.Time) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(CSVHeader); err != nil {
			return err
		}
	}
	if err := cw.Write(csvRecord(s, now)); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// fixed2 marshals as a JSON number with exactly two decimals
type fixed2 float64

// MarshalJSON implements json.Marshaler
func (v fixed2) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(v), 'f', 2, 64), nil
}

type jsonPhases struct {
	P1 fixed2 `json:"p1"`
	P2 fixed2 `json:"p2"`
	P3 fixed2 `json:"p3"`
}

type jsonPhasesSum struct {
	P1  fixed2 `json:"p1"`
	P2  fixed2 `json:"p2"`
	P3  fixed2 `json:"p3"`
	Sum fixed2 `json:"sum"`
}

type jsonEnergy struct {
	Active fixed2 `json:"ap"`
}

// jsonReport is the fixed key set of the json format.
// mainsStatus is 0/1 rather than a boolean for older consumers.
type jsonReport struct {
	MainsStatus   int           `json:"mainsStatus"`
	Voltage       jsonPhases    `json:"U"`
	Current       jsonPhases    `json:"I"`
	PowerFactor   jsonPhasesSum `json:"CosF"`
	Frequency     fixed2        `json:"F"`
	PhaseAngle    jsonPhases    `json:"A"`
	ActivePower   jsonPhasesSum `json:"P"`
	ReactivePower jsonPhasesSum `json:"S"`
	ResetTotal    jsonEnergy    `json:"PR"`
	ResetDay      jsonEnergy    `json:"PR-day"`
	ResetNight    jsonEnergy    `json:"PR-night"`
	Yesterday     jsonEnergy    `json:"PY"`
	Today         jsonEnergy    `json:"PT"`
}

func toJSONPhases(p Phases) jsonPhases {
	return jsonPhases{P1: fixed2(p.P1), P2: fixed2(p.P2), P3: fixed2(p.P3)}
}

func toJSONPhasesSum(p PhasesSum) jsonPhasesSum {
	return jsonPhasesSum{P1: fixed2(p.P1), P2: fixed2(p.P2), P3: fixed2(p.P3), Sum: fixed2(p.Sum)}
}

// MarshalJSON returns the single-line json rendering without a trailing newline
func MarshalJSON(s Snapshot) ([]byte, error) {
	r := jsonReport{
		MainsStatus:   mainsInt(s.Mains),
		Voltage:       toJSONPhases(s.Voltage),
		Current:       toJSONPhases(s.Current),
		PowerFactor:   toJSONPhasesSum(s.PowerFactor),
		Frequency:     fixed2(s.Frequency),
		PhaseAngle:    toJSONPhases(s.PhaseAngle),
		ActivePower:   toJSONPhasesSum(s.ActivePower),
		ReactivePower: toJSONPhasesSum(s.ReactivePower),
		ResetTotal:    jsonEnergy{fixed2(s.Energy[EnergySinceReset].Active)},
		ResetDay:      jsonEnergy{fixed2(s.Energy[EnergySinceResetDay].Active)},
		ResetNight:    jsonEnergy{fixed2(s.Energy[EnergySinceResetNight].Active)},
		Yesterday:     jsonEnergy{fixed2(s.Energy[EnergyYesterday].Active)},
		Today:         jsonEnergy{fixed2(s.Energy[EnergyToday].Active)},
	}
	return json.Marshal(r)
}

func renderJSON(w io.Writer, s Snapshot) error {
	b, err := MarshalJSON(s)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
