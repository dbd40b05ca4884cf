// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session runs the fixed, fail-fast read sequence against one meter and produces a
// telemetry snapshot with a definitive mains flag.
package session

import (
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/telemetry"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// Meter is the codec contract the session drives. *mercury.Client implements it.
type Meter interface {
	ProbeChannel() error
	OpenSession(level mercury.AccessLevel, password [mercury.PasswordSize]byte) error
	CloseSession() error
	Voltage() (mercury.Phases, error)
	AveragedVoltage() (mercury.Phases, error)
	Current() (mercury.Phases, error)
	PowerFactor() (mercury.PhasesSum, error)
	Frequency() (float64, error)
	PhaseAngle() (mercury.Phases, error)
	ActivePower() (mercury.PhasesSum, error)
	ReactivePower() (mercury.PhasesSum, error)
	Energy(period mercury.Period, tariff mercury.Tariff) (mercury.Energy, error)
}

// State is the position of a session in its lifecycle
type State int

// Session states
const (
	StateIdle State = iota
	StateChannelProbed
	StateSessionOpen
	StateReading
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChannelProbed:
		return "channel_probed"
	case StateSessionOpen:
		return "session_open"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Step names reported in Result.Failed
const (
	StepProbe = "probe"
	StepOpen  = "open_session"
)

// Result describes how a session ended. It is for logging only.
type Result struct {
	State       State
	Reads       int    // read steps completed
	Failed      string // step that aborted the session, empty on full success
	Err         error
	Unreachable bool // probe timed out: the meter is silent
}

// Options configures one session
type Options struct {
	Level           mercury.AccessLevel
	Password        [mercury.PasswordSize]byte
	AveragedVoltage bool
	Logger          *zap.Logger
}

// DefaultOptions returns a user-level session with the factory password
func DefaultOptions() Options {
	return Options{
		Level:    mercury.AccessUser,
		Password: mercury.DefaultPassword,
	}
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type readStep struct {
	name string
	read func(m Meter, snap *telemetry.Snapshot) error
}

// energyPlan lists the energy reads in snapshot order
var energyPlan = [telemetry.EnergyKeyCount]struct {
	period mercury.Period
	tariff mercury.Tariff
}{
	telemetry.EnergySinceReset:      {mercury.PeriodSinceReset, mercury.TariffTotal},
	telemetry.EnergySinceResetDay:   {mercury.PeriodSinceReset, mercury.Tariff1},
	telemetry.EnergySinceResetNight: {mercury.PeriodSinceReset, mercury.Tariff2},
	telemetry.EnergyYesterday:       {mercury.PeriodYesterday, mercury.TariffTotal},
	telemetry.EnergyToday:           {mercury.PeriodToday, mercury.TariffTotal},
}

func phasesStep(name string, get func(Meter) (mercury.Phases, error), dst func(*telemetry.Snapshot) *telemetry.Phases) readStep {
	return readStep{name, func(m Meter, snap *telemetry.Snapshot) error {
		v, err := get(m)
		if err != nil {
			return err
		}
		*dst(snap) = telemetry.Phases(v)
		return nil
	}}
}

func phasesSumStep(name string, get func(Meter) (mercury.PhasesSum, error), dst func(*telemetry.Snapshot) *telemetry.PhasesSum) readStep {
	return readStep{name, func(m Meter, snap *telemetry.Snapshot) error {
		v, err := get(m)
		if err != nil {
			return err
		}
		*dst(snap) = telemetry.PhasesSum(v)
		return nil
	}}
}

func energyStep(key telemetry.EnergyKey) readStep {
	plan := energyPlan[key]
	return readStep{"energy_" + key.String(), func(m Meter, snap *telemetry.Snapshot) error {
		e, err := m.Energy(plan.period, plan.tariff)
		if err != nil {
			return err
		}
		snap.Energy[key].Active = e.ActiveImport
		return nil
	}}
}

// plan returns the read steps in their fixed order
func plan(opts Options) []readStep {
	steps := []readStep{
		phasesStep("voltage", Meter.Voltage, func(s *telemetry.Snapshot) *telemetry.Phases { return &s.Voltage }),
		phasesStep("current", Meter.Current, func(s *telemetry.Snapshot) *telemetry.Phases { return &s.Current }),
	}
	if opts.AveragedVoltage {
		steps = append(steps, phasesStep("averaged_voltage", Meter.AveragedVoltage,
			func(s *telemetry.Snapshot) *telemetry.Phases { return &s.AveragedVoltage }))
	}
	steps = append(steps,
		phasesSumStep("power_factor", Meter.PowerFactor, func(s *telemetry.Snapshot) *telemetry.PhasesSum { return &s.PowerFactor }),
		readStep{"frequency", func(m Meter, snap *telemetry.Snapshot) error {
			f, err := m.Frequency()
			if err != nil {
				return err
			}
			snap.Frequency = f
			return nil
		}},
		phasesStep("phase_angle", Meter.PhaseAngle, func(s *telemetry.Snapshot) *telemetry.Phases { return &s.PhaseAngle }),
		phasesSumStep("active_power", Meter.ActivePower, func(s *telemetry.Snapshot) *telemetry.PhasesSum { return &s.ActivePower }),
		phasesSumStep("reactive_power", Meter.ReactivePower, func(s *telemetry.Snapshot) *telemetry.PhasesSum { return &s.ReactivePower }),
	)
	for key := telemetry.EnergyKey(0); key < telemetry.EnergyKeyCount; key++ {
		steps = append(steps, energyStep(key))
	}
	return steps
}

// StepNames returns the read step names in execution order
func StepNames(opts Options) []string {
	steps := plan(opts)
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.name
	}
	return names
}

// Run executes one session against m.
//
// The snapshot starts zero-valued. A silent meter or a failed probe yields a zero snapshot with
// mains off. After a successful probe, CloseSession is sent exactly once, whether the remaining
// steps succeed or not. The first failing step aborts the sequence: fields written by earlier
// steps are kept, later ones stay zero, and mains is reported off.
func Run(m Meter, opts Options) (snap telemetry.Snapshot, res Result) {
	log := opts.logger()

	if err := m.ProbeChannel(); err != nil {
		res.State = StateClosed
		res.Failed = StepProbe
		res.Err = err
		res.Unreachable = mercury.IsTimeout(err)
		if res.Unreachable {
			log.Info("meter unreachable, reporting mains off")
		} else {
			log.Warn("channel probe failed", zap.Error(err))
		}
		return snap, res
	}
	res.State = StateChannelProbed

	defer func() {
		if err := m.CloseSession(); err != nil {
			log.Debug("close session failed", zap.Error(err))
		}
		res.State = StateClosed
	}()

	if err := m.OpenSession(opts.Level, opts.Password); err != nil {
		res.Failed = StepOpen
		res.Err = err
		log.Warn("open session failed", zap.Error(err))
		return snap, res
	}
	res.State = StateSessionOpen

	for _, st := range plan(opts) {
		res.State = StateReading
		if err := st.read(m, &snap); err != nil {
			res.Failed = st.name
			res.Err = err
			log.Warn("read step failed, aborting session",
				zap.String("step", st.name),
				zap.Int("completed", res.Reads),
				zap.Error(err))
			return snap, res
		}
		res.Reads++
	}

	snap.Mains = true
	log.Debug("session complete", zap.Int("reads", res.Reads))
	return snap, res
}

// DryRun returns the outcome of a session without touching the network.
// A reachable dry run reports mains on with every value zero; otherwise mains is off.
func DryRun(reachable bool) (telemetry.Snapshot, Result) {
	if !reachable {
		return telemetry.Snapshot{}, Result{State: StateClosed, Failed: StepProbe, Unreachable: true}
	}
	return telemetry.Snapshot{Mains: true}, Result{State: StateClosed}
}
