// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package exporter serves meter telemetry as Prometheus metrics and a websocket live feed.
// Every scrape runs one meter session; scrapes are serialized so one process never drives the
// bus twice at the same time.
package exporter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/internal/telemetry"
)

const namespace = "mercury"

var (
	upDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "up"),
		"Whether the last query reached the bus (lock and connection).",
		nil, nil,
	)
	mainsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "mains"),
		"Mains power at the meter (1 = on).",
		nil, nil,
	)
	voltageDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "voltage_volts"),
		"Phase voltage.",
		[]string{"phase"}, nil,
	)
	currentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "current_amperes"),
		"Phase current.",
		[]string{"phase"}, nil,
	)
	powerFactorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "power_factor"),
		"Power factor cos(f) per phase and aggregate.",
		[]string{"phase"}, nil,
	)
	frequencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "frequency_hertz"),
		"Grid frequency.",
		nil, nil,
	)
	phaseAngleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "phase_angle_degrees"),
		"Angle between phase voltages.",
		[]string{"phase"}, nil,
	)
	activePowerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "active_power_watts"),
		"Active power per phase and aggregate.",
		[]string{"phase"}, nil,
	)
	reactivePowerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "reactive_power_vars"),
		"Reactive power per phase and aggregate.",
		[]string{"phase"}, nil,
	)
	energyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "energy_active_kwh"),
		"Accumulated active energy.",
		[]string{"register"}, nil,
	)
	readsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "session_reads"),
		"Read steps completed by the last session.",
		nil, nil,
	)
	durationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "collection_duration_seconds"),
		"Duration of the last query.",
		nil, nil,
	)
)

// Querier runs one complete meter query. *session.Runner implements it.
type Querier interface {
	Query(ctx context.Context) (telemetry.Snapshot, session.Result, error)
}

// Reading is the outcome of one query
type Reading struct {
	Snapshot telemetry.Snapshot
	Result   session.Result
	Err      error
	At       time.Time
	Duration time.Duration
}

// Collector is a prometheus.Collector running one query per scrape
type Collector struct {
	q       Querier
	timeout time.Duration
	log     *zap.Logger

	mu   sync.Mutex
	last Reading
}

// NewCollector wraps q. timeout bounds each query including the wait for the bus lock.
func NewCollector(q Querier, timeout time.Duration, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{q: q, timeout: timeout, log: log}
}

// Read returns a reading no older than maxAge, querying the meter when needed.
// maxAge <= 0 always queries.
func (c *Collector) Read(ctx context.Context, maxAge time.Duration) Reading {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxAge > 0 && !c.last.At.IsZero() && time.Since(c.last.At) < maxAge {
		return c.last
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	snap, res, err := c.q.Query(ctx)
	c.last = Reading{
		Snapshot: snap,
		Result:   res,
		Err:      err,
		At:       time.Now(),
		Duration: time.Since(start),
	}
	if err != nil {
		c.log.Warn("meter query failed", zap.Error(err))
	} else {
		c.log.Debug("meter query done",
			zap.Bool("mains", snap.Mains),
			zap.Int("reads", res.Reads),
			zap.Duration("took", c.last.Duration))
	}
	return c.last
}

// Last returns the most recent reading without querying
func (c *Collector) Last() Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		upDesc, mainsDesc, voltageDesc, currentDesc, powerFactorDesc, frequencyDesc,
		phaseAngleDesc, activePowerDesc, reactivePowerDesc, energyDesc, readsDesc, durationDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.Read(context.Background(), 0)

	ch <- prometheus.MustNewConstMetric(durationDesc, prometheus.GaugeValue, r.Duration.Seconds())
	if r.Err != nil {
		ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, 1)

	s := r.Snapshot
	ch <- prometheus.MustNewConstMetric(mainsDesc, prometheus.GaugeValue, boolValue(s.Mains))
	ch <- prometheus.MustNewConstMetric(readsDesc, prometheus.GaugeValue, float64(r.Result.Reads))
	if !s.Mains {
		return
	}

	phases(ch, voltageDesc, s.Voltage)
	phases(ch, currentDesc, s.Current)
	phases(ch, phaseAngleDesc, s.PhaseAngle)
	phasesSum(ch, powerFactorDesc, s.PowerFactor)
	phasesSum(ch, activePowerDesc, s.ActivePower)
	phasesSum(ch, reactivePowerDesc, s.ReactivePower)
	ch <- prometheus.MustNewConstMetric(frequencyDesc, prometheus.GaugeValue, s.Frequency)
	for key := telemetry.EnergyKey(0); key < telemetry.EnergyKeyCount; key++ {
		ch <- prometheus.MustNewConstMetric(energyDesc, prometheus.CounterValue, s.Energy[key].Active, key.String())
	}
}

func phases(ch chan<- prometheus.Metric, desc *prometheus.Desc, p telemetry.Phases) {
	for i, v := range []float64{p.P1, p.P2, p.P3} {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, strconv.Itoa(i+1))
	}
}

func phasesSum(ch chan<- prometheus.Metric, desc *prometheus.Desc, p telemetry.PhasesSum) {
	phases(ch, desc, telemetry.Phases{P1: p.P1, P2: p.P2, P3: p.P3})
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, p.Sum, "sum")
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
