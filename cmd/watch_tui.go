// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/internal/telemetry"
)

// meterQuerier runs one complete meter query. *session.Runner implements it.
type meterQuerier interface {
	Query(ctx context.Context) (telemetry.Snapshot, session.Result, error)
}

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type watchModel struct {
	ctx      context.Context
	q        meterQuerier
	connInfo string
	address  uint
	interval time.Duration

	spinner spinner.Model
	reading bool
	started time.Time

	last     *telemetry.Snapshot
	lastAt   time.Time
	lastTook time.Duration

	sessions    int
	failures    int
	unreachable int

	eventLog      []eventLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
}

// Messages
type watchTickMsg time.Time
type readingMsg struct {
	snap telemetry.Snapshot
	res  session.Result
	err  error
	took time.Duration
}

// formatUptime formats a duration to a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	for _, p := range []struct {
		n    int64
		unit string
	}{{days, "day"}, {hours, "hour"}, {minutes, "minute"}, {seconds, "second"}} {
		switch {
		case p.n == 1:
			parts = append(parts, "1 "+p.unit)
		case p.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialWatchModel(ctx context.Context, q meterQuerier, connInfo string, address uint, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	return watchModel{
		ctx:           ctx,
		q:             q,
		connInfo:      connInfo,
		address:       address,
		interval:      interval,
		spinner:       s,
		started:       time.Now(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, watchTickCmd(0))
}

func watchTickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

// readCmd runs one session off the UI goroutine
func (m watchModel) readCmd() tea.Cmd {
	ctx, q := m.ctx, m.q
	return func() tea.Msg {
		start := time.Now()
		snap, res, err := q.Query(ctx)
		return readingMsg{snap: snap, res: res, err: err, took: time.Since(start)}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if !m.reading {
				m.reading = true
				return m, m.readCmd()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case watchTickMsg:
		if !m.reading {
			m.reading = true
			return m, m.readCmd()
		}

	case readingMsg:
		m.reading = false
		m.handleReading(msg)
		return m, watchTickCmd(m.interval)
	}

	return m, nil
}

func (m *watchModel) handleReading(msg readingMsg) {
	m.sessions++
	if msg.err != nil {
		m.failures++
		m.addLogEntry(fmt.Sprintf("READ FAILED: %v", msg.err), true)
		return
	}

	snap := msg.snap
	m.last = &snap
	m.lastAt = time.Now()
	m.lastTook = msg.took

	switch {
	case msg.res.Unreachable:
		m.unreachable++
		m.addLogEntry("Meter did not answer the channel test", true)
	case msg.res.Failed != "":
		m.failures++
		m.addLogEntry(fmt.Sprintf("Session stopped at %s: %v", msg.res.Failed, msg.res.Err), true)
	default:
		m.addLogEntry(fmt.Sprintf("Read %d values in %s", msg.res.Reads, msg.took.Round(time.Millisecond)), false)
	}
}

func (m *watchModel) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m watchModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	noticeStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("MERCURY 236 - LIVE"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Meter: %d | Every %s | 'r' read now, 'q' quit",
		m.connInfo, m.address, m.interval)))
	s.WriteString("\n\n")

	// Read status
	switch {
	case m.reading:
		s.WriteString(m.spinner.View() + noticeStyle.Render(" Reading meter..."))
	case m.last == nil:
		s.WriteString(noticeStyle.Render("⏳ Waiting for first reading..."))
	default:
		s.WriteString(valueStyle.Render("✓ Last reading " + m.lastAt.Format("15:04:05")))
		s.WriteString(headerStyle.Render(fmt.Sprintf(" (took %s)", m.lastTook.Round(time.Millisecond))))
	}
	s.WriteString("\n\n")

	// Statistics
	statsContent := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		labelStyle.Render("Sessions:"), valueStyle.Render(fmt.Sprintf("%d", m.sessions)),
		labelStyle.Render("Failed:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return valueStyle.Render("0")
		}(),
		labelStyle.Render("Unreachable:"), func() string {
			if m.unreachable > 0 {
				return noticeStyle.Render(fmt.Sprintf("%d", m.unreachable))
			}
			return valueStyle.Render("0")
		}(),
		labelStyle.Render("Running:"), valueStyle.Render(formatUptime(time.Since(m.started))),
	)
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n\n")

	// Measurements (only shown once a session completed)
	if m.last != nil {
		snap := m.last
		s.WriteString(labelStyle.Render("Measurements:"))
		s.WriteString("\n")

		mc := strings.Builder{}
		mains := errorStyle.Render("Off")
		if snap.Mains {
			mains = valueStyle.Render("On")
		}
		mc.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Mains:"), mains,
			labelStyle.Render("Frequency:"), valueStyle.Render(fmt.Sprintf("%.2f Hz", snap.Frequency))))

		mc.WriteString(headerStyle.Render(fmt.Sprintf("%-18s %10s %10s %10s %10s", "", "L1", "L2", "L3", "Sum")))
		mc.WriteString("\n")
		row := func(label, format string, p1, p2, p3 float64, sum *float64) {
			sumText := ""
			if sum != nil {
				sumText = fmt.Sprintf(format, *sum)
			}
			mc.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render(fmt.Sprintf("%-18s", label)),
				valueStyle.Render(fmt.Sprintf("%10s %10s %10s %10s",
					fmt.Sprintf(format, p1), fmt.Sprintf(format, p2), fmt.Sprintf(format, p3), sumText))))
		}
		row("Voltage (V)", "%.2f", snap.Voltage.P1, snap.Voltage.P2, snap.Voltage.P3, nil)
		if snap.AveragedVoltage != (telemetry.Phases{}) {
			row("Averaged (V)", "%.2f", snap.AveragedVoltage.P1, snap.AveragedVoltage.P2, snap.AveragedVoltage.P3, nil)
		}
		row("Current (A)", "%.2f", snap.Current.P1, snap.Current.P2, snap.Current.P3, nil)
		row("Active (W)", "%.2f", snap.ActivePower.P1, snap.ActivePower.P2, snap.ActivePower.P3, &snap.ActivePower.Sum)
		row("Reactive (var)", "%.2f", snap.ReactivePower.P1, snap.ReactivePower.P2, snap.ReactivePower.P3, &snap.ReactivePower.Sum)
		row("Power factor", "%.2f", snap.PowerFactor.P1, snap.PowerFactor.P2, snap.PowerFactor.P3, &snap.PowerFactor.Sum)
		row("Phase angle (°)", "%.2f", snap.PhaseAngle.P1, snap.PhaseAngle.P2, snap.PhaseAngle.P3, nil)

		mc.WriteString("\n")
		for key := telemetry.EnergyKey(0); key < telemetry.EnergyKeyCount; key++ {
			mc.WriteString(fmt.Sprintf("%s %s\n",
				labelStyle.Render(fmt.Sprintf("%-18s", "Energy "+key.String())),
				valueStyle.Render(fmt.Sprintf("%.2f kWh", snap.Energy[key].Active))))
		}

		s.WriteString(boxStyle.Render(strings.TrimRight(mc.String(), "\n")))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 30 // Reserve space for header, stats and measurements
	if logHeight < 3 {
		logHeight = 3
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					noticeStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	s.WriteString(boxStyle.Width(width).Render(logContent.String()))

	return s.String()
}
