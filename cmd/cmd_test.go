// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/mercury236/internal/broker"
	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/internal/gateway"
	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/internal/telemetry"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// resetFlags restores every flag of c and its subcommands to its default value
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MERCURY_LOCK_DIR", t.TempDir())
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// startSimulatedGateway serves a simulated meter at address 42 and returns its port
func startSimulatedGateway(t *testing.T) (*mercury.Simulator, string) {
	t.Helper()
	sim := mercury.NewSimulator(42, simulatedReadings())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gateway.NewServer(sim, gateway.Options{}).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sim, strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}

type jsonReport struct {
	MainsStatus int `json:"mainsStatus"`
	U           struct {
		P1 float64 `json:"p1"`
	}
	PR struct {
		AP float64 `json:"ap"`
	}
}

// ============================================================================
// read
// ============================================================================

func TestRead_TestRunHuman(t *testing.T) {
	out, err := execute(t, "read", "--test-run")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 13)
	assert.Contains(t, lines[0], "Mains status:")
	assert.True(t, strings.HasSuffix(lines[0], "On"))
}

func TestRead_TestFailJSON(t *testing.T) {
	out, err := execute(t, "read", "--test-fail", "--format", "json")
	require.NoError(t, err)

	var got jsonReport
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 0, got.MainsStatus)
}

func TestRead_CSVWithHeader(t *testing.T) {
	out, err := execute(t, "read", "--test-run", "--format", "csv", "--header")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,U1,"))
	assert.True(t, strings.HasSuffix(lines[1], ",1"))
}

func TestRead_FormatFromEnvironment(t *testing.T) {
	t.Setenv("MERCURY_SESSION_FORMAT", "json")
	out, err := execute(t, "read", "--test-run")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"))

	// the flag wins over the environment
	out, err = execute(t, "read", "--test-run", "--format", "csv")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestRead_UnknownFormatFailsBeforeOutput(t *testing.T) {
	out, err := execute(t, "read", "--test-run", "--format", "xml")
	require.Error(t, err)
	assert.ErrorIs(t, err, telemetry.ErrUnknownFormat)
	assert.Empty(t, out)
}

func TestRead_DryRunFlagsExclusive(t *testing.T) {
	out, err := execute(t, "read", "--test-run", "--test-fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test-run")
	assert.Empty(t, out)
}

func TestRead_NoTransport(t *testing.T) {
	_, err := execute(t, "read")
	assert.ErrorIs(t, err, errNoTransport)
}

func TestRead_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	out, err := execute(t, "read", "--addr", "127.0.0.1", "--port", port)
	assert.ErrorIs(t, err, session.ErrConnect)
	assert.Empty(t, out)
}

func TestRead_ThroughGateway(t *testing.T) {
	_, port := startSimulatedGateway(t)

	out, err := execute(t, "read", "--addr", "127.0.0.1", "--port", port, "--meter", "42", "--format", "json")
	require.NoError(t, err)

	var got jsonReport
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 1, got.MainsStatus)
	assert.InDelta(t, 230.12, got.U.P1, 0.01)
	assert.InDelta(t, 12345.67, got.PR.AP, 0.01)
}

func TestRead_UnpoweredMeterIsMainsOff(t *testing.T) {
	sim, port := startSimulatedGateway(t)
	sim.SetPowered(false)

	out, err := execute(t, "read", "--addr", "127.0.0.1", "--port", port, "--meter", "42", "--format", "json")
	require.NoError(t, err)

	var got jsonReport
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 0, got.MainsStatus)
	assert.Zero(t, got.U.P1)
}

func TestRead_LockUnavailable(t *testing.T) {
	_, port := startSimulatedGateway(t)
	dir := t.TempDir()

	holder := broker.New(net.JoinHostPort("127.0.0.1", port), broker.Options{Dir: dir})
	require.NoError(t, holder.Acquire(context.Background()))
	defer holder.Release()

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"read", "--addr", "127.0.0.1", "--port", port, "--meter", "42", "--lock-wait", "100ms"})
	t.Setenv("MERCURY_LOCK_DIR", dir)

	err := rootCmd.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, broker.ErrLockUnavailable)
	assert.Empty(t, out.String())
}

// ============================================================================
// probe / scan
// ============================================================================

func TestScrapeTimeout(t *testing.T) {
	cfg := config.Config{}
	cfg.Meter.Timeout = 500 * time.Millisecond

	cfg.Lock.Wait = 30 * time.Second
	assert.Equal(t, 30*time.Second+500*time.Millisecond, scrapeTimeout(cfg))

	// waits forever for the lock
	cfg.Lock.Wait = 0
	assert.Zero(t, scrapeTimeout(cfg))

	cfg.Lock.Disabled = true
	assert.Equal(t, 500*time.Millisecond, scrapeTimeout(cfg))
}

func TestProbe_MeterAnswers(t *testing.T) {
	_, port := startSimulatedGateway(t)

	out, err := execute(t, "probe", "--addr", "127.0.0.1", "--port", port, "--meter", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCESS")
}

func TestScan_FindsMeter(t *testing.T) {
	_, port := startSimulatedGateway(t)

	out, err := execute(t, "scan", "--addr", "127.0.0.1", "--port", port,
		"--from", "41", "--to", "43", "--timeout", "400ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Meter found at address 42")
	assert.NotContains(t, out, "address 41")
	assert.Contains(t, out, "Meters found: 1")
}

func TestScan_InvalidRange(t *testing.T) {
	_, err := execute(t, "scan", "--addr", "127.0.0.1", "--from", "50", "--to", "40")
	assert.Error(t, err)

	_, err = execute(t, "scan", "--addr", "127.0.0.1", "--to", strconv.Itoa(config.MaxMeterAddress+1))
	assert.Error(t, err)
}

// ============================================================================
// monitor
// ============================================================================

// scriptedBus returns one scripted chunk per Read; an empty chunk is an idle read
type scriptedBus struct {
	chunks [][]byte
}

func (b *scriptedBus) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks = b.chunks[1:]
	return n, nil
}

func (b *scriptedBus) Write(p []byte) (int, error) {
	return len(p), nil
}

func TestMonitorBus_SplitsOnIdle(t *testing.T) {
	probe := mercury.NewFrame(42, mercury.OpTestChannel, nil).Bytes()
	bus := &scriptedBus{chunks: [][]byte{
		probe[:2], probe[2:], {},
		{},
		{0xAA}, {},
	}}

	var frames [][]byte
	err := monitorBus(make(chan struct{}), bus, func(frame []byte, at time.Time) {
		frames = append(frames, frame)
	})

	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.Equal(t, probe, frames[0])
	assert.Equal(t, []byte{0xAA}, frames[1])
	assert.Contains(t, mercury.FormatFrame(frames[0]), "TEST_CHANNEL")
}

func TestMonitorBus_StopsWhenDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	bus := &scriptedBus{chunks: [][]byte{{0x01}, {}, {0x02}, {}}}

	var frames int
	err := monitorBus(done, bus, func(frame []byte, at time.Time) { frames++ })
	assert.NoError(t, err)
	assert.Equal(t, 1, frames)
}

// ============================================================================
// watch
// ============================================================================

type cannedQuerier struct {
	snap telemetry.Snapshot
	res  session.Result
	err  error
}

func (q cannedQuerier) Query(ctx context.Context) (telemetry.Snapshot, session.Result, error) {
	return q.snap, q.res, q.err
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 seconds"},
		{time.Second, "1 second"},
		{2 * time.Hour, "2 hours"},
		{61 * time.Second, "1 minute and 1 second"},
		{25*time.Hour + time.Minute + time.Second, "1 day, 1 hour, 1 minute, and 1 second"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.d), tt.d.String())
	}
}

func TestWatchModel_ReadCycle(t *testing.T) {
	snap := telemetry.Snapshot{Mains: true, Frequency: 50}
	m := initialWatchModel(context.Background(), cannedQuerier{snap: snap, res: session.Result{Reads: 12}}, "TCP: test", 42, time.Second)

	next, cmd := m.Update(watchTickMsg(time.Now()))
	m = next.(watchModel)
	assert.True(t, m.reading)
	require.NotNil(t, cmd)

	msg := cmd()
	reading, ok := msg.(readingMsg)
	require.True(t, ok)
	assert.True(t, reading.snap.Mains)

	next, cmd = m.Update(reading)
	m = next.(watchModel)
	assert.False(t, m.reading)
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, m.sessions)
	assert.Zero(t, m.failures)
	require.NotNil(t, m.last)

	view := m.View()
	assert.Contains(t, view, "MERCURY 236 - LIVE")
	assert.Contains(t, view, "50.00 Hz")
	assert.Contains(t, view, "Read 12 values")
}

func TestWatchModel_Outcomes(t *testing.T) {
	m := initialWatchModel(context.Background(), cannedQuerier{}, "TCP: test", 42, time.Second)

	next, _ := m.Update(readingMsg{res: session.Result{Failed: session.StepProbe, Unreachable: true}})
	m = next.(watchModel)
	assert.Equal(t, 1, m.unreachable)

	next, _ = m.Update(readingMsg{err: errors.New("bus lock unavailable")})
	m = next.(watchModel)
	assert.Equal(t, 1, m.failures)
	assert.Equal(t, 2, m.sessions)
	assert.Contains(t, m.View(), "READ FAILED: bus lock unavailable")
}

func TestWatchModel_Quit(t *testing.T) {
	m := initialWatchModel(context.Background(), cannedQuerier{}, "TCP: test", 42, time.Second)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, next.(watchModel).quitting)
	assert.NotNil(t, cmd)
}
