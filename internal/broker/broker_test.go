// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	return Options{
		Dir:  t.TempDir(),
		Poll: 5 * time.Millisecond,
	}
}

func TestNew_Path(t *testing.T) {
	opts := testOptions(t)
	l := New("tcp://192.168.1.5:9002", opts)

	assert.Equal(t, "tcp://192.168.1.5:9002", l.Name())
	assert.Equal(t, filepath.Join(opts.Dir, "mercury236-tcp_192.168.1.5_9002.lock"), l.Path())

	l = New("/dev/ttyUSB0", opts)
	assert.Equal(t, "mercury236-_dev_ttyUSB0.lock", filepath.Base(l.Path()))
}

func TestAcquireRelease(t *testing.T) {
	l := New("bus", testOptions(t))
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	assert.True(t, l.Held())

	lease, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lease.PID)
	assert.Equal(t, "bus", lease.Name)
	assert.WithinDuration(t, time.Now(), lease.Acquired(), 5*time.Second)

	require.NoError(t, l.Release())
	assert.False(t, l.Held())

	_, err = l.Holder()
	assert.ErrorIs(t, err, ErrNoLease)
}

func TestRelease_Idempotent(t *testing.T) {
	l := New("bus", testOptions(t))
	assert.NoError(t, l.Release())

	require.NoError(t, l.Acquire(context.Background()))
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestAcquire_AlreadyHeldBySameLock(t *testing.T) {
	l := New("bus", testOptions(t))
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	assert.NoError(t, l.Acquire(context.Background()))
}

func TestAcquire_Exclusive(t *testing.T) {
	opts := testOptions(t)
	first := New("bus", opts)
	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	opts.Wait = 50 * time.Millisecond
	second := New("bus", opts)

	start := time.Now()
	err := second.Acquire(context.Background())
	require.ErrorIs(t, err, ErrLockUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, second.Held())
}

func TestAcquire_DifferentBusesIndependent(t *testing.T) {
	opts := testOptions(t)
	opts.Wait = 50 * time.Millisecond

	a := New("bus-a", opts)
	b := New("bus-b", opts)
	require.NoError(t, a.Acquire(context.Background()))
	defer a.Release()
	require.NoError(t, b.Acquire(context.Background()))
	defer b.Release()
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	opts := testOptions(t)
	first := New("bus", opts)
	require.NoError(t, first.Acquire(context.Background()))

	go func() {
		time.Sleep(30 * time.Millisecond)
		first.Release()
	}()

	opts.Wait = 2 * time.Second
	second := New("bus", opts)
	require.NoError(t, second.Acquire(context.Background()))
	defer second.Release()

	lease, err := second.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lease.PID)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	opts := testOptions(t)
	first := New("bus", opts)
	require.NoError(t, first.Acquire(context.Background()))
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := New("bus", opts).Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_StaleLeaseFile(t *testing.T) {
	opts := testOptions(t)
	l := New("bus", opts)

	// a lease left behind by a process that no longer holds the flock
	f, err := os.Create(l.Path())
	require.NoError(t, err)
	require.NoError(t, writeLease(f, Lease{Name: "bus", PID: 1 << 22, Host: "gone", AcquiredAt: time.Now().Add(-time.Hour).UnixNano()}))
	require.NoError(t, f.Close())

	opts.Wait = 50 * time.Millisecond
	l = New("bus", opts)
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	lease, err := l.Holder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lease.PID)
}

func TestLeaseAge(t *testing.T) {
	lease := Lease{AcquiredAt: time.Now().Add(-time.Minute).UnixNano()}
	assert.InDelta(t, time.Minute.Seconds(), lease.Age().Seconds(), 1)
}
