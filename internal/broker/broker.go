// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package broker grants exclusive use of a shared meter bus to one process at a time.
//
// A lock is an flock(2) on a file named after the bus. The kernel drops the lock when the
// holding process exits, so a crashed holder never blocks the bus. The holder writes a small
// CBOR lease record into the file for diagnostics.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrLockUnavailable is returned when the bus stays held longer than Options.Wait
var ErrLockUnavailable = errors.New("bus lock unavailable")

// ErrNoLease is returned by Holder when nobody holds the lock
var ErrNoLease = errors.New("no active lease")

// DefaultPoll is the interval between lock attempts while the bus is held elsewhere
const DefaultPoll = 50 * time.Millisecond

const filePrefix = "mercury236-"

// Options configures a Lock
type Options struct {
	Dir    string        // lock file directory, os.TempDir() when empty
	Wait   time.Duration // upper bound for Acquire, unbounded when zero
	TTL    time.Duration // leases older than this are reported as stale
	Poll   time.Duration
	Logger *zap.Logger
}

// Lease is the record a holder writes into the lock file
type Lease struct {
	Name       string `cbor:"1,keyasint"`
	PID        int    `cbor:"2,keyasint"`
	Host       string `cbor:"3,keyasint"`
	AcquiredAt int64  `cbor:"4,keyasint"` // unix nanoseconds
}

// Acquired returns the acquisition time
func (l Lease) Acquired() time.Time {
	return time.Unix(0, l.AcquiredAt)
}

// Age returns how long the lease has been held
func (l Lease) Age() time.Duration {
	return time.Since(l.Acquired())
}

// Lock is a named, cross-process bus lock. A Lock is not reentrant: Acquire on a Lock that
// is already held by this Lock value returns immediately.
type Lock struct {
	name string
	path string
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	file *os.File
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// New creates a lock for the bus identified by name (a device path or host:port)
func New(name string, opts Options) *Lock {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Lock{
		name: name,
		path: filepath.Join(opts.Dir, filePrefix+unsafeChars.ReplaceAllString(name, "_")+".lock"),
		opts: opts,
		log:  log.With(zap.String("bus", name)),
	}
}

// Name returns the bus identity
func (l *Lock) Name() string {
	return l.name
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until the bus lock is held, ctx is done, or Options.Wait expires
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	var expired <-chan time.Time
	if l.opts.Wait > 0 {
		timer := time.NewTimer(l.opts.Wait)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(l.opts.Poll)
	defer ticker.Stop()

	start := time.Now()
	waiting := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		if !waiting {
			waiting = true
			l.logHolder(f)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case <-expired:
			f.Close()
			return fmt.Errorf("%w: %s still held after %s", ErrLockUnavailable, l.name, l.opts.Wait)
		case <-ticker.C:
		}
	}

	if waiting {
		l.log.Debug("bus lock acquired after wait", zap.Duration("waited", time.Since(start)))
	}
	l.checkPrevious(f)

	if err := writeLease(f, l.newLease()); err != nil {
		// lease is diagnostic only
		l.log.Warn("failed to write lease record", zap.Error(err))
	}
	l.file = f
	return nil
}

// Release frees the bus. It is safe to call on a lock that is not held.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	truncErr := f.Truncate(0)
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("release %s: %w", l.name, err)
	}
	if truncErr != nil {
		l.log.Debug("failed to clear lease record", zap.Error(truncErr))
	}
	return nil
}

// Held reports whether this Lock currently holds the bus
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Holder returns the lease of the current holder, or ErrNoLease
func (l *Lock) Holder() (Lease, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Lease{}, ErrNoLease
		}
		return Lease{}, err
	}
	defer f.Close()
	return readLease(f)
}

func (l *Lock) newLease() Lease {
	host, _ := os.Hostname()
	return Lease{
		Name:       l.name,
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UnixNano(),
	}
}

// logHolder reports who holds the bus when Acquire has to wait
func (l *Lock) logHolder(f *os.File) {
	lease, err := readLease(f)
	if err != nil {
		l.log.Debug("bus busy, waiting for lock")
		return
	}
	fields := []zap.Field{
		zap.Int("holder_pid", lease.PID),
		zap.String("holder_host", lease.Host),
		zap.Duration("held_for", lease.Age()),
	}
	if l.opts.TTL > 0 && lease.Age() > l.opts.TTL {
		l.log.Warn("bus lease exceeds ttl, holder may be stuck", fields...)
		return
	}
	l.log.Debug("bus busy, waiting for lock", fields...)
}

// checkPrevious logs a lease left behind by a holder that exited without releasing
func (l *Lock) checkPrevious(f *os.File) {
	lease, err := readLease(f)
	if err != nil {
		return
	}
	if lease.PID != os.Getpid() && !processAlive(lease.PID) {
		l.log.Info("recovered stale bus lease",
			zap.Int("holder_pid", lease.PID),
			zap.String("holder_host", lease.Host),
			zap.Duration("age", lease.Age()))
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func writeLease(f *os.File, lease Lease) error {
	data, err := cbor.Marshal(lease)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}

func readLease(f *os.File) (Lease, error) {
	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<16))
	if err != nil {
		return Lease{}, err
	}
	if len(data) == 0 {
		return Lease{}, ErrNoLease
	}
	var lease Lease
	if err := cbor.Unmarshal(data, &lease); err != nil {
		return Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return lease, nil
}
