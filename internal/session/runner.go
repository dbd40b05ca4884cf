// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/telemetry"
	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// ErrConnect is returned when the transport to the meter cannot be opened
var ErrConnect = errors.New("failed to connect")

// Locker serializes bus access across processes. *broker.Lock implements it.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// DialFunc opens the byte stream to the bus
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Runner performs complete queries: acquire the bus, connect, run one session, disconnect,
// release the bus.
type Runner struct {
	Lock    Locker // optional
	Dial    DialFunc
	Address byte
	Client  []mercury.Option
	Options Options
}

// Query runs one session. The returned error is non-nil only for fatal outcomes
// (lock unavailable, connect failure); an unreachable meter is a successful query with
// mains off.
func (r *Runner) Query(ctx context.Context) (telemetry.Snapshot, Result, error) {
	log := r.Options.logger()

	if r.Lock != nil {
		if err := r.Lock.Acquire(ctx); err != nil {
			return telemetry.Snapshot{}, Result{}, err
		}
		defer func() {
			if err := r.Lock.Release(); err != nil {
				log.Warn("failed to release bus lock", zap.Error(err))
			}
		}()
	}

	conn, err := r.Dial(ctx)
	if err != nil {
		return telemetry.Snapshot{}, Result{}, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer conn.Close()

	client := mercury.NewClient(conn, r.Address, r.Client...)
	snap, res := Run(client, r.Options)
	return snap, res, nil
}
