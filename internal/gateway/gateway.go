// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package gateway exposes a half-duplex RS-485 meter bus on a TCP port.
//
// Exactly one requester drives the bus at a time: the server accepts a connection, relays its
// frames until it disconnects, and only then accepts the next one. Pending requesters wait in
// the listen backlog. Frames are relayed verbatim in both directions; the gateway never looks
// inside them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/pkg/mercury"
)

// ErrFrameTooLarge is reported when a requester sends more than mercury.MaxFrameSize bytes
// in a single read
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Default relay timing
const (
	DefaultReplyTimeout = 250 * time.Millisecond
	DefaultIdleGap      = 20 * time.Millisecond
	busPoll             = 2 * time.Millisecond
)

// Bus is the byte stream to the meters, normally a serial port
type Bus interface {
	io.ReadWriter
}

// inputResetter is implemented by serial ports and the simulator
type inputResetter interface {
	ResetInputBuffer() error
}

// readTimeouter is implemented by serial ports
type readTimeouter interface {
	SetReadTimeout(t time.Duration) error
}

// Options configures a Server
type Options struct {
	// ReplyTimeout bounds the wait for the first reply byte
	ReplyTimeout time.Duration
	// IdleGap is the bus silence that ends a reply
	IdleGap time.Duration
	Logger  *zap.Logger
}

// Stats counts gateway activity since start
type Stats struct {
	Connections uint64
	Frames      uint64
	Replies     uint64
	Rejected    uint64
}

// Server relays frames between one TCP requester at a time and the bus
type Server struct {
	bus  Bus
	opts Options
	log  *zap.Logger

	busMu sync.Mutex

	connections atomic.Uint64
	frames      atomic.Uint64
	replies     atomic.Uint64
	rejected    atomic.Uint64
}

// NewServer creates a gateway bound to bus
func NewServer(bus Bus, opts Options) *Server {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.IdleGap <= 0 {
		opts.IdleGap = DefaultIdleGap
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{bus: bus, opts: opts, log: log}
}

// Stats returns a snapshot of the activity counters
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Frames:      s.frames.Load(),
		Replies:     s.replies.Load(),
		Rejected:    s.rejected.Load(),
	}
}

// Serve accepts requesters from ln one at a time until ctx is cancelled.
// It closes ln and any active connection on return; the bus is left to the caller.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if rt, ok := s.bus.(readTimeouter); ok {
		if err := rt.SetReadTimeout(s.opts.IdleGap); err != nil {
			return fmt.Errorf("set bus read timeout: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	s.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("gateway stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

// serveConn relays frames for one requester until it disconnects or misbehaves
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.connections.Add(1)
	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Info("requester connected")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	frames := 0
	defer func() {
		close(done)
		conn.Close()
		log.Info("requester disconnected", zap.Int("frames", frames))
	}()

	buf := make([]byte, mercury.MaxFrameSize+1)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("requester read failed", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}
		if n > mercury.MaxFrameSize {
			s.rejected.Add(1)
			log.Warn("closing requester", zap.Error(ErrFrameTooLarge), zap.Int("size", n))
			return
		}

		frames++
		s.frames.Add(1)
		log.Debug("request", zap.String("frame", mercury.FormatFrame(buf[:n])))

		reply, err := s.Relay(buf[:n])
		if err != nil {
			log.Error("bus relay failed", zap.Error(err))
			return
		}
		if len(reply) == 0 {
			log.Debug("no reply from bus")
			continue
		}

		s.replies.Add(1)
		log.Debug("reply", zap.String("frame", mercury.FormatFrame(reply)))
		if _, err := conn.Write(reply); err != nil {
			log.Debug("requester write failed", zap.Error(err))
			return
		}
	}
}

// Relay writes frame to the bus unmodified and returns whatever the bus answers.
// The reply ends when the bus has been silent for IdleGap after the first byte; an empty
// reply means nothing arrived within ReplyTimeout.
func (s *Server) Relay(frame []byte) ([]byte, error) {
	s.busMu.Lock()
	defer s.busMu.Unlock()

	if r, ok := s.bus.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return nil, fmt.Errorf("reset bus input: %w", err)
		}
	}
	if _, err := s.bus.Write(frame); err != nil {
		return nil, fmt.Errorf("bus write: %w", err)
	}

	reply := make([]byte, 0, mercury.MaxFrameSize)
	chunk := make([]byte, mercury.MaxFrameSize)
	deadline := time.Now().Add(s.opts.ReplyTimeout)
	var last time.Time

	for len(reply) < mercury.MaxFrameSize {
		n, err := s.bus.Read(chunk[:mercury.MaxFrameSize-len(reply)])
		now := time.Now()
		if n > 0 {
			reply = append(reply, chunk[:n]...)
			last = now
		}
		if err != nil && !mercury.IsTimeout(err) {
			return reply, fmt.Errorf("bus read: %w", err)
		}
		if len(reply) > 0 && now.Sub(last) >= s.opts.IdleGap {
			break
		}
		if len(reply) == 0 && now.After(deadline) {
			break
		}
		if n == 0 {
			time.Sleep(busPoll)
		}
	}
	return reply, nil
}
