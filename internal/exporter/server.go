// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exporter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/telemetry"
)

// DefaultLiveInterval is the /live update interval when Options.LiveInterval is unset
const DefaultLiveInterval = 10 * time.Second

// Options configures a Server
type Options struct {
	Address      byte // meter address, exported as a label
	HttpLog      bool
	LiveInterval time.Duration
	Logger       *zap.Logger
}

// Server serves /metrics, /healthcheck and /live
type Server struct {
	collector *Collector
	registry  *prometheus.Registry
	opts      Options
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

// NewServer registers collector and the Go runtime collectors in a fresh registry
func NewServer(collector *Collector, opts Options) (*Server, error) {
	if opts.LiveInterval <= 0 {
		opts.LiveInterval = DefaultLiveInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	meterReg := prometheus.WrapRegistererWith(prometheus.Labels{"address": strconv.Itoa(int(opts.Address))}, reg)
	if err := meterReg.Register(collector); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	return &Server{
		collector: collector,
		registry:  reg,
		opts:      opts,
		log:       log,
	}, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if s.opts.HttpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/live", s.LiveHandler)

	return e
}

// HealthCheckHandler reports whether the bus is reachable
func (s *Server) HealthCheckHandler(c echo.Context) error {
	r := s.collector.Read(c.Request().Context(), s.opts.LiveInterval)
	if r.Err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	return c.String(http.StatusOK, "health_check: OK")
}

// LiveHandler streams the json rendering of the meter every LiveInterval over a websocket
func (s *Server) LiveHandler(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	log := s.log.With(zap.String("remote", c.RealIP()))
	log.Debug("live client connected")
	defer log.Debug("live client disconnected")

	// drain control frames; a read error means the client went away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request().Context()
	ticker := time.NewTicker(s.opts.LiveInterval)
	defer ticker.Stop()

	for {
		r := s.collector.Read(ctx, s.opts.LiveInterval/2)
		payload, err := telemetry.MarshalJSON(r.Snapshot)
		if err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return nil
		}

		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /live holds connections open
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("exporter listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
