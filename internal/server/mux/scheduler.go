// Package mux services every peer connection from a single goroutine.
//
// The scheduler alternates between two tiers. The accept tier waits briefly
// for a new connection and services it for as long as it keeps talking. When
// no connection arrives in time, the established tier gives every open
// connection one chance to issue a request. A peer that sends nothing before
// its read timeout simply yields its turn; a peer that stalls mid-frame is
// disconnected.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/openmined/dirsync/internal/server/dispatch"
	"github.com/openmined/dirsync/internal/server/metrics"
	"github.com/openmined/dirsync/internal/server/session"
	"github.com/openmined/dirsync/internal/syncproto"
)

type Config struct {
	AcceptTimeout time.Duration
	ReadTimeout   time.Duration
	PollTimeout   time.Duration
	FrameTimeout  time.Duration
	WriteTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		AcceptTimeout: 200 * time.Millisecond,
		ReadTimeout:   2 * time.Second,
		PollTimeout:   2 * time.Second,
		FrameTimeout:  2 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

type Scheduler struct {
	cfg        Config
	listener   *net.TCPListener
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	conns  []*conn
	active atomic.Int64
}

func New(listener *net.TCPListener, registry *session.Registry, dispatcher *dispatch.Dispatcher, m *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.ReadTimeout
	}
	return &Scheduler{
		cfg:        cfg,
		listener:   listener,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Listen opens the TCP listener the scheduler accepts on.
func Listen(addr string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln.(*net.TCPListener), nil
}

// Addr is the bound listener address.
func (s *Scheduler) Addr() net.Addr {
	return s.listener.Addr()
}

// Connections is the number of established connections. Safe for concurrent use.
func (s *Scheduler) Connections() int {
	return int(s.active.Load())
}

// Serve runs the scheduler until ctx is cancelled. Every connection is closed
// and forgotten before it returns.
func (s *Scheduler) Serve(ctx context.Context) error {
	slog.Info("mux serving", "addr", s.listener.Addr().String())
	defer s.shutdown()

	for ctx.Err() == nil {
		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}

		nc, err := s.listener.AcceptTCP()
		if err != nil {
			if syncproto.IsTimeout(err) {
				s.pollEstablished(ctx)
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("mux accept error", "error", err)
			continue
		}

		c := s.admit(nc)
		s.serveUntilIdle(ctx, c)
	}
	return nil
}

func (s *Scheduler) admit(nc *net.TCPConn) *conn {
	_ = nc.SetNoDelay(true)

	c := newConn(nc, s.cfg)
	s.conns = append(s.conns, c)
	s.active.Add(1)
	s.metrics.Connected()

	slog.Info("mux connection accepted", "conn", c.id, "peer", c.peer, "connections", len(s.conns))
	return c
}

// serveUntilIdle services a fresh connection cycle after cycle until it goes
// quiet or is dropped.
func (s *Scheduler) serveUntilIdle(ctx context.Context, c *conn) {
	for ctx.Err() == nil {
		err := s.serveOnce(ctx, c, s.cfg.ReadTimeout)
		if err == nil {
			continue
		}
		if !c.wire.Idle(err) {
			s.drop(c, err)
		}
		return
	}
}

// pollEstablished gives every open connection one request cycle.
func (s *Scheduler) pollEstablished(ctx context.Context) {
	for _, c := range append([]*conn(nil), s.conns...) {
		if ctx.Err() != nil {
			return
		}
		err := s.serveOnce(ctx, c, s.cfg.PollTimeout)
		if err != nil && !c.wire.Idle(err) {
			s.drop(c, err)
		}
	}
}

func (s *Scheduler) drop(c *conn, err error) {
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	c.close()
	s.registry.Forget(c.peer)
	s.active.Add(-1)

	reason := disconnectReason(err)
	s.metrics.Disconnected(reason)

	attrs := []any{"conn", c.id, "peer", c.peer, "reason", reason, "requests", c.requests, "uptime", time.Since(c.opened).Round(time.Millisecond)}
	if err == nil || reason == "closed" {
		slog.Info("mux connection closed", attrs...)
	} else {
		slog.Warn("mux connection dropped", append(attrs, "error", err)...)
	}
}

func (s *Scheduler) shutdown() {
	_ = s.listener.Close()
	for len(s.conns) > 0 {
		s.drop(s.conns[0], nil)
	}
	slog.Info("mux stopped")
}
