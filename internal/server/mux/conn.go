package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/syncproto"
	"github.com/openmined/dirsync/internal/synctree"
)

var errPanic = errors.New("panic while servicing connection")

// conn is one established peer connection. It is owned by the scheduler
// goroutine and never touched concurrently.
type conn struct {
	id       string
	peer     string
	wire     *syncproto.Conn
	opened   time.Time
	requests int
}

func newConn(nc net.Conn, cfg Config) *conn {
	return &conn{
		id:     uuid.NewString(),
		peer:   nc.RemoteAddr().String(),
		wire:   syncproto.NewConn(nc, cfg.ReadTimeout, cfg.FrameTimeout, cfg.WriteTimeout),
		opened: time.Now(),
	}
}

func (c *conn) close() {
	_ = c.wire.Close()
}

// serveOnce services at most one handshake and command. The first byte is
// awaited for idle; a timeout before it arrives is reported through c.wire.Idle.
func (s *Scheduler) serveOnce(ctx context.Context, c *conn, idle time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mux panic recovered", "conn", c.id, "peer", c.peer, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	c.wire.IdleTimeout = idle
	c.wire.Begin()

	hs, err := syncproto.ReadHandshake(c.wire)
	if err != nil {
		return err
	}
	c.requests++

	if !hs.HasIdentifier {
		return s.hello(c)
	}

	id := hs.Identifier
	if !s.registry.Validate(id) {
		slog.Warn("mux invalid identifier", "conn", c.id, "peer", c.peer)
		if err := syncproto.WriteInvalidIdentifier(c.wire); err != nil {
			return err
		}
		return syncproto.ErrInvalidIdentifier
	}
	s.registry.RegisterPeer(id, c.peer)

	switch cmd := hs.Command; {
	case cmd.IsMutation():
		change, err := syncproto.ReadBody(c.wire, cmd)
		if err != nil {
			return err
		}
		_, err = s.dispatcher.Apply(ctx, id, c.peer, change)
		return err
	case cmd == syncmsg.CmdPullAll:
		return s.dispatcher.PullAll(ctx, id, c.wire)
	case cmd == syncmsg.CmdPullUpdates:
		return s.dispatcher.PullUpdates(ctx, id, c.peer, c.wire)
	default:
		return fmt.Errorf("%w: %s", syncproto.ErrUnknownCommand, cmd)
	}
}

func (s *Scheduler) hello(c *conn) error {
	id, err := s.registry.CreateGroup()
	if err != nil {
		return err
	}
	if err := syncproto.WriteIdentifier(c.wire, id); err != nil {
		return err
	}
	s.registry.RegisterPeer(id, c.peer)
	slog.Info("mux issued identifier", "conn", c.id, "peer", c.peer, "group", id.Short())
	return nil
}

// disconnectReason labels why a connection was dropped.
func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "shutdown"
	case errors.Is(err, syncproto.ErrPeerClosed):
		return "closed"
	case errors.Is(err, syncproto.ErrInvalidIdentifier):
		return "invalid_identifier"
	case syncproto.IsTimeout(err):
		return "timeout"
	case errors.Is(err, synctree.ErrUnsafePath):
		return "unsafe_path"
	case errors.Is(err, syncproto.ErrMalformed),
		errors.Is(err, syncproto.ErrUnknownCommand),
		errors.Is(err, syncproto.ErrFrameTooLarge):
		return "protocol"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "error"
	}
}
