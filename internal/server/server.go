package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/dirsync/internal/server/mux"
	"golang.org/x/sync/errgroup"
)

const lockFile = ".dirsync.lock"

var ErrRootLocked = errors.New("root locked by another server")

type Server struct {
	config    *Config
	svc       *Services
	scheduler *mux.Scheduler
	admin     *http.Server
	lock      *flock.Flock
}

// New locks the root and binds the listener. Start serves on it.
func New(config *Config) (*Server, error) {
	svc, err := NewServices(config)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(config.Root, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock root: %w", err)
	}
	if !locked {
		return nil, ErrRootLocked
	}

	ln, err := mux.Listen(config.Bind)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	scheduler := mux.New(ln, svc.Registry, svc.Dispatcher, svc.Metrics, mux.Config{
		AcceptTimeout: config.AcceptTimeout,
		ReadTimeout:   config.ReadTimeout,
		PollTimeout:   config.pollTimeout(),
		FrameTimeout:  config.FrameTimeout,
		WriteTimeout:  config.WriteTimeout,
	})

	s := &Server{
		config:    config,
		svc:       svc,
		scheduler: scheduler,
		lock:      lock,
	}
	if config.AdminAddr != "" {
		s.admin = &http.Server{
			Addr:              config.AdminAddr,
			Handler:           SetupRoutes(svc, scheduler),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// Addr is the address peers connect to.
func (s *Server) Addr() string {
	return s.scheduler.Addr().String()
}

// Start serves peers, and the admin endpoint when configured, until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("dirsync server start", "bind", s.Addr(), "root", s.config.Root, "admin", s.config.AdminAddr)
	defer slog.Info("dirsync server stop")
	defer s.release()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.scheduler.Serve(egCtx)
	})

	if s.admin != nil {
		eg.Go(func() error {
			slog.Info("admin http start", "addr", s.admin.Addr)
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			return s.Stop(context.Background())
		})
	}

	return eg.Wait()
}

// Stop shuts the admin endpoint down. The scheduler stops with Start's context.
func (s *Server) Stop(ctx context.Context) error {
	if s.admin == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.admin.Shutdown(shutdownCtx)
}

func (s *Server) release() {
	if !s.lock.Locked() {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("root unlock", "error", err)
		return
	}
	_ = os.Remove(s.lock.Path())
}
