package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/dirsync/internal/client/config"
	"github.com/openmined/dirsync/internal/client/sync"
	"github.com/openmined/dirsync/internal/syncmsg"
)

const dialTimeout = 10 * time.Second

var ErrRootLocked = errors.New("root is synced by another client")

type Client struct {
	config *config.Config
	lock   *flock.Flock
}

func New(cfg *config.Config) (*Client, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	// the watcher reports resolved paths
	root, err := filepath.EvalSymlinks(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root

	return &Client{
		config: cfg,
		lock:   flock.New(filepath.Join(filepath.Dir(root), "."+filepath.Base(root)+".dirsync.lock")),
	}, nil
}

// Start syncs the root until ctx is cancelled or the server connection is lost.
func (c *Client) Start(ctx context.Context) error {
	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock root: %w", err)
	}
	if !locked {
		return ErrRootLocked
	}
	defer c.unlock()

	id, err := c.identifier()
	if err != nil {
		return err
	}

	slog.Info("dirsync client start", "server", c.config.Server, "root", c.config.Root, "rejoin", id != "")
	defer slog.Info("dirsync client stop")

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Server)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.config.Server, err)
	}

	engine := sync.NewEngine(conn, sync.EngineConfig{
		Root:         c.config.Root,
		Identifier:   id,
		PollInterval: c.config.Interval,
		WriteTimeout: dialTimeout,
		Ignore:       c.config.Ignore,
		OnIdentifier: c.saveIdentifier,
	})
	return engine.Run(ctx)
}

// identifier picks the configured identifier, falling back to the one stored
// for this server and root.
func (c *Client) identifier() (syncmsg.Identifier, error) {
	if c.config.Identifier != "" {
		return syncmsg.Identifier(c.config.Identifier), nil
	}
	if c.config.StateFile == "" {
		return "", nil
	}

	st, err := config.LoadState(c.config.StateFile)
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}
	if !st.Matches(c.config.Server, c.config.Root) {
		return "", nil
	}
	return st.Identifier, nil
}

func (c *Client) saveIdentifier(id syncmsg.Identifier) error {
	// printed so the identifier can be shared with other peers
	fmt.Fprintf(os.Stdout, "group identifier: %s\n", id)

	if c.config.StateFile == "" {
		return nil
	}
	st := &config.State{Server: c.config.Server, Root: c.config.Root, Identifier: id}
	if err := st.Save(c.config.StateFile); err != nil {
		return err
	}
	slog.Info("group identifier saved", "path", c.config.StateFile)
	return nil
}

func (c *Client) unlock() {
	if err := c.lock.Unlock(); err != nil {
		slog.Warn("root unlock", "error", err)
		return
	}
	_ = os.Remove(c.lock.Path())
}
