package sync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/syncproto"
	"github.com/openmined/dirsync/internal/synctree"
	"golang.org/x/sync/errgroup"
)

const DefaultPollInterval = time.Second

type EngineConfig struct {
	// Root is the local directory mirrored with the group.
	Root string
	// Identifier joins an existing group. When empty a new group is requested
	// and the local tree is pushed to it.
	Identifier syncmsg.Identifier
	// PollInterval is the delay between PullUpdates requests.
	PollInterval time.Duration
	// WriteTimeout bounds each frame written to the server. Zero disables it.
	WriteTimeout time.Duration
	// Ignore holds extra gitignore patterns excluded from sync.
	Ignore []string
	// OnIdentifier is called with an identifier issued by the server.
	OnIdentifier func(syncmsg.Identifier) error
}

// Engine keeps a local directory in sync with a group over one connection.
type Engine struct {
	config  EngineConfig
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex

	tree    *synctree.Tree
	ignore  *SyncIgnoreList
	watcher *FileWatcher
	emitter *Emitter
	applied *appliedPaths

	id    syncmsg.Identifier
	state atomic.Int32
}

func NewEngine(conn net.Conn, config EngineConfig) *Engine {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	e := &Engine{
		config:  config,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		tree:    synctree.New(config.Root),
		ignore:  NewSyncIgnoreList(config.Root, config.Ignore...),
		watcher: NewFileWatcher(config.Root),
		id:      config.Identifier,
	}
	e.applied = newAppliedPaths(e.tree)
	e.emitter = newEmitter(e.tree, e.ignore, e.applied, e)
	e.setState(StateConnecting)
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Identifier is the group joined, once the handshake has completed.
func (e *Engine) Identifier() syncmsg.Identifier {
	return e.id
}

// Run handshakes, bootstraps and then syncs until ctx is cancelled or the
// connection fails. A cancelled ctx returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateDisconnected)
	defer e.conn.Close()

	err := e.run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) run(ctx context.Context) error {
	e.setState(StateHandshaking)

	if e.id == "" {
		if err := e.hello(); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		e.setState(StateBootstrapping)
		e.ignore.Load()
		if err := e.bootstrapPush(ctx); err != nil {
			return fmt.Errorf("bootstrap push: %w", err)
		}
	} else {
		e.setState(StateBootstrapping)
		if err := e.bootstrapPull(); err != nil {
			return fmt.Errorf("bootstrap pull: %w", err)
		}
		e.ignore.Load()
	}

	if err := e.watcher.Start(ctx); err != nil {
		return err
	}
	e.setState(StateSteady)
	slog.Info("sync steady", "group", e.id.Short(), "root", e.config.Root, "interval", e.config.PollInterval)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return e.sendLocalChanges(egCtx)
	})
	eg.Go(func() error {
		return e.pollUpdates(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		// unblocks a pending read and ends the event stream
		_ = e.conn.Close()
		e.watcher.Stop()
		return nil
	})
	return eg.Wait()
}

// Send writes a mutation request for change.
func (e *Engine) Send(ctx context.Context, change *syncmsg.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.writeFrame(syncproto.EncodeRequest(e.id, change)); err != nil {
		return fmt.Errorf("send %s: %w", change.Command, err)
	}
	slog.Info(change.Command.String(), "path", change.Path, "dest", change.Dest, "dir", change.IsDir, "size", humanize.Bytes(uint64(len(change.Content))))
	return nil
}

func (e *Engine) hello() error {
	if err := e.writeFrame(syncproto.AppendHello(nil)); err != nil {
		return err
	}
	id, err := syncproto.ReadIdentifier(e.reader)
	if err != nil {
		return err
	}
	e.id = id
	slog.Info("sync group created", "group", id.Short())

	if e.config.OnIdentifier != nil {
		if err := e.config.OnIdentifier(id); err != nil {
			return fmt.Errorf("store identifier: %w", err)
		}
	}
	return nil
}

// bootstrapPush uploads every file and empty directory of the local tree.
func (e *Engine) bootstrapPush(ctx context.Context) error {
	var files, dirs int
	err := e.tree.Walk(func(rel string, isDir bool) error {
		if e.ignore.ShouldIgnore(rel) {
			return nil
		}
		if isDir {
			dirs++
			return e.Send(ctx, syncmsg.NewCreate(rel, true, nil))
		}
		content, err := e.tree.ReadFile(rel)
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			slog.Warn("bootstrap push skipped file", "path", rel, "error", err)
			return nil
		} else if err != nil {
			return err
		}
		files++
		return e.Send(ctx, syncmsg.NewCreate(rel, false, content))
	})
	if err != nil {
		return err
	}
	slog.Info("bootstrap push done", "files", files, "dirs", dirs)
	return nil
}

// bootstrapPull replaces the local tree with the group's.
func (e *Engine) bootstrapPull() error {
	if err := e.tree.Clear(); err != nil {
		return fmt.Errorf("clear root: %w", err)
	}
	if err := e.writeFrame(syncproto.AppendRequest(nil, e.id, syncmsg.CmdPullAll)); err != nil {
		return err
	}

	entries := 0
	for {
		cmd, err := syncproto.ReadCommand(e.reader)
		if err != nil {
			return err
		}
		if cmd != syncmsg.CmdCreate {
			break
		}
		change, err := syncproto.ReadBody(e.reader, cmd)
		if err != nil {
			return err
		}
		if err := e.apply(change); err != nil {
			return err
		}
		entries++
	}
	slog.Info("bootstrap pull done", "group", e.id.Short(), "entries", entries)
	return nil
}

func (e *Engine) sendLocalChanges(ctx context.Context) error {
	events := e.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.emitter.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) pollUpdates(ctx context.Context) error {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.pollOnce(); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) pollOnce() error {
	if err := e.writeFrame(syncproto.AppendRequest(nil, e.id, syncmsg.CmdPullUpdates)); err != nil {
		return fmt.Errorf("pull updates: %w", err)
	}

	n, err := syncproto.ReadCount(e.reader)
	if err != nil {
		return fmt.Errorf("pull updates: %w", err)
	}
	for range n {
		change, err := syncproto.ReadChange(e.reader)
		if err != nil {
			return fmt.Errorf("pull updates: %w", err)
		}
		if err := e.apply(change); err != nil {
			return err
		}
	}
	if n > 0 {
		slog.Debug("sync applied updates", "count", n)
	}
	return nil
}

// apply mirrors a change received from the server. Unsafe paths are fatal;
// other filesystem failures are logged and skipped.
func (e *Engine) apply(change *syncmsg.Change) error {
	e.applied.record(change)

	var err error
	switch change.Command {
	case syncmsg.CmdCreate:
		if change.IsDir {
			err = e.tree.Mkdir(change.Path)
		} else {
			err = e.tree.WriteFile(change.Path, change.Content)
		}
	case syncmsg.CmdModify:
		err = e.tree.WriteFile(change.Path, change.Content)
	case syncmsg.CmdDelete:
		_, err = e.tree.Remove(change.Path)
	case syncmsg.CmdMove:
		_, err = e.tree.Move(change.Path, change.Dest, change.IsDir)
	default:
		return fmt.Errorf("%w: %s", syncproto.ErrUnknownCommand, change.Command)
	}

	if err != nil {
		e.applied.forget(change)
	}
	switch {
	case err == nil:
		slog.Debug("sync applied", "change", change)
		return nil
	case errors.Is(err, synctree.ErrUnsafePath):
		return err
	default:
		slog.Warn("sync apply skipped", "change", change, "error", err)
		return nil
	}
}

func (e *Engine) writeFrame(frame []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.config.WriteTimeout > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout)); err != nil {
			return peerError(err)
		}
	}
	_, err := e.conn.Write(frame)
	return peerError(err)
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		slog.Debug("sync state", "from", prev, "to", s)
	}
}

// peerError reports write failures caused by the server going away as
// ErrPeerClosed.
func peerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", syncproto.ErrPeerClosed, err)
	}
	return err
}
