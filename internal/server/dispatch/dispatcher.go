// Package dispatch applies peer changes to a group's authoritative tree and
// fans the accepted ones out to the other peers of the group.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/openmined/dirsync/internal/server/metrics"
	"github.com/openmined/dirsync/internal/server/session"
	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/syncproto"
	"github.com/openmined/dirsync/internal/synctree"
)

// Outcome is the result of applying one change.
type Outcome int

const (
	// Applied means the tree changed and the echo was enqueued.
	Applied Outcome = iota
	// Suppressed means the tree already matched the change. Nothing is echoed.
	Suppressed
	// Conflict means the change could not be applied without losing data.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Suppressed:
		return "suppressed"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Dispatcher struct {
	registry *session.Registry
	metrics  *metrics.Metrics
}

func New(registry *session.Registry, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		metrics:  m,
	}
}

// Apply mutates the group tree according to change and enqueues the echo for
// every peer but origin. Unsafe paths are rejected before the tree is touched.
func (d *Dispatcher) Apply(ctx context.Context, id syncmsg.Identifier, origin string, change *syncmsg.Change) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Suppressed, err
	}

	unlock := d.registry.Lock(id)
	defer unlock()

	tree := synctree.New(d.registry.GroupRoot(id))
	echo, outcome, err := apply(tree, change)
	if err != nil {
		d.metrics.Command(change.Command.String(), "error")
		return outcome, err
	}
	d.metrics.Command(change.Command.String(), outcome.String())

	switch outcome {
	case Applied:
		d.metrics.ContentReceived(len(echo.Content))
		delivered := d.registry.Enqueue(id, origin, echo)
		d.metrics.Enqueued(delivered)
		slog.Info(echo.Command.String(),
			"group", id.Short(),
			"peer", origin,
			"path", echo.Path,
			"dest", echo.Dest,
			"dir", echo.IsDir,
			"size", humanize.Bytes(uint64(len(echo.Content))),
			"fanout", delivered,
		)
	case Suppressed:
		slog.Debug("dispatch suppressed", "group", id.Short(), "peer", origin, "change", change)
	case Conflict:
		slog.Warn("dispatch move rejected, destination directory exists", "group", id.Short(), "peer", origin, "from", change.Path, "to", change.Dest)
	}
	return outcome, nil
}

// PullAll streams one Create per file and per empty directory of the group
// tree, followed by the end-of-tree marker. It never touches mailboxes.
func (d *Dispatcher) PullAll(ctx context.Context, id syncmsg.Identifier, w io.Writer) error {
	unlock := d.registry.Lock(id)
	defer unlock()

	tree := synctree.New(d.registry.GroupRoot(id))
	bw := bufio.NewWriter(w)

	var (
		files, dirs int
		total       uint64
		frame       []byte
	)
	err := tree.Walk(func(rel string, isDir bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var c *syncmsg.Change
		if isDir {
			c = syncmsg.NewCreate(rel, true, nil)
			dirs++
		} else {
			content, err := tree.ReadFile(rel)
			if err != nil {
				return fmt.Errorf("read %q: %w", rel, err)
			}
			c = syncmsg.NewCreate(rel, false, content)
			files++
			total += uint64(len(content))
		}

		frame = syncproto.AppendCommand(frame[:0], c)
		_, err := bw.Write(frame)
		return err
	})
	if err != nil {
		return fmt.Errorf("pull all: %w", err)
	}

	if _, err := bw.Write(syncproto.AppendEndOfTree(nil)); err != nil {
		return fmt.Errorf("pull all: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("pull all: %w", err)
	}

	d.metrics.Command(syncmsg.CmdPullAll.String(), Applied.String())
	slog.Debug("dispatch pull all", "group", id.Short(), "files", files, "dirs", dirs, "size", humanize.Bytes(total))
	return nil
}

// PullUpdates drains the mailbox of peer and writes its count followed by
// every pending change, oldest first.
func (d *Dispatcher) PullUpdates(ctx context.Context, id syncmsg.Identifier, peer string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	changes := d.registry.Drain(id, peer)

	buf := syncproto.AppendCount(nil, len(changes))
	for _, c := range changes {
		buf = syncproto.AppendCommand(buf, c)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("pull updates: %w", err)
	}

	d.metrics.Command(syncmsg.CmdPullUpdates.String(), Applied.String())
	if len(changes) > 0 {
		slog.Debug("dispatch pull updates", "group", id.Short(), "peer", peer, "count", len(changes), "size", humanize.Bytes(uint64(len(buf))))
	}
	return nil
}

// apply performs change on tree and returns the change to echo.
func apply(tree *synctree.Tree, change *syncmsg.Change) (*syncmsg.Change, Outcome, error) {
	p := canonical(change.Path)

	switch change.Command {
	case syncmsg.CmdCreate:
		if change.IsDir {
			return createDir(tree, p)
		}
		return writeFile(tree, syncmsg.NewCreate(p, false, change.Content))

	case syncmsg.CmdModify:
		if change.IsDir {
			// directories carry no content
			if _, err := tree.Resolve(p); err != nil {
				return nil, Suppressed, err
			}
			return nil, Suppressed, nil
		}
		return writeFile(tree, syncmsg.NewModify(p, change.Content))

	case syncmsg.CmdDelete:
		removed, err := tree.Remove(p)
		if err != nil {
			return nil, Suppressed, err
		}
		if !removed {
			return nil, Suppressed, nil
		}
		return syncmsg.NewDelete(p, change.IsDir), Applied, nil

	case syncmsg.CmdMove:
		dst := canonical(change.Dest)
		result, err := tree.Move(p, dst, change.IsDir)
		if errors.Is(err, synctree.ErrPathConflict) {
			return nil, Conflict, nil
		} else if err != nil {
			return nil, Suppressed, err
		}
		if result == synctree.MoveSourceMissing {
			return nil, Suppressed, nil
		}
		return syncmsg.NewMove(p, dst, change.IsDir), Applied, nil

	default:
		return nil, Suppressed, fmt.Errorf("%w: %s is not a mutation", syncproto.ErrUnknownCommand, change.Command)
	}
}

func createDir(tree *synctree.Tree, p string) (*syncmsg.Change, Outcome, error) {
	exists, isDir, err := tree.Stat(p)
	if err != nil {
		return nil, Suppressed, err
	}
	if exists && isDir {
		return nil, Suppressed, nil
	}
	if exists {
		if _, err := tree.Remove(p); err != nil {
			return nil, Suppressed, err
		}
	}
	if err := tree.Mkdir(p); err != nil {
		return nil, Suppressed, err
	}
	return syncmsg.NewCreate(p, true, nil), Applied, nil
}

func writeFile(tree *synctree.Tree, echo *syncmsg.Change) (*syncmsg.Change, Outcome, error) {
	same, err := tree.SameContent(echo.Path, echo.Content)
	if err != nil {
		return nil, Suppressed, err
	}
	if same {
		return nil, Suppressed, nil
	}
	if err := tree.WriteFile(echo.Path, echo.Content); err != nil {
		return nil, Suppressed, err
	}
	return echo, Applied, nil
}

// canonical cleans a wire path without resolving it. Unsafe paths are left
// untouched so that the tree still rejects them.
func canonical(p string) string {
	if synctree.CheckPath(p) != nil {
		return p
	}
	return path.Clean(synctree.NormPath(p))
}
