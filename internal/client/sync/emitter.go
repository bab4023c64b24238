package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/synctree"
)

// Sender delivers a local change to the server.
type Sender interface {
	Send(ctx context.Context, change *syncmsg.Change) error
}

// Emitter converts local WatchEvents into changes for the server.
type Emitter struct {
	tree    *synctree.Tree
	ignore  *SyncIgnoreList
	applied *appliedPaths
	sender  Sender
}

// newEmitter returns an Emitter sending through sender. Changes matching what
// applied recorded are dropped; applied may be nil.
func newEmitter(tree *synctree.Tree, ignore *SyncIgnoreList, applied *appliedPaths, sender Sender) *Emitter {
	return &Emitter{
		tree:    tree,
		ignore:  ignore,
		applied: applied,
		sender:  sender,
	}
}

// Handle sends the change described by ev. Events that should not be synced
// are dropped; only delivery errors are returned.
func (e *Emitter) Handle(ctx context.Context, ev WatchEvent) error {
	change := e.translate(ev)
	if change == nil {
		return nil
	}
	if e.applied != nil {
		if e.applied.echo(change) {
			slog.Debug("emitter dropped applied change", "change", change)
			return nil
		}
		e.applied.forget(change)
	}
	return e.sender.Send(ctx, change)
}

func (e *Emitter) translate(ev WatchEvent) *syncmsg.Change {
	rel, err := e.tree.Rel(ev.Path)
	if err != nil {
		slog.Debug("emitter dropped path outside root", "path", ev.Path)
		return nil
	}

	if ev.Kind == Moved {
		return e.translateMove(ev, rel)
	}

	if e.ignore.ShouldIgnore(rel) {
		slog.Debug("emitter ignored", "event", ev.Kind, "path", rel)
		return nil
	}

	switch ev.Kind {
	case Created:
		if ev.IsDir {
			return syncmsg.NewCreate(rel, true, nil)
		}
		content, ok := e.read(rel)
		if !ok {
			return nil
		}
		return syncmsg.NewCreate(rel, false, content)

	case Modified:
		if ev.IsDir {
			return nil
		}
		content, ok := e.read(rel)
		if !ok {
			return nil
		}
		return syncmsg.NewModify(rel, content)

	case Deleted:
		return syncmsg.NewDelete(rel, ev.IsDir)
	}
	return nil
}

func (e *Emitter) translateMove(ev WatchEvent, rel string) *syncmsg.Change {
	from, err := e.tree.Rel(ev.From)
	if err != nil {
		// moved in from outside the root
		return e.translate(WatchEvent{Kind: Created, Path: ev.Path, IsDir: ev.IsDir})
	}

	fromIgnored := e.ignore.ShouldIgnore(from)
	toIgnored := e.ignore.ShouldIgnore(rel)

	switch {
	case fromIgnored && toIgnored:
		return nil
	case toIgnored:
		return syncmsg.NewDelete(from, ev.IsDir)
	case fromIgnored && e.ignore.IsSwapFile(from) && !ev.IsDir:
		// an editor saved by renaming its swap file over the target
		content, ok := e.read(rel)
		if !ok {
			return nil
		}
		return syncmsg.NewModify(rel, content)
	case fromIgnored:
		return e.translate(WatchEvent{Kind: Created, Path: ev.Path, IsDir: ev.IsDir})
	}
	return syncmsg.NewMove(from, rel, ev.IsDir)
}

func (e *Emitter) read(rel string) ([]byte, bool) {
	content, err := e.tree.ReadFile(rel)
	switch {
	case err == nil:
		return content, true
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("emitter skipped vanished file", "path", rel)
	case errors.Is(err, fs.ErrPermission):
		slog.Warn("emitter skipped unreadable file", "path", rel, "error", err)
	default:
		slog.Warn("emitter skipped file", "path", rel, "error", err)
	}
	return nil, false
}
