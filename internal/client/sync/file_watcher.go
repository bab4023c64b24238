package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rjeczalik/notify"
)

const (
	defaultDebounceTimeout = 50 * time.Millisecond
	defaultMoveWindow      = 100 * time.Millisecond
	eventBufferSize        = 256
)

type renameSource struct {
	path  string
	isDir bool
}

// FileWatcher turns raw notifications for a directory tree into WatchEvents.
//
// A rename away from a path is held for the move window. If something
// arrives in the tree before it expires the pair is reported as Moved,
// otherwise the source is reported as Deleted. Write bursts on a path are
// debounced into a single Modified.
type FileWatcher struct {
	root      string
	rawEvents chan notify.EventInfo
	events    chan WatchEvent
	flushes   chan string
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// directories seen under root, so deletions can report IsDir
	knownDirs mapset.Set[string]

	timers          map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration

	// owned by the run goroutine
	moveWindow  time.Duration
	pendingFrom *renameSource
	moveTimer   *time.Timer
}

func NewFileWatcher(root string) *FileWatcher {
	return &FileWatcher{
		root:            filepath.Clean(root),
		events:          make(chan WatchEvent, eventBufferSize),
		flushes:         make(chan string, eventBufferSize),
		done:            make(chan struct{}),
		knownDirs:       mapset.NewSet[string](),
		timers:          make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
		moveWindow:      defaultMoveWindow,
	}
}

func (fw *FileWatcher) setDebounceTimeout(timeout time.Duration) {
	fw.debounceTimeout = timeout
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.root)

	if err := fw.scanDirs(fw.root); err != nil {
		return fmt.Errorf("scan %s: %w", fw.root, err)
	}

	fw.rawEvents = make(chan notify.EventInfo, eventBufferSize)
	recursivePath := fw.root + "/..."
	if err := notify.Watch(recursivePath, fw.rawEvents, notify.Create, notify.Remove, notify.Write, notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", fw.root, err)
	}

	fw.wg.Add(1)
	go fw.run(ctx)
	return nil
}

// Stop ends watching and waits for the watcher goroutines. Events is closed
// once it returns.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		fw.debounceMu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.debounceMu.Unlock()
		slog.Info("file watcher stopped")
	})
}

func (fw *FileWatcher) Events() <-chan WatchEvent {
	return fw.events
}

func (fw *FileWatcher) run(ctx context.Context) {
	defer func() {
		if fw.moveTimer != nil {
			fw.moveTimer.Stop()
		}
		slog.Debug("file watcher run done")
		close(fw.events)
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ev, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			fw.handleRaw(ev)
		case path := <-fw.flushes:
			fw.flushWrite(path)
		case <-fw.moveExpired():
			fw.expireMove()
		}
	}
}

func (fw *FileWatcher) handleRaw(ev notify.EventInfo) {
	path := filepath.Clean(ev.Path())
	if path == fw.root {
		return
	}

	switch ev.Event() {
	case notify.Write:
		fw.debounce(path)
	case notify.Create:
		fw.arrived(path)
	case notify.Rename:
		// the same event marks both ends of a rename on some platforms
		if _, err := os.Lstat(path); err == nil {
			fw.arrived(path)
		} else {
			fw.departed(path)
		}
	case notify.Remove:
		if fw.pendingFrom != nil && fw.pendingFrom.path == path {
			return
		}
		isDir := fw.forgetDir(path)
		fw.emit(WatchEvent{Kind: Deleted, Path: path, IsDir: isDir})
	}
}

func (fw *FileWatcher) arrived(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		slog.Debug("file watcher path vanished", "path", path)
		return
	}
	isDir := info.IsDir()

	if from := fw.pendingFrom; from != nil && from.path == path {
		fw.expireMove()
	} else if from != nil {
		fw.clearPending()
		if isDir {
			fw.renameDirs(from.path, path)
		}
		fw.emit(WatchEvent{Kind: Moved, From: from.path, Path: path, IsDir: isDir})
		return
	}

	if !isDir {
		fw.emit(WatchEvent{Kind: Created, Path: path})
		return
	}

	fresh := !fw.knownDirs.Contains(path)
	fw.knownDirs.Add(path)
	fw.emit(WatchEvent{Kind: Created, Path: path, IsDir: true})
	if fresh {
		fw.announceContents(path)
	}
}

// announceContents reports entries that appeared inside a new directory
// before it was being watched.
func (fw *FileWatcher) announceContents(dir string) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == dir {
			return nil
		}
		if d.IsDir() {
			if fw.knownDirs.Contains(p) {
				return nil
			}
			fw.knownDirs.Add(p)
		}
		fw.emit(WatchEvent{Kind: Created, Path: p, IsDir: d.IsDir()})
		return nil
	})
	if err != nil {
		slog.Warn("file watcher scan", "dir", dir, "error", err)
	}
}

func (fw *FileWatcher) departed(path string) {
	if from := fw.pendingFrom; from != nil {
		if from.path == path {
			return
		}
		fw.expireMove()
	}
	fw.pendingFrom = &renameSource{path: path, isDir: fw.knownDirs.Contains(path)}
	fw.moveTimer = time.NewTimer(fw.moveWindow)
}

func (fw *FileWatcher) moveExpired() <-chan time.Time {
	if fw.moveTimer == nil {
		return nil
	}
	return fw.moveTimer.C
}

// expireMove reports a rename source that found no destination as deleted.
func (fw *FileWatcher) expireMove() {
	from := fw.pendingFrom
	if from == nil {
		return
	}
	fw.clearPending()
	fw.forgetDir(from.path)
	fw.emit(WatchEvent{Kind: Deleted, Path: from.path, IsDir: from.isDir})
}

func (fw *FileWatcher) clearPending() {
	fw.pendingFrom = nil
	if fw.moveTimer != nil {
		fw.moveTimer.Stop()
		fw.moveTimer = nil
	}
}

func (fw *FileWatcher) debounce(path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.debounceTimeout, func() {
		select {
		case fw.flushes <- path:
		case <-fw.done:
		}
	})
}

func (fw *FileWatcher) flushWrite(path string) {
	fw.debounceMu.Lock()
	delete(fw.timers, path)
	fw.debounceMu.Unlock()

	fw.emit(WatchEvent{Kind: Modified, Path: path, IsDir: fw.knownDirs.Contains(path)})
}

func (fw *FileWatcher) emit(ev WatchEvent) {
	select {
	case fw.events <- ev:
		slog.Debug("file watcher", "event", ev.Kind, "path", ev.Path)
	case <-fw.done:
	}
}

// forgetDir drops path and everything below it from the known directories
// and reports whether path itself was one.
func (fw *FileWatcher) forgetDir(path string) bool {
	wasDir := fw.knownDirs.Contains(path)
	prefix := path + string(filepath.Separator)
	for _, dir := range fw.knownDirs.ToSlice() {
		if dir == path || strings.HasPrefix(dir, prefix) {
			fw.knownDirs.Remove(dir)
		}
	}
	return wasDir
}

func (fw *FileWatcher) renameDirs(from, to string) {
	prefix := from + string(filepath.Separator)
	for _, dir := range fw.knownDirs.ToSlice() {
		switch {
		case dir == from:
			fw.knownDirs.Remove(dir)
		case strings.HasPrefix(dir, prefix):
			fw.knownDirs.Remove(dir)
			fw.knownDirs.Add(filepath.Join(to, strings.TrimPrefix(dir, prefix)))
		}
	}
	fw.knownDirs.Add(to)
}

func (fw *FileWatcher) scanDirs(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				slog.Warn("file watcher scan skipped", "path", p, "error", err)
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() && p != root {
			fw.knownDirs.Add(p)
		}
		return nil
	})
}
