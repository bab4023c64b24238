package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/dirsync/internal/synctree"
	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawEvent struct {
	event notify.Event
	path  string
}

func (e rawEvent) Event() notify.Event { return e.event }
func (e rawEvent) Path() string        { return e.path }
func (e rawEvent) Sys() interface{}    { return nil }

func nextEvent(t *testing.T, fw *FileWatcher) WatchEvent {
	t.Helper()
	select {
	case ev := <-fw.events:
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timeout waiting for watch event")
		return WatchEvent{}
	}
}

func assertNoEvent(t *testing.T, fw *FileWatcher) {
	t.Helper()
	select {
	case ev := <-fw.events:
		assert.Failf(t, "unexpected event", "%s", ev)
	default:
	}
}

func TestWatcherRenamePairsIntoMove(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)

	from := filepath.Join(root, "a.txt")
	to := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(to, []byte("x"), 0o644))

	fw.handleRaw(rawEvent{notify.Rename, from})
	assertNoEvent(t, fw)
	fw.handleRaw(rawEvent{notify.Create, to})

	assert.Equal(t, WatchEvent{Kind: Moved, From: from, Path: to}, nextEvent(t, fw))
	assert.Nil(t, fw.pendingFrom)
}

func TestWatcherUnpairedRenameIsDelete(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	dir := filepath.Join(root, "gone")
	fw.knownDirs.Add(dir)
	fw.knownDirs.Add(filepath.Join(dir, "child"))

	fw.handleRaw(rawEvent{notify.Rename, dir})
	fw.expireMove()

	assert.Equal(t, WatchEvent{Kind: Deleted, Path: dir, IsDir: true}, nextEvent(t, fw))
	assert.Equal(t, 0, fw.knownDirs.Cardinality())
}

func TestWatcherSecondRenameFlushesFirst(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")

	fw.handleRaw(rawEvent{notify.Rename, a})
	fw.handleRaw(rawEvent{notify.Rename, b})

	assert.Equal(t, WatchEvent{Kind: Deleted, Path: a}, nextEvent(t, fw))
	require.NotNil(t, fw.pendingFrom)
	assert.Equal(t, b, fw.pendingFrom.path)
}

func TestWatcherDirectoryMoveTracksKnownDirs(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	from := filepath.Join(root, "src")
	to := filepath.Join(root, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(to, "sub"), 0o755))
	fw.knownDirs.Add(from)
	fw.knownDirs.Add(filepath.Join(from, "sub"))

	fw.handleRaw(rawEvent{notify.Rename, from})
	fw.handleRaw(rawEvent{notify.Rename, to})

	assert.Equal(t, WatchEvent{Kind: Moved, From: from, Path: to, IsDir: true}, nextEvent(t, fw))
	assert.True(t, fw.knownDirs.Contains(to))
	assert.True(t, fw.knownDirs.Contains(filepath.Join(to, "sub")))
	assert.False(t, fw.knownDirs.Contains(from))
}

func TestWatcherRemoveReportsKnownDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d", "e"), 0o755))
	fw := NewFileWatcher(root)
	require.NoError(t, fw.scanDirs(root))

	fw.handleRaw(rawEvent{notify.Remove, filepath.Join(root, "d")})
	fw.handleRaw(rawEvent{notify.Remove, filepath.Join(root, "f.txt")})

	assert.Equal(t, WatchEvent{Kind: Deleted, Path: filepath.Join(root, "d"), IsDir: true}, nextEvent(t, fw))
	assert.Equal(t, WatchEvent{Kind: Deleted, Path: filepath.Join(root, "f.txt")}, nextEvent(t, fw))
	assert.False(t, fw.knownDirs.Contains(filepath.Join(root, "d", "e")))
}

func TestWatcherNewDirectoryAnnouncesContents(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	dir := filepath.Join(root, "new")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inner", "f.txt"), []byte("1"), 0o644))

	fw.handleRaw(rawEvent{notify.Create, dir})

	assert.Equal(t, WatchEvent{Kind: Created, Path: dir, IsDir: true}, nextEvent(t, fw))
	assert.Equal(t, WatchEvent{Kind: Created, Path: filepath.Join(dir, "inner"), IsDir: true}, nextEvent(t, fw))
	assert.Equal(t, WatchEvent{Kind: Created, Path: filepath.Join(dir, "inner", "f.txt")}, nextEvent(t, fw))
	assertNoEvent(t, fw)
}

func TestWatcherStagedWriteIsMove(t *testing.T) {
	root := t.TempDir()
	fw := NewFileWatcher(root)
	tmp := filepath.Join(root, synctree.TempPrefix+"123")
	p := filepath.Join(root, "applied.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	fw.handleRaw(rawEvent{notify.Rename, tmp})
	fw.handleRaw(rawEvent{notify.Rename, p})

	assert.Equal(t, WatchEvent{Kind: Moved, From: tmp, Path: p}, nextEvent(t, fw))
	assertNoEvent(t, fw)
}

func TestWatcherDebouncesWrites(t *testing.T) {
	fw := NewFileWatcher(t.TempDir())
	fw.setDebounceTimeout(20 * time.Millisecond)
	p := filepath.Join(fw.root, "busy.txt")

	for range 5 {
		fw.debounce(p)
	}

	select {
	case got := <-fw.flushes:
		assert.Equal(t, p, got)
	case <-time.After(time.Second):
		require.FailNow(t, "write was never flushed")
	}
	select {
	case got := <-fw.flushes:
		assert.Failf(t, "unexpected second flush", "%s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileWatcherReportsNewFile(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(root)
	require.NoError(t, fw.Start(t.Context()))
	defer fw.Stop()

	p := filepath.Join(root, "test.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-fw.Events():
			require.True(t, ok)
			if ev.Path == p && (ev.Kind == Created || ev.Kind == Modified) {
				return
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for file event")
		}
	}
}
