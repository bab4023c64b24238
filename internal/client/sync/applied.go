package sync

import (
	"crypto/sha256"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/openmined/dirsync/internal/synctree"
)

const (
	appliedCapacity = 4096
	appliedTTL      = time.Minute
)

type appliedState struct {
	exists bool
	isDir  bool
	sum    [sha256.Size]byte
}

// appliedPaths remembers what server changes left at each path. A local
// change that describes exactly that state is the watcher reporting our own
// write and is not sent back. Any other change is a local edit.
type appliedPaths struct {
	tree    *synctree.Tree
	entries *expirable.LRU[string, appliedState]
}

func newAppliedPaths(tree *synctree.Tree) *appliedPaths {
	return &appliedPaths{
		tree:    tree,
		entries: expirable.NewLRU[string, appliedState](appliedCapacity, nil, appliedTTL),
	}
}

// record notes the state change will leave behind. It reads the source of a
// file move, so it must run before change is applied.
func (a *appliedPaths) record(change *syncmsg.Change) {
	switch change.Command {
	case syncmsg.CmdCreate, syncmsg.CmdModify:
		a.parents(change.Path)
		if change.IsDir {
			a.entries.Add(change.Path, appliedState{exists: true, isDir: true})
		} else {
			a.file(change.Path, change.Content)
		}

	case syncmsg.CmdDelete:
		a.gone(change.Path)

	case syncmsg.CmdMove:
		a.gone(change.Path)
		a.parents(change.Dest)
		if change.IsDir {
			a.dropBelow(change.Dest)
			a.entries.Add(change.Dest, appliedState{exists: true, isDir: true})
			return
		}
		content, err := a.tree.ReadFile(change.Path)
		if err != nil {
			a.entries.Remove(change.Dest)
			return
		}
		a.file(change.Dest, content)
	}
}

// forget drops what is known about the paths of change.
func (a *appliedPaths) forget(change *syncmsg.Change) {
	a.entries.Remove(change.Path)
	if change.Dest != "" {
		a.entries.Remove(change.Dest)
	}
}

// echo reports whether change only repeats what the server applied.
func (a *appliedPaths) echo(change *syncmsg.Change) bool {
	switch change.Command {
	case syncmsg.CmdCreate, syncmsg.CmdModify:
		st, ok := a.entries.Get(change.Path)
		if !ok || !st.exists || st.isDir != change.IsDir {
			return false
		}
		return st.isDir || st.sum == sha256.Sum256(change.Content)

	case syncmsg.CmdDelete:
		return a.removed(change.Path)

	case syncmsg.CmdMove:
		if !a.removed(change.Path) {
			return false
		}
		st, ok := a.entries.Get(change.Dest)
		if !ok || !st.exists || st.isDir != change.IsDir {
			return false
		}
		if st.isDir {
			return true
		}
		content, err := a.tree.ReadFile(change.Dest)
		return err == nil && sha256.Sum256(content) == st.sum
	}
	return false
}

// removed reports whether the nearest recorded state at rel or above it is
// absent, so deletions reported for the contents of a removed directory
// count too.
func (a *appliedPaths) removed(rel string) bool {
	for p := rel; p != "." && p != "/"; p = path.Dir(p) {
		if st, ok := a.entries.Peek(p); ok {
			return !st.exists
		}
	}
	return false
}

// gone records rel as absent along with everything that was below it.
func (a *appliedPaths) gone(rel string) {
	a.dropBelow(rel)
	a.entries.Add(rel, appliedState{})
}

func (a *appliedPaths) dropBelow(rel string) {
	prefix := rel + "/"
	for _, key := range a.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			a.entries.Remove(key)
		}
	}
}

func (a *appliedPaths) file(rel string, content []byte) {
	a.entries.Add(rel, appliedState{exists: true, sum: sha256.Sum256(content)})
}

// parents records the directories WriteFile and Mkdir create on the way to rel.
func (a *appliedPaths) parents(rel string) {
	for p := path.Dir(rel); p != "." && p != "/"; p = path.Dir(p) {
		a.entries.Add(p, appliedState{exists: true, isDir: true})
	}
}
