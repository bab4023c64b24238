package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/openmined/dirsync/internal/queue"
	"github.com/openmined/dirsync/internal/syncmsg"
)

// maxCreateAttempts bounds identifier re-rolls on a collision.
const maxCreateAttempts = 8

var ErrGroupExists = errors.New("group already exists")

type mailbox = queue.FIFO[*syncmsg.Change]

type group struct {
	id syncmsg.Identifier

	// treeMu serializes mutations of the group's directory tree together with
	// the fan-out of their echoes.
	treeMu sync.Mutex

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

// Registry owns every sync group known to the server and the mailboxes of the
// peers connected to them.
type Registry struct {
	root   string
	groups map[syncmsg.Identifier]*group
	mu     sync.RWMutex
}

func NewRegistry(root string) *Registry {
	return &Registry{
		root:   root,
		groups: make(map[syncmsg.Identifier]*group),
	}
}

// GroupRoot returns the directory backing a group. The identifier must be valid.
func (r *Registry) GroupRoot(id syncmsg.Identifier) string {
	return filepath.Join(r.root, id.String())
}

// CreateGroup issues a fresh identifier and provisions its empty root.
func (r *Registry) CreateGroup() (syncmsg.Identifier, error) {
	for range maxCreateAttempts {
		id, err := syncmsg.NewIdentifier()
		if err != nil {
			return "", fmt.Errorf("generate identifier: %w", err)
		}

		err = os.Mkdir(r.GroupRoot(id), 0o755)
		if errors.Is(err, fs.ErrExist) {
			slog.Warn("session identifier collision, re-rolling")
			continue
		} else if err != nil {
			return "", fmt.Errorf("provision group: %w", err)
		}

		r.group(id)
		slog.Info("session group created", "group", id.Short())
		return id, nil
	}
	return "", ErrGroupExists
}

// Validate reports whether id names an existing group.
func (r *Registry) Validate(id syncmsg.Identifier) bool {
	if !id.Valid() {
		return false
	}
	info, err := os.Stat(r.GroupRoot(id))
	return err == nil && info.IsDir()
}

// RegisterPeer ensures peer has a mailbox in the group. Registering again is a no-op.
func (r *Registry) RegisterPeer(id syncmsg.Identifier, peer string) {
	g := r.group(id)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.mailboxes[peer]; ok {
		return
	}
	g.mailboxes[peer] = queue.NewFIFO[*syncmsg.Change]()
	slog.Debug("session peer registered", "group", id.Short(), "peer", peer, "peers", len(g.mailboxes))
}

// Enqueue appends change to the mailbox of every peer in the group except origin.
func (r *Registry) Enqueue(id syncmsg.Identifier, origin string, change *syncmsg.Change) int {
	if change == nil {
		return 0
	}
	g := r.group(id)

	g.mu.Lock()
	defer g.mu.Unlock()

	delivered := 0
	for peer, mb := range g.mailboxes {
		if peer == origin {
			continue
		}
		mb.Enqueue(change)
		delivered++
	}
	return delivered
}

// Drain returns and clears the pending changes of peer, oldest first.
func (r *Registry) Drain(id syncmsg.Identifier, peer string) []*syncmsg.Change {
	g := r.group(id)

	g.mu.Lock()
	mb, ok := g.mailboxes[peer]
	g.mu.Unlock()

	if !ok {
		return []*syncmsg.Change{}
	}
	return mb.DequeueAll()
}

// Forget drops the mailbox of peer from every group holding it.
func (r *Registry) Forget(peer string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, g := range r.groups {
		g.mu.Lock()
		if mb, ok := g.mailboxes[peer]; ok {
			delete(g.mailboxes, peer)
			slog.Debug("session peer forgotten", "group", id.Short(), "peer", peer, "dropped", mb.Len(), "peers", len(g.mailboxes))
		}
		g.mu.Unlock()
	}
}

// Lock serializes tree mutations of a group. The returned func releases it.
func (r *Registry) Lock(id syncmsg.Identifier) func() {
	g := r.group(id)
	g.treeMu.Lock()
	return g.treeMu.Unlock
}

// Stats returns a snapshot of every known group, sorted by identifier.
func (r *Registry) Stats() []GroupStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]GroupStats, 0, len(r.groups))
	for id, g := range r.groups {
		gs := GroupStats{Identifier: id}

		g.mu.Lock()
		for peer, mb := range g.mailboxes {
			pending := mb.Len()
			gs.Peers = append(gs.Peers, PeerStats{Address: peer, Pending: pending})
			gs.Pending += pending
		}
		g.mu.Unlock()

		sort.Slice(gs.Peers, func(i, j int) bool { return gs.Peers[i].Address < gs.Peers[j].Address })
		stats = append(stats, gs)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Identifier < stats[j].Identifier })
	return stats
}

func (r *Registry) group(id syncmsg.Identifier) *group {
	r.mu.RLock()
	g, ok := r.groups[id]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[id]; ok {
		return g
	}
	g = &group{
		id:        id,
		mailboxes: make(map[string]*mailbox),
	}
	r.groups[id] = g
	return g
}
