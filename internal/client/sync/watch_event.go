package sync

import "fmt"

type EventKind uint8

const (
	Created EventKind = iota + 1
	Deleted
	Modified
	Moved
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Moved:
		return "moved"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// WatchEvent is a local filesystem change. Paths are absolute; From is only
// set for Moved.
type WatchEvent struct {
	Kind  EventKind
	Path  string
	From  string
	IsDir bool
}

func (e WatchEvent) String() string {
	if e.Kind == Moved {
		return fmt.Sprintf("%s %s -> %s (dir=%t)", e.Kind, e.From, e.Path, e.IsDir)
	}
	return fmt.Sprintf("%s %s (dir=%t)", e.Kind, e.Path, e.IsDir)
}
