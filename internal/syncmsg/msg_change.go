package syncmsg

import "fmt"

// Change is a single tree mutation. It is built by whichever side observed or
// performed the mutation and is never modified afterwards.
//
// Path is always relative to the group root and uses forward slashes. Dest is
// only set for moves. Content is set for file creates and modifies.
type Change struct {
	Command Command
	IsDir   bool
	Path    string
	Dest    string
	Content []byte
}

func NewCreate(path string, isDir bool, content []byte) *Change {
	c := &Change{Command: CmdCreate, IsDir: isDir, Path: path}
	if !isDir {
		c.Content = content
	}
	return c
}

func NewDelete(path string, isDir bool) *Change {
	return &Change{Command: CmdDelete, IsDir: isDir, Path: path}
}

func NewModify(path string, content []byte) *Change {
	return &Change{Command: CmdModify, Path: path, Content: content}
}

func NewMove(src, dst string, isDir bool) *Change {
	return &Change{Command: CmdMove, IsDir: isDir, Path: src, Dest: dst}
}

// HasContent reports whether the change carries a file payload on the wire.
func (c *Change) HasContent() bool {
	switch c.Command {
	case CmdCreate:
		return !c.IsDir
	case CmdModify:
		return true
	default:
		return false
	}
}

func (c *Change) String() string {
	if c.Command == CmdMove {
		return fmt.Sprintf("%s %s -> %s (dir=%t)", c.Command, c.Path, c.Dest, c.IsDir)
	}
	return fmt.Sprintf("%s %s (dir=%t)", c.Command, c.Path, c.IsDir)
}
