package synctree

import (
	"io/fs"
	"path/filepath"
)

// WalkFunc receives one bootstrap entry: a file, or a directory with no
// children. rel is in wire form.
type WalkFunc func(rel string, isDir bool) error

// Walk enumerates the tree depth-first in lexical order. Non-empty directories
// are implied by the paths of their contents and are not reported.
func (t *Tree) Walk(fn WalkFunc) error {
	return filepath.WalkDir(t.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == t.root {
			return nil
		}

		rel, err := filepath.Rel(t.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !d.IsDir() {
			return fn(rel, false)
		}

		empty, err := isEmptyDir(p)
		if err != nil {
			return err
		}
		if empty {
			return fn(rel, true)
		}
		return nil
	})
}
