// Package synctree applies sync changes to a directory tree on disk.
//
// The same primitives back the server's authoritative group roots and the
// client's local mirror. Every relative path goes through Resolve before the
// filesystem is touched.
package synctree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// TempPrefix names the files WriteFile stages content in.
	TempPrefix = ".dirsync-tmp-"
)

var (
	ErrUnsafePath   = errors.New("unsafe path")
	ErrPathConflict = errors.New("path conflict")
)

// MoveResult describes what Move did.
type MoveResult int

const (
	// MoveSourceMissing means nothing existed at the source path.
	MoveSourceMissing MoveResult = iota
	// MoveRenamed means the source was renamed onto the destination.
	MoveRenamed
	// MoveMerged means the source was an empty directory and the destination
	// directory already existed, so the source was removed.
	MoveMerged
)

func (r MoveResult) String() string {
	switch r {
	case MoveSourceMissing:
		return "source-missing"
	case MoveRenamed:
		return "renamed"
	case MoveMerged:
		return "merged"
	default:
		return fmt.Sprintf("MoveResult(%d)", int(r))
	}
}

type Tree struct {
	root string
}

func New(root string) *Tree {
	return &Tree{root: filepath.Clean(root)}
}

// Resolve validates a wire path and returns its absolute location under the
// root. Empty, absolute and parent-escaping paths are rejected.
func (t *Tree) Resolve(rel string) (string, error) {
	if err := CheckPath(rel); err != nil {
		return "", err
	}
	return filepath.Join(t.root, filepath.FromSlash(NormPath(rel))), nil
}

// Rel converts an absolute path under the root to its wire form.
func (t *Tree) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(t.root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if err := CheckPath(rel); err != nil {
		return "", err
	}
	return rel, nil
}

// Stat reports whether rel exists and whether it is a directory.
func (t *Tree) Stat(rel string) (exists bool, isDir bool, err error) {
	abs, err := t.Resolve(rel)
	if err != nil {
		return false, false, err
	}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, nil
	} else if err != nil {
		return false, false, err
	}
	return true, info.IsDir(), nil
}

func (t *Tree) ReadFile(rel string) ([]byte, error) {
	abs, err := t.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// SameContent reports whether rel is a regular file holding exactly data.
func (t *Tree) SameContent(rel string, data []byte) (bool, error) {
	abs, err := t.Resolve(rel)
	if err != nil {
		return false, err
	}

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() || info.Size() != int64(len(data)) {
		return false, nil
	}

	current, err := os.ReadFile(abs)
	if err != nil {
		return false, err
	}
	return bytes.Equal(current, data), nil
}

// WriteFile replaces rel with data, creating parent directories as needed.
// The data goes to a TempPrefix file beside rel which is then renamed over it,
// so rel never holds partial content.
func (t *Tree) WriteFile(rel string, data []byte) error {
	abs, err := t.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), TempPrefix+"*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), abs)
}

// Mkdir creates rel and any missing parents.
func (t *Tree) Mkdir(rel string) error {
	abs, err := t.Resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, dirPerm)
}

// Remove deletes a file, or a directory and everything below it. It returns
// false when nothing existed at rel.
func (t *Tree) Remove(rel string) (bool, error) {
	abs, err := t.Resolve(rel)
	if err != nil {
		return false, err
	}

	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	if !info.IsDir() {
		return true, os.Remove(abs)
	}
	return true, removeTree(abs)
}

// Move renames src onto dst.
//
// A file destination that already exists is replaced. When both sides are
// directories and the destination exists, an empty source is simply removed;
// a non-empty source yields ErrPathConflict and nothing is changed.
func (t *Tree) Move(src, dst string, isDir bool) (MoveResult, error) {
	srcAbs, err := t.Resolve(src)
	if err != nil {
		return MoveSourceMissing, err
	}
	dstAbs, err := t.Resolve(dst)
	if err != nil {
		return MoveSourceMissing, err
	}

	if _, err := os.Lstat(srcAbs); errors.Is(err, fs.ErrNotExist) {
		return MoveSourceMissing, nil
	} else if err != nil {
		return MoveSourceMissing, err
	}

	dstInfo, dstErr := os.Lstat(dstAbs)
	dstExists := dstErr == nil

	if !isDir && dstExists && !dstInfo.IsDir() {
		if err := os.Remove(dstAbs); err != nil {
			return MoveSourceMissing, fmt.Errorf("replace %s: %w", dst, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), dirPerm); err != nil {
		return MoveSourceMissing, err
	}

	if isDir && dstExists && dstInfo.IsDir() {
		empty, err := isEmptyDir(srcAbs)
		if err != nil {
			return MoveSourceMissing, err
		}
		if !empty {
			return MoveSourceMissing, fmt.Errorf("%w: move %s onto existing directory %s", ErrPathConflict, src, dst)
		}
		if err := os.Remove(srcAbs); err != nil {
			return MoveSourceMissing, err
		}
		return MoveMerged, nil
	}

	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return MoveSourceMissing, err
	}
	return MoveRenamed, nil
}

// Clear removes everything below the root, keeping the root itself.
func (t *Tree) Clear() error {
	if err := os.MkdirAll(t.root, dirPerm); err != nil {
		return err
	}
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		p := filepath.Join(t.root, entry.Name())
		if entry.IsDir() {
			err = removeTree(p)
		} else {
			err = os.Remove(p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckPath validates a wire path without touching the disk.
func CheckPath(rel string) error {
	norm := NormPath(rel)
	if norm == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if path.IsAbs(norm) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, rel)
	}
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: parent segment in %q", ErrUnsafePath, rel)
		}
	}
	if path.Clean(norm) == "." || !filepath.IsLocal(filepath.FromSlash(norm)) {
		return fmt.Errorf("%w: %q does not name an entry below the root", ErrUnsafePath, rel)
	}
	return nil
}

// NormPath converts backslashes to forward slashes.
func NormPath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// removeTree deletes dir depth-first: at each level files go first, then
// subdirectories, then the directory itself.
func removeTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var subdirs []string
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			subdirs = append(subdirs, p)
			continue
		}
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	for _, sub := range subdirs {
		if err := removeTree(sub); err != nil {
			return err
		}
	}
	return os.Remove(dir)
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
