package sync

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/openmined/dirsync/internal/synctree"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is read from the sync root, one gitignore pattern per line.
// It is synced like any other file so the whole group shares its rules.
const IgnoreFileName = ".dirsyncignore"

// swapPatterns match temporary files written before being renamed over the
// real file, by some editors and by the sync applier itself.
var swapPatterns = []string{"*.goutputstream*", synctree.TempPrefix + "*"}

type SyncIgnoreList struct {
	baseDir string
	extra   []string
	ignore  *gitignore.GitIgnore
	swap    *gitignore.GitIgnore
}

// NewSyncIgnoreList builds a matcher from the built-in swap patterns and extra.
// Load adds the rules found in the ignore file of baseDir.
func NewSyncIgnoreList(baseDir string, extra ...string) *SyncIgnoreList {
	s := &SyncIgnoreList{
		baseDir: baseDir,
		extra:   extra,
		swap:    gitignore.CompileIgnoreLines(swapPatterns...),
	}
	s.ignore = gitignore.CompileIgnoreLines(s.lines()...)
	return s
}

func (s *SyncIgnoreList) Load() {
	lines := s.lines()

	ignorePath := filepath.Join(s.baseDir, IgnoreFileName)
	file, err := os.Open(ignorePath)
	if errors.Is(err, fs.ErrNotExist) {
		s.ignore = gitignore.CompileIgnoreLines(lines...)
		return
	} else if err != nil {
		slog.Warn("ignore file open", "path", ignorePath, "error", err)
		s.ignore = gitignore.CompileIgnoreLines(lines...)
		return
	}
	defer file.Close()

	rules := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
			rules++
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("ignore file read", "path", ignorePath, "error", err)
	} else {
		slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
	}

	s.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether rel, a root-relative wire path, is excluded
// from sync.
func (s *SyncIgnoreList) ShouldIgnore(rel string) bool {
	return s.ignore.MatchesPath(rel)
}

// IsSwapFile reports whether rel looks like an editor's temporary save file.
func (s *SyncIgnoreList) IsSwapFile(rel string) bool {
	return s.swap.MatchesPath(rel)
}

func (s *SyncIgnoreList) lines() []string {
	return append(slices.Clone(swapPatterns), s.extra...)
}
