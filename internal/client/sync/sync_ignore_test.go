package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/dirsync/internal/synctree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncIgnoreListDefaults(t *testing.T) {
	ignore := NewSyncIgnoreList(t.TempDir())

	assert.True(t, ignore.ShouldIgnore(".goutputstream-ABC123"))
	assert.True(t, ignore.ShouldIgnore("docs/.goutputstream-XYZ"))
	assert.True(t, ignore.ShouldIgnore(synctree.TempPrefix+"4821"))
	assert.True(t, ignore.IsSwapFile("docs/"+synctree.TempPrefix+"77"))
	assert.True(t, ignore.IsSwapFile("docs/.goutputstream-XYZ"))
	assert.False(t, ignore.ShouldIgnore(IgnoreFileName))
	assert.False(t, ignore.ShouldIgnore("docs/notes.txt"))
	assert.False(t, ignore.IsSwapFile("docs/notes.txt"))
}

func TestSyncIgnoreListExtraAndFileRules(t *testing.T) {
	baseDir := t.TempDir()
	ignore := NewSyncIgnoreList(baseDir, "*.tmp")

	assert.True(t, ignore.ShouldIgnore("a/b.tmp"))
	assert.False(t, ignore.ShouldIgnore("build/out.bin"))

	custom := []byte("# comment\nbuild/\n")
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, IgnoreFileName), custom, 0o644))
	ignore.Load()

	assert.True(t, ignore.ShouldIgnore("build/out.bin"))
	assert.True(t, ignore.ShouldIgnore("a/b.tmp"))
	assert.False(t, ignore.IsSwapFile("a/b.tmp"))
	assert.False(t, ignore.ShouldIgnore("src/main.go"))
}
