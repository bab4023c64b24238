package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/dirsync/internal/client/config"
	"github.com/openmined/dirsync/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := loadConfig(newRootCmd())
	require.NoError(t, err)

	assert.Equal(t, config.DefaultServer, cfg.Server)
	assert.Equal(t, dir, cfg.Root)
	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.Equal(t, config.DefaultStateFile, cfg.StateFile)
	assert.Empty(t, cfg.Identifier)
	assert.Empty(t, cfg.Ignore)
}

func TestLoadConfigFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("server", "sync.example.com:9000"))
	require.NoError(t, cmd.Flags().Set("root", "mirror"))
	require.NoError(t, cmd.Flags().Set("interval", "250ms"))
	require.NoError(t, cmd.Flags().Set("ignore", "*.tmp,build/"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "sync.example.com:9000", cfg.Server)
	assert.Equal(t, filepath.Join(dir, "mirror"), cfg.Root)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, []string{"*.tmp", "build/"}, cfg.Ignore)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	id := strings.Repeat("a", 128)
	t.Setenv("DIRSYNC_SERVER", "10.0.0.1:9000")
	t.Setenv("DIRSYNC_ROOT", "/tmp/dirsync-env")
	t.Setenv("DIRSYNC_IDENTIFIER", id)
	t.Setenv("DIRSYNC_INTERVAL", "2s")
	t.Setenv("DIRSYNC_STATE_FILE", "/tmp/dirsync-env/state.json")

	cfg, err := loadConfig(newRootCmd())
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:9000", cfg.Server)
	assert.Equal(t, "/tmp/dirsync-env", cfg.Root)
	assert.Equal(t, id, cfg.Identifier)
	assert.Equal(t, 2*time.Second, cfg.Interval)
	assert.Equal(t, "/tmp/dirsync-env/state.json", cfg.StateFile)
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	configFile := filepath.Join(dir, "client.json")
	require.NoError(t, os.WriteFile(configFile, []byte(`{
	"server": "127.0.0.1:9500",
	"root": "/srv/mirror",
	"interval": "500ms",
	"ignore": ["*.log"],
	"log_level": "debug"
}`), 0o644))

	cmd := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("config", configFile))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9500", cfg.Server)
	assert.Equal(t, "/srv/mirror", cfg.Root)
	assert.Equal(t, 500*time.Millisecond, cfg.Interval)
	assert.Equal(t, []string{"*.log"}, cfg.Ignore)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadIdentifier(t *testing.T) {
	t.Chdir(t.TempDir())

	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("identifier", "too-short"))

	_, err := loadConfig(cmd)
	assert.ErrorContains(t, err, "identifier")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.DetailedWithApp(), strings.TrimSpace(out.String()))
}
