package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmined/dirsync/internal/syncmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	return &Config{
		Server:   "127.0.0.1:9000",
		Root:     t.TempDir(),
		Interval: DefaultInterval,
		LogLevel: "info",
	}
}

func TestConfigValidateMakesPathsAbsolute(t *testing.T) {
	cfg := validConfig(t)
	cfg.Root = "relative/root"
	cfg.StateFile = "state.json"

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.True(t, filepath.IsAbs(cfg.StateFile))
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing server", func(c *Config) { c.Server = "" }, "Server"},
		{"server without port", func(c *Config) { c.Server = "example.com" }, "server"},
		{"missing root", func(c *Config) { c.Root = "" }, "Root"},
		{"zero interval", func(c *Config) { c.Interval = 0 }, "Interval"},
		{"short identifier", func(c *Config) { c.Identifier = "abc" }, "identifier"},
		{"bad identifier alphabet", func(c *Config) { c.Identifier = strings.Repeat("/", syncmsg.IdentifierSize) }, "identifier"},
		{"empty ignore pattern", func(c *Config) { c.Ignore = []string{""} }, "Ignore"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.Empty(t, st.Identifier)

	id, err := syncmsg.NewIdentifier()
	require.NoError(t, err)
	st = &State{Server: "127.0.0.1:9000", Root: "/data/sync", Identifier: id}
	require.NoError(t, st.Save(path))

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, id, loaded.Identifier)
	assert.False(t, loaded.UpdatedAt.IsZero())
	assert.True(t, loaded.Matches("127.0.0.1:9000", "/data/sync"))
	assert.False(t, loaded.Matches("127.0.0.1:9001", "/data/sync"))
	assert.False(t, loaded.Matches("127.0.0.1:9000", "/data/other"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadState(path)
	assert.Error(t, err)
}
