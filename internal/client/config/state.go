package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/dirsync/internal/syncmsg"
)

// State remembers the group a root was synced with, so a restarted client
// rejoins it instead of creating a new one.
type State struct {
	Server     string             `json:"server"`
	Root       string             `json:"root"`
	Identifier syncmsg.Identifier `json:"identifier"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &State{}, nil
	} else if err != nil {
		return nil, err
	}

	var st State
	if err := jsonUnmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state through a temporary file and rename.
func (s *State) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	s.UpdatedAt = time.Now().UTC()
	data, err := jsonMarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Matches reports whether the state belongs to server and root.
func (s *State) Matches(server, root string) bool {
	return s.Identifier != "" && s.Server == server && s.Root == root
}
