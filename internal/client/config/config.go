package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/openmined/dirsync/internal/syncmsg"
)

var (
	home, _          = os.UserHomeDir()
	DefaultStateFile = filepath.Join(home, ".dirsync", "state.json")
	DefaultServer    = "127.0.0.1:9000"
	DefaultInterval  = time.Second
)

var validate = validator.New()

type Config struct {
	Server     string        `mapstructure:"server" validate:"required"`
	Root       string        `mapstructure:"root" validate:"required"`
	Interval   time.Duration `mapstructure:"interval" validate:"gt=0"`
	Identifier string        `mapstructure:"identifier"`
	StateFile  string        `mapstructure:"state_file"`
	Ignore     []string      `mapstructure:"ignore" validate:"dive,required"`
	LogLevel   string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFile    string        `mapstructure:"log_file"`
}

// Validate checks the configuration and makes Root and StateFile absolute.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Identifier != "" && !syncmsg.Identifier(c.Identifier).Valid() {
		return fmt.Errorf("identifier: must be %d alphanumeric characters", syncmsg.IdentifierSize)
	}

	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	c.Root = root

	if c.StateFile != "" {
		stateFile, err := filepath.Abs(c.StateFile)
		if err != nil {
			return fmt.Errorf("state_file: %w", err)
		}
		c.StateFile = stateFile
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}
