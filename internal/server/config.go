package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultBind          = "0.0.0.0:9000"
	DefaultAcceptTimeout = 200 * time.Millisecond
	DefaultReadTimeout   = 2 * time.Second
	DefaultFrameTimeout  = 2 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

var validate = validator.New()

type Config struct {
	Bind          string        `mapstructure:"bind" validate:"required"`
	Root          string        `mapstructure:"root" validate:"required"`
	AcceptTimeout time.Duration `mapstructure:"accept_timeout" validate:"gt=0"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout" validate:"gte=0"`
	FrameTimeout  time.Duration `mapstructure:"frame_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	AdminAddr     string        `mapstructure:"admin_addr"`
	LogLevel      string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Validate checks the configuration with struct tags and address rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if c.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddr); err != nil {
			return fmt.Errorf("admin_addr: %w", err)
		}
		if c.AdminAddr == c.Bind {
			return fmt.Errorf("admin_addr: must differ from bind %q", c.Bind)
		}
	}
	return nil
}

// pollTimeout falls back to the read timeout when unset.
func (c *Config) pollTimeout() time.Duration {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return c.ReadTimeout
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}
