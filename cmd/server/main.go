package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openmined/dirsync/internal/logging"
	"github.com/openmined/dirsync/internal/server"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dirsync-server",
		Short:   "dirsync server",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel})
			if err != nil {
				return err
			}
			defer closeLog()

			slog.Info("dirsync server", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			s, err := server.New(cfg)
			if err != nil {
				return err
			}
			defer slog.Info("Bye!")
			if err := s.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("bind", "b", server.DefaultBind, "Address to accept sync connections on")
	cmd.Flags().StringP("root", "r", "", "Directory holding every group's files")
	cmd.Flags().String("admin", "", "Address for the health and metrics endpoint (disabled when empty)")
	cmd.Flags().Duration("accept-timeout", server.DefaultAcceptTimeout, "How long to wait for a new connection before polling established ones")
	cmd.Flags().Duration("read-timeout", server.DefaultReadTimeout, "How long a new connection may stay silent before it yields")
	cmd.Flags().Duration("poll-timeout", 0, "How long an established connection may stay silent per cycle (defaults to read-timeout)")
	cmd.Flags().Duration("frame-timeout", server.DefaultFrameTimeout, "Maximum stall inside a frame before the connection is dropped")
	cmd.Flags().Duration("write-timeout", server.DefaultWriteTimeout, "Maximum time to write a response")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringP("config", "c", "", "Config file (json, yaml or toml)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var flagKeys = map[string]string{
	"bind":           "bind",
	"root":           "root",
	"admin_addr":     "admin",
	"accept_timeout": "accept-timeout",
	"read_timeout":   "read-timeout",
	"poll_timeout":   "poll-timeout",
	"frame_timeout":  "frame-timeout",
	"write_timeout":  "write-timeout",
	"log_level":      "log-level",
}

// loadConfig merges flags, DIRSYNC_* environment variables (a .env file in the
// working directory included) and the optional config file.
func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for key, flag := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("DIRSYNC")
	v.AutomaticEnv()

	var cfg server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
