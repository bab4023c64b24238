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
	"github.com/openmined/dirsync/internal/client"
	"github.com/openmined/dirsync/internal/client/config"
	"github.com/openmined/dirsync/internal/logging"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dirsync [root]",
		Short:   "Mirror a directory with every peer of a dirsync group",
		Version: version.Detailed(),
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("root", args[0]); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			closeLog, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
			if err != nil {
				return err
			}
			defer closeLog()

			slog.Info("dirsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			c, err := client.New(cfg)
			if err != nil {
				return err
			}
			defer slog.Info("Bye!")
			if err := c.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("client stopped", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("server", "s", config.DefaultServer, "dirsync server address (host:port)")
	cmd.Flags().StringP("root", "r", ".", "Directory to sync")
	cmd.Flags().StringP("identifier", "i", "", "Group identifier to join (a new group is created when empty)")
	cmd.Flags().Duration("interval", config.DefaultInterval, "How often to pull updates from the server")
	cmd.Flags().String("state-file", config.DefaultStateFile, "Where the issued group identifier is remembered")
	cmd.Flags().StringSlice("ignore", nil, "Extra gitignore patterns to exclude from sync")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-file", "", "Also write logs to this file")
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
	"server":     "server",
	"root":       "root",
	"identifier": "identifier",
	"interval":   "interval",
	"state_file": "state-file",
	"ignore":     "ignore",
	"log_level":  "log-level",
	"log_file":   "log-file",
}

// loadConfig merges flags, DIRSYNC_* environment variables (a .env file in the
// working directory included) and the optional config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
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

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
