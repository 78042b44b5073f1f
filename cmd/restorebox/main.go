package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/restorebox/internal/config"
	"github.com/michaelbrown/restorebox/internal/logging"
	"github.com/michaelbrown/restorebox/internal/storage"
	"github.com/michaelbrown/restorebox/internal/storage/sqlite"
)

var (
	configFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "restorebox",
	Short: "restorebox - restore SQL dumps into throwaway Postgres containers",
	Long: `restorebox restores a base64-encoded, gzip-compressed PostgreSQL dump into a
disposable container, answers queries against it and tears it down again.

It solves the hackattic "backup_restore" challenge end to end, keeps a history
of runs, and exposes the same workflow over HTTP and MCP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./restorebox.yaml or ~/.restorebox/restorebox.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, component string) (*log.Logger, error) {
	return logging.New(os.Stderr, cfg.Log.Level, component)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
