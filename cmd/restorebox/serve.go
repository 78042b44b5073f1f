package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/restorebox/internal/sandbox"
	"github.com/michaelbrown/restorebox/internal/server"
	"github.com/michaelbrown/restorebox/internal/solver"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the restorebox HTTP server",
	Long: `Start the restorebox HTTP server with REST API and WebSocket support.

POST /api/runs with {"dump": "..."} starts a run; GET /api/runs/{id}/ws
streams its progress. Only one run is active at a time.

Examples:
  restorebox serve
  restorebox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "server")
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	if !sandbox.NewEngine(cfg.Engine.Binary).Available(context.Background()) {
		logger.Warn("container engine not available; runs will fail until it is", "binary", cfg.Engine.Binary)
	}

	srv := server.New(store, solver.Solver{Options: cfg.SandboxOptions(logger)}, logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdown := make(chan error, 1)
	go func() {
		<-sigCh
		shutdown <- srv.Shutdown(context.Background())
	}()

	if err := srv.Start(port); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-shutdown
}
