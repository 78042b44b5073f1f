package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/restorebox/internal/challenge"
	"github.com/michaelbrown/restorebox/internal/sandbox"
	"github.com/michaelbrown/restorebox/internal/solver"
	"github.com/michaelbrown/restorebox/internal/storage"
)

var (
	dumpFileFlag string
	noSubmitFlag bool
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Restore the challenge dump and submit the alive SSNs",
	Long: `Fetch the backup_restore problem (or read a local dump), restore it into a
throwaway Postgres container, list the SSNs of records with status 'alive',
and submit them.

The dump file may hold the raw base64 payload or the problem JSON
({"dump": "..."}). Local dumps are never submitted.

Examples:
  restorebox solve
  restorebox solve --no-submit
  restorebox solve --dump-file problem.json`,
	RunE: runSolve,
}

func init() {
	solveCmd.Flags().StringVar(&dumpFileFlag, "dump-file", "", "Read the dump from a file instead of the challenge API")
	solveCmd.Flags().BoolVar(&noSubmitFlag, "no-submit", false, "Print the solution without submitting it")
	rootCmd.AddCommand(solveCmd)
}

func runSolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "solve")
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !sandbox.NewEngine(cfg.Engine.Binary).Available(ctx) {
		return fmt.Errorf("container engine %q is not available", cfg.Engine.Binary)
	}

	client := challenge.NewClient(cfg.Challenge.BaseURL, cfg.Challenge.Name, cfg.Challenge.AccessToken)

	run := &storage.Run{ID: uuid.New().String(), Source: storage.SourceChallenge}
	var dump string
	if dumpFileFlag != "" {
		run.Source = storage.SourceFile
		dump, err = readDumpFile(dumpFileFlag)
	} else {
		logger.Info("fetching problem", "challenge", cfg.Challenge.Name)
		var p *challenge.Problem
		p, err = client.FetchProblem(ctx)
		if p != nil {
			dump = p.Dump
		}
	}
	if err != nil {
		return err
	}

	if err := store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	logger.Info("run started", "run", run.ID[:8], "source", run.Source)

	sv := &solver.Solver{
		Store:   store,
		Options: cfg.SandboxOptions(logger),
		Logger:  logger,
	}
	ssns, err := sv.Run(ctx, run, dump)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.ID[:8], err)
	}

	solution := &challenge.Solution{AliveSSNs: ssns}
	if solution.AliveSSNs == nil {
		solution.AliveSSNs = []string{}
	}
	out, _ := json.MarshalIndent(solution, "", "  ")
	fmt.Println(string(out))

	if noSubmitFlag || run.Source != storage.SourceChallenge {
		return nil
	}

	resp, err := client.Submit(ctx, solution)
	if err != nil {
		return err
	}
	run.Submission = resp
	if err := store.UpdateRun(context.Background(), run); err != nil {
		logger.Warn("recording submission", "err", err)
	}
	fmt.Println(resp)
	return nil
}

// readDumpFile accepts either the bare base64 payload or the problem JSON.
func readDumpFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading dump file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, "{") {
		var p challenge.Problem
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return "", fmt.Errorf("decoding problem JSON: %w", err)
		}
		return p.Dump, nil
	}
	return text, nil
}
