package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/restorebox/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Inspect past runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and events",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, running, completed, failed)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func withStore(fn func(ctx context.Context, store storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		runs, err := store.ListRuns(ctx, storage.RunListOptions{
			Status: storage.RunStatus(statusFilter),
			Limit:  limitFlag,
		})
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}

		fmt.Printf("%-10s %-10s %-10s %-9s %-6s %s\n", "ID", "SOURCE", "STATUS", "STAGE", "ROWS", "UPDATED")
		fmt.Println(strings.Repeat("─", 62))

		for _, r := range runs {
			fmt.Printf("%-10s %-10s %-10s %-9s %-6d %s\n",
				shortID(r.ID), r.Source, r.Status, r.Stage, len(r.Result), timeAgo(r.UpdatedAt))
		}
		return nil
	})
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		r, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Run:       %s\n", r.ID)
		fmt.Printf("Source:    %s\n", r.Source)
		fmt.Printf("Status:    %s\n", r.Status)
		fmt.Printf("Stage:     %s\n", r.Stage)
		if r.ContainerID != "" {
			fmt.Printf("Container: %s\n", shortID(r.ContainerID))
		}
		if r.Error != "" {
			fmt.Printf("Error:     %s\n", r.Error)
		}
		fmt.Printf("Created:   %s\n", r.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated:   %s\n", r.UpdatedAt.Format(time.RFC3339))

		events, err := store.LoadEvents(ctx, r.ID)
		if err != nil {
			return err
		}

		fmt.Printf("\nEvents: %d\n", len(events))
		fmt.Println(strings.Repeat("─", 60))
		for _, e := range events {
			color := "\033[90m"
			if e.Stage == "failed" {
				color = "\033[31m"
			}
			fmt.Printf("%s%3d %-9s\033[0m %s %s\n", color, e.Seq, e.Stage, e.At.Format("15:04:05.000"), truncate(e.Message, 100))
		}

		if len(r.Result) > 0 {
			fmt.Printf("\nAlive SSNs: %d\n", len(r.Result))
			for _, ssn := range r.Result {
				fmt.Printf("  %s\n", ssn)
			}
		}
		if r.Submission != "" {
			fmt.Printf("\nSubmission: %s\n", truncate(r.Submission, 200))
		}
		return nil
	})
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		r, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		if !forceFlag {
			fmt.Printf("Delete run %s (%s, %s)? [y/N] ", shortID(r.ID), r.Status, timeAgo(r.CreatedAt))
			var confirm string
			fmt.Scanln(&confirm)
			if strings.ToLower(confirm) != "y" {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		if err := store.DeleteRun(ctx, r.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted run %s\n", shortID(r.ID))
		return nil
	})
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		r, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}

		events, err := store.LoadEvents(ctx, r.ID)
		if err != nil {
			return err
		}

		var output []byte
		switch exportFormat {
		case "json":
			output, err = storage.ExportJSON(r, events)
		case "yaml", "yml":
			output, err = storage.ExportYAML(r, events)
		case "md", "markdown":
			output = []byte(storage.ExportMarkdown(r, events))
		default:
			return fmt.Errorf("unknown export format %q (want md, json or yaml)", exportFormat)
		}
		if err != nil {
			return err
		}

		if exportOutput != "" {
			return os.WriteFile(exportOutput, output, 0o644)
		}

		os.Stdout.Write(output)
		return nil
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
