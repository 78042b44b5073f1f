package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/restorebox/internal/config"
	"github.com/michaelbrown/restorebox/internal/logging"
	"github.com/michaelbrown/restorebox/internal/query"
	"github.com/michaelbrown/restorebox/internal/solver"
	"github.com/michaelbrown/restorebox/internal/storage"
	"github.com/michaelbrown/restorebox/internal/storage/sqlite"
)

const maxOutput = 8000

// execFunc runs stmt against a ready database and renders the result.
type execFunc func(ctx context.Context, endpoint, stmt string) (string, error)

func execTable(ctx context.Context, endpoint, stmt string) (string, error) {
	db, err := query.Open(ctx, endpoint)
	if err != nil {
		return "", err
	}
	defer db.Close()

	table, err := query.Exec(ctx, db, stmt)
	if err != nil {
		return "", err
	}
	return table.Format(), nil
}

// tools serves the MCP handlers. Sandboxes share a host port, so calls
// are serialized.
type tools struct {
	mu     sync.Mutex
	solver *solver.Solver
	store  storage.Store
	exec   execFunc
	logger *log.Logger
}

func main() {
	// stdout carries the protocol; everything else goes to stderr.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, "pg-restore")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	t := &tools{
		solver: &solver.Solver{Options: cfg.SandboxOptions(logger), Logger: logger},
		exec:   execTable,
		logger: logger,
	}
	if store, err := sqlite.Open(cfg.Storage.DBPath); err != nil {
		logger.Warn("run history disabled", "err", err)
	} else {
		defer store.Close()
		t.store = store
		t.solver.Store = store
	}

	s := server.NewMCPServer("restorebox-pg-restore", "0.1.0")
	t.register(s)

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server error", "err", err)
	}
}

func (t *tools) register(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name: "restore_query",
		Description: "Restore a base64-encoded, gzip-compressed PostgreSQL dump into a throwaway " +
			"database and run one SQL statement against it. The database is destroyed afterwards.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"dump": map[string]any{
					"type":        "string",
					"description": "Base64 of the gzip-compressed SQL dump",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "SQL statement to run once the dump is restored",
				},
			},
			Required: []string{"dump", "query"},
		},
	}, t.handleRestoreQuery)

	s.AddTool(mcp.Tool{
		Name:        "alive_ssns",
		Description: "Restore a dump and return the SSNs of criminal_records rows whose status is 'alive', as the backup_restore solution JSON.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"dump": map[string]any{
					"type":        "string",
					"description": "Base64 of the gzip-compressed SQL dump",
				},
			},
			Required: []string{"dump"},
		},
	}, t.handleAliveSSNs)
}

func (t *tools) handleRestoreQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	dump, _ := args["dump"].(string)
	stmt, _ := args["query"].(string)
	if strings.TrimSpace(dump) == "" || strings.TrimSpace(stmt) == "" {
		return errResult("error: 'dump' and 'query' are required"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var output string
	run := t.newRun(ctx)
	err := t.solver.Provision(ctx, run, dump, func(ctx context.Context, endpoint string) error {
		var err error
		output, err = t.exec(ctx, endpoint, stmt)
		return err
	})
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return textResult(output), nil
}

func (t *tools) handleAliveSSNs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	dump, _ := args["dump"].(string)
	if strings.TrimSpace(dump) == "" {
		return errResult("error: 'dump' is required"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ssns, err := t.solver.Run(ctx, t.newRun(ctx), dump)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	if ssns == nil {
		ssns = []string{}
	}

	data, err := json.Marshal(map[string][]string{"alive_ssns": ssns})
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return textResult(string(data)), nil
}

// newRun records an MCP-initiated run when history is available.
func (t *tools) newRun(ctx context.Context) *storage.Run {
	run := &storage.Run{ID: uuid.New().String(), Source: storage.SourceMCP}
	if t.store != nil {
		if err := t.store.CreateRun(ctx, run); err != nil {
			t.log().Warn("recording run", "err", err)
		}
	}
	return run
}

func (t *tools) log() *log.Logger {
	if t.logger == nil {
		return log.Default()
	}
	return t.logger
}

func textResult(text string) *mcp.CallToolResult {
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
