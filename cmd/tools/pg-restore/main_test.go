package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/restorebox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/restorebox/internal/solver"
	"github.com/michaelbrown/restorebox/internal/storage"
	"github.com/michaelbrown/restorebox/internal/storage/sqlite"
)

func newTestTools(t *testing.T, exec execFunc) (*tools, *sandboxtest.Runner) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	runner := sandboxtest.NewRunner()
	sv := &solver.Solver{
		Store:   store,
		Options: runner.Options(t.TempDir()),
		Query: func(context.Context, string) ([]string, error) {
			return []string{"111-22-3333"}, nil
		},
	}
	return &tools{solver: sv, store: store, exec: exec}, runner
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("got %d content items, want 1", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want mcp.TextContent", res.Content[0])
	}
	return tc.Text
}

func TestRestoreQuery(t *testing.T) {
	var gotStmt string
	tl, runner := newTestTools(t, func(ctx context.Context, endpoint, stmt string) (string, error) {
		gotStmt = stmt
		return " n\n---\n 1\n(1 row)\n", nil
	})

	res, err := tl.handleRestoreQuery(context.Background(), callRequest(map[string]any{
		"dump":  sandboxtest.Dump("create table t (n int);"),
		"query": "select count(*) as n from t;",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "(1 row)") {
		t.Errorf("text = %q", resultText(t, res))
	}
	if gotStmt != "select count(*) as n from t;" {
		t.Errorf("stmt = %q", gotStmt)
	}
	if runner.Count("kill") != 1 {
		t.Errorf("kill count = %d, want 1", runner.Count("kill"))
	}

	runs, _ := tl.store.ListRuns(context.Background(), storage.RunListOptions{})
	if len(runs) != 1 || runs[0].Source != storage.SourceMCP || runs[0].Status != storage.StatusCompleted {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRestoreQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		exec execFunc
		want string
	}{
		{"missing args", nil, nil, "invalid arguments"},
		{"missing query", map[string]any{"dump": "abc"}, nil, "required"},
		{"bad payload", map[string]any{"dump": "%%%", "query": "select 1;"}, nil, "decode"},
		{
			"query fails",
			map[string]any{"dump": sandboxtest.Dump("select 1;"), "query": "select nope;"},
			func(context.Context, string, string) (string, error) {
				return "", errors.New(`column "nope" does not exist`)
			},
			"does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl, _ := newTestTools(t, tt.exec)
			res, err := tl.handleRestoreQuery(context.Background(), callRequest(tt.args))
			if err != nil {
				t.Fatal(err)
			}
			if !res.IsError {
				t.Fatal("expected error result")
			}
			if text := resultText(t, res); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want containing %q", text, tt.want)
			}
		})
	}
}

func TestAliveSSNs(t *testing.T) {
	tl, _ := newTestTools(t, nil)

	res, err := tl.handleAliveSSNs(context.Background(), callRequest(map[string]any{
		"dump": sandboxtest.Dump("select 1;"),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	if got := resultText(t, res); got != `{"alive_ssns":["111-22-3333"]}` {
		t.Errorf("text = %s", got)
	}
}

func TestTextResultTruncates(t *testing.T) {
	res := textResult(strings.Repeat("x", maxOutput+10))
	text := res.Content[0].(mcp.TextContent).Text
	if !strings.HasSuffix(text, "(output truncated)") {
		t.Error("long output should be truncated")
	}
}

func TestNewRunLogsStoreFailure(t *testing.T) {
	tl, _ := newTestTools(t, nil)
	var buf bytes.Buffer
	tl.logger = log.New(&buf)
	tl.store.(*sqlite.SQLiteStore).Close()

	run := tl.newRun(context.Background())
	if run.ID == "" || run.Source != storage.SourceMCP {
		t.Errorf("run = %+v", run)
	}
	if !strings.Contains(buf.String(), "recording run") {
		t.Errorf("log output = %q, want a recording run warning", buf.String())
	}
}
