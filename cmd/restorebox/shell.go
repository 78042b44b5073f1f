package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/restorebox/internal/query"
	"github.com/michaelbrown/restorebox/internal/solver"
	"github.com/michaelbrown/restorebox/internal/storage"
)

var shellDumpFlag string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Restore a dump and open an interactive SQL prompt against it",
	Long: `Restore a dump into a throwaway Postgres container and open a SQL prompt.
The container and its build context are removed when the prompt exits.

Statements run when terminated with ';'. Meta commands:
  \d          list tables
  \d <table>  describe a table
  \help       show this help
  \q          quit

Examples:
  restorebox shell --dump-file problem.json`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellDumpFlag, "dump-file", "", "Dump to restore (base64 payload or problem JSON)")
	shellCmd.MarkFlagRequired("dump-file")
	rootCmd.AddCommand(shellCmd)
}

// interrupter routes SIGINT to whatever is currently cancellable.
type interrupter struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (i *interrupter) set(cancel context.CancelFunc) {
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
}

func (i *interrupter) fire() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel()
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "shell")
	if err != nil {
		return err
	}
	dump, err := readDumpFile(shellDumpFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var intr interrupter
	intr.set(cancel)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			intr.fire()
		}
	}()

	sv := &solver.Solver{Options: cfg.SandboxOptions(logger), Logger: logger}
	run := &storage.Run{ID: uuid.New().String(), Source: storage.SourceFile}

	fmt.Fprintln(os.Stderr, "Restoring dump, this can take a minute...")
	return sv.Provision(ctx, run, dump, func(ctx context.Context, endpoint string) error {
		db, err := query.Open(ctx, endpoint)
		if err != nil {
			return err
		}
		defer db.Close()

		// Ctrl+C now cancels the running statement, not the session.
		intr.set(nil)
		return repl(db, &intr)
	})
}

func repl(db *sql.DB, intr *interrupter) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mtestdb=>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "restorebox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       `\q`,
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println(`Connected to testdb. Type \help for help, \q to quit.`)

	var buf statementBuffer
	for {
		if buf.Empty() {
			rl.SetPrompt("\033[36mtestdb=>\033[0m ")
		} else {
			rl.SetPrompt("\033[36mtestdb->\033[0m ")
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && !buf.Empty() {
				buf.Reset()
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		trimmed := strings.TrimSpace(line)
		if buf.Empty() && strings.HasPrefix(trimmed, `\`) {
			if quit := metaCommand(db, intr, trimmed); quit {
				return nil
			}
			continue
		}

		stmt, ok := buf.Add(line)
		if !ok {
			continue
		}
		runStatement(db, intr, stmt)
	}
}

func metaCommand(db *sql.DB, intr *interrupter, input string) (quit bool) {
	fields := strings.Fields(input)
	switch fields[0] {
	case `\q`, `\quit`:
		return true
	case `\help`, `\?`:
		fmt.Println(`  \d          list tables`)
		fmt.Println(`  \d <table>  describe a table`)
		fmt.Println(`  \q          quit`)
		fmt.Println(`  Statements run when terminated with ';'.`)
	case `\d`:
		if len(fields) > 1 {
			runStatement(db, intr, describeTable(fields[1]))
		} else {
			runStatement(db, intr, listTables)
		}
	default:
		fmt.Printf("Unknown command %s. Try \\help.\n", fields[0])
	}
	return false
}

const listTables = `SELECT table_name AS "table", table_type AS "type"
FROM information_schema.tables
WHERE table_schema = 'public'
ORDER BY table_name`

func describeTable(name string) string {
	return fmt.Sprintf(`SELECT column_name AS "column", data_type AS "type", is_nullable AS "nullable"
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = '%s'
ORDER BY ordinal_position`, strings.ReplaceAll(name, "'", "''"))
}

func runStatement(db *sql.DB, intr *interrupter, stmt string) {
	ctx, cancel := context.WithCancel(context.Background())
	intr.set(cancel)
	defer func() {
		intr.set(nil)
		cancel()
	}()

	table, err := query.Exec(ctx, db, stmt)
	if err != nil {
		if ctx.Err() != nil {
			fmt.Println("\033[33mcanceled\033[0m")
			return
		}
		fmt.Printf("\033[31mERROR:\033[0m %v\n", err)
		return
	}
	fmt.Print(table.Format())
}

// statementBuffer accumulates input lines until a statement ends with ';'.
type statementBuffer struct {
	lines []string
}

func (b *statementBuffer) Empty() bool { return len(b.lines) == 0 }

func (b *statementBuffer) Reset() { b.lines = nil }

// Add appends line and returns the complete statement once it is terminated.
func (b *statementBuffer) Add(line string) (string, bool) {
	if strings.TrimSpace(line) == "" && b.Empty() {
		return "", false
	}
	b.lines = append(b.lines, line)

	stmt := strings.TrimSpace(strings.Join(b.lines, "\n"))
	if !strings.HasSuffix(stmt, ";") {
		return "", false
	}
	b.Reset()
	return stmt, true
}
