// Package sandboxtest provides a scripted container engine for tests of
// packages built on sandbox.
package sandboxtest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/michaelbrown/restorebox/internal/sandbox"
)

// ContainerID is what the fake engine prints for "run".
const ContainerID = "5b1e0c3a9d8f7e6d5c4b3a291807f6e5d4c3b2a1908f7e6d5c4b3a2918070605"

// Runner answers engine subcommands without a host engine. Failures are
// injected per subcommand ("build", "run", "kill") or for "gunzip".
type Runner struct {
	mu    sync.Mutex
	calls []string

	// Fail maps a subcommand to the result it should return instead of success.
	Fail map[string]sandbox.Result
	// Block makes the named subcommand wait for context cancellation.
	Block map[string]bool
}

func NewRunner() *Runner {
	return &Runner{Fail: map[string]sandbox.Result{}, Block: map[string]bool{}}
}

func (r *Runner) Run(ctx context.Context, dir, name string, args ...string) (sandbox.Result, error) {
	key := name
	if name != "gunzip" && len(args) > 0 {
		key = args[0]
	}

	r.mu.Lock()
	r.calls = append(r.calls, key)
	fail, failing := r.Fail[key]
	block := r.Block[key]
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return sandbox.Result{}, ctx.Err()
	}
	if failing {
		return fail, nil
	}

	switch key {
	case "gunzip":
		return gunzip(filepath.Join(dir, args[0]))
	case "run":
		return sandbox.Result{Stdout: ContainerID + "\n"}, nil
	}
	return sandbox.Result{}, nil
}

// Count reports how many times key was invoked.
func (r *Runner) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == key {
			n++
		}
	}
	return n
}

// Options wires a sandbox to r with no readiness wait and workspaces under baseDir.
func (r *Runner) Options(baseDir string) []sandbox.Option {
	return []sandbox.Option{
		sandbox.WithEngine(&sandbox.Engine{Binary: "docker", Runner: r}),
		sandbox.WithBaseDir(baseDir),
		sandbox.WithGate(nil),
	}
}

// Dump gzips sql and encodes it the way the challenge serves dumps.
func Dump(sql string) string {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(sql))
	zw.Close()
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func gunzip(path string) (sandbox.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sandbox.Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return sandbox.Result{ExitCode: 1, Stderr: "gzip: not in gzip format"}, nil
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return sandbox.Result{ExitCode: 1, Stderr: "gzip: " + err.Error()}, nil
	}
	if err := os.WriteFile(strings.TrimSuffix(path, sandbox.CompressedSuffix), plain, 0o644); err != nil {
		return sandbox.Result{}, err
	}
	return sandbox.Result{}, os.Remove(path)
}
