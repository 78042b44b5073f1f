package sandbox

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// invocation is one recorded call to fakeRunner.Run.
type invocation struct {
	Dir  string
	Name string
	Args []string
}

// fakeRunner stands in for the host. Engine subcommands are answered from
// Responses keyed by the first argument ("build", "run", "kill"); gunzip is
// performed in-process so tests don't depend on the host utility.
type fakeRunner struct {
	mu          sync.Mutex
	Invocations []invocation
	Responses   map[string]Result
	Errors      map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		Responses: map[string]Result{
			"run": {Stdout: "3f2a9c1b7d6e5f4a3b2c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e1f0a\n"},
		},
		Errors: map[string]error{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.Invocations = append(f.Invocations, invocation{Dir: dir, Name: name, Args: args})
	f.mu.Unlock()

	key := name
	if name != "gunzip" && len(args) > 0 {
		key = args[0]
	}
	if err, ok := f.Errors[key]; ok {
		return Result{}, err
	}
	if res, ok := f.Responses[key]; ok {
		return res, nil
	}
	if name == "gunzip" {
		return gunzipInPlace(filepath.Join(dir, args[0]))
	}
	return Result{}, nil
}

// calls returns the recorded invocations whose key matches.
func (f *fakeRunner) calls(key string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, inv := range f.Invocations {
		if inv.Name == key || (len(inv.Args) > 0 && inv.Args[0] == key && inv.Name != "gunzip") {
			out = append(out, inv)
		}
	}
	return out
}

func gunzipInPlace(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Result{ExitCode: 1, Stderr: "gzip: " + filepath.Base(path) + ": not in gzip format"}, nil
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		return Result{ExitCode: 1, Stderr: "gzip: " + err.Error()}, nil
	}
	if err := os.WriteFile(strings.TrimSuffix(path, CompressedSuffix), plain, 0o644); err != nil {
		return Result{}, err
	}
	return Result{}, os.Remove(path)
}

func gzipBase64(t *testing.T, sql string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(sql)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// testOptions wires a sandbox to runner with no readiness wait and a
// per-test base directory.
func testOptions(t *testing.T, runner Runner, extra ...Option) (string, []Option) {
	t.Helper()
	base := t.TempDir()
	opts := []Option{
		WithEngine(&Engine{Binary: "docker", Runner: runner}),
		WithBaseDir(base),
		WithGate(nil),
	}
	return base, append(opts, extra...)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("expected %s to be empty, found %d entries (first: %s)", dir, len(entries), entries[0].Name())
	}
}

var errNotFound = errors.New(`exec: "docker": executable file not found in $PATH`)
