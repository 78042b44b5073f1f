package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result is the outcome of an external command that could be started.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. A non-zero exit is reported through
// Result.ExitCode with a nil error; err is reserved for commands that could
// not be run at all (missing binary, cancelled context).
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("running %s: %w", name, ctx.Err())
		}
		return res, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

// Engine drives a container engine through its command line.
type Engine struct {
	Binary string // "docker" or "podman"
	Runner Runner
}

// NewEngine returns an Engine for binary using the host runner.
func NewEngine(binary string) *Engine {
	if binary == "" {
		binary = "docker"
	}
	return &Engine{Binary: binary, Runner: ExecRunner{}}
}

// Build builds dir into an image tagged tag, never reusing cached layers.
func (e *Engine) Build(ctx context.Context, dir, tag string) error {
	args := []string{"build", "--no-cache", "-t", tag, "."}
	_, err := e.invoke(ctx, "build", dir, args...)
	return err
}

// Run starts image detached with hostPort published to containerPort and
// returns the container ID the engine prints. When idFile is set the engine
// also writes the ID there as soon as the container exists, so it can be
// recovered with ReadIDFile if the command is cut short.
func (e *Engine) Run(ctx context.Context, image string, hostPort, containerPort int, idFile string) (string, error) {
	args := []string{
		"run", "-d",
		"-p", fmt.Sprintf("%d:%d", hostPort, containerPort),
	}
	if idFile != "" {
		args = append(args, "--cidfile", idFile)
	}
	args = append(args, image)
	res, err := e.invoke(ctx, "run", "", args...)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(res.Stdout)
	if id == "" || strings.ContainsAny(id, " \t\r\n") {
		return "", &Error{
			Kind:    KindProtocol,
			Step:    "run",
			Command: e.commandLine(args),
			Output:  res.Stdout,
			Err:     errors.New("engine did not report a container id"),
		}
	}
	return id, nil
}

// ReadIDFile returns the container ID recorded by Run, or "" when the file
// is missing or empty.
func ReadIDFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	if strings.ContainsAny(id, " \t\r\n") {
		return ""
	}
	return id
}

// Kill sends SIGKILL to the container.
func (e *Engine) Kill(ctx context.Context, id string) error {
	_, err := e.invoke(ctx, "kill", "", "kill", id)
	return err
}

// Available reports whether the engine binary answers a version query.
func (e *Engine) Available(ctx context.Context) bool {
	res, err := e.Runner.Run(ctx, "", e.Binary, "version")
	return err == nil && res.ExitCode == 0
}

func (e *Engine) invoke(ctx context.Context, step, dir string, args ...string) (Result, error) {
	res, err := e.Runner.Run(ctx, dir, e.Binary, args...)
	if err != nil {
		return res, &Error{
			Kind:    KindExternalProcess,
			Step:    step,
			Command: e.commandLine(args),
			Output:  res.Stderr,
			Err:     err,
		}
	}
	if res.ExitCode != 0 {
		out := res.Stderr
		if strings.TrimSpace(out) == "" {
			out = res.Stdout
		}
		return res, &Error{
			Kind:    KindExternalProcess,
			Step:    step,
			Command: e.commandLine(args),
			Output:  out,
			Err:     fmt.Errorf("exit code %d", res.ExitCode),
		}
	}
	return res, nil
}

func (e *Engine) commandLine(args []string) string {
	return e.Binary + " " + strings.Join(args, " ")
}
