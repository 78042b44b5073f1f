package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provisioning failure.
type Kind int

const (
	KindFilesystem Kind = iota + 1
	KindDecode
	KindExternalProcess
	KindProtocol
	KindReadiness
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindFilesystem:
		return "filesystem"
	case KindDecode:
		return "decode"
	case KindExternalProcess:
		return "external process"
	case KindProtocol:
		return "protocol"
	case KindReadiness:
		return "readiness"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrFilesystem      = errors.New("filesystem error")
	ErrDecode          = errors.New("decode error")
	ErrExternalProcess = errors.New("external process error")
	ErrProtocol        = errors.New("protocol error")
	ErrReadiness       = errors.New("readiness error")
	ErrNotReady        = errors.New("sandbox not ready")
)

var kindSentinels = map[Kind]error{
	KindFilesystem:      ErrFilesystem,
	KindDecode:          ErrDecode,
	KindExternalProcess: ErrExternalProcess,
	KindProtocol:        ErrProtocol,
	KindReadiness:       ErrReadiness,
	KindState:           ErrNotReady,
}

// Error is returned by every sandbox operation that fails.
type Error struct {
	Kind    Kind
	Step    string // e.g. "write Dockerfile", "build", "run"
	Command string // external command line, if any
	Output  string // stderr (or stdout) reported by the external command
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Step, e.Kind)
	if e.Command != "" {
		fmt.Fprintf(&b, " (%s)", e.Command)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, ": %s", out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

func newError(kind Kind, step string, err error) *Error {
	return &Error{Kind: kind, Step: step, Err: err}
}
