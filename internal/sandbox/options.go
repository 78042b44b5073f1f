package sandbox

import (
	"time"

	"github.com/charmbracelet/log"
)

// Options controls how a sandbox talks to the host. Image, credentials and
// ports are fixed and not part of Options.
type Options struct {
	Engine       *Engine
	Runner       Runner // runs gunzip; defaults to the engine's runner
	Gate         Gate
	BuildTimeout time.Duration // zero means no limit
	RunTimeout   time.Duration
	KillTimeout  time.Duration
	BaseDir      string // parent of the workspace; "" means os.TempDir
	Logger       *log.Logger
	Observer     func(Event)
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the settings used when no Option is given.
func DefaultOptions() Options {
	return Options{
		Engine:       NewEngine("docker"),
		Gate:         Chain{DelayGate{Delay: 2 * time.Second}, ProbeGate{Interval: 500 * time.Millisecond, Timeout: time.Minute}},
		BuildTimeout: 10 * time.Minute,
		RunTimeout:   time.Minute,
		KillTimeout:  30 * time.Second,
		Logger:       log.Default(),
	}
}

func WithEngine(e *Engine) Option {
	return func(o *Options) { o.Engine = e }
}

func WithRunner(r Runner) Option {
	return func(o *Options) { o.Runner = r }
}

func WithGate(g Gate) Option {
	return func(o *Options) { o.Gate = g }
}

func WithTimeouts(build, run time.Duration) Option {
	return func(o *Options) {
		o.BuildTimeout = build
		o.RunTimeout = run
	}
}

func WithBaseDir(dir string) Option {
	return func(o *Options) { o.BaseDir = dir }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithObserver registers fn to receive every state transition.
func WithObserver(fn func(Event)) Option {
	return func(o *Options) { o.Observer = fn }
}
