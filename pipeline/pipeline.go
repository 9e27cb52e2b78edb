// Package pipeline runs external programs whose inputs and outputs are
// in-memory byte buffers rather than named files.
//
// Every buffer handed to a child process travels over an anonymous channel
// (a pipe, or a memfd on Linux) that the child inherits as an extra file
// descriptor and opens through its /dev/fd/<n> path. Nothing passed through
// an Invocation ever touches a persistent filesystem path, which is what
// lets callers feed PINs, private keys and certificates to tools such as
// openssl or ssh-keygen.
//
// An Invocation is single-use: channels are opened, Run is called once,
// and every descriptor and helper goroutine is released before Run returns.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/sync/errgroup"
)

// firstChildFD is the descriptor number the first ExtraFiles entry receives
// in the child (after stdin, stdout and stderr).
const firstChildFD = 3

var (
	// ErrAlreadyRun is returned when Run is called twice on an Invocation,
	// or when a channel is opened after Run.
	ErrAlreadyRun = errors.New("invocation already run")

	// ErrDuplicateChannel is returned when two output channels share a name.
	ErrDuplicateChannel = errors.New("duplicate channel name")
)

// Invocation describes one run of an external program together with the
// channels it reads from and writes to.
type Invocation struct {
	program string
	dir     string
	env     []string
	stdin   []byte
	logger  *slog.Logger

	mu       sync.Mutex
	inputs   []*InputChannel
	outputs  []*OutputChannel
	children []*os.File // child ends in ExtraFiles order
	started  bool
	closed   bool
}

// Option configures an Invocation.
type Option func(*Invocation)

// WithDir sets the working directory of the child process.
func WithDir(dir string) Option {
	return func(inv *Invocation) {
		inv.dir = dir
	}
}

// WithEnv appends KEY=VALUE pairs to the child's environment, which
// otherwise is the parent's.
func WithEnv(kv ...string) Option {
	return func(inv *Invocation) {
		inv.env = append(inv.env, kv...)
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(l *slog.Logger) Option {
	return func(inv *Invocation) {
		inv.logger = l
	}
}

// New prepares an invocation of program. The program is resolved through
// PATH when Run is called.
func New(program string, opts ...Option) *Invocation {
	inv := &Invocation{
		program: program,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Setenv appends KEY=VALUE pairs to the child's environment.
func (inv *Invocation) Setenv(kv ...string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.env = append(inv.env, kv...)
}

// Stdin sets the bytes written to the child's standard input.
func (inv *Invocation) Stdin(data []byte) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.stdin = data
}

// Input opens a channel that yields exactly data followed by end-of-stream
// when the child opens its Path.
func (inv *Invocation) Input(name string, data []byte, opts ...InputOption) (*InputChannel, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.started || inv.closed {
		return nil, ErrAlreadyRun
	}

	var o inputOptions
	for _, opt := range opts {
		opt(&o)
	}

	fd := firstChildFD + len(inv.children)
	ch, err := newInputChannel(name, fd, data, o)
	if err != nil {
		return nil, fmt.Errorf("opening input channel %q: %w", name, err)
	}
	inv.inputs = append(inv.inputs, ch)
	inv.children = append(inv.children, ch.child)
	return ch, nil
}

// Output opens a channel that collects everything the child writes to its
// Path. The bytes are available from the channel (or Outputs) once Run has
// returned.
func (inv *Invocation) Output(name string) (*OutputChannel, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.started || inv.closed {
		return nil, ErrAlreadyRun
	}
	for _, o := range inv.outputs {
		if o.name == name {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, name)
		}
	}

	fd := firstChildFD + len(inv.children)
	ch, err := newOutputChannel(name, fd)
	if err != nil {
		return nil, fmt.Errorf("opening output channel %q: %w", name, err)
	}
	inv.outputs = append(inv.outputs, ch)
	inv.children = append(inv.children, ch.child)
	return ch, nil
}

// Outputs returns the captured bytes of every output channel keyed by name.
func (inv *Invocation) Outputs() map[string][]byte {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	m := make(map[string][]byte, len(inv.outputs))
	for _, o := range inv.outputs {
		m[o.name] = o.Bytes()
	}
	return m
}

// Close releases every channel of an invocation that will not be run.
// It is safe to call after Run.
func (inv *Invocation) Close() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.closed {
		return nil
	}
	inv.closed = true
	inv.closeChildren()
	for _, in := range inv.inputs {
		in.release()
	}
	for _, out := range inv.outputs {
		out.release()
	}
	return nil
}

func (inv *Invocation) closeChildren() {
	for _, f := range inv.children {
		f.Close()
	}
}

// Run starts the program with args, feeds every input channel and drains
// every output channel concurrently, waits for the program to exit and
// returns its standard output.
//
// A non-zero exit yields a *ProcessFailure carrying the captured output.
// All channel descriptors are closed and all helper goroutines joined
// before Run returns, on success and on failure.
func (inv *Invocation) Run(ctx context.Context, args ...string) ([]byte, error) {
	inv.mu.Lock()
	if inv.started || inv.closed {
		inv.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	inv.started = true
	inv.mu.Unlock()
	defer inv.Close()

	argv := append([]string{inv.program}, args...)
	inv.logger.DebugContext(ctx, "running external command",
		slog.String("command", shellescape.QuoteCommand(argv)),
		slog.Int("inputs", len(inv.inputs)),
		slog.Int("outputs", len(inv.outputs)))

	cmd := exec.CommandContext(ctx, inv.program, args...)
	cmd.Dir = inv.dir
	if len(inv.env) > 0 {
		cmd.Env = append(os.Environ(), inv.env...)
	}
	cmd.ExtraFiles = inv.children

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if inv.stdin != nil {
		cmd.Stdin = bytes.NewReader(inv.stdin)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", inv.program, err)
	}

	// The child holds its own copies now; dropping ours is what lets the
	// output readers see end-of-stream when the child exits.
	inv.closeChildren()

	var g errgroup.Group
	for _, in := range inv.inputs {
		g.Go(in.feed)
	}
	for _, out := range inv.outputs {
		g.Go(out.drain)
	}

	waitErr := cmd.Wait()
	chanErr := g.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ProcessFailure{
				Args:     argv,
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
			}
		}
		return nil, fmt.Errorf("waiting for %s: %w", inv.program, waitErr)
	}
	if chanErr != nil {
		return nil, fmt.Errorf("%s channel: %w", inv.program, chanErr)
	}

	inv.logger.DebugContext(ctx, "external command finished",
		slog.String("program", inv.program),
		slog.Int("stdout_bytes", stdout.Len()))
	return stdout.Bytes(), nil
}

// isClosedPipe reports whether err only means the other end went away,
// which is treated as end-of-stream rather than a failure.
func isClosedPipe(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		isEPIPE(err)
}
