package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"

	"github.com/aretw0/databench/internal/logging"
	"github.com/aretw0/databench/pkg/ports"
)

// Runner starts kernel processes.
// It follows a strict registry pattern: only registered commands can run.
type Runner struct {
	mu       sync.RWMutex
	registry map[string]RegisteredProcess
	baseDir  string
	logger   *slog.Logger
}

// RegisteredProcess defines an allowed kernel command.
type RegisteredProcess struct {
	Command string
	Args    []string // Default args, the bridge appends its own
	Env     map[string]string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithRegistry populates the allow-list from kernel configs.
func WithRegistry(kernels map[string]ProcessConfig) RunnerOption {
	return func(r *Runner) {
		for name, k := range kernels {
			r.registry[name] = RegisteredProcess{Command: k.Command, Args: k.Args, Env: k.Environment}
		}
	}
}

// WithBaseDir sets the working directory for kernel processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithLogger receives the kernels' stdout and stderr, one record per line.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]RegisteredProcess),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted kernel command to the allow-list.
func (r *Runner) Register(name string, command string, args ...string) {
	r.RegisterProcess(name, RegisteredProcess{Command: command, Args: args})
}

// RegisterProcess adds a trusted kernel command with its environment.
func (r *Runner) RegisterProcess(name string, p RegisteredProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[name] = p
}

// Names lists the registered kernels.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registry))
	for name := range r.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Launcher returns a ports.Launcher bound to a registered kernel.
func (r *Runner) Launcher(name string) (ports.Launcher, error) {
	r.mu.RLock()
	_, ok := r.registry[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kernel not registered: %s", name)
	}
	return launcher{runner: r, name: name}, nil
}

type launcher struct {
	runner *Runner
	name   string
}

func (l launcher) Launch(ctx context.Context, extraArgs []string) (ports.Process, error) {
	return l.runner.Start(ctx, l.name, extraArgs)
}

// Start runs a registered kernel with extraArgs appended to its arguments.
// The process outlives ctx; use Terminate to stop it.
func (r *Runner) Start(ctx context.Context, name string, extraArgs []string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	proc, ok := r.registry[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kernel not registered: %s", name)
	}

	args := append(append([]string{}, proc.Args...), extraArgs...)
	cmd := exec.Command(proc.Command, args...)
	cmd.Dir = r.baseDir

	env := make([]string, 0, len(proc.Env))
	for k, v := range proc.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = append(cmd.Environ(), env...)

	logger := r.logger.With("kernel", name)
	stdout := newLineWriter(logger, slog.LevelInfo)
	stderr := newLineWriter(logger, slog.LevelWarn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kernel %s: %w", name, err)
	}
	logger.Debug("Kernel started", "pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		logger.Debug("Kernel exited", "pid", cmd.Process.Pid, "err", p.err)
		close(p.done)
	}()
	return p, nil
}

// Process is a running kernel.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the result of Wait once Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate sends SIGTERM and waits for the exit, killing the process when
// ctx expires first. A process that already exited counts as terminated.
func (p *Process) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	var err error
	if runtime.GOOS == "windows" {
		err = p.cmd.Process.Kill()
	} else {
		err = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal kernel: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill kernel: %w", err)
	}
	<-p.done
	return nil
}
