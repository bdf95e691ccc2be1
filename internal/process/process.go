// Package process spawns stdio MCP servers as child processes and exposes
// them as byte streams for the MCP transport.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Bigsy/mcpbridge/internal/events"
	"github.com/Bigsy/mcpbridge/internal/log"
	"github.com/Bigsy/mcpbridge/internal/mcp"
)

const (
	// GracefulShutdownTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulShutdownTimeout = 5 * time.Second

	// MaxStderrLines bounds the per-process stderr ring.
	MaxStderrLines = 1000
)

// Spec describes the child to launch.
type Spec struct {
	ServerID string
	Command  string
	Args     []string
	// Env is merged over the parent environment.
	Env map[string]string
	Cwd string
}

// Options are shared collaborators; all are optional.
type Options struct {
	Logger      *slog.Logger
	Bus         *events.Bus
	PIDs        *PIDTracker
	StopTimeout time.Duration
}

// Process is a running child with its stdio pipes.
type Process struct {
	spec   Spec
	opts   Options
	logger *slog.Logger
	cmd    *exec.Cmd

	stdin  *os.File
	stdout *os.File

	logsMu sync.Mutex
	logs   []string

	done     chan struct{}
	exitErr  error
	stopOnce sync.Once
	stopErr  error
}

// Start launches the child. ctx only bounds the launch itself; the child
// lives until Stop.
func Start(ctx context.Context, spec Spec, opts Options) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, errors.New("stdio server requires a command")
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = GracefulShutdownTimeout
	}
	logger := log.WithComponent(log.OrDiscard(opts.Logger), "process").With(log.ServerKey, spec.ServerID)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(os.Environ(), spec.Env)

	// Plain os.Pipe pairs so cmd.Wait never closes the ends we read from.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	closeAll(inR, outW, errW)

	p := &Process{
		spec:   spec,
		opts:   opts,
		logger: logger,
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		done:   make(chan struct{}),
	}
	logger.Info("server process started", "pid", cmd.Process.Pid, "command", spec.Command)

	if opts.PIDs != nil {
		if err := opts.PIDs.Add(spec.ServerID, cmd.Process.Pid, spec.Command, spec.Args); err != nil {
			logger.Warn("failed to track PID", "error", err)
		}
	}

	go p.readStderr(errR)
	go p.wait()
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Stdin is the child's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the child's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr is the cmd.Wait error; valid after Done.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Logs returns the retained stderr lines, oldest first.
func (p *Process) Logs() []string {
	p.logsMu.Lock()
	defer p.logsMu.Unlock()
	return append([]string(nil), p.logs...)
}

// Stop closes stdin, sends SIGTERM, and escalates to SIGKILL after the stop
// timeout. Safe to call more than once.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() { p.stopErr = p.stop() })
	return p.stopErr
}

func (p *Process) stop() error {
	_ = p.stdin.Close()
	defer func() {
		_ = p.stdout.Close()
		if p.opts.PIDs != nil {
			if err := p.opts.PIDs.Remove(p.spec.ServerID); err != nil {
				p.logger.Warn("failed to untrack PID", "error", err)
			}
		}
	}()

	if !p.Running() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Platforms without SIGTERM, or the child already exited.
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		p.logger.Debug("server process exited after SIGTERM")
		return nil
	case <-time.After(p.opts.StopTimeout):
	}

	p.logger.Warn("server process ignored SIGTERM, killing", "timeout", p.opts.StopTimeout)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

func (p *Process) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.logger.Info("server process exited", "exitCode", code)
}

func (p *Process) readStderr(r io.ReadCloser) {
	defer func() { _ = r.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		p.logsMu.Lock()
		p.logs = append(p.logs, line)
		if len(p.logs) > MaxStderrLines {
			p.logs = p.logs[len(p.logs)-MaxStderrLines:]
		}
		p.logsMu.Unlock()

		p.logger.Debug("server stderr", "line", line)
		if p.opts.Bus != nil {
			p.opts.Bus.Publish(events.NewLogReceivedEvent(p.spec.ServerID, line))
		}
	}
}

// buildEnv overlays custom on base; later keys win.
func buildEnv(base []string, custom map[string]string) []string {
	env := make([]string, 0, len(base)+len(custom))
	index := make(map[string]int, len(base))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if i, ok := index[name]; ok {
			env[i] = kv
			continue
		}
		index[name] = len(env)
		env = append(env, kv)
	}
	for name, value := range custom {
		kv := name + "=" + value
		if i, ok := index[name]; ok {
			env[i] = kv
			continue
		}
		index[name] = len(env)
		env = append(env, kv)
	}
	return env
}

// stream is an mcp.Stream over a child's stdio whose Close stops the child.
type stream struct {
	*mcp.StdioStream
	proc *Process
}

func (s *stream) Close() error {
	return errors.Join(s.StdioStream.Close(), s.proc.Stop())
}

// Process returns the child behind the stream.
func (s *stream) Process() *Process { return s.proc }

// Dialer returns an mcp.Dialer that spawns spec on every Connect. onStart,
// if set, receives each new child.
func Dialer(spec Spec, opts Options, onStart func(*Process)) mcp.Dialer {
	return func(ctx context.Context) (mcp.Stream, error) {
		proc, err := Start(ctx, spec, opts)
		if err != nil {
			return nil, err
		}
		if onStart != nil {
			onStart(proc)
		}
		return &stream{
			StdioStream: mcp.NewStdioStream(proc.Stdin(), proc.Stdout(), opts.Logger),
			proc:        proc,
		}, nil
	}
}
