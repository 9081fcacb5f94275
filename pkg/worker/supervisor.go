package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/observability"
)

// SupervisorOptions configures the worker process.
type SupervisorOptions struct {
	Command string
	Args    []string
	// Env entries are appended to the gateway's own environment.
	Env []string
	Dir string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// StableAfter is how long a worker must run before the backoff resets.
	StableAfter time.Duration

	Logger *slog.Logger
}

// Supervisor runs the worker process, attaches it to a Transport, and
// restarts it with exponential backoff when it exits.
type Supervisor struct {
	opts      SupervisorOptions
	transport *Transport
	logger    *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd

	// test hooks
	onRestart   func(wait time.Duration)
	onHandshake func()
}

// NewSupervisor creates a supervisor feeding t.
func NewSupervisor(t *Transport, opts SupervisorOptions) *Supervisor {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{opts: opts, transport: t, logger: opts.Logger}
}

// Run keeps the worker alive until ctx is cancelled. The worker is killed on
// return. Run returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.opts.Command == "" {
		return errors.New("worker command is empty")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		started := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) >= s.opts.StableAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		observability.WorkerRestartsTotal.Inc()
		s.logger.Warn("worker stopped; restarting", "error", err, "backoff", wait)
		if s.onRestart != nil {
			s.onRestart(wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.opts.Command, s.opts.Args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	// os.Pipe rather than StdoutPipe so the transport may read until EOF
	// while Wait runs concurrently.
	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return fmt.Errorf("worker stderr: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return fmt.Errorf("starting worker %q: %w", s.opts.Command, err)
	}
	outW.Close()
	errW.Close()

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.logger.Info("worker started", "command", s.opts.Command, "pid", cmd.Process.Pid)
	go s.forwardStderr(errR)
	if err := s.transport.Attach(stdin, outR); err != nil {
		_ = cmd.Process.Kill()
	} else {
		go s.handshake(ctx)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-stop:
		}
	}()

	err = cmd.Wait()
	close(stop)

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	s.logger.Info("worker exited", "pid", cmd.Process.Pid, "error", err)
	return err
}

// handshake initializes a freshly attached worker so readiness does not
// wait for the first request.
func (s *Supervisor) handshake(ctx context.Context) {
	if _, err := s.transport.EnsureHandshake(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("worker handshake failed", "error", err)
		}
		return
	}
	if s.onHandshake != nil {
		s.onHandshake()
	}
}

func (s *Supervisor) forwardStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		debug.Log("worker", "stderr", "line", scanner.Text())
	}
}

// Kill terminates the running worker. The supervisor restarts it.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	s.logger.Warn("killing worker", "pid", cmd.Process.Pid)
	return cmd.Process.Kill()
}
