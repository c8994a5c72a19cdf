// Package tools wraps the external binaries warden drives (slither,
// forge, git) behind small typed runners that capture bounded output and
// never let a hung tool outlive its context.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrBinaryNotFound reports that a tool is not installed on PATH. Callers
// generally degrade to a skip rather than failing the run.
var ErrBinaryNotFound = errors.New("binary not found")

// ErrToolTimeout reports that a tool exceeded its deadline.
var ErrToolTimeout = errors.New("tool timed out")

// DefaultMaxOutput bounds captured stdout/stderr per stream.
const DefaultMaxOutput = 4 << 20

// Invocation describes one external command.
type Invocation struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Outcome is what running a command produced. A non-zero exit code or a
// timeout is an Outcome, not an error; errors mean the process could not
// be started at all.
type Outcome struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Runner executes invocations with bounded capture.
type Runner struct {
	maxOutput int64
	logger    *zap.Logger
}

func NewRunner(maxOutput int64, logger *zap.Logger) *Runner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{maxOutput: maxOutput, logger: logger}
}

// Run executes the invocation and captures its output. The binary is
// resolved up front so a missing tool surfaces as ErrBinaryNotFound
// before anything is spawned.
func (r *Runner) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	if inv.Binary == "" {
		return Outcome{}, fmt.Errorf("empty binary name")
	}
	if _, err := exec.LookPath(inv.Binary); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrBinaryNotFound, inv.Binary)
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	var stdout, stderr bytes.Buffer
	outLimited := &limitedWriter{w: &stdout, max: r.maxOutput}
	errLimited := &limitedWriter{w: &stderr, max: r.maxOutput}
	cmd.Stdout = outLimited
	cmd.Stderr = errLimited

	r.logger.Debug("running tool",
		zap.String("binary", inv.Binary),
		zap.Strings("args", inv.Args),
		zap.String("dir", inv.Dir))

	started := time.Now()
	err := cmd.Run()
	out := Outcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: outLimited.truncated || errLimited.truncated,
		Duration:  time.Since(started),
	}

	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			out.TimedOut = true
			out.ExitCode = -1
			r.logger.Warn("tool timed out",
				zap.String("binary", inv.Binary),
				zap.Duration("after", inv.Timeout))
			return out, nil
		case errors.Is(runCtx.Err(), context.Canceled):
			out.ExitCode = -1
			return out, runCtx.Err()
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// The tool ran and reported; a non-zero exit is data.
				out.ExitCode = exitErr.ExitCode()
				return out, nil
			}
			return out, fmt.Errorf("run %s: %w", inv.Binary, err)
		}
	}
	out.ExitCode = 0
	return out, nil
}

// limitedWriter caps total bytes written and counts the overflow instead
// of failing the pipe.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.max - lw.written; int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
