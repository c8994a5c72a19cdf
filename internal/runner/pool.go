package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultTimeout  = 10 * time.Minute
	defaultGrace    = 5 * time.Second
	defaultParallel = 1
)

// Pool dispatches agents with a per-execution timeout, a grace period for
// cancelled work to drain, and bounded parallelism for batch dispatch.
type Pool struct {
	timeout  time.Duration
	grace    time.Duration
	parallel int64
	logger   *zap.Logger
}

// NewPool builds a pool. Zero values fall back to defaults; parallelism is
// clamped to at least one.
func NewPool(timeout, grace time.Duration, parallel int, logger *zap.Logger) *Pool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	if parallel < 1 {
		parallel = defaultParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{timeout: timeout, grace: grace, parallel: int64(parallel), logger: logger}
}

type outcome struct {
	res Result
	err error
}

// Execute runs one agent under the pool timeout. A panic inside the agent
// becomes Failure(tool_error); deadline or cancellation becomes
// Failure(timeout). If cancelled work does not drain within the grace
// period it is forcibly recorded as a timeout and left to finish on its
// own; the buffered channel keeps the straggler from leaking blocked.
func (p *Pool) Execute(ctx context.Context, agent Agent, req Request) Result {
	name := agent.Name()
	started := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("agent panic recovered",
					zap.String("capability", name),
					zap.Any("panic", r),
				)
				done <- outcome{err: fmt.Errorf("agent %s panicked: %v", name, r)}
			}
		}()
		res, err := agent.Run(execCtx, req)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		select {
		case out = <-done:
		case <-time.After(p.grace):
			p.logger.Warn("agent did not drain within grace period",
				zap.String("capability", name),
				zap.Duration("timeout", p.timeout),
				zap.Duration("grace", p.grace),
			)
			out = outcome{err: fmt.Errorf("agent %s did not stop: %w", name, execCtx.Err())}
		}
	}

	res := out.res
	res.Capability = name
	res.Started = started
	res.Finished = time.Now()
	if out.err != nil {
		res.Findings = nil
		res.Skipped = false
		res.SkipReason = ""
		res.Failure = &Failure{Kind: failureKind(out.err), Diagnostic: out.err.Error()}
		p.logger.Warn("capability failed",
			zap.String("capability", name),
			zap.String("kind", res.Failure.Kind),
			zap.Duration("duration", res.Finished.Sub(started)),
			zap.Error(out.err),
		)
		return res
	}
	if res.Skipped {
		p.logger.Info("capability skipped at runtime",
			zap.String("capability", name),
			zap.String("reason", res.SkipReason),
		)
		return res
	}
	p.logger.Info("capability executed",
		zap.String("capability", name),
		zap.Int("findings", len(res.Findings)),
		zap.Duration("duration", res.Finished.Sub(started)),
	)
	return res
}

func failureKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTimeout
	}
	return FailureToolError
}

// Task pairs an agent with its request for batch dispatch.
type Task struct {
	Agent   Agent
	Request Request
}

// ExecuteSet runs the tasks with bounded parallelism and returns results
// indexed by dispatch order, so callers merge deterministically no matter
// how execution interleaved.
func (p *Pool) ExecuteSet(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	sem := semaphore.NewWeighted(p.parallel)
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = Result{
					Capability: task.Agent.Name(),
					Started:    time.Now(),
					Finished:   time.Now(),
					Failure:    &Failure{Kind: FailureTimeout, Diagnostic: "cancelled before dispatch"},
				}
				return nil
			}
			defer sem.Release(1)
			results[i] = p.Execute(gctx, task.Agent, task.Request)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
