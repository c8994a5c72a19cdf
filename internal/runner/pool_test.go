package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"warden/internal/finding"
)

type stubAgent struct {
	name string
	run  func(ctx context.Context, req Request) (Result, error)
}

func (s stubAgent) Name() string { return s.name }

func (s stubAgent) Run(ctx context.Context, req Request) (Result, error) {
	return s.run(ctx, req)
}

func TestExecuteSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	agent := stubAgent{name: "static_scan", run: func(ctx context.Context, req Request) (Result, error) {
		return Result{Findings: []finding.Finding{{Tool: "slither", Category: "reentrancy", Description: "x"}}}, nil
	}}
	p := NewPool(time.Second, time.Second, 1, nil)

	res := p.Execute(context.Background(), agent, Request{})
	assert.Equal(t, "static_scan", res.Capability)
	assert.Nil(t, res.Failure)
	assert.Len(t, res.Findings, 1)
	assert.False(t, res.Started.IsZero())
	assert.False(t, res.Finished.Before(res.Started))
}

func TestExecuteErrorBecomesToolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	agent := stubAgent{name: "fuzz_agent", run: func(ctx context.Context, req Request) (Result, error) {
		return Result{Findings: []finding.Finding{{Tool: "forge"}}}, errors.New("forge exited 127")
	}}
	p := NewPool(time.Second, time.Second, 1, nil)

	res := p.Execute(context.Background(), agent, Request{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureToolError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Diagnostic, "forge exited 127")
	assert.Empty(t, res.Findings, "failed executions deliver no findings")
}

func TestExecutePanicIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	agent := stubAgent{name: "proof_agent", run: func(ctx context.Context, req Request) (Result, error) {
		panic("boom")
	}}
	p := NewPool(time.Second, time.Second, 1, nil)

	res := p.Execute(context.Background(), agent, Request{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureToolError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Diagnostic, "panicked")
}

func TestExecuteTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	agent := stubAgent{name: "fuzz_agent", run: func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	p := NewPool(20*time.Millisecond, time.Second, 1, nil)

	res := p.Execute(context.Background(), agent, Request{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureTimeout, res.Failure.Kind)
}

func TestExecuteForcedTimeoutAfterGrace(t *testing.T) {
	agent := stubAgent{name: "fuzz_agent", run: func(ctx context.Context, req Request) (Result, error) {
		// Ignores cancellation entirely.
		time.Sleep(150 * time.Millisecond)
		return Result{}, nil
	}}
	p := NewPool(10*time.Millisecond, 10*time.Millisecond, 1, nil)

	start := time.Now()
	res := p.Execute(context.Background(), agent, Request{})
	require.NotNil(t, res.Failure)
	assert.Equal(t, FailureTimeout, res.Failure.Kind)
	assert.Contains(t, res.Failure.Diagnostic, "did not stop")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "forced record must not wait for the straggler")

	// Let the straggler drain before leak verification.
	time.Sleep(200 * time.Millisecond)
	goleak.VerifyNone(t)
}

func TestExecuteRuntimeSkip(t *testing.T) {
	defer goleak.VerifyNone(t)

	agent := stubAgent{name: "solodit_lookup", run: func(ctx context.Context, req Request) (Result, error) {
		return Skip("solodit_lookup", "lookup_unavailable", map[string]any{"corpus": "missing"}), nil
	}}
	p := NewPool(time.Second, time.Second, 1, nil)

	res := p.Execute(context.Background(), agent, Request{})
	assert.True(t, res.Skipped)
	assert.Equal(t, "lookup_unavailable", res.SkipReason)
	assert.Nil(t, res.Failure)
}

func TestExecuteSetBoundsParallelismAndKeepsOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	var inFlight, peak int64
	mkTask := func(name string) Task {
		return Task{
			Agent: stubAgent{name: name, run: func(ctx context.Context, req Request) (Result, error) {
				cur := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return Result{Summary: name}, nil
			}},
			Request: Request{},
		}
	}

	tasks := []Task{mkTask("a"), mkTask("b"), mkTask("c"), mkTask("d"), mkTask("e"), mkTask("f")}
	p := NewPool(time.Second, time.Second, 2, nil)
	results := p.ExecuteSet(context.Background(), tasks)

	require.Len(t, results, 6)
	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		assert.Equal(t, name, results[i].Capability, "results keep dispatch order")
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestExecuteSetCancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []Task{{
		Agent: stubAgent{name: "static_scan", run: func(ctx context.Context, req Request) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
	}}
	results := NewPool(time.Second, 10*time.Millisecond, 1, nil).ExecuteSet(ctx, tasks)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Failure)
	assert.Equal(t, FailureTimeout, results[0].Failure.Kind)
}
