// Package kernel drives an audit run: it walks the capability registry
// through the escalation router, charges every dispatch against the budget
// ledger, merges agent results into the run state, and checkpoints after
// each iteration so a crashed run can resume from its last durable state.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"warden/internal/aggregate"
	"warden/internal/budget"
	"warden/internal/capability"
	"warden/internal/escalate"
	"warden/internal/finding"
	"warden/internal/killswitch"
	"warden/internal/runner"
	"warden/internal/runstore"
)

// ErrConfiguration marks startup errors: bad tables, missing agents,
// nonsensical caps. Callers map it to a distinct exit code.
var ErrConfiguration = errors.New("invalid configuration")

// skipReasonBudget records a ledger denial, as opposed to the registry's
// insufficient_budget pre-gate.
const skipReasonBudget = "budget"

// Deps carries everything a kernel needs. All fields except Kill and
// Logger are required.
type Deps struct {
	Registry    *capability.Registry
	Transitions escalate.Table
	Weights     aggregate.Weights
	Agents      []runner.Agent
	Pool        *runner.Pool
	Store       *runstore.Store
	Kill        *killswitch.Switch
	Logger      *zap.Logger

	// Parallelism bounds how many capabilities are authorized and
	// dispatched per iteration. 1 gives strictly sequential runs.
	Parallelism int
}

// Kernel executes audit runs. Safe to reuse across runs; a single run is
// driven by one goroutine.
type Kernel struct {
	registry    *capability.Registry
	transitions escalate.Table
	weights     aggregate.Weights
	agents      map[string]runner.Agent
	pool        *runner.Pool
	store       *runstore.Store
	kill        *killswitch.Switch
	logger      *zap.Logger
	parallelism int
}

// New validates deps and builds a kernel. Every enabled capability in the
// registry must have a matching agent.
func New(deps Deps) (*Kernel, error) {
	if deps.Registry == nil || deps.Registry.Len() == 0 {
		return nil, fmt.Errorf("%w: empty capability registry", ErrConfiguration)
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("%w: nil runner pool", ErrConfiguration)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: nil run store", ErrConfiguration)
	}
	if err := deps.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if _, err := escalate.NewRouter(deps.Transitions, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	agents := make(map[string]runner.Agent, len(deps.Agents))
	for _, a := range deps.Agents {
		if a == nil {
			return nil, fmt.Errorf("%w: nil agent", ErrConfiguration)
		}
		if _, dup := agents[a.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate agent %q", ErrConfiguration, a.Name())
		}
		agents[a.Name()] = a
	}
	for _, c := range deps.Registry.Ordered() {
		if c.Disabled {
			continue
		}
		if _, ok := agents[c.Name]; !ok {
			return nil, fmt.Errorf("%w: capability %q has no agent", ErrConfiguration, c.Name)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	kill := deps.Kill
	if kill == nil {
		kill = killswitch.New("", logger)
	}
	parallelism := deps.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	return &Kernel{
		registry:    deps.Registry,
		transitions: deps.Transitions,
		weights:     deps.Weights,
		agents:      agents,
		pool:        deps.Pool,
		store:       deps.Store,
		kill:        kill,
		logger:      logger,
		parallelism: parallelism,
	}, nil
}

// Options configures a single run.
type Options struct {
	Target string

	// RunID is generated when empty.
	RunID string

	// Cap is the budget ceiling for a fresh run. Ignored on resume: a
	// resumed run keeps the cap it started with.
	Cap int

	Offline  bool
	Metadata runstore.Metadata

	// Resume continues a previously persisted run instead of starting a
	// fresh one. Budget spend and escalation level carry over and may
	// only grow.
	Resume *runstore.RunState
}

// Run executes the audit loop until a halt condition fires, then returns
// the final persisted state. The returned state is non-nil whenever the
// run reached a halt, including failed_invariant; a nil state means the
// run could not start or persist at all.
func (k *Kernel) Run(ctx context.Context, opts Options) (*runstore.RunState, error) {
	router, err := escalate.NewRouter(k.transitions, k.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	var state *runstore.RunState
	var ledger *budget.Ledger
	resumed := false

	if opts.Resume != nil {
		state = opts.Resume
		if err := router.Restore(state.EscalationLevel); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		// Monotonicity floors for this leg of the run.
		state.Budget.LastSpent = state.Budget.Spent
		state.LastEscalationLevel = state.EscalationLevel
		state.Status = runstore.StatusRunning
		state.HaltReason = ""
		state.FinishedAt = time.Time{}
		state.InvariantErrors = nil
		ledger = budget.Resume(state.Budget, k.logger)
		resumed = true
	} else {
		if opts.Cap <= 0 {
			return nil, fmt.Errorf("%w: budget cap must be positive, got %d", ErrConfiguration, opts.Cap)
		}
		runID := opts.RunID
		if runID == "" {
			runID = runstore.NewRunID(time.Now())
		}
		state = runstore.NewRunState(runID, opts.Target, opts.Cap)
		state.Metadata = opts.Metadata
		ledger = budget.NewLedger(opts.Cap, k.logger)
	}

	artifactsDir, err := k.store.ArtifactsDir(state.RunID)
	if err != nil {
		return nil, err
	}
	if err := k.checkpoint(state, ledger); err != nil {
		return nil, err
	}

	k.logger.Info("audit run started",
		zap.String("run_id", state.RunID),
		zap.String("target", state.Target),
		zap.Int("budget_cap", state.Budget.Cap),
		zap.Int("escalation_level", state.EscalationLevel),
		zap.Bool("resumed", resumed))

	for {
		// Halt precedence: kill switch first, then budget exhaustion.
		if engaged, via := k.kill.Engaged(); engaged {
			k.logger.Warn("kill switch engaged", zap.String("via", via))
			return k.finish(state, ledger, runstore.HaltKillSwitch)
		}
		if ledger.Exhausted() {
			return k.finish(state, ledger, runstore.HaltBudgetExhausted)
		}

		ranked := aggregate.Rank(state.Findings, k.weights)
		eligible, blocked := router.NextEligible(k.registry, k.view(state, ledger, ranked))
		executed := state.ExecutedSet()
		terminal := state.TerminalSkips()

		// already_executed is the normal end state of a capability, not a
		// diagnosable skip, and a terminal runtime skip keeps its original
		// reason; everything else gets a record.
		for _, b := range blocked {
			if b.Reason == capability.ReasonAlreadyExecuted || terminal[b.Name] {
				continue
			}
			state.RecordSkip(runstore.SkipRecord{
				Capability: b.Name,
				Reason:     b.Reason,
				Evidence:   map[string]any{"cost": b.Cost},
			})
		}

		// Everything executed or terminally skipped this run stays done,
		// idempotent or not: re-dispatching a capability that already ran
		// would only drain budget on repeat work.
		var fresh []capability.Capability
		for _, c := range eligible {
			if executed[c.Name] || terminal[c.Name] {
				continue
			}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			return k.finish(state, ledger, runstore.HaltNoEligible)
		}

		// Check cancellation before authorizing so a dying run never
		// charges for work it will not do.
		if ctx.Err() != nil {
			return k.finish(state, ledger, runstore.HaltCancelled)
		}

		batch := k.authorize(state, ledger, fresh)
		if len(batch) == 0 {
			// Fresh work exists but nothing was affordable.
			return k.finish(state, ledger, runstore.HaltBudgetExhausted)
		}

		results := k.dispatch(ctx, state, ledger, artifactsDir, ranked, opts.Offline, batch)
		for i, res := range results {
			k.merge(state, batch[i], res)
		}

		from, to := router.Observe(escalate.Measure(state.Findings))
		state.EscalationLevel = to
		if from != to {
			k.logger.Info("escalated",
				zap.String("run_id", state.RunID),
				zap.Int("from", from),
				zap.Int("to", to))
		}

		if err := k.checkpoint(state, ledger); err != nil {
			return nil, err
		}
	}
}

// view projects the current run state into the registry's gate inputs.
func (k *Kernel) view(state *runstore.RunState, ledger *budget.Ledger, ranked []aggregate.RankedFinding) capability.View {
	v := capability.View{
		Executed:        state.ExecutedSet(),
		FindingCount:    len(state.Findings),
		SignalScore:     state.SignalScore(),
		GraphScore:      state.Graph.Score,
		RemainingBudget: ledger.Remaining(),
		AnalyzerJSON:    state.HasArtifact("slither.json"),
	}
	if len(ranked) > 0 {
		v.TopConfidence = ranked[0].Confidence
		v.TopHasRepro = ranked[0].Repro != ""
	}
	return v
}

// authorize walks the eligible set in order and charges the ledger until
// the parallelism bound is filled. Denials become budget skip records and
// the walk moves on to the next candidate.
func (k *Kernel) authorize(state *runstore.RunState, ledger *budget.Ledger, fresh []capability.Capability) []capability.Capability {
	var batch []capability.Capability
	for _, c := range fresh {
		if len(batch) >= k.parallelism {
			break
		}
		if err := ledger.Authorize(c.Cost); err != nil {
			state.RecordSkip(runstore.SkipRecord{
				Capability: c.Name,
				Reason:     skipReasonBudget,
				Evidence:   map[string]any{"cost": c.Cost, "remaining": ledger.Remaining()},
			})
			continue
		}
		batch = append(batch, c)
	}
	return batch
}

// dispatch runs the authorized batch and returns results in batch order.
func (k *Kernel) dispatch(ctx context.Context, state *runstore.RunState, ledger *budget.Ledger, artifactsDir string, ranked []aggregate.RankedFinding, offline bool, batch []capability.Capability) []runner.Result {
	req := runner.Request{
		RunID:           state.RunID,
		Target:          state.Target,
		ArtifactsDir:    artifactsDir,
		Findings:        append([]finding.Finding(nil), state.Findings...),
		Ranked:          ranked,
		Signals:         copySignals(state.Signals),
		GraphScore:      state.Graph.Score,
		RemainingBudget: ledger.Remaining(),
		Offline:         offline,
	}
	if len(batch) == 1 {
		return []runner.Result{k.pool.Execute(ctx, k.agents[batch[0].Name], req)}
	}
	tasks := make([]runner.Task, len(batch))
	for i, c := range batch {
		tasks[i] = runner.Task{Agent: k.agents[c.Name], Request: req}
	}
	return k.pool.ExecuteSet(ctx, tasks)
}

// merge folds one result into the run state. Budget was already charged,
// so even a runtime skip or failure leaves its spend on the books; a
// runtime skip is terminal so the capability is not retried on the next
// iteration against the same missing tool or endpoint.
func (k *Kernel) merge(state *runstore.RunState, c capability.Capability, res runner.Result) {
	if res.Skipped {
		evidence := map[string]any{"authorized_cost": c.Cost}
		for key, val := range res.SkipEvidence {
			evidence[key] = val
		}
		state.RecordSkip(runstore.SkipRecord{
			Capability: c.Name,
			Reason:     res.SkipReason,
			Evidence:   evidence,
			Terminal:   true,
		})
		k.logger.Info("capability skipped at runtime",
			zap.String("run_id", state.RunID),
			zap.String("capability", c.Name),
			zap.String("reason", res.SkipReason))
		return
	}

	exec := runstore.Execution{
		Capability:    c.Name,
		Cost:          c.Cost,
		StartedAt:     res.Started,
		FinishedAt:    res.Finished,
		ArtifactPaths: res.ArtifactPaths,
	}
	if res.Failure != nil {
		exec.Outcome = runstore.OutcomeFailed
		exec.Failure = res.Failure
		k.logger.Warn("capability failed",
			zap.String("run_id", state.RunID),
			zap.String("capability", c.Name),
			zap.String("kind", res.Failure.Kind),
			zap.String("diagnostic", res.Failure.Diagnostic))
	} else {
		exec.Outcome = runstore.OutcomeSuccess
		k.logger.Info("capability executed",
			zap.String("run_id", state.RunID),
			zap.String("capability", c.Name),
			zap.Int("findings", len(res.Findings)))
	}

	// A failed execution may still carry partial results: an agent whose
	// primary tool is down can report what its fallbacks produced.
	exec.Findings = len(res.Findings)
	state.Findings = aggregate.Merge(state.Findings, res.Findings)
	for key, n := range res.Signals {
		state.Signals[key] = n
	}
	if res.Graph != nil {
		state.Graph = *res.Graph
	}
	if res.Synthesis != nil {
		state.Synthesis = *res.Synthesis
	}
	state.RecordExecution(exec)
	state.ClearSkip(c.Name)
}

// finish stamps the halt, validates invariants, persists, and logs the
// outcome. A run only counts as completed when it ran out of work, not
// when something cut it short.
func (k *Kernel) finish(state *runstore.RunState, ledger *budget.Ledger, reason string) (*runstore.RunState, error) {
	state.Budget = ledger.Snapshot()
	state.HaltReason = reason
	state.FinishedAt = time.Now().UTC()
	if reason == runstore.HaltNoEligible {
		state.Status = runstore.StatusCompleted
	} else {
		state.Status = runstore.StatusHalted
	}
	state.HumanReview = state.CriticalCount() > 0 || repairApplied(state)

	if errs := ValidateRun(state); len(errs) > 0 {
		state.Status = runstore.StatusFailedInvariant
		state.InvariantErrors = errs
		k.logger.Error("run failed invariant validation",
			zap.String("run_id", state.RunID),
			zap.Strings("errors", errs))
	}

	if err := k.store.Save(state); err != nil {
		return nil, err
	}
	k.logger.Info("audit run finished",
		zap.String("run_id", state.RunID),
		zap.String("status", state.Status),
		zap.String("halt_reason", state.HaltReason),
		zap.Int("budget_spent", state.Budget.Spent),
		zap.Int("escalation_level", state.EscalationLevel),
		zap.Int("findings", len(state.Findings)))
	return state, nil
}

// checkpoint snapshots the ledger into the state and persists it. A
// persistence failure is fatal: continuing without durable state would
// let a crash silently replay spent budget.
func (k *Kernel) checkpoint(state *runstore.RunState, ledger *budget.Ledger) error {
	state.Budget = ledger.Snapshot()
	return k.store.Save(state)
}

func repairApplied(state *runstore.RunState) bool {
	for _, e := range state.Executions {
		if e.Capability == capability.RepairAgent && e.Outcome == runstore.OutcomeSuccess {
			return true
		}
	}
	return false
}

func copySignals(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
