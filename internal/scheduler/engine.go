// Package scheduler implements spec.md's step executor (C7): the
// cooperative runtime that drives step coroutines, honors require/sync
// dependency barriers and resource admission, and runs external actions
// concurrently. Grounded in burstgridgo/internal/executor's worker loop
// (ctx, readyChan, cancel, workerID) — generalized here from a
// statically-declared HCL DAG to dynamically-discovered step instances,
// with a goroutine per step instance standing in for the single
// cooperative coroutine spec.md's Design Notes describe, and a
// golang.org/x/sync/errgroup.Group (with no concurrency limit set)
// driving them instead of a hand-rolled worker pool.
package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"sync"

	"github.com/dynamake-build/dynamake/internal/actionlog"
	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/oracle"
	"github.com/dynamake-build/dynamake/internal/params"
	"github.com/dynamake-build/dynamake/internal/pattern"
	"github.com/dynamake-build/dynamake/internal/rules"
	"github.com/dynamake-build/dynamake/internal/runner"
	"github.com/dynamake-build/dynamake/internal/statcache"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// stepState tracks one step instance's execution to a terminal state,
// shared by every caller that requires it (spec.md §3's "two requires
// that produce the same step instance share one execution").
type stepState struct {
	done chan struct{}
	err  error
}

// Engine owns every process-wide collaborator (spec.md §5's "Shared
// resources") and drives step instances to completion.
type Engine struct {
	Registry              *rules.Registry
	Cache                 *statcache.Cache
	Log                    *actionlog.Store
	Params                *params.Store
	Runner                *runner.Runner
	FS                    fs.FS
	RebuildChangedActions bool
	FailureAbortsBuild    bool
	// NoActions implements spec.md §6's --no_actions/-n dry run: the
	// oracle still runs normally for every step instance, but the first
	// Shell/Spawn call anywhere in the build that the oracle says must
	// run halts there instead of invoking internal/runner, and no new
	// step instance is admitted afterward. It is not a build failure.
	NoActions bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	mu     sync.Mutex
	states map[string]*stepState

	dryRunOnce sync.Once
}

// ErrDryRunStop is returned by StepContext.Shell/Spawn when Engine.NoActions
// is set and the step instance's oracle decision is must_run: the action
// that would have run is reported here instead of executed. It halts the
// step instance it was raised from and stops new admissions, but is
// filtered out of Engine.Require's returned error — a dry run that reaches
// its first pending action is a successful dry run, not a failure.
var ErrDryRunStop = errors.New("scheduler: stopped at first pending action (--no_actions)")

// triggerDryRunStop halts new admissions exactly once, the same mechanism
// first-failure cancellation uses, without marking the build as failed.
func (e *Engine) triggerDryRunStop() {
	e.dryRunOnce.Do(func() {
		e.cancel(ErrDryRunStop)
	})
}

// New builds an Engine. ctx governs the lifetime of every step-instance
// goroutine; cancelling it (directly, or via the engine's own
// first-failure cancellation) stops new admissions without signalling
// already-running actions, per spec.md §4.6's "Cancellation".
func New(ctx context.Context, registry *rules.Registry, cache *statcache.Cache, log *actionlog.Store, paramStore *params.Store, run *runner.Runner, fsys fs.FS) *Engine {
	runCtx, cancel := context.WithCancelCause(ctx)
	return &Engine{
		Registry:              registry,
		Cache:                 cache,
		Log:                    log,
		Params:                paramStore,
		Runner:                run,
		FS:                    fsys,
		RebuildChangedActions: true,
		FailureAbortsBuild:    true,
		ctx:                   runCtx,
		cancel:                cancel,
		group:                 &errgroup.Group{},
		states:                make(map[string]*stepState),
	}
}

// Require is the top-level entry point (spec.md §2): resolve each path,
// start its step instance if needed, and block until every one of them
// reaches a terminal state, aggregating any failures with
// github.com/hashicorp/go-multierror the way spec.md's "independent
// branches keep resolving" cancellation policy implies concurrent
// failures can coexist.
func (e *Engine) Require(ctx context.Context, paths ...string) error {
	type waiter struct {
		st   *stepState
		path string
	}
	waiters := make([]waiter, 0, len(paths))

	for _, raw := range paths {
		st, inst, err := e.ensureStarted(annotate.New(raw))
		if err != nil {
			return err
		}
		if inst.IsSource || st == nil {
			continue
		}
		waiters = append(waiters, waiter{st: st, path: raw})
	}

	var result *multierror.Error
	for _, w := range waiters {
		select {
		case <-w.st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if w.st.err != nil && !errors.Is(w.st.err, ErrDryRunStop) {
			result = multierror.Append(result, w.st.err)
		}
	}

	if err := e.group.Wait(); err != nil && !errors.Is(err, ErrDryRunStop) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ensureStarted resolves p to a step instance, memoizing and lazily
// starting its goroutine the first time it's seen, per spec.md §4.6's
// "require(paths...)".
func (e *Engine) ensureStarted(p annotate.Path) (*stepState, *rules.StepInstance, error) {
	inst, err := e.Registry.Resolve(e.Cache, p.Value, nil)
	if err != nil {
		return nil, nil, err
	}
	if inst.IsSource {
		return nil, inst, nil
	}

	e.mu.Lock()
	if st, ok := e.states[inst.Key]; ok {
		e.mu.Unlock()
		return st, inst, nil
	}
	st := &stepState{done: make(chan struct{})}
	e.states[inst.Key] = st
	e.mu.Unlock()

	e.group.Go(func() error {
		e.runInstance(inst, st)
		return nil
	})
	return st, inst, nil
}

// runInstance drives one step instance's body to completion, restarting
// it from the beginning whenever ErrRestart fires (spec.md §4.5's
// restart rule), and cancels the engine's shared context on first
// failure when FailureAbortsBuild is set (spec.md §4.6).
func (e *Engine) runInstance(inst *rules.StepInstance, st *stepState) {
	defer close(st.done)

	if e.ctx.Err() != nil {
		st.err = e.ctx.Err()
		return
	}

	var sc *StepContext
	for {
		sc = newStepContext(e, inst)
		err := inst.Step.Factory(withStepContext(e.ctx, sc))
		if err == ErrRestart {
			continue
		}
		st.err = err
		break
	}

	if st.err == nil {
		st.err = e.finalizeSuccess(inst, sc)
	}

	if st.err != nil && e.FailureAbortsBuild {
		e.cancel(st.err)
	}
}

// finalizeSuccess persists the step instance's action-log record, per
// spec.md §4.4's write policy ("on successful step completion, serialize
// a human-readable record replacing any previous one").
func (e *Engine) finalizeSuccess(inst *rules.StepInstance, sc *StepContext) error {
	outputs := e.resolveOutputPaths(inst)
	outputs = append(outputs, sc.currentDeclaredOutputs()...)

	rec := &actionlog.Record{
		Step:       inst.Step.Name,
		Parameters: inst.Bindings,
		Required:   pathValues(sc.currentInputPaths()),
		Outputs:    pathValues(outputs),
		SubSteps:   sc.subStepRefs(),
		Config:     sc.configSnapshot(),
	}
	for _, a := range sc.actionRecords {
		rec.Actions = append(rec.Actions, actionlog.ActionRecord{Argv: a.argv})
	}
	return e.Log.Save(rec)
}

func pathValues(paths []annotate.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Value
	}
	return out
}

// resolveOutputPaths resolves every output pattern of inst's step to
// this step instance's own concrete output paths, deduplicating matches
// — the "set of paths currently matched by each output pattern" spec.md
// §4.5 calls the resolved outputs. A non-dynamic pattern (only
// interpolation/capturing holes, all already bound by inst.Bindings) is
// fully known without touching the filesystem, so it's resolved with
// Format; only a dynamic pattern (a non-captured wildcard hole, whose
// actual matches aren't knowable until the step's action has run) needs
// Glob, scoped to this instance's bindings so two instances of the same
// step never see each other's outputs.
func (e *Engine) resolveOutputPaths(inst *rules.StepInstance) []annotate.Path {
	if inst.Step == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []annotate.Path
	add := func(p annotate.Path) {
		if !seen[p.Value] {
			seen[p.Value] = true
			out = append(out, p)
		}
	}
	for _, p := range inst.Step.Patterns {
		if !p.Dynamic() {
			formatted, err := p.Format(inst.Bindings)
			if err != nil {
				continue
			}
			add(formatted)
			continue
		}
		matches, err := p.Glob(e.FS, inst.Bindings)
		if err != nil {
			continue
		}
		for _, m := range matches {
			add(m.Path)
		}
	}
	return out
}

// pathStatuses stats every path, assigning phony-flagged paths a
// synthetic mtime derived from inputStatuses per spec.md §4.5.
func (e *Engine) pathStatuses(paths []annotate.Path, inputStatuses []oracle.PathStatus) []oracle.PathStatus {
	out := make([]oracle.PathStatus, 0, len(paths))
	for _, p := range paths {
		if annotate.IsPhony(p) {
			out = append(out, oracle.PathStatus{
				Path:   p.Value,
				Exists: true,
				Mtime:  oracle.SyntheticPhonyMtime(inputStatuses),
				Flags:  p.Flags,
			})
			continue
		}
		st, _ := e.Cache.Lookup(p.Value)
		out = append(out, oracle.PathStatus{Path: p.Value, Exists: st.Exists, Mtime: st.Mtime, Flags: p.Flags})
	}
	return out
}

func (e *Engine) statusesFor(paths []annotate.Path) []oracle.PathStatus {
	return e.pathStatuses(paths, nil)
}

// decide computes the up-to-date oracle's verdict for sc's step
// instance from everything observed so far this pass. pendingFingerprint
// is the fingerprint of an action about to run, if any (see
// StepContext.ensureDecision).
func (e *Engine) decide(sc *StepContext, pendingFingerprint string) oracle.Decision {
	inputStatuses := e.pathStatuses(sc.currentInputPaths(), nil)

	outputPaths := append(e.resolveOutputPaths(sc.instance), sc.currentDeclaredOutputs()...)
	outputStatuses := e.pathStatuses(outputPaths, inputStatuses)

	anyPhony := false
	for _, o := range outputStatuses {
		if o.Flags.Has(annotate.FlagPhony) {
			anyPhony = true
		}
	}

	var prior oracle.PriorRecord
	if sc.instance.Step != nil {
		if rec, ok := e.Log.Load(sc.instance.Step.Name, sc.instance.Bindings); ok {
			prior = oracle.PriorRecord{
				Present:            true,
				ResolvedInputs:     rec.Required,
				ResolvedOutputs:    rec.Outputs,
				SubStepIdentities:  subStepIdentities(rec.SubSteps),
				ActionFingerprints: actionFingerprints(rec.Actions),
				ConfigFingerprint:  rec.Config,
			}
		}
	}

	currentActionFingerprints := sc.currentActionFingerprints()
	if pendingFingerprint != "" {
		currentActionFingerprints = append(append([]string(nil), currentActionFingerprints...), pendingFingerprint)
	}

	return oracle.Decide(oracle.DecisionInputs{
		RebuildChangedActions:     e.RebuildChangedActions,
		AnyOutputPhony:            anyPhony,
		Inputs:                    inputStatuses,
		Outputs:                   outputStatuses,
		Prior:                     prior,
		CurrentSubStepIdentities:  sc.currentSubStepIdentities(),
		CurrentActionFingerprints: currentActionFingerprints,
		CurrentConfigFingerprint:  sc.configSnapshot(),
	})
}

func subStepIdentities(refs []actionlog.SubStepRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = rules.InstanceKey(r.Step, toBindings(r.Parameters))
	}
	return out
}

func toBindings(m map[string]string) pattern.Bindings {
	return pattern.Bindings(m)
}

func actionFingerprints(actions []actionlog.ActionRecord) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = joinArgv(a.Argv)
	}
	return out
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
