package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dynamake-build/dynamake/internal/actionlog"
	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/oracle"
	"github.com/dynamake-build/dynamake/internal/pattern"
	"github.com/dynamake-build/dynamake/internal/rules"
	"github.com/dynamake-build/dynamake/internal/runner"
	"github.com/hashicorp/go-multierror"
)

// ErrRestart signals internal/scheduler's restart rule (spec.md §4.5):
// the step skipped early actions believing itself up to date, then
// learned (after a Sync or before a Shell/Spawn) that it must run after
// all. A step body that propagates every error it receives from its
// StepContext calls unwrapped restarts automatically; the scheduler
// recognizes this sentinel by direct equality (a wrapped ErrRestart is
// not recognized) and re-enters the body from a fresh StepContext.
var ErrRestart = errors.New("scheduler: step instance must restart from the beginning")

type ctxKey struct{}

func withStepContext(ctx context.Context, sc *StepContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext retrieves the running step's handle, the way
// internal/ctxlog.FromContext retrieves the logger — an explicit handle
// threaded through context.Context rather than goroutine-local state,
// per spec.md's Design Notes.
func FromContext(ctx context.Context) *StepContext {
	sc, _ := ctx.Value(ctxKey{}).(*StepContext)
	return sc
}

// StepContext is the handle a step's Factory uses to require
// dependencies, synchronize on them, and run external actions.
type StepContext struct {
	engine   *Engine
	instance *rules.StepInstance

	mu                 sync.Mutex
	pendingPaths       []annotate.Path
	pendingStates      []*stepState
	pendingInstances   []*rules.StepInstance
	syncedUpTo         int
	extraInputs        []annotate.Path
	declaredOutputs    []annotate.Path
	configReads        map[string]string
	actionRecords      []actionRecord
	decided            bool
	mustRunCached      bool
}

type actionRecord struct {
	argv []string
}

func newStepContext(e *Engine, inst *rules.StepInstance) *StepContext {
	return &StepContext{engine: e, instance: inst, configReads: make(map[string]string)}
}

// Bindings returns the captured parameter values bound to this step
// instance.
func (sc *StepContext) Bindings() pattern.Bindings { return sc.instance.Bindings }

// RecordParameter implements internal/params.RecordSink, folding every
// parameter value this step instance reads into its action-log config
// map (spec.md §4.4, §4.5 rule 3).
func (sc *StepContext) RecordParameter(name, resolvedValue string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.configReads[name] = resolvedValue
}

// Require resolves each path to a step instance (or a source file) and
// adds it to the pending-required set without blocking, per spec.md
// §4.6's "require(paths...)".
func (sc *StepContext) Require(ctx context.Context, paths ...annotate.Path) error {
	for _, p := range paths {
		st, inst, err := sc.engine.ensureStarted(p)
		if err != nil {
			if annotate.IsOptional(p) {
				continue
			}
			return err
		}
		sc.mu.Lock()
		sc.pendingPaths = append(sc.pendingPaths, p)
		sc.pendingStates = append(sc.pendingStates, st) // nil for source files
		sc.pendingInstances = append(sc.pendingInstances, inst)
		sc.mu.Unlock()
	}
	return nil
}

// Sync blocks until every entry added to the pending-required set since
// the last Sync reaches a terminal state, per spec.md §4.6's "sync()".
// A failed, non-optional prerequisite fails the caller too.
func (sc *StepContext) Sync(ctx context.Context) error {
	if err := sc.checkRestart(); err != nil {
		return err
	}

	sc.mu.Lock()
	paths := append([]annotate.Path(nil), sc.pendingPaths[sc.syncedUpTo:]...)
	states := append([]*stepState(nil), sc.pendingStates[sc.syncedUpTo:]...)
	sc.syncedUpTo = len(sc.pendingPaths)
	sc.mu.Unlock()

	var result *multierror.Error
	for i, st := range states {
		if st == nil {
			continue // resolved to a source file; already satisfied
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if st.err != nil && !annotate.IsOptional(paths[i]) && !errors.Is(st.err, ErrDryRunStop) {
			result = multierror.Append(result, st.err)
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}

	return sc.checkRestart()
}

// Input records path as an input of this step instance without
// resolving it through the rule registry — for a source file the step
// reads directly and already knows is static.
func (sc *StepContext) Input(path annotate.Path) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.extraInputs = append(sc.extraInputs, path)
}

// Output records path as a declared output of this step instance, for
// dynamic outputs not yet visible through the step's output-pattern
// globs (the action that produces them hasn't run yet).
func (sc *StepContext) Output(path annotate.Path) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.declaredOutputs = append(sc.declaredOutputs, path)
}

// Done suspends on an opaque external awaitable channel, per spec.md
// §4.6's "done(external_awaitable)".
func (sc *StepContext) Done(ctx context.Context, awaitable <-chan error) error {
	select {
	case err := <-awaitable:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shell runs an external command, implementing spec.md §4.7's action
// sequence. If the up-to-date oracle decides this step instance does
// not need to run (and hasn't changed its mind since), Shell is a no-op.
func (sc *StepContext) Shell(ctx context.Context, dir string, resources map[string]int, argv ...annotate.Path) error {
	if err := sc.Sync(ctx); err != nil {
		return err
	}

	pendingFingerprint := strings.Join(runner.Fingerprint(argv), " ")
	decision := sc.ensureDecision(pendingFingerprint)
	if !decision.MustRun {
		return nil
	}
	if sc.engine.NoActions {
		sc.engine.triggerDryRunStop()
		return ErrDryRunStop
	}

	outputs := sc.engine.resolveOutputPaths(sc.instance)
	latest := sc.latestNonExistsInputMtime()

	rec, err := sc.engine.Runner.Run(ctx, sc.instance.Key, runner.Action{
		Argv:             argv,
		Dir:              dir,
		Resources:        resources,
		Outputs:          outputs,
		LatestInputMtime: latest,
	})
	if err != nil {
		return err
	}

	sc.mu.Lock()
	sc.actionRecords = append(sc.actionRecords, actionRecord{argv: rec.Argv})
	sc.mu.Unlock()
	return nil
}

// Spawn is Shell under spec.md's alternate name for launching a single
// command (as opposed to a shell line); it has identical semantics.
func (sc *StepContext) Spawn(ctx context.Context, dir string, resources map[string]int, argv ...annotate.Path) error {
	return sc.Shell(ctx, dir, resources, argv...)
}

// ensureDecision returns this step instance's cached oracle verdict,
// computing it on the first call. pendingFingerprint is the fingerprint
// of the action about to run, included in the action-fingerprint
// comparison (spec.md §4.5 rule 3) since nothing later than "now" is
// knowable at decision time; pass "" when not deciding on behalf of a
// pending action (e.g. from checkRestart).
func (sc *StepContext) ensureDecision(pendingFingerprint string) oracle.Decision {
	sc.mu.Lock()
	if sc.decided {
		d := oracle.Decision{MustRun: sc.mustRunCached}
		sc.mu.Unlock()
		return d
	}
	sc.mu.Unlock()

	d := sc.engine.decide(sc, pendingFingerprint)

	sc.mu.Lock()
	sc.decided = true
	sc.mustRunCached = d.MustRun
	sc.mu.Unlock()
	return d
}

// checkRestart re-evaluates the oracle if this instance previously
// decided it did not need to run; if fresh information (a dependency
// that just finished, a newly required path) flips that to must_run, it
// signals ErrRestart, per spec.md §4.5's restart rule.
func (sc *StepContext) checkRestart() error {
	sc.mu.Lock()
	decided := sc.decided
	mustRun := sc.mustRunCached
	sc.mu.Unlock()

	if !decided || mustRun {
		return nil
	}

	fresh := sc.engine.decide(sc, "")
	if fresh.MustRun {
		return ErrRestart
	}
	return nil
}

func (sc *StepContext) currentInputPaths() []annotate.Path {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]annotate.Path, 0, len(sc.pendingPaths)+len(sc.extraInputs))
	out = append(out, sc.pendingPaths...)
	out = append(out, sc.extraInputs...)
	return out
}

func (sc *StepContext) currentDeclaredOutputs() []annotate.Path {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]annotate.Path(nil), sc.declaredOutputs...)
}

// currentSubStepIdentities returns the step-instance keys of every
// non-source required path, in require order — the same order subStepRefs
// persists — for a positional comparison against the prior record's
// recorded sub-step invocations (spec.md §4.5 rule 3).
func (sc *StepContext) currentSubStepIdentities() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []string
	for _, inst := range sc.pendingInstances {
		if inst == nil || inst.IsSource {
			continue
		}
		out = append(out, inst.Key)
	}
	return out
}

// subStepRefs returns an actionlog.SubStepRef for every non-source
// required path, for persisting in this step instance's record.
func (sc *StepContext) subStepRefs() []actionlog.SubStepRef {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []actionlog.SubStepRef
	for _, inst := range sc.pendingInstances {
		if inst == nil || inst.IsSource {
			continue
		}
		out = append(out, actionlog.SubStepRef{
			Step:       inst.Step.Name,
			Parameters: inst.Bindings,
		})
	}
	return out
}

func (sc *StepContext) currentActionFingerprints() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]string, len(sc.actionRecords))
	for i, a := range sc.actionRecords {
		out[i] = strings.Join(a.argv, " ")
	}
	return out
}

func (sc *StepContext) configSnapshot() map[string]string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make(map[string]string, len(sc.configReads))
	for k, v := range sc.configReads {
		out[k] = v
	}
	return out
}

func (sc *StepContext) latestNonExistsInputMtime() time.Time {
	var latest time.Time
	for _, st := range sc.engine.statusesFor(sc.currentInputPaths()) {
		if st.Flags.Has(annotate.FlagExists) {
			continue
		}
		if st.Mtime.After(latest) {
			latest = st.Mtime
		}
	}
	return latest
}
