// Package rules implements spec.md's rule registry (C5): step
// definitions, the invariant that one step's output patterns all share
// the same capturing-name set, and the four-step path-to-step-instance
// resolution algorithm of §4.3. Grounded in
// original_source/dynamake/make.py's Step/Plan registration and lookup,
// reshaped so a step's body is supplied as a plain Go closure (a
// `Factory`) instead of a decorated Python generator function — the
// step registers the way a handler registers in
// burstgridgo/internal/handlers, by name, at process-init time.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/dynerrors"
	"github.com/dynamake-build/dynamake/internal/pattern"
	"github.com/dynamake-build/dynamake/internal/statcache"
)

// Factory is a step's coroutine body. It receives a context carrying the
// running step's handle (retrieved with a scheduler-supplied accessor,
// the way internal/ctxlog.FromContext retrieves the logger) rather than
// a bespoke interface here, so this package has no dependency on
// internal/scheduler.
type Factory func(ctx context.Context) error

// Step is a registered unit of build logic (spec.md §3's "Step
// definition").
type Step struct {
	Name      string
	Patterns  []*pattern.Pattern
	Priority  int
	Factory   Factory
	Resources map[string]int
}

// StepInstance is a (step, bindings) pair, or a source-file sentinel
// when IsSource is true and Step is nil (spec.md §4.3 rule 4).
type StepInstance struct {
	Key      string
	Step     *Step
	Bindings pattern.Bindings
	IsSource bool
}

// Registry holds every registered Step and memoizes resolved
// StepInstances by identity, per spec.md §3's "Identity is the pair;
// two requires that produce the same step instance share one execution".
type Registry struct {
	mu        sync.Mutex
	steps     []*Step
	instances map[string]*StepInstance
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*StepInstance)}
}

// Register adds step, enforcing that every output pattern declares
// exactly the same set of capturing parameter names (spec.md §3's
// invariant on "Step definition").
func (r *Registry) Register(step *Step) error {
	if len(step.Patterns) == 0 {
		return dynerrors.Configuration(nil, "step %q has no output patterns", step.Name)
	}

	want := sortedNames(step.Patterns[0].Capturing())
	for _, p := range step.Patterns[1:] {
		got := sortedNames(p.Capturing())
		if !equalNames(want, got) {
			return dynerrors.Configuration(nil,
				"step %q: output patterns disagree on capturing names (%v vs %v)",
				step.Name, want, got)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

func sortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type candidate struct {
	step     *Step
	bindings pattern.Bindings
}

// Resolve implements spec.md §4.3's four-step algorithm: gather every
// step with a matching output pattern, restrict to the highest priority
// tier, fail fatally on a tie within that tier, and fall back to
// treating an on-disk path with no matching step as a source file.
func (r *Registry) Resolve(cache *statcache.Cache, path string, env pattern.Bindings) (*StepInstance, error) {
	r.mu.Lock()
	steps := append([]*Step(nil), r.steps...)
	r.mu.Unlock()

	var candidates []candidate
	for _, s := range steps {
		for _, p := range s.Patterns {
			if b, ok := p.Match(annotate.New(path), env); ok {
				candidates = append(candidates, candidate{step: s, bindings: b})
				break
			}
		}
	}

	if len(candidates) == 0 {
		if cache.Exists(path) {
			return &StepInstance{Key: "source:" + path, IsSource: true}, nil
		}
		return nil, dynerrors.Resolution(nil, "no rule to make target %q", path)
	}

	best := candidates[0].step.Priority
	for _, c := range candidates[1:] {
		if c.step.Priority > best {
			best = c.step.Priority
		}
	}

	var top []candidate
	for _, c := range candidates {
		if c.step.Priority == best {
			top = append(top, c)
		}
	}

	if len(top) > 1 {
		names := make([]string, len(top))
		for i, c := range top {
			names[i] = c.step.Name
		}
		return nil, dynerrors.Configuration(nil,
			"ambiguous rule for target %q: steps %s all match at priority %d",
			path, strings.Join(names, ", "), best)
	}

	chosen := top[0]
	key := InstanceKey(chosen.step.Name, chosen.bindings)

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}
	inst := &StepInstance{Key: key, Step: chosen.step, Bindings: chosen.bindings}
	r.instances[key] = inst
	return inst, nil
}

// InstanceKey encodes a step instance's identity as its step name plus
// its bindings sorted by key ("name/k1=v1&k2=v2"), the same layout
// internal/actionlog.Store.Path uses for the on-disk record, except that
// keys and values here are not URL-escaped.
func InstanceKey(stepName string, bindings pattern.Bindings) string {
	if len(bindings) == 0 {
		return stepName
	}
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(stepName)
	b.WriteByte('/')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		fmt.Fprintf(&b, "%s=%s", k, bindings[k])
	}
	return b.String()
}
