// Package oracle implements spec.md's up-to-date oracle (C8): the six
// short-circuit rules (§4.5) that decide whether a step instance must
// run, plus the synthetic mtime phony outputs are assigned so their
// dependents don't rebuild spuriously. Grounded in
// original_source/dynamake/make.py's Invocation.should_run_again /
// Invocation._is_out_of_date decision chain, reshaped into a pure
// function over an explicit input struct instead of instance state, the
// way internal/scheduler threads a StepContext explicitly rather than
// relying on goroutine-local state.
package oracle

import (
	"sort"
	"time"

	"github.com/dynamake-build/dynamake/internal/annotate"
)

// PathStatus is one resolved path's stat-cache result plus the
// annotation flags carried by the pattern that produced it.
type PathStatus struct {
	Path   string
	Exists bool
	Mtime  time.Time
	Flags  annotate.Set
}

func (p PathStatus) existsOnly() bool { return p.Flags.Has(annotate.FlagExists) }

// PriorRecord is the subset of a persisted actionlog.Record the oracle
// compares against the current build state (§4.5 rule 3).
type PriorRecord struct {
	Present             bool
	ResolvedInputs      []string
	ResolvedOutputs     []string
	SubStepIdentities   []string
	ActionFingerprints  []string
	ConfigFingerprint   map[string]string
}

// DecisionInputs is everything the oracle needs to decide must_run for
// one step instance.
type DecisionInputs struct {
	RebuildChangedActions bool
	AnyOutputPhony        bool

	Inputs  []PathStatus
	Outputs []PathStatus

	Prior PriorRecord

	CurrentSubStepIdentities  []string
	CurrentActionFingerprints []string
	CurrentConfigFingerprint  map[string]string
}

// Decision is the oracle's verdict with a short, loggable reason; Reason
// is intended for the WHY log level.
type Decision struct {
	MustRun bool
	Reason  string
}

// Decide applies spec.md §4.5's six rules in order, short-circuiting on
// the first that fires.
func Decide(in DecisionInputs) Decision {
	// Rule 1.
	if in.AnyOutputPhony {
		return Decision{true, "a declared output is phony"}
	}

	// Rule 2.
	if !in.Prior.Present {
		if in.RebuildChangedActions {
			return Decision{true, "no persistent record for this step instance"}
		}
		// No record to compare against and rule 2 is disabled: rule 3 is
		// vacuous, fall through to the presence/freshness checks.
	} else if reason, changed := recordChanged(in); changed {
		// Rule 3.
		return Decision{true, reason}
	}

	// Rule 4.
	for _, o := range in.Outputs {
		if !o.existsOnly() && !o.Exists {
			return Decision{true, "output " + o.Path + " is missing"}
		}
	}

	// Rule 5.
	for _, i := range in.Inputs {
		if i.existsOnly() {
			continue
		}
		for _, o := range in.Outputs {
			if o.existsOnly() {
				continue
			}
			if i.Mtime.After(o.Mtime) {
				return Decision{true, "input " + i.Path + " is newer than output " + o.Path}
			}
		}
	}

	// Rule 6.
	return Decision{false, "up to date"}
}

func recordChanged(in DecisionInputs) (string, bool) {
	if !equalSets(in.Prior.ResolvedInputs, pathsOf(in.Inputs)) {
		return "resolved inputs changed since last build", true
	}
	if !equalSets(in.Prior.ResolvedOutputs, pathsOf(in.Outputs)) {
		return "resolved outputs changed since last build", true
	}
	if !equalSlices(in.Prior.SubStepIdentities, in.CurrentSubStepIdentities) {
		return "sub-step invocations changed since last build", true
	}
	if !actionFingerprintsCompatible(in.Prior.ActionFingerprints, in.CurrentActionFingerprints) {
		return "action fingerprints changed since last build", true
	}
	if !equalConfig(in.Prior.ConfigFingerprint, in.CurrentConfigFingerprint) {
		return "a read parameter's value changed since last build", true
	}
	return "", false
}

func pathsOf(statuses []PathStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.Path
	}
	return out
}

// equalSets compares two path lists as sets, since "resolved inputs"
// and "resolved outputs" are declared as unordered sets in spec.md §4.5.
func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return equalSlices(as, bs)
}

// actionFingerprintsCompatible reports whether current is a prefix of
// prior. A step instance's oracle decision is made once, the first time
// its body calls shell()/spawn() — at that moment only the actions run
// so far this pass (plus the one about to run) are known, so rule 3
// can only ever check that they agree with the corresponding prefix of
// the previous run's recorded actions, not the full list.
func actionFingerprintsCompatible(prior, current []string) bool {
	if len(current) > len(prior) {
		return false
	}
	for i, fp := range current {
		if prior[i] != fp {
			return false
		}
	}
	return true
}

// equalSlices compares two lists positionally, since sub-step identities
// and action fingerprints are declared as *ordered* lists in spec.md §3.
func equalSlices(a, b []string) bool {
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

func equalConfig(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SyntheticPhonyMtime computes the synthetic mtime assigned to a phony
// output — max(input mtimes) + 1ns — so that dependents of a phony
// target are not forced to rebuild unless one of its real inputs
// changed, per spec.md §4.5.
func SyntheticPhonyMtime(inputs []PathStatus) time.Time {
	var max time.Time
	for _, i := range inputs {
		if i.Mtime.After(max) {
			max = i.Mtime
		}
	}
	return max.Add(time.Nanosecond)
}
