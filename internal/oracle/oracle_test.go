package oracle

import (
	"testing"
	"time"

	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/stretchr/testify/assert"
)

func base(t time.Time) DecisionInputs {
	return DecisionInputs{
		RebuildChangedActions: true,
		Inputs:                []PathStatus{{Path: "src/a.c", Exists: true, Mtime: t}},
		Outputs:               []PathStatus{{Path: "obj/a.o", Exists: true, Mtime: t.Add(time.Hour)}},
		Prior: PriorRecord{
			Present:         true,
			ResolvedInputs:  []string{"src/a.c"},
			ResolvedOutputs: []string{"obj/a.o"},
		},
	}
}

func TestRule1PhonyAlwaysRuns(t *testing.T) {
	in := base(time.Now())
	in.AnyOutputPhony = true
	d := Decide(in)
	assert.True(t, d.MustRun)
}

func TestRule2NoRecordRuns(t *testing.T) {
	in := base(time.Now())
	in.Prior = PriorRecord{}
	d := Decide(in)
	assert.True(t, d.MustRun)
}

func TestRule2NoRecordButRebuildDisabledFallsThrough(t *testing.T) {
	in := base(time.Now())
	in.Prior = PriorRecord{}
	in.RebuildChangedActions = false
	d := Decide(in)
	assert.False(t, d.MustRun)
}

func TestRule3ResolvedInputsChanged(t *testing.T) {
	in := base(time.Now())
	in.Inputs = append(in.Inputs, PathStatus{Path: "src/b.c", Exists: true, Mtime: time.Now()})
	d := Decide(in)
	assert.True(t, d.MustRun)
}

func TestRule3ConfigFingerprintChanged(t *testing.T) {
	in := base(time.Now())
	in.Prior.ConfigFingerprint = map[string]string{"mode": "release"}
	in.CurrentConfigFingerprint = map[string]string{"mode": "debug"}
	d := Decide(in)
	assert.True(t, d.MustRun)
	assert.Contains(t, d.Reason, "parameter")
}

func TestRule4MissingOutputRuns(t *testing.T) {
	in := base(time.Now())
	in.Outputs[0].Exists = false
	d := Decide(in)
	assert.True(t, d.MustRun)
}

func TestRule4ExistsOnlyOutputMissingIsExemptFromMissingCheck(t *testing.T) {
	in := base(time.Now())
	in.Outputs[0].Flags = annotate.Set{}.With(annotate.FlagExists)
	in.Outputs[0].Exists = false
	d := Decide(in)
	assert.False(t, d.MustRun, "exists-flagged outputs are exempt from the missing check")
}

func TestRule5StaleOutputRuns(t *testing.T) {
	now := time.Now()
	in := base(now)
	in.Outputs[0].Mtime = now.Add(-time.Hour) // older than input
	d := Decide(in)
	assert.True(t, d.MustRun)
}

func TestRule6UpToDate(t *testing.T) {
	in := base(time.Now())
	d := Decide(in)
	assert.False(t, d.MustRun)
	assert.Equal(t, "up to date", d.Reason)
}

func TestSyntheticPhonyMtime(t *testing.T) {
	t0 := time.Now()
	inputs := []PathStatus{{Mtime: t0}, {Mtime: t0.Add(time.Minute)}}
	mt := SyntheticPhonyMtime(inputs)
	assert.Equal(t, t0.Add(time.Minute).Add(time.Nanosecond), mt)
}
