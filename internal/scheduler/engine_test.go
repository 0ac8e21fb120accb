package scheduler_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dynamake-build/dynamake/internal/actionlog"
	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/params"
	"github.com/dynamake-build/dynamake/internal/pattern"
	"github.com/dynamake-build/dynamake/internal/rules"
	"github.com/dynamake-build/dynamake/internal/runner"
	"github.com/dynamake-build/dynamake/internal/scheduler"
	"github.com/dynamake-build/dynamake/internal/statcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCompilePath(t *testing.T, raw annotate.Path) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Compile(raw)
	require.NoError(t, err)
	return p
}

func mustCompile(t *testing.T, raw string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Compile(annotate.New(raw))
	require.NoError(t, err)
	return p
}

// chdir switches the test process into dir for the duration of the test,
// since internal/statcache and os.Chtimes/os.Remove all operate on
// process-relative paths while internal/pattern.Glob operates against an
// fs.FS rooted at the same directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
}

func newEngine(t *testing.T, dir string, steps ...*rules.Step) *scheduler.Engine {
	t.Helper()
	registry := rules.NewRegistry()
	for _, s := range steps {
		require.NoError(t, registry.Register(s))
	}
	cache := statcache.New()
	log := actionlog.New(filepath.Join(dir, ".dynamake"))
	pool := scheduler.NewResourcePool(map[string]int{"jobs": 4})
	run := runner.New(cache, pool, runner.Options{TouchSuccessOutputs: true})
	return scheduler.New(context.Background(), registry, cache, log, params.NewStore(), run, os.DirFS(dir))
}

func TestEngineRequireRunsActionAndPersistsRecord(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var runs int
	step := &rules.Step{
		Name:     "compile",
		Priority: 0,
		Patterns: []*pattern.Pattern{mustCompile(t, "out/{*name}.txt")},
		Factory: func(ctx context.Context) error {
			sc := scheduler.FromContext(ctx)
			runs++
			return sc.Shell(ctx, dir, nil,
				annotate.New("sh"), annotate.New("-c"), annotate.New("mkdir -p out && echo hi > out/foo.txt"))
		},
	}

	engine := newEngine(t, dir, step)
	require.NoError(t, engine.Require(context.Background(), "out/foo.txt"))

	assert.Equal(t, 1, runs)
	data, err := os.ReadFile(filepath.Join(dir, "out", "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	_, ok := actionlog.New(filepath.Join(dir, ".dynamake")).Load("compile", map[string]string{"name": "foo"})
	assert.True(t, ok)
}

func TestEngineWarmRebuildSkipsAction(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	// The command itself counts its own executions (by appending to
	// counter.log); Shell returns nil both when it runs the command and
	// when it skips an up-to-date action, so the factory's own return
	// value can't distinguish the two.
	buildStep := func() *rules.Step {
		return &rules.Step{
			Name:     "compile",
			Priority: 0,
			Patterns: []*pattern.Pattern{mustCompile(t, "out/{*name}.txt")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				return sc.Shell(ctx, dir, nil,
					annotate.New("sh"), annotate.New("-c"),
					annotate.New("mkdir -p out && echo run >> counter.log && echo hi > out/foo.txt"))
			},
		}
	}

	first := newEngine(t, dir, buildStep())
	require.NoError(t, first.Require(context.Background(), "out/foo.txt"))

	second := newEngine(t, dir, buildStep())
	require.NoError(t, second.Require(context.Background(), "out/foo.txt"))

	data, err := os.ReadFile(filepath.Join(dir, "counter.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(data), "warm rebuild must not re-run an up-to-date action")
}

func TestEngineFailureAbortsBuildCancelsPendingAdmission(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	registry := rules.NewRegistry()

	failStep := &rules.Step{
		Name:     "fail",
		Priority: 0,
		Patterns: []*pattern.Pattern{mustCompile(t, "fail.marker")},
		Factory: func(ctx context.Context) error {
			sc := scheduler.FromContext(ctx)
			return sc.Shell(ctx, dir, nil, annotate.New("false"))
		},
	}
	slowStep := &rules.Step{
		Name:     "slow",
		Priority: 0,
		Patterns: []*pattern.Pattern{mustCompile(t, "slow.marker")},
		Factory: func(ctx context.Context) error {
			sc := scheduler.FromContext(ctx)
			return sc.Shell(ctx, dir, map[string]int{"slot": 1}, annotate.New("true"))
		},
	}
	require.NoError(t, registry.Register(failStep))
	require.NoError(t, registry.Register(slowStep))

	cache := statcache.New()
	log := actionlog.New(filepath.Join(dir, ".dynamake"))
	pool := scheduler.NewResourcePool(map[string]int{"jobs": 5, "slot": 1})
	run := runner.New(cache, pool, runner.Options{})
	engine := scheduler.New(context.Background(), registry, cache, log, params.NewStore(), run, os.DirFS(dir))
	engine.FailureAbortsBuild = true

	// Hold the sole "slot" unit forever so slowStep blocks in admission
	// until the engine cancels on fail's failure.
	release, err := pool.Acquire(context.Background(), map[string]int{"slot": 1})
	require.NoError(t, err)
	defer release()

	err = engine.Require(context.Background(), "fail.marker", "slow.marker")
	assert.Error(t, err)
}

// TestEnginePatternCompileRebuildsOnlyWhenInputNewer exercises spec.md's
// seed-suite scenario 2: a capturing output pattern bound to a source
// input triggers exactly one compile, a warm re-run triggers none, and
// touching the source to a newer mtime triggers exactly one recompile.
func TestEnginePatternCompileRebuildsOnlyWhenInputNewer(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.c"), []byte("int a;"), 0o644))

	buildStep := func() *rules.Step {
		return &rules.Step{
			Name:     "compile",
			Priority: 0,
			Patterns: []*pattern.Pattern{mustCompile(t, "obj/{*name}.o")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				name := sc.Bindings()["name"]
				if err := sc.Require(ctx, annotate.New("src/"+name+".c")); err != nil {
					return err
				}
				if err := sc.Sync(ctx); err != nil {
					return err
				}
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> obj.count.log && mkdir -p obj && echo compiled > obj/"+name+".o"))
			},
		}
	}

	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "obj/a.o"))
	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "obj/a.o"))

	data, err := os.ReadFile(filepath.Join(dir, "obj.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(data), "warm rebuild must not recompile")

	future := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "src", "a.c"), future, future))

	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "obj/a.o"))
	data, err = os.ReadFile(filepath.Join(dir, "obj.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data), "a newer source mtime must trigger exactly one recompile")

	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "obj/a.o"))
	data, err = os.ReadFile(filepath.Join(dir, "obj.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data), "leaving the source alone afterward must run zero actions")
}

// TestEngineDynamicOutputsDiscoveredAndWarmRebuildIsQuiet exercises
// spec.md's seed-suite scenario 3: a step with a dynamic (non-captured
// wildcard) output pattern extracts an unknown-in-advance set of files;
// the downstream glob sees every one of them, and a warm re-run invokes
// no actions.
func TestEngineDynamicOutputsDiscoveredAndWarmRebuildIsQuiet(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	buildStep := func() *rules.Step {
		return &rules.Step{
			Name:     "extract",
			Priority: 0,
			Patterns: []*pattern.Pattern{
				mustCompile(t, "files/{*name}/{**_file}"),
				mustCompile(t, "files/{*name}/.all.done"),
			},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				name := sc.Bindings()["name"]
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> extract.count.log && "+
						"mkdir -p files/"+name+" && "+
						"echo a > files/"+name+"/a.txt && "+
						"echo b > files/"+name+"/b.txt && "+
						"touch files/"+name+"/.all.done"))
			},
		}
	}

	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "files/X/.all.done"))

	txtPattern := mustCompile(t, "files/X/{*part}.txt")
	matches, err := txtPattern.Glob(os.DirFS(dir), nil)
	require.NoError(t, err)
	require.Len(t, matches, 2, "downstream glob must observe every extracted file")
	assert.Equal(t, "a", matches[0].Bindings["part"])
	assert.Equal(t, "b", matches[1].Bindings["part"])

	require.NoError(t, newEngine(t, dir, buildStep()).Require(context.Background(), "files/X/.all.done"))
	data, err := os.ReadFile(filepath.Join(dir, "extract.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(data), "warm rebuild of a dynamic-output step must run zero actions")
}

// TestEnginePhonySyntheticMtimeDoesNotPropagateRebuild exercises spec.md's
// seed-suite scenario 4: a phony step always re-runs its own actions, but
// its synthetic mtime (max input mtime + 1ns) does not force a dependent
// to rebuild when the phony step's real inputs are unchanged.
func TestEnginePhonySyntheticMtimeDoesNotPropagateRebuild(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	buildSteps := func() []*rules.Step {
		foo := &rules.Step{
			Name:     "foo",
			Patterns: []*pattern.Pattern{mustCompile(t, "foo")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> foo.count.log && echo f > foo"))
			},
		}
		bar := &rules.Step{
			Name:     "bar",
			Patterns: []*pattern.Pattern{mustCompile(t, "bar")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> bar.count.log && echo b > bar"))
			},
		}
		all := &rules.Step{
			Name:     "all",
			Patterns: []*pattern.Pattern{mustCompilePath(t, annotate.Phony(annotate.New("all")))},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				if err := sc.Require(ctx, annotate.New("foo"), annotate.New("bar")); err != nil {
					return err
				}
				if err := sc.Sync(ctx); err != nil {
					return err
				}
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> all.count.log"))
			},
		}
		report := &rules.Step{
			Name:     "report",
			Patterns: []*pattern.Pattern{mustCompile(t, "report.txt")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				if err := sc.Require(ctx, annotate.Phony(annotate.New("all"))); err != nil {
					return err
				}
				if err := sc.Sync(ctx); err != nil {
					return err
				}
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> report.count.log && echo ok > report.txt"))
			},
		}
		return []*rules.Step{foo, bar, all, report}
	}

	require.NoError(t, newEngine(t, dir, buildSteps()...).Require(context.Background(), "report.txt"))
	require.NoError(t, newEngine(t, dir, buildSteps()...).Require(context.Background(), "report.txt"))

	assertLog := func(name, want string) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(data), name)
	}

	assertLog("foo.count.log", "run\n")
	assertLog("bar.count.log", "run\n")
	assertLog("all.count.log", "run\nrun\n")
	assertLog("report.count.log", "run\n")
}

// TestEngineParameterChangeTriggersRebuild exercises spec.md's seed-suite
// scenario 5: a step that reads a parameter through internal/params
// rebuilds exactly once when that parameter's resolved value changes,
// and not again while it stays the same.
func TestEngineParameterChangeTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	newBuild := func(mode string) *scheduler.Engine {
		store := params.NewStore()
		modeParam, err := params.NewStringParam(store, "mode", "", "build mode", "release")
		require.NoError(t, err)
		require.NoError(t, store.AddLayer(map[string]string{"mode": mode}))

		step := &rules.Step{
			Name:     "config",
			Patterns: []*pattern.Pattern{mustCompile(t, "config.out")},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				val, err := modeParam.Value(sc)
				if err != nil {
					return err
				}
				return sc.Shell(ctx, dir, nil, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo run >> config.count.log && echo "+val+" > config.out"))
			},
		}

		registry := rules.NewRegistry()
		require.NoError(t, registry.Register(step))
		cache := statcache.New()
		log := actionlog.New(filepath.Join(dir, ".dynamake"))
		pool := scheduler.NewResourcePool(map[string]int{"jobs": 4})
		run := runner.New(cache, pool, runner.Options{})
		return scheduler.New(context.Background(), registry, cache, log, store, run, os.DirFS(dir))
	}

	require.NoError(t, newBuild("release").Require(context.Background(), "config.out"))
	require.NoError(t, newBuild("debug").Require(context.Background(), "config.out"))

	data, err := os.ReadFile(filepath.Join(dir, "config.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data), "switching mode=release to mode=debug must trigger exactly one rebuild")

	require.NoError(t, newBuild("debug").Require(context.Background(), "config.out"))
	data, err = os.ReadFile(filepath.Join(dir, "config.count.log"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data), "re-invoking with the same mode=debug must run zero actions")
}

// TestEngineResourceCapBoundsConcurrency exercises spec.md's seed-suite
// scenario 6: three independent steps each drawing 60 units of a
// 100-unit resource budget never run two at once.
func TestEngineResourceCapBoundsConcurrency(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	registry := rules.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		step := &rules.Step{
			Name:     "task-" + name,
			Patterns: []*pattern.Pattern{mustCompile(t, "task."+name)},
			Factory: func(ctx context.Context) error {
				sc := scheduler.FromContext(ctx)
				return sc.Shell(ctx, dir, map[string]int{"ram": 60}, annotate.New("sh"), annotate.New("-c"),
					annotate.New("echo start >> concurrency.log && sleep 0.2 && echo end >> concurrency.log && touch task."+name))
			},
		}
		require.NoError(t, registry.Register(step))
	}

	cache := statcache.New()
	log := actionlog.New(filepath.Join(dir, ".dynamake"))
	pool := scheduler.NewResourcePool(map[string]int{"jobs": 10, "ram": 100})
	run := runner.New(cache, pool, runner.Options{})
	engine := scheduler.New(context.Background(), registry, cache, log, params.NewStore(), run, os.DirFS(dir))

	require.NoError(t, engine.Require(context.Background(), "task.a", "task.b", "task.c"))

	data, err := os.ReadFile(filepath.Join(dir, "concurrency.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)

	depth := 0
	for _, line := range lines {
		switch line {
		case "start":
			depth++
			require.LessOrEqual(t, depth, 1, "no two actions may run concurrently when ram=60 each against a ram=100 budget")
		case "end":
			depth--
		}
	}
}

func TestEngineNoActionsStopsBeforeFirstPendingAction(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	var ran bool
	step := &rules.Step{
		Name:     "compile",
		Priority: 0,
		Patterns: []*pattern.Pattern{mustCompile(t, "out/{*name}.txt")},
		Factory: func(ctx context.Context) error {
			sc := scheduler.FromContext(ctx)
			ran = true
			return sc.Shell(ctx, dir, nil,
				annotate.New("sh"), annotate.New("-c"), annotate.New("mkdir -p out && echo hi > out/foo.txt"))
		},
	}

	engine := newEngine(t, dir, step)
	engine.NoActions = true
	require.NoError(t, engine.Require(context.Background(), "out/foo.txt"))

	assert.True(t, ran, "step body still runs up to its first Shell call")
	_, err := os.Stat(filepath.Join(dir, "out", "foo.txt"))
	assert.True(t, os.IsNotExist(err), "--no_actions must not execute the pending action")
}
