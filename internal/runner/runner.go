// Package runner implements spec.md's action runner (C9): admission,
// launch, wait, and post-success bookkeeping for one external action
// (§4.7). Pre-execution sync and the step's pending-required barrier are
// internal/scheduler's job; Run starts at "clean stale outputs" and
// drives the process to completion. Process launch follows the shape of
// gruntwork-io/terragrunt's internal/shell.RunCommandWithOutput (an
// os/exec.Cmd with io.MultiWriter-fanned stdout/stderr and a wrapped,
// stack-traced error on non-zero exit) without terragrunt's PTY and
// signal-forwarding machinery, which spec.md's action model has no use
// for.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dynamake-build/dynamake/internal/actionlog"
	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/ctxlog"
	"github.com/dynamake-build/dynamake/internal/dynerrors"
	"github.com/dynamake-build/dynamake/internal/statcache"
)

// ResourcePool admits an action's resource requirements against a global
// budget, blocking on a FIFO queue per resource until capacity frees up
// (spec.md §4.6's "Action admission"). internal/scheduler supplies the
// concrete implementation, built on golang.org/x/sync/semaphore.
type ResourcePool interface {
	Acquire(ctx context.Context, resources map[string]int) (release func(), err error)
}

// Options mirrors the subset of spec.md §6's CLI flags the runner itself
// consults.
type Options struct {
	RemoveStaleOutputs    bool
	RemoveFailedOutputs   bool
	RemoveEmptyDirectories bool
	WaitNFSOutputs        bool
	NFSOutputsTimeout     time.Duration
	TouchSuccessOutputs   bool
}

// Action is one shell()/spawn() invocation.
type Action struct {
	Argv             []annotate.Path
	Dir              string
	Resources        map[string]int
	Outputs          []annotate.Path
	LatestInputMtime time.Time
}

// Runner executes actions on behalf of a running step instance.
type Runner struct {
	Cache   *statcache.Cache
	Pool    ResourcePool
	Options Options
}

// New returns a Runner wired to the given stat cache and resource pool.
func New(cache *statcache.Cache, pool ResourcePool, opts Options) *Runner {
	return &Runner{Cache: cache, Pool: pool, Options: opts}
}

// Run executes one action to completion, implementing §4.7 steps 1
// (output cleanup) through 6 (release). stepID tags every logged output
// line with the owning step instance's identity.
func (r *Runner) Run(ctx context.Context, stepID string, action Action) (*actionlog.ActionRecord, error) {
	r.cleanStaleOutputs(action.Outputs)

	release, err := r.Pool.Acquire(ctx, action.Resources)
	if err != nil {
		return nil, dynerrors.Configuration(err, "admitting action for %s", stepID)
	}
	defer release()

	// Once admitted, the action runs to completion even if ctx is later
	// cancelled by failure-aborts-build: cancellation refuses new
	// admissions, it never signals an already-running action (spec.md
	// §4.6's "Cancellation").
	runCtx := context.WithoutCancel(ctx)

	start := time.Now()
	record, err := r.launch(runCtx, stepID, action)
	end := time.Now()

	if err != nil {
		if r.Options.RemoveFailedOutputs {
			r.deleteOutputs(action.Outputs)
		}
		r.invalidateOutputs(action.Outputs)
		return nil, dynerrors.Action(err, "action for %s failed", stepID)
	}

	// Presence of every mandatory output is checked unconditionally
	// (spec.md's "A non-annotated output that is absent after a step
	// completes is a build failure"); WaitNFSOutputs only controls
	// whether a missing output gets polled for up to NFSOutputsTimeout
	// before being declared missing, or fails immediately.
	if missing := r.waitForOutputs(action.Outputs); missing != "" {
		r.invalidateOutputs(action.Outputs)
		return nil, dynerrors.Action(nil, "output %s never became visible for %s", missing, stepID)
	}

	if r.Options.TouchSuccessOutputs {
		r.touchOutputs(action.Outputs, action.LatestInputMtime)
	}

	r.invalidateOutputs(action.Outputs)

	record.Start = start
	record.End = end
	return record, nil
}

func (r *Runner) cleanStaleOutputs(outputs []annotate.Path) {
	if !r.Options.RemoveStaleOutputs {
		return
	}
	for _, o := range outputs {
		if annotate.IsPrecious(o) {
			continue
		}
		_ = os.Remove(o.Value)
		if r.Options.RemoveEmptyDirectories {
			removeIfEmptyDir(filepath.Dir(o.Value))
		}
		r.Cache.Invalidate(o.Value)
	}
}

func (r *Runner) deleteOutputs(outputs []annotate.Path) {
	for _, o := range outputs {
		if annotate.IsPrecious(o) {
			continue
		}
		_ = os.Remove(o.Value)
	}
}

func (r *Runner) invalidateOutputs(outputs []annotate.Path) {
	for _, o := range outputs {
		r.Cache.Invalidate(o.Value)
	}
}

func removeIfEmptyDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}

func (r *Runner) launch(ctx context.Context, stepID string, action Action) (*actionlog.ActionRecord, error) {
	argv := Fingerprint(action.Argv)
	if len(argv) == 0 {
		return nil, fmt.Errorf("runner: empty argv for %s", stepID)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = action.Dir

	logger := ctxlog.FromContext(ctx)
	outWriter := newLineTaggedWriter(logger, stepID, "stdout")
	errWriter := newLineTaggedWriter(logger, stepID, "stderr")
	defer outWriter.Close()
	defer errWriter.Close()

	cmd.Stdout = outWriter
	cmd.Stderr = errWriter

	if err := cmd.Run(); err != nil {
		return nil, err
	}

	return &actionlog.ActionRecord{Argv: argv}, nil
}

// waitForOutputs checks that every non-optional, non-phony output exists,
// per spec.md's unconditional post-action presence check. When
// WaitNFSOutputs is set, a missing output is polled for up to
// NFSOutputsTimeout before being declared missing (spec.md §4.7 step 4's
// "optionally wait ... for each ... output to become visible"); otherwise
// a single immediate check is made.
func (r *Runner) waitForOutputs(outputs []annotate.Path) string {
	var deadline time.Time
	if r.Options.WaitNFSOutputs {
		deadline = time.Now().Add(r.Options.NFSOutputsTimeout)
	}
	for _, o := range outputs {
		if annotate.IsOptional(o) || annotate.IsPhony(o) {
			continue
		}
		for {
			r.Cache.Invalidate(o.Value)
			if r.Cache.Exists(o.Value) {
				break
			}
			if !r.Options.WaitNFSOutputs || time.Now().After(deadline) {
				return o.Value
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return ""
}

func (r *Runner) touchOutputs(outputs []annotate.Path, latestInputMtime time.Time) {
	target := latestInputMtime.Add(time.Nanosecond)
	now := time.Now()
	if now.After(target) {
		target = now
	}
	for _, o := range outputs {
		if annotate.IsExists(o) {
			continue
		}
		_ = os.Chtimes(o.Value, target, target)
	}
}

// Fingerprint returns the recorded argv for an action: the concrete
// string values of every argument, with phony-annotated segments
// removed, per spec.md §3/§6's fingerprint rule.
func Fingerprint(argv []annotate.Path) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if annotate.IsPhony(a) {
			continue
		}
		out = append(out, a.Value)
	}
	return out
}

// lineTaggedWriter buffers partial lines and tags every complete line
// with the owning step instance's identity before forwarding it to the
// context logger, per spec.md §4.7 step 3.
type lineTaggedWriter struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
}

func newLineTaggedWriter(logger interface {
	Info(msg string, args ...any)
}, stepID, stream string) *lineTaggedWriter {
	pr, pw := io.Pipe()
	w := &lineTaggedWriter{pr: pr, pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logger.Info(scanner.Text(), "step", stepID, "stream", stream)
		}
	}()

	return w
}

func (w *lineTaggedWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *lineTaggedWriter) Close() error {
	err := w.pw.Close()
	<-w.done
	return err
}
