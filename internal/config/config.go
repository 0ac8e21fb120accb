// Package config resolves spec.md §6's command-line surface and
// DYNAMAKE_PERSISTENT_DIR/DYNAMAKE_JOBS environment fallback into a
// Flags value. It does not read the configuration file named by
// --config, and nothing here adds layers to internal/params.Store.
// Parsing follows burstgridgo/internal/cli.Parse's shape: a
// flag.NewFlagSet with ContinueOnError (and the flag package's default
// usage text), rather than the top-level flag.CommandLine a library
// package should never touch.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
)

// Flags mirrors every flag spec.md §6 lists, with its stated default.
type Flags struct {
	ConfigPath            string
	PersistentDir         string
	Module                string
	Jobs                  int
	RebuildChangedActions bool
	FailureAbortsBuild    bool
	RemoveStaleOutputs    bool
	RemoveFailedOutputs   bool
	RemoveEmptyDirectories bool
	TouchSuccessOutputs   bool
	WaitNFSOutputs        bool
	NFSOutputsTimeout     int
	LogSkippedActions     bool
	LogLevel              string
	NoActions             bool

	Targets []string
}

// Parse parses argv (excluding the program name) into Flags, following
// §6's stated defaults and DYNAMAKE_PERSISTENT_DIR/DYNAMAKE_JOBS
// environment fallback. out receives usage/error text on a parse error.
func Parse(argv []string, out io.Writer) (*Flags, error) {
	fs := flag.NewFlagSet("dynamake", flag.ContinueOnError)
	fs.SetOutput(out)

	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "DynaMake.yaml", "configuration file")
	fs.StringVar(&f.Module, "module", "", "module to load step definitions from")
	fs.IntVar(&f.Jobs, "jobs", defaultJobs(), "concurrent job budget (negative = fraction of nproc, 0 = unlimited)")
	fs.BoolVar(&f.RebuildChangedActions, "rebuild_changed_actions", true, "treat a changed action fingerprint as must_run")
	fs.BoolVar(&f.FailureAbortsBuild, "failure_aborts_build", true, "cancel new admissions on first step failure")
	fs.BoolVar(&f.RemoveStaleOutputs, "remove_stale_outputs", true, "delete non-precious outputs before running an action")
	fs.BoolVar(&f.RemoveFailedOutputs, "remove_failed_outputs", true, "delete non-precious outputs after a failed action")
	fs.BoolVar(&f.RemoveEmptyDirectories, "remove_empty_directories", false, "remove directories left empty by output cleanup")
	fs.BoolVar(&f.TouchSuccessOutputs, "touch_success_outputs", false, "touch outputs to just after the latest input mtime on success")
	fs.BoolVar(&f.WaitNFSOutputs, "wait_nfs_outputs", false, "poll for output visibility after a successful action")
	fs.IntVar(&f.NFSOutputsTimeout, "nfs_outputs_timeout", 60, "seconds to wait for wait_nfs_outputs")
	fs.BoolVar(&f.LogSkippedActions, "log_skipped_actions", false, "log actions skipped because the step was up to date")
	fs.StringVar(&f.LogLevel, "log-level", "INFO", "STDOUT, STDERR, INFO, FILE, WHY, TRACE, DEBUG, or WARN")
	fs.BoolVar(&f.NoActions, "no_actions", false, "dry run: stop just before the first action that would run")
	fs.BoolVar(&f.NoActions, "n", false, "shorthand for --no_actions")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	f.Targets = fs.Args()

	if dir := os.Getenv("DYNAMAKE_PERSISTENT_DIR"); dir != "" {
		f.PersistentDir = dir
	}
	if raw := os.Getenv("DYNAMAKE_JOBS"); raw != "" && !jobsFlagSet(fs) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid DYNAMAKE_JOBS %q: %w", raw, err)
		}
		f.Jobs = n
	}
	if f.PersistentDir == "" {
		f.PersistentDir = ".dynamake"
	}

	return f, nil
}

func jobsFlagSet(fs *flag.FlagSet) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "jobs" {
			set = true
		}
	})
	return set
}

func defaultJobs() int { return -1 }

// ResolveJobBudget turns Flags.Jobs into a concrete job count per spec.md
// §6: negative is a fraction of runtime.NumCPU() (rounded down, minimum 1),
// zero means unlimited (represented as 0, which internal/scheduler's
// resource pool treats as uncapped), positive is used exactly.
func (f *Flags) ResolveJobBudget() int {
	switch {
	case f.Jobs > 0:
		return f.Jobs
	case f.Jobs == 0:
		return 0
	default:
		n := runtime.NumCPU() / (-f.Jobs)
		if n < 1 {
			n = 1
		}
		return n
	}
}
