// Command dynamake is a thin wiring demo over internal/scheduler.Engine.
// The CLI surface itself — help text, sub-applications, packaging — is
// out of scope per spec.md §1; this only proves the engine's external
// interface end to end, the way burstgridgo/cmd/cli/main.go's run/os.Exit
// split keeps argument handling separate from process exit codes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dynamake-build/dynamake/internal/actionlog"
	"github.com/dynamake-build/dynamake/internal/config"
	"github.com/dynamake-build/dynamake/internal/ctxlog"
	"github.com/dynamake-build/dynamake/internal/params"
	"github.com/dynamake-build/dynamake/internal/rules"
	"github.com/dynamake-build/dynamake/internal/runner"
	"github.com/dynamake-build/dynamake/internal/scheduler"
	"github.com/dynamake-build/dynamake/internal/statcache"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, errW io.Writer) error {
	flags, err := config.Parse(argv, errW)
	if err != nil {
		return err
	}
	if len(flags.Targets) == 0 {
		return fmt.Errorf("dynamake: no targets given")
	}

	logger := ctxlog.NewLogger(ctxlog.ParseLevel(flags.LogLevel), false, errW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	cache := statcache.New()
	registry := rules.NewRegistry() // step definitions load from --module; none are built in here.
	log := actionlog.New(flags.PersistentDir)
	paramStore := params.NewStore()

	pool := scheduler.NewResourcePool(map[string]int{"jobs": flags.ResolveJobBudget()})
	actionRunner := runner.New(cache, pool, runner.Options{
		RemoveStaleOutputs:     flags.RemoveStaleOutputs,
		RemoveFailedOutputs:    flags.RemoveFailedOutputs,
		RemoveEmptyDirectories: flags.RemoveEmptyDirectories,
		WaitNFSOutputs:         flags.WaitNFSOutputs,
		NFSOutputsTimeout:      time.Duration(flags.NFSOutputsTimeout) * time.Second,
		TouchSuccessOutputs:    flags.TouchSuccessOutputs,
	})

	engine := scheduler.New(ctx, registry, cache, log, paramStore, actionRunner, os.DirFS("."))
	engine.RebuildChangedActions = flags.RebuildChangedActions
	engine.FailureAbortsBuild = flags.FailureAbortsBuild
	engine.NoActions = flags.NoActions

	return engine.Require(ctx, flags.Targets...)
}
