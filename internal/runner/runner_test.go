package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dynamake-build/dynamake/internal/annotate"
	"github.com/dynamake-build/dynamake/internal/statcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopPool struct{}

func (noopPool) Acquire(ctx context.Context, resources map[string]int) (func(), error) {
	return func() {}, nil
}

func TestFingerprintStripsPhony(t *testing.T) {
	argv := []annotate.Path{
		annotate.New("cc"),
		annotate.New("-c"),
		annotate.Phony(annotate.New("--trace-marker")),
		annotate.New("src/a.c"),
	}
	assert.Equal(t, []string{"cc", "-c", "src/a.c"}, Fingerprint(argv))
}

func TestRunSuccessTouchesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	r := New(statcache.New(), noopPool{}, Options{TouchSuccessOutputs: true})
	action := Action{
		Argv:             []annotate.Path{annotate.New("sh"), annotate.New("-c"), annotate.New("echo hi > " + out)},
		Dir:              dir,
		Outputs:          []annotate.Path{annotate.New(out)},
		LatestInputMtime: time.Now(),
	}

	rec, err := r.Run(context.Background(), "step#1", action)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "echo hi > " + out}, rec.Argv)

	_, statErr := os.Stat(out)
	assert.NoError(t, statErr)
}

func TestRunFailureRemovesOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))

	r := New(statcache.New(), noopPool{}, Options{RemoveFailedOutputs: true})
	action := Action{
		Argv:    []annotate.Path{annotate.New("false")},
		Dir:     dir,
		Outputs: []annotate.Path{annotate.New(out)},
	}

	_, err := r.Run(context.Background(), "step#1", action)
	assert.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunMissingMandatoryOutputFailsWithoutWaitNFSOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	r := New(statcache.New(), noopPool{}, Options{})
	action := Action{
		Argv:    []annotate.Path{annotate.New("true")},
		Dir:     dir,
		Outputs: []annotate.Path{annotate.New(out)},
	}

	_, err := r.Run(context.Background(), "step#1", action)
	assert.Error(t, err, "an action that exits 0 but never produces its declared output must fail")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunPreservesPreciousOutputsOnFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(out, []byte("keep"), 0o644))

	r := New(statcache.New(), noopPool{}, Options{RemoveFailedOutputs: true})
	action := Action{
		Argv:    []annotate.Path{annotate.New("false")},
		Dir:     dir,
		Outputs: []annotate.Path{annotate.Precious(annotate.New(out))},
	}

	_, err := r.Run(context.Background(), "step#1", action)
	assert.Error(t, err)
	_, statErr := os.Stat(out)
	assert.NoError(t, statErr, "precious outputs must survive failure cleanup")
}
