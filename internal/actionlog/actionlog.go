// Package actionlog implements spec.md's persistent action log (C6):
// one human-readable YAML record per step instance, recording the
// inputs, outputs, sub-step invocations, and command fingerprints that
// let internal/oracle decide whether a step must re-run. Grounded in
// original_source/dynamake/make.py's Invocation persistence (it
// serializes the same shape through PyYAML) and adapted to
// gopkg.in/yaml.v3, the way gruntwork-io/terragrunt reads its own
// configuration trees with the yaml.v3 family. Atomic replace follows
// spec.md §5's "write to temporary, rename into place".
package actionlog

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SubStepRef identifies one sub-step invocation recorded by a parent
// step instance.
type SubStepRef struct {
	Step       string            `yaml:"step"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// ActionRecord is one external command invocation, with phony-annotated
// argv segments already stripped (spec.md §3's fingerprint rule).
type ActionRecord struct {
	Argv  []string  `yaml:"argv"`
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Record is the full persisted state of one step instance, matching
// spec.md §6's "Action log file schema" exactly.
type Record struct {
	Step       string            `yaml:"step"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
	Required   []string          `yaml:"required"`
	Outputs    []string          `yaml:"outputs"`
	SubSteps   []SubStepRef      `yaml:"sub_steps,omitempty"`
	Actions    []ActionRecord    `yaml:"actions,omitempty"`
	Config     map[string]string `yaml:"config,omitempty"`
}

// Store resolves step-instance identities to files under a state
// directory and loads/saves their Record.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (spec.md §6's "<state-dir>",
// default ".dynamake", overridable by DYNAMAKE_PERSISTENT_DIR).
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the file path for a step instance, following spec.md
// §6's two-shape rule: "<state-dir>/<name>.actions.yaml" when there are
// no bindings, otherwise "<state-dir>/<name>/<k1>=<v1>&...&<kn>=<vn>.actions.yaml"
// with keys sorted and values URL-escaped for filename safety.
func (s *Store) Path(step string, bindings map[string]string) string {
	if len(bindings) == 0 {
		return filepath.Join(s.dir, step+".actions.yaml")
	}

	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(bindings[k]))
	}
	fileName := strings.Join(parts, "&") + ".actions.yaml"
	return filepath.Join(s.dir, step, fileName)
}

// Load returns the recorded state of a step instance. A missing file, or
// a file that fails to parse, both mean "never built" per spec.md §7's
// "Persistent-log corruption" rule — never a fatal error.
func (s *Store) Load(step string, bindings map[string]string) (*Record, bool) {
	path := s.Path(step, bindings)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Save atomically replaces the record for a step instance: writes to a
// temporary file in the same directory, then renames it into place, so a
// crash or concurrent reader never observes a half-written record
// (spec.md §5's "Persistent state safety").
func (s *Store) Save(rec *Record) error {
	path := s.Path(rec.Step, rec.Parameters)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("actionlog: creating state directory: %w", err)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("actionlog: marshaling record for %q: %w", rec.Step, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.actions.yaml")
	if err != nil {
		return fmt.Errorf("actionlog: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("actionlog: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("actionlog: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("actionlog: renaming into place: %w", err)
	}
	return nil
}

// ErrNeverBuilt is returned by callers that want to distinguish "never
// built" from a genuine I/O failure while still treating both as the
// same oracle input; Load itself never returns an error value, per the
// corruption rule above, but helper code can use this for logging.
var ErrNeverBuilt = errors.New("actionlog: step instance has no recorded prior run")
