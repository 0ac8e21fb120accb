// Package params implements spec.md's parameter store (C4): named,
// typed, layered parameters resolved with precedence default <
// project config file < --config files (in order) < CLI override
// (spec.md §4.8), grounded in original_source/dynamake/config.py's
// Config/Rule layering, adapted away from that file's dynamic
// when/then rule matching (not needed once steps are registered through
// a Go API rather than a declarative manifest) down to the ordered
// string-layer lookup the distilled spec actually calls for. Typed
// accessors follow the pattern of burstgridgo/internal/config's
// cty.Type-tagged RunnerDefinition.Inputs, adapted from cty to plain Go
// kinds since DynaMake has no HCL layer to decode through.
package params

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Kind identifies a parameter's value type.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDuration
)

// Parameter is one registered, named, typed setting.
type Parameter struct {
	Name        string
	Short       string
	Description string
	Kind        Kind
	Default     string // canonical textual encoding of the default value
}

// RecordSink receives the resolved string value of every parameter read
// while a step is executing, so the caller (internal/scheduler's
// StepContext) can fold it into that step instance's action-log config
// map, per spec.md §4.5 rule 3 ("parameter-value changes... count as
// action-fingerprint changes").
type RecordSink interface {
	RecordParameter(name, resolvedValue string)
}

// Store holds registered parameters and the ordered layers of values
// that override their defaults.
type Store struct {
	mu     sync.RWMutex
	params map[string]Parameter
	layers []map[string]string // applied low-to-high priority; last wins
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{params: make(map[string]Parameter)}
}

// Register adds a parameter definition. It is a configuration error to
// register the same name twice or to register a default that doesn't
// parse under its own Kind.
func (s *Store) Register(p Parameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.params[p.Name]; exists {
		return fmt.Errorf("params: parameter %q already registered", p.Name)
	}
	if _, err := parseKind(p.Kind, p.Default); err != nil {
		return fmt.Errorf("params: parameter %q: default %q: %w", p.Name, p.Default, err)
	}
	s.params[p.Name] = p
	return nil
}

// AddLayer appends a new, higher-priority layer of raw string values —
// one call for the project config file, one per --config file in
// argument order, and a final call for CLI overrides. Unknown keys not
// ending in "?" are a configuration error, per spec.md §6's
// "Configuration file" rule; keys ending in "?" are silently ignored
// when unknown.
func (s *Store) AddLayer(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clean := make(map[string]string, len(values))
	for key, value := range values {
		name := key
		optional := false
		if len(name) > 0 && name[len(name)-1] == '?' {
			optional = true
			name = name[:len(name)-1]
		}
		if _, known := s.params[name]; !known {
			if optional {
				continue
			}
			return fmt.Errorf("params: unknown parameter %q", name)
		}
		clean[name] = value
	}
	s.layers = append(s.layers, clean)
	return nil
}

// resolveRaw returns the highest-priority string value for name, falling
// back to its registered default.
func (s *Store) resolveRaw(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.params[name]
	if !ok {
		return "", fmt.Errorf("params: unknown parameter %q", name)
	}
	value := p.Default
	for _, layer := range s.layers {
		if v, ok := layer[name]; ok {
			value = v
		}
	}
	return value, nil
}

// Value resolves name's current value and, if sink is non-nil, records
// it as having been read by the step currently executing.
func (s *Store) Value(name string, sink RecordSink) (string, error) {
	raw, err := s.resolveRaw(name)
	if err != nil {
		return "", err
	}
	if sink != nil {
		sink.RecordParameter(name, raw)
	}
	return raw, nil
}

func parseKind(kind Kind, raw string) (any, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		return strconv.Atoi(raw)
	case KindFloat:
		return strconv.ParseFloat(raw, 64)
	case KindBool:
		return strconv.ParseBool(raw)
	case KindDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("params: unknown kind %d", kind)
	}
}

// StringParam is a typed accessor for a KindString parameter.
type StringParam struct {
	store *Store
	name  string
}

// NewStringParam registers and returns a string-typed accessor.
func NewStringParam(s *Store, name, short, desc, def string) (StringParam, error) {
	err := s.Register(Parameter{Name: name, Short: short, Description: desc, Kind: KindString, Default: def})
	return StringParam{store: s, name: name}, err
}

// Value resolves and records the parameter's current value.
func (p StringParam) Value(sink RecordSink) (string, error) {
	return p.store.Value(p.name, sink)
}

// IntParam is a typed accessor for a KindInt parameter.
type IntParam struct {
	store *Store
	name  string
}

// NewIntParam registers and returns an int-typed accessor.
func NewIntParam(s *Store, name, short, desc string, def int) (IntParam, error) {
	err := s.Register(Parameter{Name: name, Short: short, Description: desc, Kind: KindInt, Default: strconv.Itoa(def)})
	return IntParam{store: s, name: name}, err
}

// Value resolves and records the parameter's current value.
func (p IntParam) Value(sink RecordSink) (int, error) {
	raw, err := p.store.Value(p.name, sink)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// FloatParam is a typed accessor for a KindFloat parameter.
type FloatParam struct {
	store *Store
	name  string
}

// NewFloatParam registers and returns a float-typed accessor.
func NewFloatParam(s *Store, name, short, desc string, def float64) (FloatParam, error) {
	err := s.Register(Parameter{Name: name, Short: short, Description: desc, Kind: KindFloat, Default: strconv.FormatFloat(def, 'g', -1, 64)})
	return FloatParam{store: s, name: name}, err
}

// Value resolves and records the parameter's current value.
func (p FloatParam) Value(sink RecordSink) (float64, error) {
	raw, err := p.store.Value(p.name, sink)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

// BoolParam is a typed accessor for a KindBool parameter.
type BoolParam struct {
	store *Store
	name  string
}

// NewBoolParam registers and returns a bool-typed accessor.
func NewBoolParam(s *Store, name, short, desc string, def bool) (BoolParam, error) {
	err := s.Register(Parameter{Name: name, Short: short, Description: desc, Kind: KindBool, Default: strconv.FormatBool(def)})
	return BoolParam{store: s, name: name}, err
}

// Value resolves and records the parameter's current value.
func (p BoolParam) Value(sink RecordSink) (bool, error) {
	raw, err := p.store.Value(p.name, sink)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// DurationParam is a typed accessor for a KindDuration parameter.
type DurationParam struct {
	store *Store
	name  string
}

// NewDurationParam registers and returns a duration-typed accessor.
func NewDurationParam(s *Store, name, short, desc string, def time.Duration) (DurationParam, error) {
	err := s.Register(Parameter{Name: name, Short: short, Description: desc, Kind: KindDuration, Default: def.String()})
	return DurationParam{store: s, name: name}, err
}

// Value resolves and records the parameter's current value.
func (p DurationParam) Value(sink RecordSink) (time.Duration, error) {
	raw, err := p.store.Value(p.name, sink)
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(raw)
}

// ResourceParameters registers one IntParam per entry of defaults (name
// -> default consumable budget), per spec.md §4.8's
// "resource_parameters(name=default_consumption, ...)". The resolved
// value of each becomes that resource's global admission budget in
// internal/scheduler.
func ResourceParameters(s *Store, defaults map[string]int) (map[string]IntParam, error) {
	out := make(map[string]IntParam, len(defaults))
	for name, def := range defaults {
		p, err := NewIntParam(s, name, "", "resource budget for "+name, def)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
