// Package annotate implements spec.md's annotation model (C3): a path
// string carries a set of flags — optional, exists, precious, phony,
// emphasized — that every pattern, glob, and format operation in
// internal/pattern must preserve. Rather than subclassing strings (the
// original Python's approach, see original_source/dynamake/patterns.py's
// is_optional/is_phony/is_precious/is_exists helpers), DynaMake follows
// spec.md's own Design Notes and models this as an explicit
// (value, annotation-set) pair, the way burstgridgo pairs a cty.Value
// with separately-tracked schema metadata instead of subclassing values.
package annotate

import "sort"

// Flag is one of the five annotations spec.md §3 defines.
type Flag int

const (
	// FlagOptional marks a required path whose absence is not a build
	// failure.
	FlagOptional Flag = iota
	// FlagExists marks a path whose content freshness is irrelevant —
	// only its presence matters for mtime comparisons (§4.5 rules 4-5
	// exempt "exists" paths from the freshness check entirely).
	FlagExists
	// FlagPrecious marks an output that must never be deleted by stale-
	// or failed-output cleanup (§4.7, §7).
	FlagPrecious
	// FlagPhony marks a target that is not a file; it always triggers
	// must_run and gets a synthetic mtime (§4.5 rule 1).
	FlagPhony
	// FlagEmphasized marks a path for highlighted logging; it has no
	// effect on build semantics.
	FlagEmphasized
)

func (f Flag) String() string {
	switch f {
	case FlagOptional:
		return "optional"
	case FlagExists:
		return "exists"
	case FlagPrecious:
		return "precious"
	case FlagPhony:
		return "phony"
	case FlagEmphasized:
		return "emphasized"
	default:
		return "unknown"
	}
}

// Set is an immutable set of Flags. The zero Set is empty and ready to use.
type Set struct {
	bits uint8
}

func bit(f Flag) uint8 { return 1 << uint(f) }

// Has reports whether f is a member of s.
func (s Set) Has(f Flag) bool { return s.bits&bit(f) != 0 }

// With returns a new Set with f added.
func (s Set) With(f Flag) Set { return Set{bits: s.bits | bit(f)} }

// Without returns a new Set with f removed.
func (s Set) Without(f Flag) Set { return Set{bits: s.bits &^ bit(f)} }

// Union returns a new Set containing every flag in either s or other.
func (s Set) Union(other Set) Set { return Set{bits: s.bits | other.bits} }

// Empty reports whether the set has no flags.
func (s Set) Empty() bool { return s.bits == 0 }

// Flags returns the set's members in a stable order, for logging and for
// deterministic fingerprinting (§3's "Fingerprint" excludes phony
// segments, so callers need a stable way to enumerate flags).
func (s Set) Flags() []Flag {
	var out []Flag
	for f := FlagOptional; f <= FlagEmphasized; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Path is a filesystem path string paired with its annotation set. Every
// string-transform helper in internal/pattern operates on Path, not bare
// string, so annotations survive format/glob/extract automatically.
type Path struct {
	Value string
	Flags Set
}

// New wraps a bare path with no annotations.
func New(value string) Path { return Path{Value: value} }

func (p Path) with(f Flag) Path { return Path{Value: p.Value, Flags: p.Flags.With(f)} }

// Optional returns p annotated as optional.
func Optional(p Path) Path { return p.with(FlagOptional) }

// Exists returns p annotated as exists-only.
func Exists(p Path) Path { return p.with(FlagExists) }

// Precious returns p annotated as precious.
func Precious(p Path) Path { return p.with(FlagPrecious) }

// Phony returns p annotated as phony.
func Phony(p Path) Path { return p.with(FlagPhony) }

// Emphasized returns p annotated as emphasized.
func Emphasized(p Path) Path { return p.with(FlagEmphasized) }

// IsOptional, IsExists, IsPrecious, IsPhony, IsEmphasized report whether p
// carries the corresponding flag.
func IsOptional(p Path) bool   { return p.Flags.Has(FlagOptional) }
func IsExists(p Path) bool     { return p.Flags.Has(FlagExists) }
func IsPrecious(p Path) bool   { return p.Flags.Has(FlagPrecious) }
func IsPhony(p Path) bool      { return p.Flags.Has(FlagPhony) }
func IsEmphasized(p Path) bool { return p.Flags.Has(FlagEmphasized) }

// Strip returns the bare path string with annotations discarded.
func Strip(p Path) string { return p.Value }
