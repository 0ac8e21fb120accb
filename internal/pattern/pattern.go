// Package pattern implements spec.md's pattern engine (C1): parsing
// {name}/{*name}/{**name}/{_name} holes, matching and formatting them
// against concrete paths, and globbing them against a filesystem. Glob
// expansion is delegated to github.com/bmatcuk/doublestar/v4 (grounded in
// gruntwork-io/terragrunt's own indirect dependency on bmatcuk/doublestar)
// rather than reimplementing "**" traversal by hand.
package pattern

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dynamake-build/dynamake/internal/annotate"
)

// Bindings maps a hole name to its concrete, textual value.
type Bindings map[string]string

// holeKind distinguishes the four hole forms of spec.md §3.
type holeKind int

const (
	holeInterpolate holeKind = iota // {name}
	holeCapture                     // {*name}
	holeCaptureAny                  // {**name}
	holeWildcard                    // {_name}
	holeWildcardAny                 // {**_name}
)

func (k holeKind) capturing() bool {
	return k == holeCapture || k == holeCaptureAny
}

func (k holeKind) any() bool {
	return k == holeCaptureAny || k == holeWildcardAny
}

type hole struct {
	kind holeKind
	name string
}

// segment is either a literal run of text or a hole; exactly one of the
// two fields is meaningful, discriminated by hole == nil.
type segment struct {
	literal string
	hole    *hole
}

// Pattern is a compiled pattern as described by spec.md §3/§4.1.
type Pattern struct {
	raw       string
	flags     annotate.Set
	segments  []segment
	capturing []string // ordered capturing hole names
	dynamic   bool     // has at least one non-capturing wildcard hole
	re        *regexp.Regexp
}

var holeRe = regexp.MustCompile(`\{([^{}]*)\}`)

// Compile parses raw into a Pattern. Annotation flags on raw are carried
// onto every path this Pattern later formats or globs (spec.md's
// "Annotations are carried through all string-transform operations").
func Compile(raw annotate.Path) (*Pattern, error) {
	segments, err := parseSegments(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw.Value, err)
	}

	p := &Pattern{raw: raw.Value, flags: raw.Flags, segments: segments}

	seen := make(map[string]bool)
	for _, seg := range segments {
		if seg.hole == nil {
			continue
		}
		if seg.hole.kind.any() || seg.hole.kind == holeWildcard {
			if seg.hole.kind != holeCapture && seg.hole.kind != holeCaptureAny {
				p.dynamic = true
			}
		}
		if seg.hole.kind.capturing() {
			if seen[seg.hole.name] {
				return nil, fmt.Errorf("pattern %q: capture name %q used twice", raw.Value, seg.hole.name)
			}
			seen[seg.hole.name] = true
			p.capturing = append(p.capturing, seg.hole.name)
		}
	}

	re, err := buildRegexp(segments)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw.Value, err)
	}
	p.re = re
	return p, nil
}

// MustCompile is Compile, panicking on error; for use at package-init time
// when registering fixed step output patterns.
func MustCompile(raw string) *Pattern {
	p, err := Compile(annotate.New(raw))
	if err != nil {
		panic(err)
	}
	return p
}

// Raw returns the original pattern text.
func (p *Pattern) Raw() string { return p.raw }

// Capturing returns the ordered set of capturing hole names.
func (p *Pattern) Capturing() []string {
	out := make([]string, len(p.capturing))
	copy(out, p.capturing)
	return out
}

// Dynamic reports whether the pattern contains a non-capturing wildcard
// hole ({_name} or {**_name}), per spec.md §3's "dynamic iff" clause.
func (p *Pattern) Dynamic() bool { return p.dynamic }

// Flags returns the annotation flags carried by the compiled pattern.
func (p *Pattern) Flags() annotate.Set { return p.flags }

// LiteralPrefixLen returns the count of literal characters before the
// first *capturing* hole, the measure Rank compares (spec.md §4.1: "a
// pattern with more literal characters before the first capture ranks
// higher"). The rule registry does not use it: rules.Registry.Resolve
// treats any same-priority match between steps as a configuration error.
func (p *Pattern) LiteralPrefixLen() int {
	n := 0
	for _, seg := range p.segments {
		if seg.hole != nil {
			if seg.hole.kind.capturing() {
				return n
			}
			continue
		}
		n += len(seg.literal)
	}
	return n
}

func parseSegments(raw string) ([]segment, error) {
	var segments []segment
	last := 0
	for _, loc := range holeRe.FindAllStringSubmatchIndex(raw, -1) {
		start, end := loc[0], loc[1]
		if start > last {
			segments = append(segments, segment{literal: raw[last:start]})
		}
		content := raw[loc[2]:loc[3]]
		h, err := parseHole(content)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment{hole: h})
		last = end
	}
	if last < len(raw) {
		segments = append(segments, segment{literal: raw[last:]})
	}
	return segments, nil
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func parseHole(content string) (*hole, error) {
	stars := 0
	for stars < 2 && strings.HasPrefix(content, "*") {
		stars++
		content = content[1:]
	}
	noncaptured := false
	if strings.HasPrefix(content, "_") {
		noncaptured = true
		content = content[1:]
	}
	if content == "" || !nameRe.MatchString(content) {
		return nil, fmt.Errorf("invalid hole name %q", content)
	}

	var kind holeKind
	switch {
	case stars == 0 && !noncaptured:
		kind = holeInterpolate
	case stars == 0 && noncaptured:
		kind = holeWildcard
	case stars >= 1 && !noncaptured && stars == 1:
		kind = holeCapture
	case stars >= 1 && noncaptured && stars == 1:
		kind = holeWildcard
	case stars == 2 && !noncaptured:
		kind = holeCaptureAny
	case stars == 2 && noncaptured:
		kind = holeWildcardAny
	default:
		return nil, fmt.Errorf("invalid hole syntax around %q", content)
	}
	return &hole{kind: kind, name: content}, nil
}

// buildRegexp compiles the segment list into an anchored regular
// expression, collapsing a literal "/" + any-hole + "/" sequence into an
// optional group so "**" can match zero path components, the way
// original_source/dynamake/patterns.py's glob2re treats a standalone
// "/**/ " run.
func buildRegexp(segments []segment) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(segments); i++ {
		seg := segments[i]
		if seg.hole == nil {
			b.WriteString(regexp.QuoteMeta(seg.literal))
			continue
		}
		h := seg.hole
		if h.kind == holeInterpolate {
			// Interpolation holes are resolved textually at Match/Format
			// time from the caller-supplied bindings, not baked into the
			// regexp; represent them here as "anything", refined later
			// by literal substitution in Match.
			b.WriteString("(.*)")
			continue
		}

		charClass := "[^/]+?"
		if h.kind.any() {
			charClass = ".+?"
		}

		collapsible := h.kind.any() &&
			i > 0 && i+1 < len(segments) &&
			segments[i-1].hole == nil && strings.HasSuffix(segments[i-1].literal, "/") &&
			segments[i+1].hole == nil && strings.HasPrefix(segments[i+1].literal, "/")

		if collapsible {
			// Drop the trailing "/" just written for the previous literal
			// and fold it into an optional "name/" (or "/" ) group so an
			// empty match collapses the doubled slash.
			s := b.String()
			b.Reset()
			b.WriteString(strings.TrimSuffix(s, "/"))
			if h.kind.capturing() {
				fmt.Fprintf(&b, "(?:/(?P<%s>%s))?", h.name, charClass)
			} else {
				b.WriteString("(?:/" + charClass + ")?")
			}
			continue
		}

		if h.kind.capturing() {
			fmt.Fprintf(&b, "(?P<%s>%s)", h.name, charClass)
		} else {
			b.WriteString("(?:" + charClass + ")")
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Match matches path against the pattern. env supplies the ambient
// binding used to resolve {name} interpolation holes before matching, per
// spec.md §4.1. It returns the bound values for every capturing hole.
func (p *Pattern) Match(path annotate.Path, env Bindings) (Bindings, bool) {
	re := p.re
	if p.hasInterpolation() {
		resolved, err := substituteInterpolation(p.segments, env)
		if err != nil {
			return nil, false
		}
		var rerr error
		re, rerr = buildRegexp(resolved)
		if rerr != nil {
			return nil, false
		}
	}

	m := re.FindStringSubmatch(path.Value)
	if m == nil {
		return nil, false
	}
	bindings := make(Bindings, len(p.capturing))
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		bindings[name] = m[i]
	}
	for _, name := range p.capturing {
		if _, ok := bindings[name]; !ok {
			bindings[name] = ""
		}
	}
	return bindings, true
}

func (p *Pattern) hasInterpolation() bool {
	for _, seg := range p.segments {
		if seg.hole != nil && seg.hole.kind == holeInterpolate {
			return true
		}
	}
	return false
}

// substituteInterpolation replaces every interpolation hole with a
// literal segment carrying its resolved value, failing if env lacks an
// entry for any of them.
func substituteInterpolation(segments []segment, env Bindings) ([]segment, error) {
	out := make([]segment, 0, len(segments))
	for _, seg := range segments {
		if seg.hole != nil && seg.hole.kind == holeInterpolate {
			v, ok := env[seg.hole.name]
			if !ok {
				return nil, fmt.Errorf("no ambient binding for {%s}", seg.hole.name)
			}
			out = append(out, segment{literal: v})
			continue
		}
		out = append(out, seg)
	}
	return out, nil
}

// Format renders the pattern into a concrete path using bindings. Every
// interpolation and capturing hole name must be present in bindings;
// formatting a pattern containing a non-captured wildcard hole is an
// error, per spec.md §4.1.
func (p *Pattern) Format(bindings Bindings) (annotate.Path, error) {
	var b strings.Builder
	for _, seg := range p.segments {
		if seg.hole == nil {
			b.WriteString(seg.literal)
			continue
		}
		h := seg.hole
		if h.kind == holeWildcard || h.kind == holeWildcardAny {
			return annotate.Path{}, fmt.Errorf("pattern %q: cannot format a non-captured hole {%s}", p.raw, h.name)
		}
		v, ok := bindings[h.name]
		if !ok {
			return annotate.Path{}, fmt.Errorf("pattern %q: missing binding for {%s}", p.raw, h.name)
		}
		b.WriteString(v)
	}
	return annotate.Path{Value: b.String(), Flags: p.flags}, nil
}

// Match describes one glob hit: the matched path and its captured
// bindings.
type Match struct {
	Path     annotate.Path
	Bindings Bindings
}

// globString renders the pattern as a doublestar-compatible glob. An
// interpolation hole is always resolved from env (an error if absent); a
// capturing hole already bound in env (the caller knows which step
// instance it's globbing on behalf of) is substituted with its literal
// value too, so the glob is scoped to that one instance rather than
// every instance of the pattern; any hole still unresolved (an unbound
// capture under a general-purpose, instance-agnostic glob/extract call,
// or a non-captured wildcard hole, which is never in env) becomes a
// "*"/"**" wildcard.
func (p *Pattern) globString(env Bindings) (string, error) {
	var b strings.Builder
	for _, seg := range p.segments {
		if seg.hole == nil {
			b.WriteString(seg.literal)
			continue
		}
		h := seg.hole
		if h.kind == holeInterpolate {
			v, ok := env[h.name]
			if !ok {
				return "", fmt.Errorf("no ambient binding for {%s}", h.name)
			}
			b.WriteString(v)
			continue
		}
		if h.kind.capturing() {
			if v, ok := env[h.name]; ok {
				b.WriteString(v)
				continue
			}
		}
		if h.kind.any() {
			b.WriteString("**")
		} else {
			b.WriteString("*")
		}
	}
	return b.String(), nil
}

// Glob expands the pattern against fsys, returning ordered (lexicographic
// by path) matches, per spec.md §4.1.
func (p *Pattern) Glob(fsys fs.FS, env Bindings) ([]Match, error) {
	globStr, err := p.globString(env)
	if err != nil {
		return nil, err
	}

	paths, err := doublestar.Glob(fsys, globStr)
	if err != nil {
		return nil, fmt.Errorf("pattern %q: glob: %w", p.raw, err)
	}
	sort.Strings(paths)

	matches := make([]Match, 0, len(paths))
	for _, raw := range paths {
		bindings, ok := p.Match(annotate.New(raw), env)
		if !ok {
			continue
		}
		matches = append(matches, Match{
			Path:     annotate.Path{Value: raw, Flags: p.flags},
			Bindings: bindings,
		})
	}
	return matches, nil
}

// Extract globs globPattern against fsys and formats template once per
// match using the captured bindings, per spec.md §4.1.
func Extract(globPattern, template *Pattern, fsys fs.FS, env Bindings) ([]annotate.Path, error) {
	matches, err := globPattern.Glob(fsys, env)
	if err != nil {
		return nil, err
	}
	out := make([]annotate.Path, 0, len(matches))
	for _, m := range matches {
		formatted, err := template.Format(m.Bindings)
		if err != nil {
			return nil, err
		}
		out = append(out, formatted)
	}
	return out, nil
}

// Rank compares two patterns by spec.md §4.1's tie-break measure: more
// literal characters before the first capture ranks higher (Rank returns
// a negative number when a outranks b, zero on a tie). It does not break
// ties by declaration order, and rules.Registry.Resolve does not call it.
func Rank(a, b *Pattern) int {
	return b.LiteralPrefixLen() - a.LiteralPrefixLen()
}
