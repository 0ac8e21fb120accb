package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsSurviveIndependently(t *testing.T) {
	p := New("foo/bar.o")
	p = Phony(p)
	p = Precious(p)

	assert.True(t, IsPhony(p))
	assert.True(t, IsPrecious(p))
	assert.False(t, IsOptional(p))
	assert.Equal(t, "foo/bar.o", Strip(p))
}

func TestSetUnionAndWithout(t *testing.T) {
	a := Set{}.With(FlagPhony).With(FlagOptional)
	b := Set{}.With(FlagPrecious)

	u := a.Union(b)
	assert.True(t, u.Has(FlagPhony))
	assert.True(t, u.Has(FlagOptional))
	assert.True(t, u.Has(FlagPrecious))

	without := u.Without(FlagOptional)
	assert.False(t, without.Has(FlagOptional))
	assert.True(t, without.Has(FlagPhony))
}

func TestFlagsOrderedStably(t *testing.T) {
	s := Set{}.With(FlagPhony).With(FlagOptional).With(FlagPrecious)
	flags := s.Flags()
	assert.Equal(t, []Flag{FlagOptional, FlagPrecious, FlagPhony}, flags)
}

func TestEmptySet(t *testing.T) {
	var s Set
	assert.True(t, s.Empty())
	s = s.With(FlagExists)
	assert.False(t, s.Empty())
}
