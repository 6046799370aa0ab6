package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath("/a/b[2]/c")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, Segment{Name: "b", Index: 2}, p.Segment(1))
	assert.Equal(t, "/a/b[2]/c", p.String())

	root, err := ParsePath("/")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, RootPath(), root)

	_, err = ParsePath("/a[0]")
	assert.Error(t, err)
	_, err = ParsePath("/a]")
	assert.Error(t, err)
	_, err = ParsePath("/[2]")
	assert.Error(t, err)
}

func TestSegmentSame(t *testing.T) {
	assert.True(t, Segment{Name: "a"}.Same(Segment{Name: "a", Index: 1}))
	assert.False(t, Segment{Name: "a"}.Same(Segment{Name: "a", Index: 2}))
	assert.False(t, Segment{Name: "a"}.Same(Segment{Name: "b"}))
}

func TestPathNavigation(t *testing.T) {
	p := MustParsePath("/x/y/z")
	assert.Equal(t, "/x/y", p.Parent().String())
	assert.Equal(t, RootPath(), MustParsePath("/x").Parent())
	assert.Equal(t, RootPath(), RootPath().Parent())

	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, "z", last.Name)
	_, ok = RootPath().Last()
	assert.False(t, ok)

	assert.Equal(t, "/x/y/z/w[3]", p.Child(Segment{Name: "w", Index: 3}).String())
	assert.Equal(t, "/x/y/z/w", p.ChildNamed("w").String())
}

func TestPathAncestry(t *testing.T) {
	a := MustParsePath("/x/y")
	b := MustParsePath("/x/y[1]/z")

	assert.True(t, b.IsAtOrBelow(a))
	assert.True(t, a.IsAncestorOf(b))
	assert.True(t, a.IsAtOrBelow(a))
	assert.False(t, a.IsAncestorOf(a))
	assert.True(t, RootPath().IsAncestorOf(a))
	assert.False(t, MustParsePath("/x/yy").IsAtOrBelow(a))

	rel, ok := b.Relative(a)
	require.True(t, ok)
	assert.Equal(t, []Segment{{Name: "z"}}, rel)
	_, ok = a.Relative(b)
	assert.False(t, ok)

	moved := MustParsePath("/q").Resolve(rel)
	assert.Equal(t, "/q/z", moved.String())
	assert.Equal(t, RootPath(), RootPath().Resolve(nil))
}

func TestPathKey(t *testing.T) {
	assert.Equal(t, MustParsePath("/a/b").Key(), MustParsePath("/a[1]/b[1]").Key())
	assert.NotEqual(t, MustParsePath("/a/b").Key(), MustParsePath("/a/b[2]").Key())
	assert.Equal(t, "/", RootPath().Key())
	assert.True(t, MustParsePath("/a[1]").Equal(MustParsePath("/a")))
}
