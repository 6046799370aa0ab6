package merge

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/federa/internal/graph"
)

func TestPlanCodec_RoundTrip(t *testing.T) {
	id := uuid.New()
	kids := children("a", "b")
	kids[1].UUID = id
	p := NewPlan(
		NewPlaceholderContribution("", "", graph.At(nodePath), children("git")),
		NewContribution("db", "main", graph.Location{Path: nodePath, UUID: id}, t0.Add(time.Minute),
			props(graph.NewProperty("title", "x"), graph.NewProperty("n", 1, 2)), kids),
		NewEmptyContribution("git", "main", t0),
	)
	p.SetAnnotation(AnnotationUUID, graph.NewProperty(AnnotationUUID, id))

	data, err := MarshalPlan(p)
	require.NoError(t, err)

	got, err := UnmarshalPlan(data)
	require.NoError(t, err)
	require.Equal(t, 3, got.ContributionCount())

	assert.True(t, got.Contributions()[0].IsPlaceholder())
	db := got.ContributionFrom("db")
	require.NotNil(t, db)
	assert.Equal(t, id, db.Location().UUID)
	assert.Equal(t, t0.Add(time.Minute), db.ExpirationTimeInUTC())
	n, ok := db.Property("n")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2)}, n.Values)
	assert.Equal(t, []string{"/node/a", "/node/b"}, childStrings(db.children))
	assert.Equal(t, id, db.children[1].UUID)

	git := got.ContributionFrom("git")
	require.NotNil(t, git)
	assert.True(t, git.IsEmpty())
	assert.Equal(t, t0, got.Expiration())

	a, ok := got.Annotation(AnnotationUUID)
	require.True(t, ok)
	assert.Equal(t, []any{id}, a.Values)
}

func TestUnmarshalPlan_IgnoresUnknownFields(t *testing.T) {
	data := []byte(`{
		"version": 2,
		"future": {"x": 1},
		"contributions": [
			{"source": "db", "path": "/n", "shiny": true,
			 "properties": [{"name": "p", "values": [{"t": "string", "v": "x"}, {"t": "decimal", "v": "1.5"}]}]}
		]
	}`)
	p, err := UnmarshalPlan(data)
	require.NoError(t, err)
	c := p.ContributionFrom("db")
	require.NotNil(t, c)
	prop, ok := c.Property("p")
	require.True(t, ok)
	assert.Equal(t, []any{"x", "1.5"}, prop.Values)
}

func TestUnmarshalPlan_RequiresVersion(t *testing.T) {
	_, err := UnmarshalPlan([]byte(`{"contributions": []}`))
	assert.ErrorIs(t, err, ErrPlanVersion)

	_, err = UnmarshalPlan([]byte(`not json`))
	assert.Error(t, err)
}
