package content

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackedResourceRecordsMutations(t *testing.T) {
	tr := Track(Resource{ID: "r-1", Title: "Old Title", Type: "deck"})
	require.False(t, tr.Dirty())

	tr.SetTitle("New Title")
	tr.SetTags([]string{"automation"})

	require.True(t, tr.Dirty())
	muts := tr.Mutations()
	require.Len(t, muts, 2)

	require.Equal(t, "title", muts[0].Field)
	require.Equal(t, "Old Title", muts[0].Old)
	require.Equal(t, "New Title", muts[0].New)
	require.False(t, muts[0].At.IsZero())

	require.Equal(t, "tags", muts[1].Field)

	got := tr.Resource()
	require.Equal(t, "New Title", got.Title)
	require.Equal(t, []string{"automation"}, got.Tags)
	require.False(t, got.UpdatedAt.IsZero())
}

func TestTrackedResourceNoopSetsNotRecorded(t *testing.T) {
	tr := Track(Resource{Title: "Same", Tags: []string{"a"}})

	tr.SetTitle("Same")
	tr.SetTags([]string{"a"})
	tr.SetType("")

	require.False(t, tr.Dirty())
	require.Empty(t, tr.Mutations())
}
