package stockcount

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(items []CountItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

// mixedCatalogue interleaves ingredients and chemicals the way a raw query returns them.
func mixedCatalogue() []CountItem {
	return []CountItem{
		{ID: "c1", Library: "chemicals", Name: "Sanitiser"},
		{ID: "i1", Library: "ingredients", Name: "sugar"},
		{ID: "c2", Library: "chemicals", Name: "Bleach"},
		{ID: "i2", Library: "Ingredients", Name: "Flour"},
		{ID: "c3", Library: "chemicals", Name: "Degreaser"},
		{ID: "i3", Library: "ingredients", Name: "butter"},
		{ID: "i4", Library: "ingredients", Name: "Yeast"},
	}
}

func TestOrderingSortsBySectionRankThenName(t *testing.T) {
	items := append(mixedCatalogue(),
		CountItem{ID: "x1", Library: "mystery", Name: "Alpha"},
		CountItem{ID: "n1", Library: "", Name: "Untagged"},
		CountItem{ID: "p1", Library: "ppe", Name: "Gloves"},
	)
	ordering := NewOrdering([]string{"ingredients", "chemicals", "ppe"})

	got := ids(ordering.Sort(items))
	want := []string{"i3", "i2", "i1", "i4", "c2", "c3", "c1", "p1", "x1", "n1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("canonical order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"ingredients", "chemicals", "ppe", "mystery"}, ordering.Sections(items))
}

func TestNextIndexFollowsRenderOrder(t *testing.T) {
	ordering := NewOrdering([]string{"ingredients", "chemicals"})
	nav := NewNavigator(mixedCatalogue(), ordering, "")

	rendered := ids(nav.View())
	var walked []string
	for i, ok := 0, true; ok; i, ok = nav.NextIndex(i, Forward) {
		item, _ := nav.ItemAt(i)
		walked = append(walked, item.ID)
	}
	assert.Equal(t, rendered, walked)

	_, ok := nav.NextIndex(0, Backward)
	assert.False(t, ok)
	_, ok = nav.NextIndex(99, Forward)
	assert.False(t, ok)
}

func TestNextIndexNeverLeavesFilteredSection(t *testing.T) {
	ordering := NewOrdering([]string{"chemicals", "ingredients"})
	nav := NewNavigator(mixedCatalogue(), ordering, "Ingredients")
	require.Equal(t, 4, nav.Len())

	for start := 0; start < nav.Len(); start++ {
		for _, dir := range []Direction{Forward, Backward} {
			for i, ok := start, true; ok; i, ok = nav.NextIndex(i, dir) {
				item, found := nav.ItemAt(i)
				require.True(t, found)
				assert.Equal(t, "ingredients", item.Section(), "leaked to %s from start %d", item.ID, start)
			}
		}
	}

	last := nav.Len() - 1
	lastItem, _ := nav.ItemAt(last)
	assert.Equal(t, "i4", lastItem.ID)
	_, ok := nav.NextIndex(last, Forward)
	assert.False(t, ok, "next from the last ingredient must stop, not move into chemicals")
}

func TestFirstEmptyItemSkipsCountedAndPending(t *testing.T) {
	items := mixedCatalogue()
	items[5].Status = StatusCounted // i3 butter
	items[5].CountedQuantity = qty(1)
	s := newTestSession(items, &memorySink{})
	ordering := NewOrdering([]string{"ingredients", "chemicals"})

	require.NoError(t, s.SetPendingValue("i2", "3"))

	next, ok := s.FirstEmptyItem(ordering, "ingredients")
	require.True(t, ok)
	assert.Equal(t, "i1", next.ID)

	next, ok = s.FirstEmptyItem(ordering, "chemicals")
	require.True(t, ok)
	assert.Equal(t, "c2", next.ID)

	for _, id := range []string{"i1", "i4"} {
		require.NoError(t, s.SetPendingValue(id, "1"))
	}
	_, ok = s.FirstEmptyItem(ordering, "ingredients")
	assert.False(t, ok)
}

func TestSaveSectionCommitsOnlyThatSection(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession(mixedCatalogue(), sink)
	ordering := NewOrdering([]string{"ingredients", "chemicals"})
	c := NewCoordinator(s, ordering, CoordinatorOptions{AdvanceFocus: true})

	require.NoError(t, s.SetPendingValue("i2", "4"))
	require.NoError(t, s.SetPendingValue("c1", "2"))

	report := c.SaveSection(context.Background(), "ingredients")

	assert.Equal(t, 1, report.Saved)
	assert.Equal(t, []string{"i2"}, report.Result.Saved)
	assert.True(t, s.HasPending("c1"))
	require.NotNil(t, report.NextFocus)
	assert.Equal(t, "i3", report.NextFocus.ID)
}

func TestSaveAllIsIdempotent(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession(mixedCatalogue(), sink)
	c := NewCoordinator(s, NewOrdering(DefaultLibraries), CoordinatorOptions{})

	require.NoError(t, s.SetPendingValue("i1", "1"))
	require.NoError(t, s.SetPendingValue("c3", "2"))

	first := c.SaveAll(context.Background())
	assert.Equal(t, 2, first.Saved)
	writes := sink.count()

	second := c.SaveAll(context.Background())
	assert.Equal(t, 0, second.Saved)
	assert.Equal(t, writes, sink.count())
}

func TestSaveWithNothingPendingIsNoop(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession(mixedCatalogue(), sink)
	c := NewCoordinator(s, NewOrdering(DefaultLibraries), CoordinatorOptions{})

	report := c.SaveSection(context.Background(), "ppe")
	assert.Equal(t, 0, report.Saved)
	assert.NoError(t, report.Result.Err())
	assert.Zero(t, sink.count())
}
