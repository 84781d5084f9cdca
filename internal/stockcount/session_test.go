package stockcount

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu     sync.Mutex
	fail   map[string]bool
	writes []CountWrite
}

func (m *memorySink) SaveCount(_ context.Context, w CountWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[w.ItemID] {
		return errors.New("write rejected")
	}
	m.writes = append(m.writes, w)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func qty(v float64) *float64 { return &v }

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestSession(items []CountItem, sink Sink) *Session {
	return NewSession("count-1", items, Options{
		Sink: sink,
		Now:  func() time.Time { return fixedNow },
	})
}

func TestCommitComputesVarianceAndMarksCounted(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession([]CountItem{{
		ID: "flour", Name: "Flour", Library: "ingredients",
		TheoreticalClosing: qty(10),
		UnitCost:           decimal.NewNullDecimal(decimal.RequireFromString("2.00")),
	}}, sink)

	require.NoError(t, s.SetPendingValue("flour", "8"))
	res := s.Commit(context.Background(), []string{"flour"})

	require.NoError(t, res.Err())
	assert.Equal(t, []string{"flour"}, res.Saved)
	item, ok := s.Item("flour")
	require.True(t, ok)
	assert.Equal(t, StatusCounted, item.Status)
	require.NotNil(t, item.CountedQuantity)
	assert.Equal(t, 8.0, *item.CountedQuantity)
	assert.Equal(t, fixedNow, *item.CountedAt)
	assert.InDelta(t, -2, item.Variance.Quantity, 1e-9)
	assert.InDelta(t, -20, item.Variance.Percentage, 1e-9)
	assert.True(t, item.Variance.Value.Equal(decimal.RequireFromString("-4")))
	assert.False(t, s.HasPending("flour"))
	assert.Equal(t, "8", s.EffectiveValue("flour"))
}

func TestCommitZeroExpected(t *testing.T) {
	s := newTestSession([]CountItem{{
		ID: "bleach", Name: "Bleach", Library: "chemicals",
		TheoreticalClosing: qty(0),
		UnitCost:           decimal.NewNullDecimal(decimal.RequireFromString("5.00")),
	}}, &memorySink{})

	require.NoError(t, s.SetPendingValue("bleach", "3"))
	require.NoError(t, s.Commit(context.Background(), []string{"bleach"}).Err())

	item, _ := s.Item("bleach")
	assert.Equal(t, 0.0, item.Variance.Percentage)
	assert.True(t, item.Variance.Value.Equal(decimal.RequireFromString("15")))
}

func TestCommitExtremeQuantities(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession([]CountItem{{
		ID: "salt", Name: "Salt", Library: "ingredients",
		TheoreticalClosing: qty(-1e308),
		UnitCost:           decimal.NewNullDecimal(decimal.NewFromInt(1)),
	}}, sink)

	require.NoError(t, s.SetPendingValue("salt", "1e308"))
	var res CommitResult
	require.NotPanics(t, func() { res = s.Commit(context.Background(), []string{"salt"}) })
	require.NoError(t, res.Err())
	assert.Equal(t, 1, sink.count())

	item, _ := s.Item("salt")
	assert.Equal(t, math.MaxFloat64, item.Variance.Quantity)
	assert.True(t, item.Variance.Value.Equal(decimal.RequireFromString("2e308")))
}

func TestCommitSkipsNonNumericSilently(t *testing.T) {
	sink := &memorySink{}
	s := newTestSession([]CountItem{{ID: "salt", Name: "Salt", Library: "ingredients", TheoreticalClosing: qty(4)}}, sink)

	require.NoError(t, s.SetPendingValue("salt", "abc"))
	res := s.Commit(context.Background(), []string{"salt"})

	assert.NoError(t, res.Err())
	assert.Empty(t, res.Saved)
	assert.Equal(t, []string{"salt"}, res.Skipped)
	assert.Zero(t, sink.count())
	item, _ := s.Item("salt")
	assert.Equal(t, StatusPending, item.Status)
	assert.Nil(t, item.CountedQuantity)
	assert.Equal(t, "abc", s.EffectiveValue("salt"))
}

func TestCommitLeavesOnlyInvalidEntriesBuffered(t *testing.T) {
	items := []CountItem{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"}, {ID: "f"}}
	s := newTestSession(items, &memorySink{})

	inputs := map[string]string{"a": "1", "b": "", "c": " 2.5 ", "d": "NaN", "e": "1e400", "f": "x1"}
	for id, v := range inputs {
		require.NoError(t, s.SetPendingValue(id, v))
	}
	res := s.Commit(context.Background(), []string{"a", "b", "c", "d", "e", "f"})

	assert.ElementsMatch(t, []string{"a", "c"}, res.Saved)
	assert.ElementsMatch(t, []string{"b", "d", "e", "f"}, s.PendingIDs())
}

func TestCommitPartialFailureKeepsFailedValues(t *testing.T) {
	sink := &memorySink{fail: map[string]bool{"i2": true, "i4": true}}
	items := []CountItem{
		{ID: "i1", Name: "Milk"}, {ID: "i2", Name: "Cream"}, {ID: "i3", Name: "Butter"},
		{ID: "i4", Name: "Eggs"}, {ID: "i5", Name: "Cheese"},
	}
	s := newTestSession(items, sink)
	values := map[string]string{"i1": "1", "i2": "2", "i3": "3", "i4": "4", "i5": "5"}
	for id, v := range values {
		require.NoError(t, s.SetPendingValue(id, v))
	}

	res := s.Commit(context.Background(), []string{"i1", "i2", "i3", "i4", "i5"})

	assert.ElementsMatch(t, []string{"i1", "i3", "i5"}, res.Saved)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "2", s.EffectiveValue("i2"))
	assert.Equal(t, "4", s.EffectiveValue("i4"))

	err := res.Err()
	var partial *PartialSaveError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, err.Error(), "Cream")
	assert.Contains(t, err.Error(), "Eggs")

	failed, _ := s.Item("i2")
	assert.Equal(t, StatusPending, failed.Status)
}

type gatedSink struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedSink) SaveCount(ctx context.Context, _ CountWrite) error {
	close(g.started)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCommitDoesNotClearNewerEdit(t *testing.T) {
	sink := &gatedSink{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestSession([]CountItem{{ID: "rice", Name: "Rice"}}, sink)
	require.NoError(t, s.SetPendingValue("rice", "5"))

	done := make(chan CommitResult)
	go func() { done <- s.Commit(context.Background(), []string{"rice"}) }()

	<-sink.started
	require.NoError(t, s.SetPendingValue("rice", "7"))
	close(sink.release)
	res := <-done

	assert.Equal(t, []string{"rice"}, res.Saved)
	assert.True(t, s.HasPending("rice"))
	assert.Equal(t, "7", s.EffectiveValue("rice"))
}

func TestSetPendingValueUnknownItem(t *testing.T) {
	s := newTestSession(nil, &memorySink{})
	assert.ErrorIs(t, s.SetPendingValue("ghost", "1"), ErrUnknownItem)
}

func TestEffectiveValueFallsBackToPersisted(t *testing.T) {
	s := newTestSession([]CountItem{
		{ID: "a", CountedQuantity: qty(2.5), Status: StatusCounted},
		{ID: "b"},
	}, &memorySink{})

	assert.Equal(t, "2.5", s.EffectiveValue("a"))
	assert.Equal(t, "", s.EffectiveValue("b"))
	require.NoError(t, s.SetPendingValue("a", "3"))
	assert.Equal(t, "3", s.EffectiveValue("a"))
}

type staticCatalogue struct{ items []CountItem }

func (c staticCatalogue) CountItems(context.Context, string) ([]CountItem, error) {
	return c.items, nil
}

func TestRefreshPreservesPendingValues(t *testing.T) {
	cat := staticCatalogue{items: []CountItem{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}}
	s, err := Load(context.Background(), "count-1", Options{Catalogue: cat, Sink: &memorySink{}})
	require.NoError(t, err)
	require.NoError(t, s.SetPendingValue("a", "9"))

	require.NoError(t, s.Refresh(context.Background()))

	assert.Equal(t, "9", s.EffectiveValue("a"))
	counted, total := s.Progress()
	assert.Equal(t, 0, counted)
	assert.Equal(t, 2, total)
}
