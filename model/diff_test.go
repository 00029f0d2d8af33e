package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestItems(ids ...string) Items {
	items := make(Items, 0, len(ids))
	for _, id := range ids {
		items = append(items, NewItem(id, map[string]interface{}{"title": "title " + id}))
	}

	return items
}

func newTestIds(prefix string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("%s%d", prefix, i))
	}

	return ids
}

// checkDiffInvariants checks conservation and disjointness of a non-nil Diff.
func checkDiffInvariants(t *testing.T, diff *Diff) {
	require.NotNil(t, diff)
	require.Equal(t, len(diff.Removed)+len(diff.Added)+len(diff.Updated), diff.TotalChanges, "conservation")

	removed := make(map[string]bool)
	for _, id := range diff.Removed {
		removed[id] = true
	}
	for _, add := range diff.Added {
		require.False(t, removed[add.Item.CanonicalId()], "added/removed disjoint: %s", add.Item.CanonicalId())
	}
}

func Test_ComputeDiff_NoBaseline(t *testing.T) {
	require.Nil(t, ComputeDiff(nil, newTestItems("a1")))
	require.Nil(t, ComputeDiff([]string{}, newTestItems("a1")))
}

func Test_ComputeDiff_Determinism(t *testing.T) {
	old := []string{"a1", "a2", "a3", "a4", "a5"}
	items := newTestItems("a5", "a2", "a6", "a1")

	diff1 := ComputeDiff(old, items)
	diff2 := ComputeDiff(old, items)
	require.Equal(t, diff1, diff2)
}

func Test_ComputeDiff_Idempotence(t *testing.T) {
	old := []string{"a1", "a2", "a3"}

	diff := ComputeDiff(old, newTestItems(old...))
	checkDiffInvariants(t, diff)
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)
	require.Empty(t, diff.Updated)
	require.Equal(t, 0, diff.TotalChanges)
	require.True(t, diff.IsEmpty())
}

func Test_ComputeDiff_InsertPosition(t *testing.T) {
	diff := ComputeDiff([]string{"a1", "a3"}, newTestItems("a1", "a2", "a3"))
	checkDiffInvariants(t, diff)

	require.Len(t, diff.Added, 1)
	require.Equal(t, "a2", diff.Added[0].Item.CanonicalId())
	require.Equal(t, 2, diff.Added[0].Position)
	require.Empty(t, diff.Removed)

	// a3 shifted from idx 1 to idx 2 as a consequence of the insert
	require.Equal(t, []UpdatedItem{{Id: "a3", Position: 3}}, diff.Updated)
}

func Test_ComputeDiff_InsertKeepsUnaffectedNeighbors(t *testing.T) {
	old := []string{"a1", "a2", "a3", "a4"}
	diff := ComputeDiff(old, newTestItems("a1", "a2", "a3", "x", "a4"))
	checkDiffInvariants(t, diff)

	require.Len(t, diff.Added, 1)
	require.Equal(t, 4, diff.Added[0].Position)
	for _, upd := range diff.Updated {
		require.NotContains(t, []string{"a1", "a2", "a3"}, upd.Id)
	}
}

func Test_ComputeDiff_Scenario(t *testing.T) {
	old := []string{"a1", "a2", "a3", "a4", "a5"}
	diff := ComputeDiff(old, newTestItems("a5", "a2", "a6", "a1"))
	checkDiffInvariants(t, diff)

	require.Equal(t, []string{"a3", "a4"}, diff.Removed)

	require.Len(t, diff.Added, 1)
	require.Equal(t, "a6", diff.Added[0].Item.CanonicalId())
	require.Equal(t, 3, diff.Added[0].Position)
	require.Equal(t, "title a6", diff.Added[0].Item.Fields["title"])

	require.ElementsMatch(t, []UpdatedItem{
		{Id: "a5", Position: 1},
		{Id: "a1", Position: 4},
	}, diff.Updated)
	for _, upd := range diff.Updated {
		require.NotEqual(t, "a2", upd.Id)
	}

	require.Equal(t, 5, diff.TotalChanges)
}

func Test_ComputeDiff_ThresholdBoundary(t *testing.T) {
	old := newTestIds("a", 40)

	// replace the first n items in place: n removed + n added, no moves
	replaced := func(n int) Items {
		ids := make([]string, len(old))
		copy(ids, old)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("b%d", i)
		}
		return newTestItems(ids...)
	}

	// 10 removed + 10 added == 20
	diff := ComputeDiff(old, replaced(10))
	checkDiffInvariants(t, diff)
	require.Equal(t, 20, diff.TotalChanges)
	require.Empty(t, diff.Updated)

	// 10 removed + 10 added + 1 new item appended == 21
	items := append(replaced(10), NewItem("c0", nil))
	require.Nil(t, ComputeDiff(old, items))
}

func Test_ComputeDiff_ThresholdFraction(t *testing.T) {
	old := newTestIds("a", 100)

	// threshold == 50
	ids := make([]string, len(old))
	copy(ids, old)
	for i := 0; i < 25; i++ {
		ids[i] = fmt.Sprintf("b%d", i)
	}
	diff := ComputeDiff(old, newTestItems(ids...))
	checkDiffInvariants(t, diff)
	require.Equal(t, 50, diff.TotalChanges)

	ids[25] = "b25"
	require.Nil(t, ComputeDiff(old, newTestItems(ids...)))

	// custom threshold
	require.Nil(t, ComputeDiff(old, newTestItems(ids[:99]...), WithDiffThreshold(1, 0)))
	require.NotNil(t, ComputeDiff(old, newTestItems(ids...), WithDiffThreshold(60, 0)))
}

func Test_ComputeDiff_FullSwap(t *testing.T) {
	old := newTestIds("a", 30)
	require.Nil(t, ComputeDiff(old, newTestItems(newTestIds("b", 30)...)))
}

func Test_ComputeDiff_ItemsWithoutId(t *testing.T) {
	items := Items{
		NewItem("a1", nil),
		{Fields: map[string]interface{}{"title": "no id"}},
		{Alias: "a2"},
	}

	diff := ComputeDiff([]string{"a1", "a2"}, items)
	checkDiffInvariants(t, diff)
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)
	require.Equal(t, []UpdatedItem{{Id: "a2", Position: 3}}, diff.Updated)
}

func Test_ComputeDiff_Removal(t *testing.T) {
	diff := ComputeDiff([]string{"a1", "a2", "a3"}, newTestItems("a1", "a2"))
	checkDiffInvariants(t, diff)
	require.Equal(t, []string{"a3"}, diff.Removed)
	require.Equal(t, 1, diff.TotalChanges)
}
