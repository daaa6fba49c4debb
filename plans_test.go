package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PlanStore {
	t.Helper()
	store, err := NewPlanStore(t.TempDir(), 5*time.Second)
	require.NoError(t, err)
	return store
}

func validInput() PlanInput {
	return PlanInput{
		Name:       "sunrise",
		HWMode:     "4ch_v1",
		IntervalMS: 100,
		Steps:      [][]float64{{0, 0, 0, 0}, {25, 25, 25, 25}},
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	plan, err := store.Create(validInput())
	require.NoError(t, err)
	assert.Equal(t, "sunrise", plan.ID)
	assert.Equal(t, 4, plan.Channels)
	assert.Equal(t, "0-100", plan.IntensityScale)
	assert.NotEmpty(t, plan.CreatedAt)
	assert.Equal(t, plan.CreatedAt, plan.UpdatedAt)

	got, err := store.Get("sunrise")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 0, 0, 0}, {25, 25, 25, 25}}, got.Steps)
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		name   string
		mutate func(*PlanInput)
	}{
		{"empty name", func(in *PlanInput) { in.Name = "" }},
		{"unknown mode", func(in *PlanInput) { in.HWMode = "nope" }},
		{"non-default mode", func(in *PlanInput) { in.HWMode = "rgb_v1" }},
		{"zero interval", func(in *PlanInput) { in.IntervalMS = 0 }},
		{"no steps", func(in *PlanInput) { in.Steps = nil }},
		{"short step", func(in *PlanInput) { in.Steps = [][]float64{{0, 0, 0}} }},
		{"value over 100", func(in *PlanInput) { in.Steps = [][]float64{{0, 0, 0, 101}} }},
		{"negative value", func(in *PlanInput) { in.Steps = [][]float64{{-1, 0, 0, 0}} }},
		{"channel count mismatch", func(in *PlanInput) { in.Channels = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := store.Create(in)
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestCreateRoundsFractionalValues(t *testing.T) {
	store := newTestStore(t)
	in := validInput()
	in.Steps = [][]float64{{0.4, 0.5, 99.5, 100}}
	plan, err := store.Create(in)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 100, 100}}, plan.Steps)
}

func TestCreateSanitizesAndSuffixesID(t *testing.T) {
	store := newTestStore(t)

	in := validInput()
	in.Name = "My Plan!"
	first, err := store.Create(in)
	require.NoError(t, err)
	assert.Equal(t, "My_Plan_", first.ID)

	second, err := store.Create(in)
	require.NoError(t, err)
	assert.Equal(t, "My_Plan__1", second.ID)
	assert.Equal(t, "My Plan!", second.Name)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return created }

	plan, err := store.Create(validInput())
	require.NoError(t, err)

	store.now = func() time.Time { return created.Add(time.Hour) }
	in := validInput()
	in.Steps = [][]float64{{100, 100, 100, 100}}
	updated, err := store.Update(plan.ID, in)
	require.NoError(t, err)
	assert.Equal(t, plan.CreatedAt, updated.CreatedAt)
	assert.NotEqual(t, updated.CreatedAt, updated.UpdatedAt)
	assert.Equal(t, [][]int{{100, 100, 100, 100}}, updated.Steps)

	_, err = store.Update("ghost", validInput())
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGetRejectsUnsafeIDs(t *testing.T) {
	store := newTestStore(t)
	for _, id := range []string{"", "../etc/passwd", "a b", "x/y"} {
		_, err := store.Get(id)
		require.Error(t, err, "id %q", id)
		assert.Equal(t, KindValidation, KindOf(err))
	}
}

func TestCacheServesOnlyFreshUnchangedFiles(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	plan, err := store.Create(validInput())
	require.NoError(t, err)
	path := filepath.Join(store.dir, plan.ID+".json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	mtime := info.ModTime()

	// Rewrite the file but restore its mtime: inside the TTL the cached
	// copy is still served.
	edited := []byte(`{"name":"sunrise","hw_mode":"4ch_v1","interval_ms":999,"steps":[[1,1,1,1]],"created_at":"2026-08-01T12:00:00Z"}`)
	require.NoError(t, os.WriteFile(path, edited, 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	got, err := store.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.IntervalMS)

	// Once the entry goes stale the file is reloaded even with an
	// unchanged mtime.
	now = now.Add(10 * time.Second)
	got, err = store.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 999, got.IntervalMS)
	// Fields the hand-edited file left out are backfilled on load.
	assert.Equal(t, 4, got.Channels)
	assert.Equal(t, "0-100", got.IntensityScale)
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)

	// An mtime change invalidates immediately, fresh entry or not.
	edited = []byte(`{"name":"sunrise","hw_mode":"4ch_v1","interval_ms":555,"steps":[[1,1,1,1]],"created_at":"2026-08-01T12:00:00Z"}`)
	require.NoError(t, os.WriteFile(path, edited, 0644))
	require.NoError(t, os.Chtimes(path, mtime.Add(time.Minute), mtime.Add(time.Minute)))
	got, err = store.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 555, got.IntervalMS)

	// So does deleting the file out from under the cache.
	require.NoError(t, os.Remove(path))
	_, err = store.Get(plan.ID)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	plan, err := store.Create(validInput())
	require.NoError(t, err)

	require.NoError(t, store.Delete(plan.ID))
	_, err = store.Get(plan.ID)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	err = store.Delete(plan.ID)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestListSortedSummaries(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"zebra", "alpha"} {
		in := validInput()
		in.Name = name
		_, err := store.Create(in)
		require.NoError(t, err)
	}
	// A stray non-plan file must not break listing.
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "notes.txt"), []byte("x"), 0644))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "zebra", list[1].ID)
	assert.Equal(t, 2, list[0].StepCount)
}
