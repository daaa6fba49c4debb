package framering

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsSequence(t *testing.T) {
	r := New(4)
	assert.Equal(t, uint64(1), r.Append("repeater", nil, []byte{1}))
	assert.Equal(t, uint64(2), r.Append("repeater", nil, []byte{2}))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, uint64(2), r.LastSeq())
}

func TestAppendCopiesData(t *testing.T) {
	r := New(2)
	buf := []byte{10, 20}
	r.Append("streamer", nil, buf)
	buf[0] = 99

	got := r.Snapshot(1)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{10, 20}, got[0].Data)
}

func TestWrapEvictsOldest(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Append("repeater", nil, []byte{byte(i)})
	}

	assert.Equal(t, 3, r.Len())
	got := r.Snapshot(0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)
	assert.Equal(t, []byte{3}, got[0].Data)
}

func TestSnapshotLatestN(t *testing.T) {
	r := New(8)
	for i := 1; i <= 6; i++ {
		r.Append("repeater", []string{fmt.Sprintf("dev-%d", i)}, []byte{byte(i)})
	}

	got := r.Snapshot(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Seq)
	assert.Equal(t, uint64(6), got[1].Seq)
	assert.Equal(t, []string{"dev-6"}, got[1].Targets)
}

func TestSinceCursor(t *testing.T) {
	r := New(8)
	for i := 1; i <= 5; i++ {
		r.Append("repeater", nil, []byte{byte(i)})
	}

	got := r.Since(3)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq)

	assert.Empty(t, r.Since(5))
	assert.Empty(t, r.Since(100))
}

func TestSinceLaggedCursorResumesAtOldest(t *testing.T) {
	r := New(3)
	for i := 1; i <= 10; i++ {
		r.Append("repeater", nil, []byte{byte(i)})
	}

	// Entries 1-7 are gone; a cursor at 2 picks up from 8.
	got := r.Since(2)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(8), got[0].Seq)
	assert.Equal(t, uint64(10), got[2].Seq)
}

func TestEmptyRing(t *testing.T) {
	r := New(4)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot(10))
	assert.Empty(t, r.Since(0))
}
