package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/types"
)

// TestSyncerApply tests that event application upserts, tolerates replays,
// and skips events older than the cached row.
func TestSyncerApply(t *testing.T) {
	cache := newTestCache(t)
	syncer := NewSyncer(cache, nil)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	v1 := &types.File{ID: "f1", OriginalFilename: "a.txt", UpdatedAt: base}
	v2 := &types.File{ID: "f1", OriginalFilename: "a.txt", RetentionPolicy: types.RetentionPermanent, UpdatedAt: base.Add(time.Minute)}

	require.NoError(t, syncer.Apply(ctx, &events.Event{Type: events.FileCreated, FileID: "f1", File: v1}))
	got, err := cache.Get("f1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, base, got.UpdatedAt)

	// Update advances the cached row.
	require.NoError(t, syncer.Apply(ctx, &events.Event{Type: events.FileUpdated, FileID: "f1", File: v2}))
	got, err = cache.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, types.RetentionPermanent, got.RetentionPolicy)

	// Replaying the older create must not roll the row back.
	require.NoError(t, syncer.Apply(ctx, &events.Event{Type: events.FileCreated, FileID: "f1", File: v1}))
	got, err = cache.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, types.RetentionPermanent, got.RetentionPolicy)
	assert.Equal(t, base.Add(time.Minute), got.UpdatedAt)
}

func TestSyncerApplyIsIdempotent(t *testing.T) {
	cache := newTestCache(t)
	syncer := NewSyncer(cache, nil)
	ctx := context.Background()

	file := &types.File{ID: "f1", OriginalFilename: "a.txt", UpdatedAt: time.Now().UTC()}
	ev := &events.Event{Type: events.FileCreated, FileID: "f1", File: file}

	require.NoError(t, syncer.Apply(ctx, ev))
	require.NoError(t, syncer.Apply(ctx, ev))

	n, err := cache.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncerApplyDelete(t *testing.T) {
	cache := newTestCache(t)
	syncer := NewSyncer(cache, nil)
	ctx := context.Background()

	require.NoError(t, cache.Put(&types.File{ID: "f1"}))
	require.NoError(t, syncer.Apply(ctx, &events.Event{Type: events.FileDeleted, FileID: "f1"}))

	got, err := cache.Get("f1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A replayed delete for an absent row stays a no-op.
	require.NoError(t, syncer.Apply(ctx, &events.Event{Type: events.FileDeleted, FileID: "f1"}))
}

func TestSyncerApplyUnknownType(t *testing.T) {
	cache := newTestCache(t)
	syncer := NewSyncer(cache, nil)

	err := syncer.Apply(context.Background(), &events.Event{Type: "file:defragmented", FileID: "f1"})
	assert.NoError(t, err)

	n, err := cache.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
