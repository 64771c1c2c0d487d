package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := NewWithClient(rdb)
	t.Cleanup(func() { reg.Close() })
	return reg, mr
}

func healthyRecord(id string, mode types.Mode, priority int, available int64) *types.CapacityRecord {
	return &types.CapacityRecord{
		ElementID: id,
		Total:     available * 2,
		Used:      available,
		Available: available,
		Health:    types.HealthHealthy,
		Mode:      mode,
		Priority:  priority,
		LastPoll:  time.Now().UTC(),
	}
}

// TestPutCapacityIndexes tests that healthy records land in exactly one
// candidate index and the index orders by priority then available bytes.
func TestPutCapacityIndexes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-b", types.ModeRW, 1, 500), time.Minute))
	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-a", types.ModeRW, 1, 900), time.Minute))
	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-c", types.ModeRW, 2, 100), time.Minute))
	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-edit", types.ModeEdit, 1, 100), time.Minute))

	got, err := reg.Candidates(ctx, types.ModeRW)
	require.NoError(t, err)
	// Priority 1 before priority 2; within a priority, smaller available
	// scores lower.
	assert.Equal(t, []string{"se-b", "se-a", "se-c"}, got)

	editGot, err := reg.Candidates(ctx, types.ModeEdit)
	require.NoError(t, err)
	assert.Equal(t, []string{"se-edit"}, editGot)

	rec, err := reg.GetCapacity(ctx, "se-a")
	require.NoError(t, err)
	assert.Equal(t, int64(900), rec.Available)
}

func TestPutCapacityUnhealthyLeavesIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRW, 1, 500), time.Minute))

	rec := healthyRecord("se-1", types.ModeRW, 1, 500)
	rec.Health = types.HealthUnhealthy
	require.NoError(t, reg.PutCapacity(ctx, rec, time.Minute))

	got, err := reg.Candidates(ctx, types.ModeRW)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The record itself is still readable for diagnostics.
	stored, err := reg.GetCapacity(ctx, "se-1")
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnhealthy, stored.Health)
}

func TestPutCapacityModeChangeMovesIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRW, 1, 500), time.Minute))
	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeEdit, 1, 500), time.Minute))

	rw, err := reg.Candidates(ctx, types.ModeRW)
	require.NoError(t, err)
	assert.Empty(t, rw)

	edit, err := reg.Candidates(ctx, types.ModeEdit)
	require.NoError(t, err)
	assert.Equal(t, []string{"se-1"}, edit)
}

func TestPutCapacityROHasNoIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRW, 1, 500), time.Minute))
	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRO, 1, 500), time.Minute))

	rw, err := reg.Candidates(ctx, types.ModeRW)
	require.NoError(t, err)
	assert.Empty(t, rw)

	_, err = reg.Candidates(ctx, types.ModeRO)
	assert.Error(t, err)
}

func TestCapacityRecordTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRW, 1, 500), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := reg.GetCapacity(ctx, "se-1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestInvalidateCapacity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutCapacity(ctx, healthyRecord("se-1", types.ModeRW, 1, 500), time.Minute))
	require.NoError(t, reg.InvalidateCapacity(ctx, "se-1"))

	got, err := reg.Candidates(ctx, types.ModeRW)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = reg.GetCapacity(ctx, "se-1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestFileCache(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	file := &types.File{ID: "f1", OriginalFilename: "a.txt"}
	require.NoError(t, reg.CacheFile(ctx, file, time.Minute))

	got, err := reg.CachedFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.OriginalFilename)

	require.NoError(t, reg.InvalidateFile(ctx, "f1"))
	_, err = reg.CachedFile(ctx, "f1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	require.NoError(t, reg.CacheFile(ctx, file, time.Minute))
	mr.FastForward(2 * time.Minute)
	_, err = reg.CachedFile(ctx, "f1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

// TestLeaderLease tests acquire, renew-by-holder, and loss after expiry.
func TestLeaderLease(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.AcquireLeader(ctx, "holder-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second contender cannot take a held lease.
	ok, err = reg.AcquireLeader(ctx, "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can renew.
	ok, err = reg.RenewLeader(ctx, "holder-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.RenewLeader(ctx, "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// After expiry the lease is up for grabs.
	mr.FastForward(time.Minute)
	ok, err = reg.RenewLeader(ctx, "holder-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.AcquireLeader(ctx, "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLeaderOnlyByHolder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.AcquireLeader(ctx, "holder-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-holder release is a no-op.
	require.NoError(t, reg.ReleaseLeader(ctx, "holder-2"))
	ok, err = reg.AcquireLeader(ctx, "holder-3", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.ReleaseLeader(ctx, "holder-1"))
	ok, err = reg.AcquireLeader(ctx, "holder-3", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNamedLock(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.AcquireLock(ctx, "key-rotation", "a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.AcquireLock(ctx, "key-rotation", "b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different lock name is independent.
	ok, err = reg.AcquireLock(ctx, "other", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, reg.ReleaseLock(ctx, "key-rotation", "a"))
	ok, err = reg.AcquireLock(ctx, "key-rotation", "b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
