package gc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

type gcFixture struct {
	store  *storage.BoltStore
	worker *Worker

	deleteStatus atomic.Int32
	deleteCalls  atomic.Int32
	sidecars     []types.FileAttributes
}

func newGCFixture(t *testing.T, cfg config.GCConfig) *gcFixture {
	t.Helper()
	f := &gcFixture{}
	f.deleteStatus.Store(http.StatusNoContent)

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store

	element := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			f.deleteCalls.Add(1)
			w.WriteHeader(int(f.deleteStatus.Load()))
		case r.Method == http.MethodGet && r.URL.Path == "/internal/sidecars":
			json.NewEncoder(w).Encode(f.sidecars)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(element.Close)

	require.NoError(t, store.UpsertElement(&types.StorageElement{
		ID: "se-1", APIURL: element.URL, Mode: types.ModeRW, Status: types.ElementOnline,
	}))

	mr := miniredis.RunT(t)
	reg := registry.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { reg.Close() })

	f.worker = NewWorker(cfg, store, client.NewElementClient(nil), events.NewPublisher(reg))
	return f
}

// TestSweepExpired tests that an elapsed TTL soft-deletes the file, queues
// its bytes once, and never touches permanent or already-deleted files.
func TestSweepExpired(t *testing.T) {
	f := newGCFixture(t, config.GCConfig{MaxRetries: 5})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.store.CreateFile(&types.File{
		ID:               "expired",
		RetentionPolicy:  types.RetentionTemporary,
		TTLExpiresAt:     &past,
		StorageElementID: "se-1",
		StorageFilename:  "a.txt",
		StoragePath:      "2026/08/01/00",
	}))
	require.NoError(t, f.store.CreateFile(&types.File{
		ID:              "permanent",
		RetentionPolicy: types.RetentionPermanent,
	}))

	f.worker.SweepExpired(ctx)

	file, err := f.store.GetFile("expired")
	require.NoError(t, err)
	assert.NotNil(t, file.DeletedAt)

	due, err := f.store.DueCleanup(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "expired", due[0].FileID)
	assert.Equal(t, types.CleanupTTLExpired, due[0].Reason)

	// A second sweep sees the tombstone and does not enqueue again.
	f.worker.SweepExpired(ctx)
	due, err = f.store.DueCleanup(time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestProcessQueueSuccess(t *testing.T) {
	f := newGCFixture(t, config.GCConfig{MaxRetries: 5})

	require.NoError(t, f.store.EnqueueCleanup(&types.CleanupEntry{
		ID:               "c1",
		FileID:           "f1",
		StorageElementID: "se-1",
		StorageFilename:  "a.txt",
		StoragePath:      "2026/08/01/00",
		ScheduledAt:      time.Now().UTC().Add(-time.Minute),
		Reason:           types.CleanupTTLExpired,
	}))

	f.worker.ProcessQueue(context.Background())

	assert.Equal(t, int32(1), f.deleteCalls.Load())
	due, err := f.store.DueCleanup(time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

// TestProcessQueueBackoff tests the failure schedule: 2h, 4h, 8h doubling,
// then parked unsuccessful at the retry limit.
func TestProcessQueueBackoff(t *testing.T) {
	f := newGCFixture(t, config.GCConfig{MaxRetries: 3})
	f.deleteStatus.Store(http.StatusInternalServerError)
	ctx := context.Background()

	entry := &types.CleanupEntry{
		ID:               "c1",
		FileID:           "f1",
		StorageElementID: "se-1",
		StorageFilename:  "a.txt",
		StoragePath:      "2026/08/01/00",
		ScheduledAt:      time.Now().UTC().Add(-time.Minute),
		Reason:           types.CleanupTTLExpired,
	}
	require.NoError(t, f.store.EnqueueCleanup(entry))

	f.worker.ProcessQueue(ctx)

	// First failure reschedules two hours out.
	due, err := f.store.DueCleanup(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.store.DueCleanup(time.Now().UTC().Add(121 * time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.NotEmpty(t, due[0].ErrorMessage)

	// Second failure doubles the delay to four hours.
	f.worker.processEntry(ctx, due[0])
	due, err = f.store.DueCleanup(time.Now().UTC().Add(3 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.store.DueCleanup(time.Now().UTC().Add(241 * time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].RetryCount)

	// Third failure hits the limit and parks the entry.
	f.worker.processEntry(ctx, due[0])
	due, err = f.store.DueCleanup(time.Now().UTC().Add(1000 * time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, int32(3), f.deleteCalls.Load())
}

// TestScanOrphans tests that sidecars with no authoritative record are
// queued while registered ones are left alone.
func TestScanOrphans(t *testing.T) {
	f := newGCFixture(t, config.GCConfig{OrphanAge: 24 * time.Hour})
	ctx := context.Background()

	require.NoError(t, f.store.CreateFile(&types.File{ID: "registered"}))
	f.sidecars = []types.FileAttributes{
		{FileID: "registered", StorageFilename: "a.txt", StoragePath: "2026/08/01/00"},
		{FileID: "orphan", StorageFilename: "b.txt", StoragePath: "2026/08/01/00"},
	}

	f.worker.ScanOrphans(ctx)

	due, err := f.store.DueCleanup(time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "orphan", due[0].FileID)
	assert.Equal(t, types.CleanupOrphaned, due[0].Reason)
}
