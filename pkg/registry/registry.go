package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

const (
	capacityRecordPrefix = "capacity:record:"
	fileCachePrefix      = "cache:file:"

	// IndexRW and IndexEdit are the sorted candidate indices read by the
	// selector. Scores are priority*1e9 + available_bytes so one range
	// read returns candidates grouped by priority.
	IndexRW   = "capacity:rw:available"
	IndexEdit = "capacity:edit:available"

	indexScorePriorityUnit = 1e9
)

// Registry is the shared cluster registry backed by redis. It holds
// capacity records written by the monitor leader, the sorted candidate
// indices read by the selector, leader leases and distributed locks, and
// the query service's L2 metadata cache.
type Registry struct {
	rdb *redis.Client
}

// New connects to the shared registry.
func New(cfg config.RedisConfig) *Registry {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Registry{rdb: rdb}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Client exposes the underlying redis client for pub/sub consumers.
func (r *Registry) Client() *redis.Client {
	return r.rdb
}

// Ping verifies registry reachability.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *Registry) Close() error {
	return r.rdb.Close()
}

// indexFor returns the sorted index key for a mode, or "" when the mode
// takes no new writes and has no index.
func indexFor(mode types.Mode) string {
	switch mode {
	case types.ModeRW:
		return IndexRW
	case types.ModeEdit:
		return IndexEdit
	}
	return ""
}

// Score computes the sorted index score for a capacity record.
func Score(priority int, available int64) float64 {
	return float64(priority)*indexScorePriorityUnit + float64(available)
}

// PutCapacity writes a capacity record with the given TTL and refreshes the
// element's entry in the candidate indices.
func (r *Registry) PutCapacity(ctx context.Context, rec *types.CapacityRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, capacityRecordPrefix+rec.ElementID, data, ttl)
	// The element lives in at most one index; clear both in case its mode
	// changed since the last poll.
	pipe.ZRem(ctx, IndexRW, rec.ElementID)
	pipe.ZRem(ctx, IndexEdit, rec.ElementID)
	if idx := indexFor(rec.Mode); idx != "" && rec.Health == types.HealthHealthy {
		pipe.ZAdd(ctx, idx, redis.Z{
			Score:  Score(rec.Priority, rec.Available),
			Member: rec.ElementID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write capacity record: %w", err)
	}
	return nil
}

// GetCapacity reads one capacity record.
func (r *Registry) GetCapacity(ctx context.Context, elementID string) (*types.CapacityRecord, error) {
	data, err := r.rdb.Get(ctx, capacityRecordPrefix+elementID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("capacity record %s: %w", elementID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec types.CapacityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Candidates returns element IDs from the mode's sorted index in score
// order (ascending priority).
func (r *Registry) Candidates(ctx context.Context, mode types.Mode) ([]string, error) {
	idx := indexFor(mode)
	if idx == "" {
		return nil, fmt.Errorf("no candidate index for mode %s", mode)
	}
	return r.rdb.ZRange(ctx, idx, 0, -1).Result()
}

// InvalidateCapacity drops an element's record and index entries, forcing a
// fresh poll before it can be selected again. Called after a 507.
func (r *Registry) InvalidateCapacity(ctx context.Context, elementID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, capacityRecordPrefix+elementID)
	pipe.ZRem(ctx, IndexRW, elementID)
	pipe.ZRem(ctx, IndexEdit, elementID)
	_, err := pipe.Exec(ctx)
	return err
}

// CacheFile writes a file metadata snapshot into the L2 cache.
func (r *Registry) CacheFile(ctx context.Context, file *types.File, ttl time.Duration) error {
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, fileCachePrefix+file.ID, data, ttl).Err()
}

// CachedFile reads a file metadata snapshot from the L2 cache.
func (r *Registry) CachedFile(ctx context.Context, fileID string) (*types.File, error) {
	data, err := r.rdb.Get(ctx, fileCachePrefix+fileID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("cached file %s: %w", fileID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var file types.File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// InvalidateFile drops a file snapshot from the L2 cache.
func (r *Registry) InvalidateFile(ctx context.Context, fileID string) error {
	return r.rdb.Del(ctx, fileCachePrefix+fileID).Err()
}

// Publish sends a payload on a pub/sub channel.
func (r *Registry) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.rdb.Publish(ctx, channel, payload).Err()
}
