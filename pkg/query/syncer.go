package query

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
)

// Syncer applies file lifecycle events to the cache. Application is
// idempotent: creates and updates upsert by file ID, rejecting anything
// older than the cached row, and deletes tolerate absent rows. Replaying
// the same event therefore always converges to the same cache state.
type Syncer struct {
	cache  *Cache
	admin  *client.AdminClient
	logger zerolog.Logger
}

// NewSyncer creates a cache syncer.
func NewSyncer(cache *Cache, admin *client.AdminClient) *Syncer {
	return &Syncer{
		cache:  cache,
		admin:  admin,
		logger: log.WithComponent("cache-sync"),
	}
}

// Apply handles one delivered event. It is the events.Handler for the
// query service's subscriber.
func (s *Syncer) Apply(ctx context.Context, event *events.Event) error {
	switch event.Type {
	case events.FileCreated, events.FileUpdated:
		file := event.File
		if file == nil {
			// Thin event; fall back to the authoritative record.
			fetched, err := s.admin.GetFile(ctx, event.FileID)
			if err != nil {
				return fmt.Errorf("event for %s carries no snapshot and lookup failed: %w", event.FileID, err)
			}
			file = fetched
		}

		cached, err := s.cache.Get(file.ID)
		if err != nil {
			return err
		}
		if cached != nil && cached.UpdatedAt.After(file.UpdatedAt) {
			// Out-of-order replay; the cache already has newer state.
			s.logger.Debug().Str("file_id", file.ID).Msg("stale event skipped")
			return nil
		}
		if err := s.cache.Put(file); err != nil {
			return err
		}

	case events.FileDeleted:
		if err := s.cache.Delete(event.FileID); err != nil {
			return err
		}

	default:
		s.logger.Warn().Str("type", string(event.Type)).Msg("unknown event type ignored")
		return nil
	}

	metrics.EventsAppliedTotal.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Rebuild replaces the whole cache from the admin's authoritative store.
// This is the recovery path for events lost during subscriber downtime.
func (s *Syncer) Rebuild(ctx context.Context) (int, error) {
	files, err := s.admin.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	live := files[:0]
	for _, f := range files {
		if f.DeletedAt == nil {
			live = append(live, f)
		}
	}

	if err := s.cache.ReplaceAll(live); err != nil {
		return 0, err
	}
	s.logger.Info().Int("files", len(live)).Msg("cache rebuilt from authoritative store")
	return len(live), nil
}
