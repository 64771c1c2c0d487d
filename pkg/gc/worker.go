package gc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

// Worker drains the deferred-deletion queue, sweeps TTL-expired temporary
// files into it, and runs the orphan scan that finds data files whose
// authoritative record never materialized.
type Worker struct {
	cfg      config.GCConfig
	store    storage.Store
	elements *client.ElementClient
	pub      *events.Publisher
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a GC worker.
func NewWorker(cfg config.GCConfig, store storage.Store, elements *client.ElementClient, pub *events.Publisher) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    store,
		elements: elements,
		pub:      pub,
		logger:   log.WithComponent("gc"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the scan loops.
func (w *Worker) Start() {
	go w.run()
}

// Stop terminates the scan loops.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)

	scan := time.NewTicker(w.cfg.ScanInterval)
	defer scan.Stop()
	orphan := time.NewTicker(w.cfg.OrphanInterval)
	defer orphan.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-scan.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ScanInterval)
			w.SweepExpired(ctx)
			w.ProcessQueue(ctx)
			cancel()
		case <-orphan.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ScanInterval)
			w.ScanOrphans(ctx)
			cancel()
		}
	}
}

// SweepExpired soft-deletes temporary files whose TTL has lapsed and
// enqueues their bytes for reclamation. The soft delete happens here, not
// at reclamation time, so an expired file disappears from queries
// immediately and is never enqueued twice.
func (w *Worker) SweepExpired(ctx context.Context) {
	expired, err := w.store.ListExpiredFiles(time.Now().UTC())
	if err != nil {
		w.logger.Error().Err(err).Msg("expired file scan failed")
		return
	}

	for _, file := range expired {
		now := time.Now().UTC()
		if err := w.store.SoftDeleteFile(file.ID, now); err != nil {
			w.logger.Error().Err(err).Str("file_id", file.ID).Msg("soft delete failed")
			continue
		}

		if err := w.store.EnqueueCleanup(&types.CleanupEntry{
			ID:               uuid.New().String(),
			FileID:           file.ID,
			StorageElementID: file.StorageElementID,
			StorageFilename:  file.StorageFilename,
			StoragePath:      file.StoragePath,
			ScheduledAt:      now,
			Reason:           types.CleanupTTLExpired,
		}); err != nil {
			w.logger.Error().Err(err).Str("file_id", file.ID).Msg("cleanup enqueue failed")
			continue
		}

		if err := w.pub.FileDeleted(ctx, file.ID, file.StorageElementID); err != nil {
			w.logger.Warn().Err(err).Str("file_id", file.ID).Msg("file:deleted publish failed")
		}
		w.logger.Info().Str("file_id", file.ID).Msg("temporary file expired")
	}
}

// ProcessQueue deletes every due entry's bytes from its element. Failures
// reschedule with exponential backoff in hours (2h, 4h, 8h, ...) up to the
// retry limit, after which the entry is parked as unsuccessful for an
// operator to inspect.
func (w *Worker) ProcessQueue(ctx context.Context) {
	due, err := w.store.DueCleanup(time.Now().UTC())
	if err != nil {
		w.logger.Error().Err(err).Msg("cleanup queue scan failed")
		return
	}

	for _, entry := range due {
		w.processEntry(ctx, entry)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry *types.CleanupEntry) {
	err := w.deleteBytes(ctx, entry)
	now := time.Now().UTC()

	if err == nil {
		entry.ProcessedAt = &now
		entry.Success = true
		entry.ErrorMessage = ""
		if err := w.store.UpdateCleanup(entry); err != nil {
			w.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("cleanup entry update failed")
		}
		metrics.GCProcessedTotal.WithLabelValues("ok").Inc()
		w.logger.Info().
			Str("file_id", entry.FileID).
			Str("element_id", entry.StorageElementID).
			Str("reason", string(entry.Reason)).
			Msg("cleanup processed")
		return
	}

	entry.RetryCount++
	entry.ErrorMessage = err.Error()
	if entry.RetryCount >= w.cfg.MaxRetries {
		entry.ProcessedAt = &now
		entry.Success = false
		metrics.GCProcessedTotal.WithLabelValues("exhausted").Inc()
		w.logger.Error().
			Err(err).
			Str("entry_id", entry.ID).
			Int("retries", entry.RetryCount).
			Msg("cleanup retries exhausted")
	} else {
		entry.ScheduledAt = now.Add(time.Duration(1<<uint(entry.RetryCount)) * time.Hour)
		metrics.GCProcessedTotal.WithLabelValues("retry").Inc()
		w.logger.Warn().
			Err(err).
			Str("entry_id", entry.ID).
			Time("rescheduled", entry.ScheduledAt).
			Msg("cleanup failed, rescheduled")
	}
	if err := w.store.UpdateCleanup(entry); err != nil {
		w.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("cleanup entry update failed")
	}
}

func (w *Worker) deleteBytes(ctx context.Context, entry *types.CleanupEntry) error {
	el, err := w.store.GetElement(entry.StorageElementID)
	if err != nil {
		return err
	}
	return w.elements.Delete(ctx, el.APIURL, entry.StoragePath, entry.StorageFilename)
}

// ScanOrphans walks every element's sidecars older than the orphan age and
// enqueues any whose file ID has no authoritative record. The age floor
// keeps the scan from racing an in-flight upload that has stored bytes but
// not yet registered.
func (w *Worker) ScanOrphans(ctx context.Context) {
	els, err := w.store.ListElements()
	if err != nil {
		w.logger.Error().Err(err).Msg("element list failed for orphan scan")
		return
	}

	cutoff := time.Now().UTC().Add(-w.cfg.OrphanAge)
	for _, el := range els {
		sidecars, err := w.elements.Sidecars(ctx, el.APIURL, cutoff)
		if err != nil {
			w.logger.Warn().Err(err).Str("element_id", el.ID).Msg("sidecar listing failed")
			continue
		}

		for _, attrs := range sidecars {
			_, err := w.store.GetFile(attrs.FileID)
			if err == nil {
				continue
			}
			if !errors.Is(err, errdefs.ErrNotFound) {
				w.logger.Warn().Err(err).Str("file_id", attrs.FileID).Msg("orphan lookup failed")
				continue
			}

			if err := w.store.EnqueueCleanup(&types.CleanupEntry{
				ID:               uuid.New().String(),
				FileID:           attrs.FileID,
				StorageElementID: el.ID,
				StorageFilename:  attrs.StorageFilename,
				StoragePath:      attrs.StoragePath,
				ScheduledAt:      time.Now().UTC(),
				Reason:           types.CleanupOrphaned,
			}); err != nil {
				w.logger.Error().Err(err).Str("file_id", attrs.FileID).Msg("orphan enqueue failed")
				continue
			}
			w.logger.Info().
				Str("file_id", attrs.FileID).
				Str("element_id", el.ID).
				Msg("orphaned data file enqueued for cleanup")
		}
	}
}
