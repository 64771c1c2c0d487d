package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/selector"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

const (
	phaseRetries   = 3
	retryInitial   = time.Second
	cleanupDelay   = 24 * time.Hour
	phaseTimeout   = 300 * time.Second
	errCodeCopy     = "copy_failed"
	errCodeVerify   = "checksum_mismatch"
	errCodeNoTarget = "no_target"
	errCodeTimeout  = "timed_out"
)

// Coordinator runs the two-phase finalize protocol: copy a temporary file
// from its EDIT element to an RW element, verify checksums on both sides,
// then commit the authoritative record and schedule the source copy for
// deferred deletion.
type Coordinator struct {
	store    storage.Store
	sel      *selector.Selector
	elements *client.ElementClient
	pub      *events.Publisher
	logger   zerolog.Logger
}

// NewCoordinator creates a finalize coordinator.
func NewCoordinator(store storage.Store, sel *selector.Selector, elements *client.ElementClient, pub *events.Publisher) *Coordinator {
	return &Coordinator{
		store:    store,
		sel:      sel,
		elements: elements,
		pub:      pub,
		logger:   log.WithComponent("finalize"),
	}
}

// Begin validates the file, records a copying transaction, and runs the
// protocol in the background. A duplicate begin while a transaction is
// non-terminal returns the existing transaction unchanged.
func (c *Coordinator) Begin(ctx context.Context, fileID string) (*types.FinalizeTransaction, error) {
	file, err := c.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	if file.DeletedAt != nil {
		return nil, fmt.Errorf("file %s is deleted: %w", fileID, errdefs.ErrNotFound)
	}
	if file.RetentionPolicy != types.RetentionTemporary || file.FinalizedAt != nil {
		// A finalized file's begin is idempotent: hand back the
		// transaction that completed it instead of failing.
		if done, err := c.store.CompletedTransactionForFile(fileID); err == nil && done != nil {
			return done, nil
		}
		return nil, fmt.Errorf("file %s is already permanent: %w", fileID, errdefs.ErrConflict)
	}

	now := time.Now().UTC()
	tx := &types.FinalizeTransaction{
		ID:            uuid.New().String(),
		FileID:        fileID,
		SourceElement: file.StorageElementID,
		Status:        types.TxCopying,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, created, err := c.store.CreateTransaction(tx)
	if err != nil {
		return nil, err
	}
	if !created {
		c.logger.Info().
			Str("transaction_id", tx.ID).
			Str("file_id", fileID).
			Msg("finalize already in flight, returning existing transaction")
		return tx, nil
	}

	// The background run mutates tx as phases advance; the caller gets a
	// snapshot so encoding it never races.
	snapshot := *tx
	go c.run(tx, file)
	return &snapshot, nil
}

// Status returns the current transaction state.
func (c *Coordinator) Status(ctx context.Context, transactionID string) (*types.FinalizeTransaction, error) {
	return c.store.GetTransaction(transactionID)
}

// run drives one transaction to a terminal state.
func (c *Coordinator) run(tx *types.FinalizeTransaction, file *types.File) {
	ctx, cancel := context.WithTimeout(context.Background(), phaseTimeout)
	defer cancel()

	logger := log.WithTransactionID(tx.ID)

	source, err := c.store.GetElement(tx.SourceElement)
	if err != nil {
		c.fail(tx, errCodeCopy, fmt.Sprintf("source element lookup: %v", err))
		return
	}

	candidates, err := c.sel.Pick(ctx, types.ModeRW, file.FileSize)
	if err != nil {
		c.fail(tx, errCodeNoTarget, err.Error())
		return
	}
	target := candidates[0]
	tx.TargetElement = target.ElementID
	if err := c.update(tx, types.TxCopying); err != nil {
		c.fail(tx, errCodeCopy, err.Error())
		return
	}

	// Phase 1: copy. The target pulls from the source and reports the
	// checksum it computed while persisting.
	copyStart := time.Now()
	var result *client.CopyResult
	err = c.withRetry(ctx, tx, func() error {
		var copyErr error
		result, copyErr = c.elements.Copy(ctx, target.Endpoint, &client.CopyRequest{
			SourceURL:       source.APIURL,
			StoragePath:     file.StoragePath,
			StorageFilename: file.StorageFilename,
			Attributes: types.FileAttributes{
				FileID:           file.ID,
				OriginalFilename: file.OriginalFilename,
				ContentType:      file.ContentType,
				RetentionPolicy:  types.RetentionPermanent,
				UploadedBy:       file.UploadedBy,
				ChecksumSHA256:   file.ChecksumSHA256,
			},
		})
		return copyErr
	})
	if err != nil {
		c.fail(tx, errCodeCopy, err.Error())
		return
	}
	metrics.FinalizePhaseDuration.WithLabelValues("copy").Observe(time.Since(copyStart).Seconds())

	tx.ChecksumTarget = result.ChecksumSHA256
	tx.TargetPath = result.StoragePath
	if err := c.update(tx, types.TxCopied); err != nil {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeCopy, err.Error())
		return
	}

	// Phase 2: verify. Checksum mismatches never retry; the copy is
	// wrong and must be rolled back.
	verifyStart := time.Now()
	if err := c.update(tx, types.TxVerifying); err != nil {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeVerify, err.Error())
		return
	}

	if tx.ChecksumTarget != file.ChecksumSHA256 {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeVerify,
			fmt.Sprintf("target checksum %s does not match recorded %s", tx.ChecksumTarget, file.ChecksumSHA256))
		return
	}

	var sourceAttrs *types.FileAttributes
	err = c.withRetry(ctx, tx, func() error {
		var attrErr error
		sourceAttrs, attrErr = c.elements.Attributes(ctx, source.APIURL, file.StoragePath, file.StorageFilename)
		return attrErr
	})
	if err != nil {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeVerify, err.Error())
		return
	}
	tx.ChecksumSource = sourceAttrs.ChecksumSHA256
	if tx.ChecksumSource != file.ChecksumSHA256 {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeVerify,
			fmt.Sprintf("source checksum %s does not match recorded %s", tx.ChecksumSource, file.ChecksumSHA256))
		return
	}
	metrics.FinalizePhaseDuration.WithLabelValues("verify").Observe(time.Since(verifyStart).Seconds())

	// Commit: file row first, then the terminal transaction, then the
	// deferred cleanup of the source copy. The event goes out last so the
	// cache only ever learns committed state.
	now := time.Now().UTC()
	file.RetentionPolicy = types.RetentionPermanent
	file.FinalizedAt = &now
	file.TTLExpiresAt = nil
	file.StorageElementID = tx.TargetElement
	file.StoragePath = tx.TargetPath
	file.UpdatedAt = now
	if err := c.store.UpdateFile(file); err != nil {
		c.rollback(tx, target.Endpoint, file.StorageFilename, errCodeCopy, fmt.Sprintf("commit: %v", err))
		return
	}

	tx.CompletedAt = &now
	if err := c.update(tx, types.TxCompleted); err != nil {
		logger.Error().Err(err).Msg("transaction commit write failed after file update")
		return
	}

	if err := c.store.EnqueueCleanup(&types.CleanupEntry{
		ID:               uuid.New().String(),
		FileID:           file.ID,
		StorageElementID: tx.SourceElement,
		StorageFilename:  file.StorageFilename,
		StoragePath:      sourceAttrs.StoragePath,
		ScheduledAt:      now.Add(cleanupDelay),
		Reason:           types.CleanupFinalized,
	}); err != nil {
		logger.Error().Err(err).Msg("source cleanup enqueue failed")
	}

	if err := c.pub.FileUpdated(context.Background(), file); err != nil {
		logger.Warn().Err(err).Msg("file:updated publish failed")
	}

	metrics.FinalizeTotal.WithLabelValues(string(types.TxCompleted)).Inc()
	logger.Info().
		Str("file_id", file.ID).
		Str("target_se", tx.TargetElement).
		Msg("finalize completed")
}

// withRetry runs fn up to phaseRetries times with exponential backoff,
// bumping the transaction's retry counter on each failure. Checksum
// mismatches are detected by the caller, not here, so they never loop.
func (c *Coordinator) withRetry(ctx context.Context, tx *types.FinalizeTransaction, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err != nil {
			attempt++
			if attempt < phaseRetries {
				tx.RetryCount++
				c.store.UpdateTransaction(tx)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (c *Coordinator) update(tx *types.FinalizeTransaction, status types.TransactionStatus) error {
	tx.Status = status
	tx.UpdatedAt = time.Now().UTC()
	return c.store.UpdateTransaction(tx)
}

func (c *Coordinator) fail(tx *types.FinalizeTransaction, code, message string) {
	tx.ErrorCode = code
	tx.ErrorMessage = message
	if err := c.update(tx, types.TxFailed); err != nil {
		c.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed-state write failed")
	}
	metrics.FinalizeTotal.WithLabelValues(string(types.TxFailed)).Inc()
	c.logger.Warn().
		Str("transaction_id", tx.ID).
		Str("error_code", code).
		Str("error", message).
		Msg("finalize failed")
}

// rollback deletes the partial target copy best-effort and marks the
// transaction rolled back. The file record is untouched; the client may
// retry.
func (c *Coordinator) rollback(tx *types.FinalizeTransaction, targetURL, storageFilename, code, message string) {
	if tx.TargetPath != "" && storageFilename != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.elements.Delete(ctx, targetURL, tx.TargetPath, storageFilename); err != nil {
			c.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("target cleanup during rollback failed")
		}
		cancel()
	}

	tx.ErrorCode = code
	tx.ErrorMessage = message
	if err := c.update(tx, types.TxRolledBack); err != nil {
		c.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("rollback-state write failed")
	}
	metrics.FinalizeTotal.WithLabelValues(string(types.TxRolledBack)).Inc()
	c.logger.Warn().
		Str("transaction_id", tx.ID).
		Str("error_code", code).
		Str("error", message).
		Msg("finalize rolled back")
}
