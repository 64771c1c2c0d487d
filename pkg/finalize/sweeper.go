package finalize

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

const sweepInterval = time.Minute

// Sweeper fails transactions stuck in a non-terminal phase past the phase
// timeout. A coordinator crash mid-protocol leaves such rows behind; the
// sweeper guarantees they never dangle and their partial target copies get
// removed.
type Sweeper struct {
	store    storage.Store
	elements *client.ElementClient
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a stale-transaction sweeper.
func NewSweeper(store storage.Store, elements *client.ElementClient) *Sweeper {
	return &Sweeper{
		store:    store,
		elements: elements,
		logger:   log.WithComponent("finalize-sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce fails every transaction older than the phase timeout.
func (s *Sweeper) SweepOnce() {
	stale, err := s.store.StaleTransactions(time.Now().UTC().Add(-phaseTimeout))
	if err != nil {
		s.logger.Error().Err(err).Msg("stale transaction scan failed")
		return
	}

	for _, tx := range stale {
		s.reap(tx)
	}
}

func (s *Sweeper) reap(tx *types.FinalizeTransaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Best-effort removal of a partial target copy.
	if tx.TargetPath != "" && tx.TargetElement != "" {
		if file, err := s.store.GetFile(tx.FileID); err == nil {
			if target, err := s.store.GetElement(tx.TargetElement); err == nil {
				if err := s.elements.Delete(ctx, target.APIURL, tx.TargetPath, file.StorageFilename); err != nil {
					s.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("stale target cleanup failed")
				}
			}
		}
	}

	tx.Status = types.TxFailed
	tx.ErrorCode = errCodeTimeout
	tx.ErrorMessage = "transaction exceeded phase timeout"
	tx.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTransaction(tx); err != nil {
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("stale transaction update failed")
		return
	}

	metrics.FinalizeTotal.WithLabelValues(string(types.TxFailed)).Inc()
	s.logger.Warn().
		Str("transaction_id", tx.ID).
		Str("file_id", tx.FileID).
		Msg("stale finalize transaction failed by sweeper")
}
