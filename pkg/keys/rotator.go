package keys

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/registry"
)

const rotationLockName = "keys:rotation"

// Rotator periodically generates a fresh signing keypair. A distributed
// lock in the shared registry prevents double-rotation across admin
// replicas; because key lifetime exceeds the rotation interval by the
// overlap window, tokens minted just before a rotation keep verifying.
type Rotator struct {
	manager *Manager
	reg     *registry.Registry
	cfg     config.RotationConfig
	holder  string
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewRotator creates a rotation job for the manager's key directory.
func NewRotator(manager *Manager, reg *registry.Registry, cfg config.RotationConfig) *Rotator {
	return &Rotator{
		manager: manager,
		reg:     reg,
		cfg:     cfg,
		holder:  uuid.New().String(),
		logger:  log.WithComponent("key-rotator"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the rotation loop.
func (r *Rotator) Start() {
	go r.run()
}

// Stop stops the rotation loop.
func (r *Rotator) Stop() {
	close(r.stopCh)
}

func (r *Rotator) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RotateOnce(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// RotateOnce performs one rotation attempt: take the lock, generate a new
// keypair, reload, prune long-expired key files. Lock contention means
// another replica is rotating, so this run is skipped.
func (r *Rotator) RotateOnce(ctx context.Context) {
	acquired, err := r.reg.AcquireLock(ctx, rotationLockName, r.holder, r.cfg.LockTTL)
	if err != nil {
		r.logger.Error().Err(err).Msg("rotation lock acquire failed")
		metrics.KeyRotationsTotal.WithLabelValues("failed").Inc()
		return
	}
	if !acquired {
		r.logger.Debug().Msg("rotation lock held elsewhere, skipping run")
		metrics.KeyRotationsTotal.WithLabelValues("skipped").Inc()
		return
	}
	defer func() {
		if err := r.reg.ReleaseLock(ctx, rotationLockName, r.holder); err != nil {
			r.logger.Warn().Err(err).Msg("rotation lock release failed")
		}
	}()

	var genErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if _, genErr = r.manager.Generate(); genErr == nil {
			break
		}
		r.logger.Warn().Int("attempt", attempt).Err(genErr).Msg("key generation failed")
	}
	if genErr != nil {
		metrics.KeyRotationsTotal.WithLabelValues("failed").Inc()
		return
	}

	if err := r.manager.Load(); err != nil {
		r.logger.Error().Err(err).Msg("reload after rotation failed, keeping previous keys")
		metrics.KeyRotationsTotal.WithLabelValues("failed").Inc()
		return
	}

	if err := r.manager.Prune(24 * time.Hour); err != nil {
		r.logger.Warn().Err(err).Msg("key prune failed")
	}

	metrics.KeyRotationsTotal.WithLabelValues("rotated").Inc()
	r.logger.Info().Msg("signing key rotated")
}
