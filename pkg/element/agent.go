package element

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/mode"
	"github.com/cuemby/strata/pkg/types"
)

const heartbeatInterval = 30 * time.Second

// Agent registers the element with the admin service and keeps the
// registration fresh with periodic heartbeats. Registration is idempotent;
// the admin upserts on element ID.
type Agent struct {
	cfg     config.ElementConfig
	store   *Store
	machine *mode.Machine
	admin   *client.AdminClient
	logger  zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewAgent creates the element's registration agent.
func NewAgent(cfg config.ElementConfig, store *Store, machine *mode.Machine, admin *client.AdminClient) *Agent {
	return &Agent{
		cfg:     cfg,
		store:   store,
		machine: machine,
		admin:   admin,
		logger:  log.WithElementID(cfg.ElementID),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start registers once synchronously, then heartbeats in the background.
// The initial registration failing is not fatal; the heartbeat loop keeps
// retrying.
func (a *Agent) Start(ctx context.Context) {
	if err := a.register(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("initial registration failed, will retry on heartbeat")
	}

	go a.run()
}

// Stop terminates the heartbeat loop.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Agent) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.register(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat registration failed")
			}
			cancel()
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	used, _, err := a.store.Usage()
	if err != nil {
		return err
	}

	return a.admin.RegisterElement(ctx, &types.StorageElement{
		ID:            a.cfg.ElementID,
		Name:          a.cfg.Name,
		DisplayName:   a.cfg.DisplayName,
		APIURL:        a.cfg.APIURL,
		Mode:          a.machine.Mode(),
		StorageType:   a.cfg.StorageType,
		CapacityBytes: a.cfg.CapacityBytes,
		UsedBytes:     used,
		Priority:      a.cfg.Priority,
		Status:        types.ElementOnline,
		LastSeen:      time.Now().UTC(),
	})
}

// RecoverWAL scans the write-ahead log for rows left pending by a crash and
// logs them. Pending rows mean an operation was interrupted before its
// commit marker; the sidecar walk in Reconcile decides what actually
// survived on disk.
func RecoverWAL(store *Store) error {
	pending, err := store.WAL().Pending()
	if err != nil {
		return err
	}
	logger := log.WithComponent("element")
	for _, rec := range pending {
		logger.Warn().
			Uint64("wal_id", rec.WALID).
			Str("operation", string(rec.Operation)).
			Str("transaction_id", rec.TransactionID).
			Time("created_at", rec.CreatedAt).
			Msg("pending WAL row found at startup")
	}
	if len(pending) > 0 {
		logger.Info().Int("rows", len(pending)).Msg("WAL recovery scan complete")
	}
	return nil
}
