package capacity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/types"
)

const (
	leaseTTL          = 30 * time.Second
	leaseHeartbeat    = 10 * time.Second
	intervalRelaxed   = 60 * time.Second
	intervalElevated  = 15 * time.Second
	intervalCritical  = 5 * time.Second
	thresholdElevated = 70.0
	thresholdCritical = 90.0

	// Poll failures degrade immediately; a second consecutive miss marks
	// the element unhealthy.
	failsDegraded  = 1
	failsUnhealthy = 2

	capacityRecordTTL = 120 * time.Second

	pollConcurrency = 8
)

// Monitor polls every registered storage element for capacity and publishes
// the results to the registry. Exactly one instance polls at a time, gated
// by a TTL lease; the others stand by and take over when the lease lapses.
//
// The poll interval adapts to pressure: relaxed while every element is
// comfortable, tightening as the fullest element crosses 70% and again at
// 90%, so the selector works from fresh numbers exactly when headroom is
// scarce.
type Monitor struct {
	reg      *registry.Registry
	admin    *client.AdminClient
	elements *client.ElementClient
	holder   string
	logger   zerolog.Logger

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a capacity monitor.
func NewMonitor(reg *registry.Registry, admin *client.AdminClient, elements *client.ElementClient) *Monitor {
	return &Monitor{
		reg:      reg,
		admin:    admin,
		elements: elements,
		holder:   uuid.New().String(),
		logger:   log.WithComponent("capacity"),
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop and releases the lease if held.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.reg.ReleaseLeader(ctx, m.holder); err != nil {
		m.logger.Warn().Err(err).Msg("lease release failed")
	}
	metrics.CapacityLeader.Set(0)
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	interval := intervalRelaxed
	poll := time.NewTimer(0)
	defer poll.Stop()
	heartbeat := time.NewTicker(leaseHeartbeat)
	defer heartbeat.Stop()

	leader := false
	for {
		select {
		case <-m.stopCh:
			return

		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if leader {
				ok, err := m.reg.RenewLeader(ctx, m.holder, leaseTTL)
				if err != nil || !ok {
					m.logger.Warn().Err(err).Msg("lease renewal failed, standing down")
					leader = false
					metrics.CapacityLeader.Set(0)
				}
			} else {
				ok, err := m.reg.AcquireLeader(ctx, m.holder, leaseTTL)
				if err == nil && ok {
					m.logger.Info().Msg("acquired capacity leader lease")
					leader = true
					metrics.CapacityLeader.Set(1)
				}
			}
			cancel()

		case <-poll.C:
			if leader {
				interval = m.pollOnce(interval)
			}
			poll.Reset(interval)
		}
	}
}

// pollOnce polls every element in parallel and returns the next interval
// derived from the highest fill level observed.
func (m *Monitor) pollOnce(current time.Duration) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), current)
	defer cancel()

	els, err := m.admin.ListElements(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("element list unavailable, keeping interval")
		metrics.CapacityPollsTotal.WithLabelValues("list_error").Inc()
		return current
	}

	var mu sync.Mutex
	maxPct := 0.0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for _, el := range els {
		el := el
		g.Go(func() error {
			pct := m.pollElement(gctx, el)
			mu.Lock()
			if pct > maxPct {
				maxPct = pct
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	switch {
	case maxPct >= thresholdCritical:
		return intervalCritical
	case maxPct >= thresholdElevated:
		return intervalElevated
	default:
		return intervalRelaxed
	}
}

// pollElement fetches one element's capacity and writes its record. Records
// carry a fixed TTL so an element whose polls keep failing ages out of the
// index on its own.
func (m *Monitor) pollElement(ctx context.Context, el *types.StorageElement) float64 {
	cap, err := m.elements.Capacity(ctx, el.APIURL)
	if err != nil {
		metrics.CapacityPollsTotal.WithLabelValues("error").Inc()
		m.recordFailure(ctx, el)
		return 0
	}

	m.mu.Lock()
	m.failures[el.ID] = 0
	m.mu.Unlock()

	rec := &types.CapacityRecord{
		ElementID:   el.ID,
		Total:       cap.Capacity.Total,
		Used:        cap.Capacity.Used,
		Available:   cap.Capacity.Available,
		PercentUsed: cap.Capacity.PercentUsed,
		Health:      cap.Health,
		Mode:        cap.Mode,
		Priority:    el.Priority,
		Endpoint:    el.APIURL,
		LastPoll:    time.Now().UTC(),
	}
	if err := m.reg.PutCapacity(ctx, rec, capacityRecordTTL); err != nil {
		m.logger.Warn().Err(err).Str("element_id", el.ID).Msg("capacity record write failed")
		metrics.CapacityPollsTotal.WithLabelValues("registry_error").Inc()
		return rec.PercentUsed
	}

	metrics.CapacityPollsTotal.WithLabelValues("ok").Inc()
	metrics.ElementAvailableBytes.WithLabelValues(el.ID, string(cap.Mode)).Set(float64(cap.Capacity.Available))
	return rec.PercentUsed
}

// recordFailure tracks consecutive failures and downgrades the element's
// health in the registry once thresholds are crossed. The degraded record
// keeps the element visible to operators while the unhealthy state drops it
// from selection.
func (m *Monitor) recordFailure(ctx context.Context, el *types.StorageElement) {
	m.mu.Lock()
	m.failures[el.ID]++
	n := m.failures[el.ID]
	m.mu.Unlock()

	var health types.HealthState
	switch {
	case n >= failsUnhealthy:
		health = types.HealthUnhealthy
	case n >= failsDegraded:
		health = types.HealthDegraded
	default:
		return
	}

	prev, err := m.reg.GetCapacity(ctx, el.ID)
	if err != nil {
		// No record left to downgrade; expiry already removed it.
		return
	}
	if prev.Health == health {
		return
	}

	m.logger.Warn().
		Str("element_id", el.ID).
		Int("consecutive_failures", n).
		Str("health", string(health)).
		Msg("element health downgraded")

	prev.Health = health
	prev.LastPoll = time.Now().UTC()
	if err := m.reg.PutCapacity(ctx, prev, capacityRecordTTL); err != nil {
		m.logger.Warn().Err(err).Str("element_id", el.ID).Msg("health downgrade write failed")
	}
}
