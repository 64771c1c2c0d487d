package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/log"
)

const (
	refreshInterval = 5 * time.Second
	probeTimeout    = 3 * time.Second

	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Check is one dependency probe. Critical checks gate readiness; a failing
// non-critical check only degrades it.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// State is the cached readiness document.
type State struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Summary   string            `json:"summary,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Aggregator refreshes the health state on a fixed cadence so readiness
// probes read a cached value and never perform I/O themselves.
type Aggregator struct {
	checks []Check
	state  atomic.Pointer[State]
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAggregator creates an aggregator over the given checks and primes the
// cache with one synchronous refresh.
func NewAggregator(checks ...Check) *Aggregator {
	a := &Aggregator{
		checks: checks,
		logger: log.WithComponent("health"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	a.refresh()
	return a
}

// Start launches the background refresh loop.
func (a *Aggregator) Start() {
	go a.run()
}

// Stop terminates the refresh loop.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// State returns the cached health state.
func (a *Aggregator) State() *State {
	return a.state.Load()
}

func (a *Aggregator) run() {
	defer close(a.doneCh)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

func (a *Aggregator) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	state := &State{
		Status:    StatusOK,
		Checks:    make(map[string]string, len(a.checks)),
		CheckedAt: time.Now().UTC(),
	}

	for _, check := range a.checks {
		if err := check.Probe(ctx); err != nil {
			state.Checks[check.Name] = err.Error()
			if check.Critical {
				state.Status = StatusFail
			} else if state.Status == StatusOK {
				state.Status = StatusDegraded
			}
			state.Summary = check.Name + " unavailable"
			a.logger.Warn().Err(err).Str("check", check.Name).Msg("health probe failed")
			continue
		}
		state.Checks[check.Name] = StatusOK
	}

	a.state.Store(state)
}
