package selector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/types"
)

// Candidate is a storage element the selector considers writable for a
// given upload.
type Candidate struct {
	ElementID string
	Endpoint  string
	Available int64
	Priority  int
}

// Selector picks the storage element an upload lands on. The primary source
// is the capacity registry's sorted index; when the registry is down it
// falls back to the admin's element list, and as a last resort to the
// statically configured elements. Fit requires size times the safety margin
// to leave headroom, so elements never fill to the brim.
type Selector struct {
	cfg      config.SelectorConfig
	reg      *registry.Registry
	admin    *client.AdminClient
	elements *client.ElementClient
	logger   zerolog.Logger
}

// New creates a selector.
func New(cfg config.SelectorConfig, reg *registry.Registry, admin *client.AdminClient, elements *client.ElementClient) *Selector {
	return &Selector{
		cfg:      cfg,
		reg:      reg,
		admin:    admin,
		elements: elements,
		logger:   log.WithComponent("selector"),
	}
}

// required returns the headroom an upload of size bytes must find.
func (s *Selector) required(size int64) int64 {
	margin := s.cfg.SafetyMargin
	if margin < 1 {
		margin = 1
	}
	return int64(float64(size) * margin)
}

// Pick returns candidates that fit the upload, best first, capped at the
// retry budget. Callers walk the slice, invalidating and moving on when an
// element rejects the write.
func (s *Selector) Pick(ctx context.Context, mode types.Mode, size int64) ([]Candidate, error) {
	need := s.required(size)

	candidates, err := s.fromRegistry(ctx, mode, need)
	if err != nil {
		s.logger.Warn().Err(err).Msg("registry unavailable, falling back to admin list")
		metrics.SelectorFallbacksTotal.WithLabelValues("admin").Inc()
		candidates, err = s.fromAdmin(ctx, mode, need)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("admin unavailable, falling back to static elements")
		metrics.SelectorFallbacksTotal.WithLabelValues("static").Inc()
		candidates = s.fromStatic(mode, need)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no element fits %d bytes in mode %s: %w", size, mode, errdefs.ErrNoAvailableStorage)
	}

	max := s.cfg.MaxRetries
	if max <= 0 {
		max = 3
	}
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates, nil
}

// fromRegistry reads the mode's sorted index. Entries are already ordered
// by priority then available space; stale or unhealthy elements fell out of
// the index when their records expired.
func (s *Selector) fromRegistry(ctx context.Context, mode types.Mode, need int64) ([]Candidate, error) {
	ids, err := s.reg.Candidates(ctx, mode)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, id := range ids {
		rec, err := s.reg.GetCapacity(ctx, id)
		if err != nil {
			continue // record expired between index read and fetch
		}
		if rec.Health != types.HealthHealthy || rec.Available < need {
			continue
		}
		out = append(out, Candidate{
			ElementID: rec.ElementID,
			Endpoint:  rec.Endpoint,
			Available: rec.Available,
			Priority:  rec.Priority,
		})
	}
	return out, nil
}

// fromAdmin polls the admin's registrations live. Slower but correct when
// redis is down.
func (s *Selector) fromAdmin(ctx context.Context, mode types.Mode, need int64) ([]Candidate, error) {
	els, err := s.admin.ListElements(ctx)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, el := range els {
		if el.Mode != mode || el.Status != types.ElementOnline {
			continue
		}
		cap, err := s.elements.Capacity(ctx, el.APIURL)
		if err != nil {
			continue
		}
		if cap.Health != types.HealthHealthy || cap.Capacity.Available < need {
			continue
		}
		out = append(out, Candidate{
			ElementID: el.ID,
			Endpoint:  el.APIURL,
			Available: cap.Capacity.Available,
			Priority:  el.Priority,
		})
	}
	sortCandidates(out)
	return out, nil
}

// fromStatic uses the configured element list with no capacity check beyond
// the registered totals. Last resort only.
func (s *Selector) fromStatic(mode types.Mode, need int64) []Candidate {
	var out []Candidate
	for _, el := range s.cfg.Static {
		if el.Mode != mode {
			continue
		}
		available := el.CapacityBytes - el.UsedBytes
		if available < need {
			continue
		}
		out = append(out, Candidate{
			ElementID: el.ID,
			Endpoint:  el.APIURL,
			Available: available,
			Priority:  el.Priority,
		})
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by priority ascending, then most available space.
func sortCandidates(cs []Candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && less(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func less(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Available > b.Available
}

// Invalidate drops an element's capacity record after it rejected a write,
// so the next pick does not offer it again until the poller refreshes it.
func (s *Selector) Invalidate(ctx context.Context, elementID string) {
	if err := s.reg.InvalidateCapacity(ctx, elementID); err != nil {
		s.logger.Warn().Err(err).Str("element_id", elementID).Msg("capacity invalidation failed")
	}
	metrics.SelectorRetriesTotal.Inc()
}
