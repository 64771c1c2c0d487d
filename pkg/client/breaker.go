package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/cuemby/strata/pkg/errdefs"
)

// breakers holds one circuit breaker per target host so a failing element
// cannot poison calls to healthy ones.
type breakers struct {
	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func newBreakers() *breakers {
	return &breakers{m: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.m[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	b.m[host] = cb
	return cb
}

// do runs fn through the host's breaker, remapping an open breaker to the
// circuit_open domain error.
func (b *breakers) do(host string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.get(host).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("element %s: %w", host, errdefs.ErrCircuitOpen)
	}
	return out, err
}
