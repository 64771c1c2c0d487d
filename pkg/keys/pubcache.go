package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/log"
)

// PubKeyCache holds the admin service's active public keys for services
// that validate tokens but do not own the key directory (ingester, query,
// storage elements). Keys are fetched over HTTP and swapped atomically.
type PubKeyCache struct {
	adminURL string
	client   *http.Client
	interval time.Duration
	logger   zerolog.Logger

	keys     atomic.Pointer[map[string]*rsa.PublicKey]
	firstRun chan struct{} // closed after first successful fetch
	stopCh   chan struct{}
}

// NewPubKeyCache creates a cache refreshing from adminURL/internal/keys.
func NewPubKeyCache(adminURL string, interval time.Duration) *PubKeyCache {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &PubKeyCache{
		adminURL: adminURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   log.WithComponent("pubkey-cache"),
		firstRun: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (c *PubKeyCache) Start() {
	go c.run()
}

// Stop stops the refresh loop.
func (c *PubKeyCache) Stop() {
	close(c.stopCh)
}

// WaitReady blocks until the first key fetch succeeds or ctx ends.
func (c *PubKeyCache) WaitReady(ctx context.Context) error {
	select {
	case <-c.firstRun:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivePublicKeys returns the cached keys by version.
func (c *PubKeyCache) ActivePublicKeys() map[string]*rsa.PublicKey {
	if m := c.keys.Load(); m != nil {
		return *m
	}
	return map[string]*rsa.PublicKey{}
}

func (c *PubKeyCache) run() {
	// Initial fetch retries aggressively so dependent services become
	// ready as soon as admin is reachable.
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := c.refresh(); err != nil {
			wait := bo.NextBackOff()
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("public key fetch failed")
			select {
			case <-time.After(wait):
				continue
			case <-c.stopCh:
				return
			}
		}
		bo.Reset()

		select {
		case <-time.After(c.interval):
		case <-c.stopCh:
			return
		}
	}
}

func (c *PubKeyCache) refresh() error {
	resp, err := c.client.Get(c.adminURL + "/internal/keys")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key endpoint returned %d", resp.StatusCode)
	}

	var docs []PublicKeyDoc
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return fmt.Errorf("failed to decode key documents: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(docs))
	now := time.Now().UTC()
	for _, doc := range docs {
		if !doc.ExpiresAt.After(now) {
			continue
		}
		block, _ := pem.Decode([]byte(doc.PublicPEM))
		if block == nil {
			c.logger.Warn().Str("version", doc.Version).Msg("skipping malformed public key PEM")
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			c.logger.Warn().Str("version", doc.Version).Err(err).Msg("skipping unparseable public key")
			continue
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[doc.Version] = rsaPub
	}
	if len(keys) == 0 {
		return fmt.Errorf("no active public keys returned")
	}

	c.keys.Store(&keys)

	select {
	case <-c.firstRun:
	default:
		close(c.firstRun)
	}
	return nil
}
