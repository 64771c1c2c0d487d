package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// TokenSource fetches and caches a service-account access token from the
// admin token endpoint, refreshing shortly before expiry.
type TokenSource struct {
	adminURL     string
	clientID     string
	clientSecret string
	http         *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a client-credentials token source.
func NewTokenSource(adminURL, clientID, clientSecret string) *TokenSource {
	return &TokenSource{
		adminURL:     adminURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: hopTimeout},
	}
}

// Token returns a valid access token, fetching a new one when the cached
// token is within a minute of expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiresAt.Add(-time.Minute)) {
		return ts.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.adminURL+"/api/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", err
	}

	ts.token = grant.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	return ts.token, nil
}
