package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// AdminClient calls the admin service's internal API.
type AdminClient struct {
	baseURL string
	http    *http.Client
	tokens  *TokenSource
}

// NewAdminClient creates an admin client. tokens may be nil for callers
// that only hit unauthenticated endpoints.
func NewAdminClient(baseURL string, tokens *TokenSource) *AdminClient {
	return &AdminClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: hopTimeout},
		tokens:  tokens,
	}
}

// BaseURL returns the admin endpoint this client talks to.
func (c *AdminClient) BaseURL() string {
	return c.baseURL
}

func (c *AdminClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, errdefs.ErrNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterElement registers or refreshes a storage element record.
func (c *AdminClient) RegisterElement(ctx context.Context, el *types.StorageElement) error {
	return c.do(ctx, http.MethodPost, "/internal/storage-elements", el, nil)
}

// GetElement fetches one storage element registration. Used by the
// selector's fallback path when the registry is unreachable.
func (c *AdminClient) GetElement(ctx context.Context, id string) (*types.StorageElement, error) {
	var el types.StorageElement
	if err := c.do(ctx, http.MethodGet, "/internal/storage-elements/"+url.PathEscape(id), nil, &el); err != nil {
		return nil, err
	}
	return &el, nil
}

// ListElements fetches every storage element registration.
func (c *AdminClient) ListElements(ctx context.Context) ([]*types.StorageElement, error) {
	var els []*types.StorageElement
	if err := c.do(ctx, http.MethodGet, "/internal/storage-elements", nil, &els); err != nil {
		return nil, err
	}
	return els, nil
}

// RegisterFile records a freshly uploaded file with the admin service,
// which commits the authoritative row and publishes file:created.
func (c *AdminClient) RegisterFile(ctx context.Context, file *types.File) (*types.File, error) {
	var out types.File
	if err := c.do(ctx, http.MethodPost, "/internal/files", file, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFile fetches an authoritative file record.
func (c *AdminClient) GetFile(ctx context.Context, id string) (*types.File, error) {
	var file types.File
	if err := c.do(ctx, http.MethodGet, "/internal/files/"+url.PathEscape(id), nil, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// BeginFinalize starts (or re-joins) the finalize protocol for a file. The
// coordinator runs next to the authoritative store; this call returns as
// soon as the transaction row exists.
func (c *AdminClient) BeginFinalize(ctx context.Context, fileID string) (*types.FinalizeTransaction, error) {
	var tx types.FinalizeTransaction
	if err := c.do(ctx, http.MethodPost, "/internal/finalize/"+url.PathEscape(fileID), nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// FinalizeStatus fetches a finalize transaction's current state.
func (c *AdminClient) FinalizeStatus(ctx context.Context, transactionID string) (*types.FinalizeTransaction, error) {
	var tx types.FinalizeTransaction
	if err := c.do(ctx, http.MethodGet, "/internal/finalize/"+url.PathEscape(transactionID)+"/status", nil, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListFiles fetches every live authoritative file record. Used by the
// operator-triggered query cache rebuild.
func (c *AdminClient) ListFiles(ctx context.Context) ([]*types.File, error) {
	var files []*types.File
	if err := c.do(ctx, http.MethodGet, "/internal/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}
