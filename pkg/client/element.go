package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

// hopTimeout bounds non-streaming internal calls.
const hopTimeout = 10 * time.Second

// CopyRequest asks a target element to pull a file from a source element.
type CopyRequest struct {
	SourceURL       string               `json:"source_url"`
	StoragePath     string               `json:"storage_path"`
	StorageFilename string               `json:"storage_filename"`
	Attributes      types.FileAttributes `json:"attributes"`
}

// CopyResult reports the outcome of an SE-to-SE copy.
type CopyResult struct {
	StoragePath    string `json:"storage_path"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	FileSize       int64  `json:"file_size"`
}

// StoreResult reports what a storage element persisted.
type StoreResult struct {
	StoragePath    string `json:"storage_path"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	FileSize       int64  `json:"file_size"`
}

// TransitionRequest changes an element's mode.
type TransitionRequest struct {
	To     types.Mode `json:"to"`
	Reason string     `json:"reason"`
}

// ElementClient calls storage element internal APIs. Calls flow through a
// per-host circuit breaker; an open breaker surfaces as circuit_open.
type ElementClient struct {
	http     *http.Client
	streamHC *http.Client // no client timeout; deadlines come from ctx
	tokens   *TokenSource
	breakers *breakers
}

// NewElementClient creates a storage element client. tokens may be nil for
// callers that only hit unauthenticated endpoints.
func NewElementClient(tokens *TokenSource) *ElementClient {
	return &ElementClient{
		http:     &http.Client{Timeout: hopTimeout},
		streamHC: &http.Client{},
		tokens:   tokens,
		breakers: newBreakers(),
	}
}

func (c *ElementClient) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Capacity fetches an element's capacity report.
func (c *ElementClient) Capacity(ctx context.Context, baseURL string) (*types.CapacityResponse, error) {
	out, err := c.breakers.do(baseURL, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/capacity", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("capacity endpoint returned %d", resp.StatusCode)
		}
		var cap types.CapacityResponse
		if err := json.NewDecoder(resp.Body).Decode(&cap); err != nil {
			return nil, err
		}
		return &cap, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*types.CapacityResponse), nil
}

// Info fetches an element's discovery document.
func (c *ElementClient) Info(ctx context.Context, baseURL string) (*types.ElementInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info endpoint returned %d", resp.StatusCode)
	}
	var info types.ElementInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Store streams a file to an element. The element computes checksum and
// size while persisting; a 507 surfaces as insufficient_space so the
// selector can invalidate the candidate and retry elsewhere.
func (c *ElementClient) Store(ctx context.Context, baseURL string, attrs *types.FileAttributes, body io.Reader) (*StoreResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		metaPart, err := mw.CreateFormField("attributes")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := json.NewEncoder(metaPart).Encode(attrs); err != nil {
			pw.CloseWithError(err)
			return
		}
		filePart, err := mw.CreateFormFile("file", attrs.StorageFilename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(filePart, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/files", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.streamHC.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusInsufficientStorage:
		return nil, fmt.Errorf("element %s: %w", baseURL, errdefs.ErrInsufficientSpace)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("element rejected upload: %w", errdefs.ErrModeForbidden)
	default:
		return nil, fmt.Errorf("store endpoint returned %d", resp.StatusCode)
	}

	var result StoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Fetch opens a read stream for a stored file. rangeHeader, when non-empty,
// is passed through so elements serve partial content directly. The caller
// owns the returned response body.
func (c *ElementClient) Fetch(ctx context.Context, baseURL, storagePath, filename, rangeHeader string) (*http.Response, error) {
	u := fmt.Sprintf("%s/internal/files/%s?path=%s", baseURL, url.PathEscape(filename), url.QueryEscape(storagePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.streamHC.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("file %s: %w", filename, errdefs.ErrNotFound)
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("range %q: %w", rangeHeader, errdefs.ErrRangeNotSatisfiable)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch endpoint returned %d", resp.StatusCode)
	}
}

// Attributes fetches the authoritative sidecar for a stored file.
func (c *ElementClient) Attributes(ctx context.Context, baseURL, storagePath, filename string) (*types.FileAttributes, error) {
	u := fmt.Sprintf("%s/internal/attrs/%s?path=%s", baseURL, url.PathEscape(filename), url.QueryEscape(storagePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("sidecar for %s: %w", filename, errdefs.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attrs endpoint returned %d", resp.StatusCode)
	}
	var attrs types.FileAttributes
	if err := json.NewDecoder(resp.Body).Decode(&attrs); err != nil {
		return nil, err
	}
	return &attrs, nil
}

// Copy asks the target element to pull a file from the source element and
// report the checksum it computed while persisting.
func (c *ElementClient) Copy(ctx context.Context, targetURL string, req *CopyRequest) (*CopyResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/internal/copy", bytesReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.streamHC.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusInsufficientStorage:
		return nil, fmt.Errorf("element %s: %w", targetURL, errdefs.ErrInsufficientSpace)
	default:
		return nil, fmt.Errorf("copy endpoint returned %d", resp.StatusCode)
	}

	var result CopyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes a stored file and its sidecar. This is the GC-only
// endpoint; it requires a service account token.
func (c *ElementClient) Delete(ctx context.Context, baseURL, storagePath, filename string) error {
	u := fmt.Sprintf("%s/internal/gc/%s?path=%s", baseURL, url.PathEscape(filename), url.QueryEscape(storagePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Already gone; deletion is idempotent.
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("delete rejected: %w", errdefs.ErrModeForbidden)
	default:
		return fmt.Errorf("gc endpoint returned %d", resp.StatusCode)
	}
}

// Sidecars lists sidecars created before the cutoff, for the orphan scan.
func (c *ElementClient) Sidecars(ctx context.Context, baseURL string, before time.Time) ([]types.FileAttributes, error) {
	u := fmt.Sprintf("%s/internal/sidecars?before=%s", baseURL, url.QueryEscape(before.Format(time.RFC3339)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecars endpoint returned %d", resp.StatusCode)
	}
	var out []types.FileAttributes
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition asks an element to change mode.
func (c *ElementClient) Transition(ctx context.Context, baseURL string, to types.Mode, reason string) error {
	payload, err := json.Marshal(&TransitionRequest{To: to, Reason: reason})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/mode", bytesReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("transition rejected: %w", errdefs.ErrModeForbidden)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mode endpoint returned %d", resp.StatusCode)
	}
	return nil
}
