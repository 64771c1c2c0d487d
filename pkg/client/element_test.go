package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/types"
)

func TestStoreSendsMultipartAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/files", r.URL.Path)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var attrs types.FileAttributes
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("attributes")), &attrs))
		assert.Equal(t, "f1", attrs.FileID)

		part, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(part)
		assert.NoError(t, err)
		assert.Equal(t, "hello world", string(body))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&StoreResult{
			StoragePath:    "2026/08/24/10",
			ChecksumSHA256: "abcd",
			FileSize:       11,
		})
	}))
	defer srv.Close()

	c := NewElementClient(nil)
	result, err := c.Store(context.Background(), srv.URL,
		&types.FileAttributes{FileID: "f1", StorageFilename: "a.txt"},
		strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "2026/08/24/10", result.StoragePath)
	assert.Equal(t, int64(11), result.FileSize)
}

// TestStoreErrorMapping tests that element status codes surface as domain
// errors the selector and handlers dispatch on.
func TestStoreErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"full element", http.StatusInsufficientStorage, errdefs.ErrInsufficientSpace},
		{"wrong mode", http.StatusBadRequest, errdefs.ErrModeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewElementClient(nil)
			_, err := c.Store(context.Background(), srv.URL, &types.FileAttributes{StorageFilename: "a.txt"}, strings.NewReader("x"))
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestFetchPassesRangeThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-4", r.Header.Get("Range"))
		assert.Equal(t, "2026/08/24/10", r.URL.Query().Get("path"))
		w.Header().Set("Content-Range", "bytes 0-4/11")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	c := NewElementClient(nil)
	resp, err := c.Fetch(context.Background(), srv.URL, "2026/08/24/10", "a.txt", "bytes=0-4")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestFetchErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"missing file", http.StatusNotFound, errdefs.ErrNotFound},
		{"bad range", http.StatusRequestedRangeNotSatisfiable, errdefs.ErrRangeNotSatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewElementClient(nil)
			_, err := c.Fetch(context.Background(), srv.URL, "p", "a.txt", "bytes=0-4")
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

// TestDeleteIsIdempotent tests that a 404 from the GC endpoint is success;
// the file is gone either way.
func TestDeleteIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewElementClient(nil)
	assert.NoError(t, c.Delete(context.Background(), srv.URL, "2026/08/24/10", "a.txt"))
}

// TestCapacityBreakerOpens tests that repeated capacity failures open the
// per-host breaker and later calls fail fast as circuit_open.
func TestCapacityBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewElementClient(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Capacity(ctx, srv.URL)
		require.Error(t, err)
	}

	_, err := c.Capacity(ctx, srv.URL)
	assert.True(t, errors.Is(err, errdefs.ErrCircuitOpen))
	assert.Equal(t, int32(5), calls.Load(), "open breaker must not reach the element")
}
