package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func seedSearchCache(t *testing.T) *Cache {
	t.Helper()
	cache := newTestCache(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted := base.Add(96 * time.Hour)
	files := []*types.File{
		{ID: "f1", OriginalFilename: "annual report.pdf", UploadedBy: "alice", FileSize: 1000, CreatedAt: base, Tags: []string{"finance", "2026"}},
		{ID: "f2", OriginalFilename: "report-final.pdf", UploadedBy: "bob", FileSize: 2000, CreatedAt: base.Add(24 * time.Hour), Tags: []string{"finance"}},
		{ID: "f3", OriginalFilename: "holiday.jpg", UploadedBy: "alice", FileSize: 5000, CreatedAt: base.Add(48 * time.Hour)},
		{ID: "f4", OriginalFilename: "notes.txt", UploadedBy: "carol", FileSize: 10, CreatedAt: base.Add(72 * time.Hour)},
		{ID: "f5", OriginalFilename: "old report.pdf", UploadedBy: "alice", FileSize: 3000, CreatedAt: base, DeletedAt: &deleted},
	}
	for _, f := range files {
		require.NoError(t, cache.Put(f))
	}
	return cache
}

// TestSearchFilters tests the conjunctive filter set, including that
// soft-deleted records never surface.
func TestSearchFilters(t *testing.T) {
	cache := seedSearchCache(t)

	minSize := int64(1500)
	maxSize := int64(6000)
	after := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		req     SearchRequest
		wantIDs []string
	}{
		{
			name:    "no filters returns all live files",
			req:     SearchRequest{SortBy: "filename", SortOrder: "asc"},
			wantIDs: []string{"f1", "f3", "f4", "f2"},
		},
		{
			name:    "partial match is case-insensitive",
			req:     SearchRequest{Query: "REPORT", SortBy: "filename", SortOrder: "asc"},
			wantIDs: []string{"f1", "f2"},
		},
		{
			name:    "exact match",
			req:     SearchRequest{Filename: "notes.txt", Mode: MatchExact},
			wantIDs: []string{"f4"},
		},
		{
			name:    "fulltext requires every term",
			req:     SearchRequest{Query: "report final", Mode: MatchFulltext},
			wantIDs: []string{"f2"},
		},
		{
			name:    "extension with or without dot",
			req:     SearchRequest{FileExtension: ".jpg"},
			wantIDs: []string{"f3"},
		},
		{
			name:    "username is exact and case-insensitive",
			req:     SearchRequest{Username: "Alice", SortBy: "filename", SortOrder: "asc"},
			wantIDs: []string{"f1", "f3"},
		},
		{
			name:    "size window",
			req:     SearchRequest{MinSize: &minSize, MaxSize: &maxSize, SortBy: "file_size", SortOrder: "asc"},
			wantIDs: []string{"f2", "f3"},
		},
		{
			name:    "created after",
			req:     SearchRequest{CreatedAfter: &after, SortBy: "created_at", SortOrder: "asc"},
			wantIDs: []string{"f2", "f3", "f4"},
		},
		{
			name:    "single tag",
			req:     SearchRequest{Tags: []string{"finance"}, SortBy: "filename", SortOrder: "asc"},
			wantIDs: []string{"f1", "f2"},
		},
		{
			name:    "all tags must be present",
			req:     SearchRequest{Tags: []string{"finance", "2026"}},
			wantIDs: []string{"f1"},
		},
		{
			name:    "tag match is case-insensitive",
			req:     SearchRequest{Tags: []string{"FINANCE", "2026"}},
			wantIDs: []string{"f1"},
		},
		{
			name:    "unknown tag matches nothing",
			req:     SearchRequest{Tags: []string{"finance", "archive"}},
			wantIDs: []string{},
		},
		{
			name:    "conjunction narrows",
			req:     SearchRequest{Query: "report", Username: "bob"},
			wantIDs: []string{"f2"},
		},
		{
			name:    "no matches",
			req:     SearchRequest{Query: "nonexistent"},
			wantIDs: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Search(cache, &tt.req)
			require.NoError(t, err)

			got := make([]string, 0, len(resp.Results))
			for _, f := range resp.Results {
				got = append(got, f.ID)
			}
			assert.Equal(t, tt.wantIDs, got)
			assert.Equal(t, len(tt.wantIDs), resp.TotalCount)
		})
	}
}

func TestSearchDefaultSortIsNewestFirst(t *testing.T) {
	cache := seedSearchCache(t)

	resp, err := Search(cache, &SearchRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, "f4", resp.Results[0].ID)
	assert.Equal(t, "f1", resp.Results[3].ID)
}

func TestSearchPagination(t *testing.T) {
	cache := seedSearchCache(t)

	resp, err := Search(cache, &SearchRequest{Limit: 2, SortBy: "filename", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.TotalCount)
	assert.Len(t, resp.Results, 2)
	assert.True(t, resp.HasMore)

	resp, err = Search(cache, &SearchRequest{Limit: 2, Offset: 2, SortBy: "filename", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.False(t, resp.HasMore)

	// Offset past the end yields an empty page, not an error.
	resp, err = Search(cache, &SearchRequest{Limit: 2, Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.HasMore)
}

func TestSearchRequestValidation(t *testing.T) {
	cache := newTestCache(t)

	tests := []struct {
		name string
		req  SearchRequest
	}{
		{"unknown match mode", SearchRequest{Mode: "fuzzy"}},
		{"limit over maximum", SearchRequest{Limit: maxLimit + 1}},
		{"negative offset", SearchRequest{Offset: -1}},
		{"unknown sort field", SearchRequest{SortBy: "checksum"}},
		{"bad sort order", SearchRequest{SortOrder: "sideways"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Search(cache, &tt.req)
			assert.Error(t, err)
		})
	}
}

func TestSearchDefaultsLimit(t *testing.T) {
	cache := newTestCache(t)
	resp, err := Search(cache, &SearchRequest{})
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, resp.Limit)
}
