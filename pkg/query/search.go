package query

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/strata/pkg/types"
)

// MatchMode selects how textual filters compare.
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchPartial  MatchMode = "partial"
	MatchFulltext MatchMode = "fulltext"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SearchRequest is the search API body. All filters are optional and
// conjunctive.
type SearchRequest struct {
	Query         string     `json:"query,omitempty"`
	Filename      string     `json:"filename,omitempty"`
	FileExtension string     `json:"file_extension,omitempty"`
	Username      string     `json:"username,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	MinSize       *int64     `json:"min_size,omitempty"`
	MaxSize       *int64     `json:"max_size,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Mode          MatchMode  `json:"mode,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	SortBy        string     `json:"sort_by,omitempty"`
	SortOrder     string     `json:"sort_order,omitempty"`
}

// SearchResponse carries one page of results.
type SearchResponse struct {
	Results    []*types.File `json:"results"`
	TotalCount int           `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	HasMore    bool          `json:"has_more"`
}

// normalize validates and defaults the request in place.
func (r *SearchRequest) normalize() error {
	switch r.Mode {
	case "", MatchPartial:
		r.Mode = MatchPartial
	case MatchExact, MatchFulltext:
	default:
		return fmt.Errorf("unknown match mode %q", r.Mode)
	}

	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	if r.Limit > maxLimit {
		return fmt.Errorf("limit %d exceeds maximum %d", r.Limit, maxLimit)
	}
	if r.Offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}

	switch r.SortBy {
	case "", "created_at", "file_size", "filename":
	default:
		return fmt.Errorf("unknown sort field %q", r.SortBy)
	}
	switch r.SortOrder {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("sort order must be asc or desc")
	}
	return nil
}

// Search filters, sorts, and paginates the cache.
func Search(cache *Cache, req *SearchRequest) (*SearchResponse, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	all, err := cache.All()
	if err != nil {
		return nil, err
	}

	var matched []*types.File
	for _, f := range all {
		if f.DeletedAt != nil {
			continue
		}
		if matches(f, req) {
			matched = append(matched, f)
		}
	}

	sortResults(matched, req.SortBy, req.SortOrder)

	total := len(matched)
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}

	page := matched[start:end]
	if page == nil {
		page = []*types.File{}
	}

	return &SearchResponse{
		Results:    page,
		TotalCount: total,
		Limit:      req.Limit,
		Offset:     req.Offset,
		HasMore:    end < total,
	}, nil
}

func matches(f *types.File, req *SearchRequest) bool {
	if req.Query != "" && !textMatch(f.OriginalFilename, req.Query, req.Mode) {
		return false
	}
	if req.Filename != "" && !textMatch(f.OriginalFilename, req.Filename, req.Mode) {
		return false
	}
	if req.FileExtension != "" {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(f.OriginalFilename)), ".")
		want := strings.TrimPrefix(strings.ToLower(req.FileExtension), ".")
		if ext != want {
			return false
		}
	}
	if req.Username != "" && !strings.EqualFold(f.UploadedBy, req.Username) {
		return false
	}
	// Tags are conjunctive like every other filter: the file must carry
	// all requested tags.
	for _, want := range req.Tags {
		if !hasTag(f.Tags, want) {
			return false
		}
	}
	if req.MinSize != nil && f.FileSize < *req.MinSize {
		return false
	}
	if req.MaxSize != nil && f.FileSize > *req.MaxSize {
		return false
	}
	if req.CreatedAfter != nil && f.CreatedAt.Before(*req.CreatedAfter) {
		return false
	}
	if req.CreatedBefore != nil && f.CreatedAt.After(*req.CreatedBefore) {
		return false
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}

// textMatch compares a candidate against a needle per the match mode.
// Fulltext requires every whitespace-separated term to appear somewhere in
// the candidate.
func textMatch(candidate, needle string, mode MatchMode) bool {
	c := strings.ToLower(candidate)
	n := strings.ToLower(needle)

	switch mode {
	case MatchExact:
		return c == n
	case MatchFulltext:
		for _, term := range strings.Fields(n) {
			if !strings.Contains(c, term) {
				return false
			}
		}
		return true
	default:
		return strings.Contains(c, n)
	}
}

func sortResults(files []*types.File, by, order string) {
	desc := order == "desc" || (order == "" && (by == "" || by == "created_at"))

	less := func(a, b *types.File) bool {
		switch by {
		case "file_size":
			return a.FileSize < b.FileSize
		case "filename":
			return a.OriginalFilename < b.OriginalFilename
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}

	sort.SliceStable(files, func(i, j int) bool {
		if desc {
			return less(files[j], files[i])
		}
		return less(files[i], files[j])
	})
}
