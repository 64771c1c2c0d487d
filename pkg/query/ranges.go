package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/strata/pkg/errdefs"
)

// ByteRange is one satisfiable range resolved against a known size.
type ByteRange struct {
	Start  int64
	Length int64
}

// End returns the inclusive last offset.
func (r ByteRange) End() int64 {
	return r.Start + r.Length - 1
}

// ContentRange renders the Content-Range header value for this range.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End(), size)
}

// ParseRange parses an RFC 7233 Range header against a resource of the
// given size. Supported forms: "bytes=0-99", "bytes=100-" (open end),
// "bytes=-100" (suffix), and comma-separated combinations. The whole header
// is rejected when any range is syntactically invalid, none is satisfiable,
// or two ranges overlap.
func ParseRange(header string, size int64) ([]ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, fmt.Errorf("unsupported range unit in %q: %w", header, errdefs.ErrRangeNotSatisfiable)
	}

	var out []ByteRange
	for _, spec := range strings.Split(header[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			return nil, fmt.Errorf("empty range spec: %w", errdefs.ErrRangeNotSatisfiable)
		}

		dash := strings.Index(spec, "-")
		if dash < 0 {
			return nil, fmt.Errorf("malformed range spec %q: %w", spec, errdefs.ErrRangeNotSatisfiable)
		}

		startStr, endStr := spec[:dash], spec[dash+1:]
		var r ByteRange

		if startStr == "" {
			// Suffix form: the final N bytes.
			n, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("malformed suffix range %q: %w", spec, errdefs.ErrRangeNotSatisfiable)
			}
			if n > size {
				n = size
			}
			r = ByteRange{Start: size - n, Length: n}
		} else {
			start, err := strconv.ParseInt(startStr, 10, 64)
			if err != nil || start < 0 {
				return nil, fmt.Errorf("malformed range start %q: %w", spec, errdefs.ErrRangeNotSatisfiable)
			}
			if start >= size {
				return nil, fmt.Errorf("range start %d beyond size %d: %w", start, size, errdefs.ErrRangeNotSatisfiable)
			}

			end := size - 1
			if endStr != "" {
				end, err = strconv.ParseInt(endStr, 10, 64)
				if err != nil || end < start {
					return nil, fmt.Errorf("malformed range end %q: %w", spec, errdefs.ErrRangeNotSatisfiable)
				}
				if end >= size {
					end = size - 1
				}
			}
			r = ByteRange{Start: start, Length: end - start + 1}
		}

		if r.Length <= 0 {
			return nil, fmt.Errorf("empty range %q: %w", spec, errdefs.ErrRangeNotSatisfiable)
		}
		out = append(out, r)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no satisfiable ranges: %w", errdefs.ErrRangeNotSatisfiable)
	}

	// Overlapping ranges are rejected outright rather than coalesced; a
	// client sending them is malformed and coalescing would change the
	// multipart reply it asked for.
	sorted := make([]ByteRange, len(out))
	copy(sorted, out)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start <= sorted[i-1].End() {
			return nil, fmt.Errorf("overlapping ranges: %w", errdefs.ErrRangeNotSatisfiable)
		}
	}

	return out, nil
}
