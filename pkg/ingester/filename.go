package ingester

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxStorageFilename = 200

	// Timestamp layout embedded in storage filenames. Compact ISO 8601,
	// no separators that would collide with the underscore delimiter.
	filenameTimeLayout = "20060102T150405"

	// truncationMarker flags a stem that was cut to fit the length cap.
	truncationMarker = "..."
)

// sanitizeComponent keeps letters, digits, dot, dash, and underscore;
// everything else becomes an underscore. Leading dots are stripped so a
// crafted name can never produce a hidden file or a relative path.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// StorageFilename derives the unique on-disk name for an upload:
// {stem}_{username}_{YYYYMMDDThhmmss}_{uuid8}{ext}, capped at 200
// characters by truncating the stem. A truncated stem ends in "..." so the
// cut is visible, and the uniqueness suffix is never truncated.
func StorageFilename(originalFilename, username string, ts time.Time, id uuid.UUID) string {
	base := sanitizeComponent(path.Base(originalFilename))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}

	uid := strings.ReplaceAll(id.String(), "-", "")[:8]
	suffix := fmt.Sprintf("_%s_%s_%s%s", sanitizeComponent(username), ts.UTC().Format(filenameTimeLayout), uid, ext)

	if room := maxStorageFilename - len(suffix); len(stem) > room {
		keep := room - len(truncationMarker)
		if keep < 1 {
			keep = 1
		}
		stem = stem[:keep] + truncationMarker
	}
	return stem + suffix
}

// ParsedFilename is the metadata recoverable from a storage filename.
type ParsedFilename struct {
	Stem      string
	Username  string
	Timestamp time.Time
	UniqueID  string
	Extension string
	Truncated bool
}

// ParseStorageFilename splits a storage filename produced by
// StorageFilename back into its parts.
func ParseStorageFilename(name string) (*ParsedFilename, error) {
	ext := path.Ext(name)
	// A truncated stem with no real extension puts dots before the suffix;
	// a genuine extension never contains the underscore delimiter.
	if strings.Contains(ext, "_") {
		ext = ""
	}
	base := strings.TrimSuffix(name, ext)

	parts := strings.Split(base, "_")
	if len(parts) < 4 {
		return nil, fmt.Errorf("storage filename %q has too few segments", name)
	}

	uid := parts[len(parts)-1]
	ts, err := time.Parse(filenameTimeLayout, parts[len(parts)-2])
	if err != nil {
		return nil, fmt.Errorf("storage filename %q has a malformed timestamp: %w", name, err)
	}
	username := parts[len(parts)-3]
	stem := strings.Join(parts[:len(parts)-3], "_")

	return &ParsedFilename{
		Stem:      strings.TrimSuffix(stem, truncationMarker),
		Username:  username,
		Timestamp: ts,
		UniqueID:  uid,
		Extension: ext,
		Truncated: strings.HasSuffix(stem, truncationMarker),
	}, nil
}
