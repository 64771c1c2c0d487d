package element

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/types"
)

const sidecarSuffix = ".attr.json"

// Store persists files under the element's root directory in the
// YYYY/MM/DD/HH layout, with an attribute sidecar next to every data file.
// The sidecar is the source of truth; the metadata cache is derived from it
// and rebuildable at any time.
type Store struct {
	root          string
	elementID     string
	capacityBytes int64
	maxFileBytes  int64
	wal           *WAL
	cache         *MetaCache
	logger        zerolog.Logger
}

// NewStore opens the element's on-disk store and its bolt-backed WAL and
// metadata cache. capacityBytes bounds the element's total usage;
// maxFileBytes bounds a single file. Zero disables either limit.
func NewStore(root, dataDir, elementID string, capacityBytes, maxFileBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openElementDB(dataDir)
	if err != nil {
		return nil, err
	}

	return &Store{
		root:          root,
		elementID:     elementID,
		capacityBytes: capacityBytes,
		maxFileBytes:  maxFileBytes,
		wal:           newWAL(db),
		cache:         newMetaCache(db),
		logger:        log.WithElementID(elementID),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.wal.db.Close()
}

// WAL returns the element's write-ahead log.
func (s *Store) WAL() *WAL {
	return s.wal
}

// Cache returns the element's metadata cache.
func (s *Store) Cache() *MetaCache {
	return s.cache
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// datePath builds the YYYY/MM/DD/HH directory for a creation time.
func datePath(t time.Time) string {
	return t.UTC().Format("2006/01/02/15")
}

// safeJoin resolves path/name under root and rejects anything that escapes
// it.
func (s *Store) safeJoin(storagePath, name string) (string, error) {
	joined := filepath.Join(s.root, filepath.FromSlash(storagePath), name)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root: %w", storagePath, errdefs.ErrNotFound)
	}
	return abs, nil
}

// Save streams r to disk, computing SHA-256 and size on the way through.
// The data lands in a .tmp file first and is renamed into place, so a crash
// never leaves a partial file at its final path. After the rename the
// sidecar is written, a committed WAL row appended, and the cache updated.
func (s *Store) Save(ctx context.Context, attrs *types.FileAttributes, r io.Reader, op types.WALOperation, transactionID string) (*types.FileAttributes, error) {
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = time.Now().UTC()
	}
	attrs.StoragePath = datePath(attrs.CreatedAt)

	finalPath, err := s.safeJoin(attrs.StoragePath, attrs.StorageFilename)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), limitedReader(r, s.maxFileBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if s.maxFileBytes > 0 && size > s.maxFileBytes {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%d bytes: %w", size, errdefs.ErrTooLarge)
	}

	// Capacity check holds the safety invariant locally too: the selector
	// already filtered, but the element is the final authority.
	if used, _, err := s.Usage(); err == nil && s.capacityBytes > 0 && used+size > s.capacityBytes {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("used %d + %d exceeds capacity: %w", used, size, errdefs.ErrInsufficientSpace)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if attrs.ChecksumSHA256 != "" && attrs.ChecksumSHA256 != checksum {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("expected %s got %s: %w", attrs.ChecksumSHA256, checksum, errdefs.ErrChecksumMismatch)
	}

	attrs.ChecksumSHA256 = checksum
	attrs.FileSize = size

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize data file: %w", err)
	}

	// From here the data file exists; a failure before the sidecar write
	// leaves an orphan that the GC orphan scan will find.
	if err := s.writeSidecar(finalPath, attrs); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(attrs)
	if _, err := s.wal.Append(transactionID, op, types.WALCommitted, string(payload)); err != nil {
		// The sidecar is authoritative; a missing WAL row only weakens
		// crash diagnostics.
		s.logger.Error().Err(err).Str("file_id", attrs.FileID).Msg("WAL append failed")
	}
	if err := s.cache.Put(attrs); err != nil {
		s.logger.Error().Err(err).Str("file_id", attrs.FileID).Msg("metadata cache update failed")
	}

	s.logger.Info().
		Str("file_id", attrs.FileID).
		Str("storage_filename", attrs.StorageFilename).
		Int64("size", size).
		Msg("file persisted")
	return attrs, nil
}

// limitedReader caps the stream at max+1 so oversize bodies are detected
// without reading them to the end.
func limitedReader(r io.Reader, max int64) io.Reader {
	if max <= 0 {
		return r
	}
	return io.LimitReader(r, max+1)
}

func (s *Store) writeSidecar(dataPath string, attrs *types.FileAttributes) error {
	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return err
	}
	sidecarPath := dataPath + sidecarSuffix
	tmp := sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	if err := os.Rename(tmp, sidecarPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize sidecar: %w", err)
	}
	return nil
}

// Open returns a reader over a stored file plus its size.
func (s *Store) Open(storagePath, filename string) (*os.File, int64, error) {
	path, err := s.safeJoin(storagePath, filename)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("file %s: %w", filename, errdefs.ErrNotFound)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Sidecar reads the authoritative sidecar for a stored file.
func (s *Store) Sidecar(storagePath, filename string) (*types.FileAttributes, error) {
	path, err := s.safeJoin(storagePath, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path + sidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sidecar for %s: %w", filename, errdefs.ErrNotFound)
		}
		return nil, err
	}
	var attrs types.FileAttributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("malformed sidecar for %s: %w", filename, err)
	}
	return &attrs, nil
}

// Delete removes a data file, its sidecar, and its cache row, appending a
// committed delete WAL row. Missing files are treated as already deleted.
func (s *Store) Delete(storagePath, filename string) error {
	path, err := s.safeJoin(storagePath, filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete data file: %w", err)
	}
	if err := os.Remove(path + sidecarSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete sidecar: %w", err)
	}

	if _, err := s.wal.Append("", types.WALDelete, types.WALCommitted, filename); err != nil {
		s.logger.Error().Err(err).Str("storage_filename", filename).Msg("WAL append failed")
	}
	if err := s.cache.Delete(filename); err != nil {
		s.logger.Error().Err(err).Str("storage_filename", filename).Msg("metadata cache delete failed")
	}

	s.logger.Info().Str("storage_filename", filename).Msg("file deleted")
	return nil
}

// Usage returns used bytes and file count from the metadata cache.
func (s *Store) Usage() (int64, int64, error) {
	return s.cache.Totals()
}

// Reconcile walks every sidecar under the root and rebuilds the metadata
// cache from them. Run at startup and on demand; this is the recovery path
// for failures between sidecar write and cache update.
func (s *Store) Reconcile() (int, error) {
	attrs, err := s.walkSidecars(time.Time{})
	if err != nil {
		return 0, err
	}
	if err := s.cache.Rebuild(attrs); err != nil {
		return 0, err
	}
	s.logger.Info().Int("files", len(attrs)).Msg("metadata cache reconciled from sidecars")
	return len(attrs), nil
}

// SidecarsBefore lists sidecars created before the cutoff. A zero cutoff
// lists everything.
func (s *Store) SidecarsBefore(before time.Time) ([]types.FileAttributes, error) {
	return s.walkSidecars(before)
}

func (s *Store) walkSidecars(before time.Time) ([]types.FileAttributes, error) {
	var out []types.FileAttributes
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, sidecarSuffix) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var attrs types.FileAttributes
		if err := json.Unmarshal(data, &attrs); err != nil {
			s.logger.Warn().Str("sidecar", path).Err(err).Msg("skipping malformed sidecar")
			return nil
		}
		if before.IsZero() || attrs.CreatedAt.Before(before) {
			out = append(out, attrs)
		}
		return nil
	})
	return out, err
}
