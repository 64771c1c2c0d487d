package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

// Service owns the authoritative file and element records. All lifecycle
// events originate here, emitted strictly after the corresponding commit.
type Service struct {
	cfg    config.AdminConfig
	store  storage.Store
	pub    *events.Publisher
	logger zerolog.Logger
}

// NewService creates the admin domain service.
func NewService(cfg config.AdminConfig, store storage.Store, pub *events.Publisher) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		logger: log.WithComponent("admin"),
	}
}

// RegisterFile commits the authoritative record for a freshly stored file
// and publishes file:created. Temporary files get their TTL stamped here so
// expiry policy lives in one place.
func (s *Service) RegisterFile(ctx context.Context, file *types.File, actor string) (*types.File, error) {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.FileSize <= 0 {
		return nil, fmt.Errorf("file size must be positive: %w", errdefs.ErrConflict)
	}
	if file.ChecksumSHA256 == "" || file.StorageElementID == "" {
		return nil, fmt.Errorf("checksum and storage element are required: %w", errdefs.ErrConflict)
	}

	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now

	if file.RetentionPolicy == "" {
		file.RetentionPolicy = types.RetentionTemporary
	}
	if file.RetentionPolicy == types.RetentionTemporary && file.TTLExpiresAt == nil {
		expiry := now.Add(s.cfg.TemporaryTTL)
		file.TTLExpiresAt = &expiry
	}

	if err := s.store.CreateFile(file); err != nil {
		return nil, err
	}
	s.audit(actor, "file.register", file.ID, fmt.Sprintf("element=%s size=%d", file.StorageElementID, file.FileSize))

	// Emitted only after the row is committed, preserving create-then-
	// event ordering for the cache syncer.
	if err := s.pub.FileCreated(ctx, file); err != nil {
		s.logger.Warn().Err(err).Str("file_id", file.ID).Msg("file:created publish failed")
	}

	s.logger.Info().
		Str("file_id", file.ID).
		Str("element_id", file.StorageElementID).
		Str("uploaded_by", file.UploadedBy).
		Msg("file registered")
	return file, nil
}

// GetFile returns one authoritative record.
func (s *Service) GetFile(id string) (*types.File, error) {
	return s.store.GetFile(id)
}

// ListFiles returns every authoritative record.
func (s *Service) ListFiles() ([]*types.File, error) {
	return s.store.ListFiles()
}

// RegisterElement upserts a storage element registration.
func (s *Service) RegisterElement(el *types.StorageElement, actor string) error {
	if el.ID == "" || el.APIURL == "" {
		return fmt.Errorf("element id and api_url are required: %w", errdefs.ErrConflict)
	}
	if el.LastSeen.IsZero() {
		el.LastSeen = time.Now().UTC()
	}
	if err := s.store.UpsertElement(el); err != nil {
		return err
	}
	s.audit(actor, "element.register", el.ID, fmt.Sprintf("mode=%s url=%s", el.Mode, el.APIURL))
	return nil
}

// GetElement returns one registration.
func (s *Service) GetElement(id string) (*types.StorageElement, error) {
	return s.store.GetElement(id)
}

// ListElements returns every registration.
func (s *Service) ListElements() ([]*types.StorageElement, error) {
	return s.store.ListElements()
}

func (s *Service) audit(actor, action, target, detail string) {
	entry := &types.AuditEntry{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit append failed")
	}
}
