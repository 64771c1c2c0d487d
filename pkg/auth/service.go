package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/errdefs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/storage"
	"github.com/cuemby/strata/pkg/types"
)

// Signer provides the current private key for minting tokens.
type Signer interface {
	SigningKey() (*rsa.PrivateKey, string, error)
}

/// Service issues and validates tokens for the two supported grants:
// client credentials for machine identities and password for human admins.
type Service struct {
	store      storage.Store
	signer     Signer
	validator  *Validator
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	lockout    config.LockoutConfig
	logger     zerolog.Logger
}

// NewService creates the token service. keySource must expose the same keys
// signer signs with.
func NewService(store storage.Store, signer Signer, keySource KeySource, issuer string, accessTTL, refreshTTL time.Duration, lockout config.LockoutConfig) *Service {
	return &Service{
		store:      store,
		signer:     signer,
		validator:  NewValidator(keySource, issuer),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		lockout:    lockout,
		logger:     log.WithComponent("auth"),
	}
}

// Validator returns the service's token validator.
func (s *Service) Validator() *Validator {
	return s.validator
}

// ClientCredentials handles the machine-to-machine grant. Unknown clients
// and bad secrets surface as invalid_credentials; suspended accounts and
// expired secrets as access_denied.
func (s *Service) ClientCredentials(ctx context.Context, clientID, clientSecret string) (*TokenPair, error) {
	sa, err := s.store.GetServiceAccount(clientID)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			metrics.TokenGrantsTotal.WithLabelValues("client_credentials", "denied").Inc()
			return nil, fmt.Errorf("unknown client: %w", errdefs.ErrInvalidCredentials)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(sa.SecretHash), []byte(clientSecret)); err != nil {
		metrics.TokenGrantsTotal.WithLabelValues("client_credentials", "denied").Inc()
		return nil, fmt.Errorf("secret mismatch: %w", errdefs.ErrInvalidCredentials)
	}

	now := time.Now().UTC()
	if sa.Status != types.AccountActive {
		metrics.TokenGrantsTotal.WithLabelValues("client_credentials", "denied").Inc()
		return nil, fmt.Errorf("account %s: %w", sa.Status, errdefs.ErrAccessDenied)
	}
	if !sa.SecretExpiresAt.After(now) {
		metrics.TokenGrantsTotal.WithLabelValues("client_credentials", "denied").Inc()
		return nil, fmt.Errorf("secret expired: %w", errdefs.ErrAccessDenied)
	}

	pair, err := s.mintPair(clientID, TypeServiceAccount, clientID, sa.Role)
	if err != nil {
		return nil, err
	}

	metrics.TokenGrantsTotal.WithLabelValues("client_credentials", "granted").Inc()
	s.audit(clientID, "token.grant", "client_credentials")
	return pair, nil
}

// PasswordGrant handles human admin login with account lockout: five
// consecutive failures lock the account for the configured duration; a
// successful login resets the window.
func (s *Service) PasswordGrant(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := s.store.GetAdminUser(username)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			metrics.TokenGrantsTotal.WithLabelValues("password", "denied").Inc()
			return nil, fmt.Errorf("unknown user: %w", errdefs.ErrInvalidCredentials)
		}
		return nil, err
	}

	now := time.Now().UTC()
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		metrics.TokenGrantsTotal.WithLabelValues("password", "locked").Inc()
		return nil, fmt.Errorf("until %s: %w", user.LockedUntil.Format(time.RFC3339), errdefs.ErrAccountLocked)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= s.lockout.Threshold {
			lockedUntil := now.Add(s.lockout.Duration)
			user.LockedUntil = &lockedUntil
			metrics.AccountLockoutsTotal.Inc()
			s.logger.Warn().Str("username", username).Time("locked_until", lockedUntil).Msg("account locked")
		}
		if err := s.store.PutAdminUser(user); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist lockout counter")
		}
		metrics.TokenGrantsTotal.WithLabelValues("password", "denied").Inc()
		return nil, fmt.Errorf("password mismatch: %w", errdefs.ErrInvalidCredentials)
	}

	// Success resets the lockout window in the same write.
	if user.FailedLogins != 0 || user.LockedUntil != nil {
		user.FailedLogins = 0
		user.LockedUntil = nil
		if err := s.store.PutAdminUser(user); err != nil {
			s.logger.Error().Err(err).Msg("failed to reset lockout counter")
		}
	}

	pair, err := s.mintPair(username, TypeAdminUser, username, user.Role)
	if err != nil {
		return nil, err
	}

	metrics.TokenGrantsTotal.WithLabelValues("password", "granted").Inc()
	s.audit(username, "token.grant", "password")
	return pair, nil
}

// Refresh mints a fresh access token from a valid refresh token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.validator.Validate(refreshToken, TypeRefresh)
	if err != nil {
		return nil, err
	}

	sub := claims.Subject

	// The refresh token carries only sub and type; resolve the principal
	// to rebuild the access claims.
	if sa, err := s.store.GetServiceAccount(sub); err == nil {
		if sa.Status != types.AccountActive {
			return nil, fmt.Errorf("account %s: %w", sa.Status, errdefs.ErrAccessDenied)
		}
		return s.mintPair(sub, TypeServiceAccount, sub, sa.Role)
	}
	if user, err := s.store.GetAdminUser(sub); err == nil {
		if user.LockedUntil != nil && time.Now().UTC().Before(*user.LockedUntil) {
			return nil, fmt.Errorf("account locked: %w", errdefs.ErrAccountLocked)
		}
		return s.mintPair(sub, TypeAdminUser, sub, user.Role)
	}
	return nil, fmt.Errorf("principal %s: %w", sub, errdefs.ErrInvalidToken)
}

func (s *Service) mintPair(sub string, accessType TokenType, username, role string) (*TokenPair, error) {
	now := time.Now().UTC()

	access, err := s.mint(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Type:     accessType,
		Username: username,
		Role:     role,
	})
	if err != nil {
		return nil, err
	}

	refresh, err := s.mint(&Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
		Type: TypeRefresh,
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		IssuedAt:     now.Unix(),
	}, nil
}

func (s *Service) mint(claims *Claims) (string, error) {
	key, version, err := s.signer.SigningKey()
	if err != nil {
		return "", fmt.Errorf("no signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = version

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// audit is best-effort: failures are logged, never surfaced.
func (s *Service) audit(actor, action, detail string) {
	entry := &types.AuditEntry{
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(entry); err != nil {
		s.logger.Warn().Err(err).Msg("audit append failed")
	}
}
