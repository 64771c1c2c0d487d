package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/log"
)

const (
	keySize = 2048

	privateSuffix = ".key"
	publicSuffix  = ".pub"
)

// Key is one RSA signing keypair version.
type Key struct {
	Version   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
}

// Active reports whether the key may still verify tokens.
func (k *Key) Active(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// PublicKeyDoc is the wire form of an active public key, served by the
// admin service so other services can verify tokens.
type PublicKeyDoc struct {
	Version   string    `json:"version"`
	PublicPEM string    `json:"public_pem"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// snapshot is the immutable loaded key set. The manager swaps the whole
// snapshot under the lock so readers never observe a torn key.
type snapshot struct {
	current *Key           // newest active key, used for signing
	keys    map[string]*Key // by version, active only
}

// Manager loads RSA keypairs from a PEM directory and serves them to the
// token service. A filesystem watcher reloads the directory on change;
// invalid contents keep the previously loaded snapshot.
type Manager struct {
	dir      string
	lifetime time.Duration
	logger   zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// NewManager creates a key manager for the given PEM directory. Keys expire
// lifetime after creation (default 25h, giving a 1h overlap past the 24h
// rotation interval).
func NewManager(dir string, lifetime time.Duration) *Manager {
	return &Manager{
		dir:      dir,
		lifetime: lifetime,
		logger:   log.WithComponent("keys"),
	}
}

// Load reads every keypair in the directory and swaps the in-memory
// snapshot. If no active key exists one is generated, so the invariant
// "at least one active key" holds from first start. Initial load failure
// is fatal to the caller.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	snap, err := m.read()
	if err != nil {
		return err
	}

	if snap.current == nil {
		m.logger.Info().Msg("no active signing key found, generating initial key")
		if _, err := m.Generate(); err != nil {
			return fmt.Errorf("failed to generate initial key: %w", err)
		}
		snap, err = m.read()
		if err != nil {
			return err
		}
		if snap.current == nil {
			return fmt.Errorf("no active signing key after initial generation")
		}
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	return nil
}

// read parses the key directory into a snapshot without mutating state.
func (m *Manager) read() (*snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	now := time.Now().UTC()
	snap := &snapshot{keys: make(map[string]*Key)}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, privateSuffix) {
			continue
		}
		created, version, err := parseKeyFilename(strings.TrimSuffix(name, privateSuffix))
		if err != nil {
			m.logger.Warn().Str("file", name).Err(err).Msg("skipping unrecognized key file")
			continue
		}

		key, err := m.loadPair(filepath.Join(m.dir, name), created, version)
		if err != nil {
			// Invalid PEM: keep whatever we already have.
			m.logger.Error().Str("file", name).Err(err).Msg("rejecting invalid key file")
			continue
		}
		if !key.Active(now) {
			continue
		}

		snap.keys[key.Version] = key
		if snap.current == nil || key.CreatedAt.After(snap.current.CreatedAt) {
			snap.current = key
		}
	}

	return snap, nil
}

func (m *Manager) loadPair(privatePath string, created time.Time, version string) (*Key, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(privPEM)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("not an RSA private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &Key{
		Version:   version,
		CreatedAt: created,
		ExpiresAt: created.Add(m.lifetime),
		Private:   priv,
		Public:    &priv.PublicKey,
	}, nil
}

// Generate creates a new keypair on disk via temp files and atomic rename,
// and returns its version. The caller (or the watcher) reloads afterwards.
func (m *Manager) Generate() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}

	version := uuid.New().String()
	created := time.Now().UTC()
	stem := keyFilename(created, version)

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	privPath := filepath.Join(m.dir, stem+privateSuffix)
	pubPath := filepath.Join(m.dir, stem+publicSuffix)

	if err := writeFileAtomic(privPath, privPEM, 0600); err != nil {
		return "", fmt.Errorf("failed to write private key: %w", err)
	}
	if err := writeFileAtomic(pubPath, pubPEM, 0644); err != nil {
		// Roll back the private half so a half-written pair never loads.
		os.Remove(privPath)
		return "", fmt.Errorf("failed to write public key: %w", err)
	}

	m.logger.Info().Str("version", version).Msg("generated signing key")
	return version, nil
}

// Prune deletes key files that expired more than grace ago.
func (m *Manager) Prune(grace time.Duration) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-(m.lifetime + grace))
	for _, e := range entries {
		name := e.Name()
		stem := strings.TrimSuffix(strings.TrimSuffix(name, privateSuffix), publicSuffix)
		created, _, err := parseKeyFilename(stem)
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
				m.logger.Warn().Str("file", name).Err(err).Msg("failed to prune key file")
			}
		}
	}
	return nil
}

// SigningKey returns the current private key and its version.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil || m.snap.current == nil {
		return nil, "", fmt.Errorf("no active signing key loaded")
	}
	return m.snap.current.Private, m.snap.current.Version, nil
}

// ActivePublicKeys returns every non-expired public key by version, so
// tokens minted under a superseded key keep verifying during the overlap
// window.
func (m *Manager) ActivePublicKeys() map[string]*rsa.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*rsa.PublicKey)
	if m.snap == nil {
		return out
	}
	now := time.Now().UTC()
	for v, k := range m.snap.keys {
		if k.Active(now) {
			out[v] = k.Public
		}
	}
	return out
}

// PublicKeyDocs returns the active public keys in wire form.
func (m *Manager) PublicKeyDocs() []PublicKeyDoc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []PublicKeyDoc
	if m.snap == nil {
		return docs
	}
	now := time.Now().UTC()
	for _, k := range m.snap.keys {
		if !k.Active(now) {
			continue
		}
		pubDER, err := x509.MarshalPKIXPublicKey(k.Public)
		if err != nil {
			continue
		}
		docs = append(docs, PublicKeyDoc{
			Version:   k.Version,
			PublicPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
			Algorithm: "RS256",
			CreatedAt: k.CreatedAt,
			ExpiresAt: k.ExpiresAt,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs
}

// Watch reloads the key directory whenever it changes, until ctx ends.
// Reload failures keep the previous snapshot.
func (m *Manager) Watch(stopCh <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create key watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch key directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		// Debounce bursts: rotation writes two files back to back.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
					pending = time.After(200 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("key watcher error")
			case <-pending:
				pending = nil
				snap, err := m.read()
				if err != nil || snap.current == nil {
					m.logger.Error().Err(err).Msg("key reload failed, keeping previous keys")
					continue
				}
				m.mu.Lock()
				m.snap = snap
				m.mu.Unlock()
				m.logger.Debug().Int("active_keys", len(snap.keys)).Msg("reloaded signing keys")
			case <-stopCh:
				return
			}
		}
	}()

	return nil
}

// keyFilename builds "<created-unix>_<version>" stems so creation time is
// recoverable without a metadata store.
func keyFilename(created time.Time, version string) string {
	return fmt.Sprintf("%d_%s", created.Unix(), version)
}

func parseKeyFilename(stem string) (time.Time, string, error) {
	parts := strings.SplitN(stem, "_", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed key filename %q", stem)
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed key timestamp %q", parts[0])
	}
	if _, err := uuid.Parse(parts[1]); err != nil {
		return time.Time{}, "", fmt.Errorf("malformed key version %q", parts[1])
	}
	return time.Unix(unix, 0).UTC(), parts[1], nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
