package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// sealedMagic prefixes encrypted bundle files so a key change or a
// plaintext file left behind by an older deployment is detected as
// structurally invalid instead of being fed to the JSON decoder.
var sealedMagic = []byte("SFB1")

// ErrMirrorMiss is returned by Mirror implementations when no payload is
// cached for the provider.
var ErrMirrorMiss = errors.New("session mirror miss")

// Mirror is an optional shared cache of encoded bundle payloads, used so
// multiple gateway replicas can reuse one browser login. All operations are
// best-effort; the Store never fails a request on mirror errors.
type Mirror interface {
	Fetch(ctx context.Context, providerID string) ([]byte, error)
	Store(ctx context.Context, providerID string, payload []byte, ttl time.Duration) error
	Remove(ctx context.Context, providerID string) error
}

// AcquireFunc produces a fresh bundle for a provider. The Store guarantees
// at most one concurrent invocation per provider id.
type AcquireFunc func(ctx context.Context) (*Bundle, error)

// Config configures the Store.
type Config struct {
	// Dir is the directory holding one <provider_id>.session file each.
	Dir string
	// TTL is the default bundle lifetime applied when the acquirer does
	// not set an expiry itself.
	TTL time.Duration
	// Key enables AES-GCM encryption at rest. Empty means plaintext
	// storage; the Store logs one warning at startup in that case.
	Key string
}

// Store gives every provider adapter a single answer to "is there a valid
// credential for me, and if not, acquire one exactly once". Bundles live
// one file per provider, written atomically under an advisory file lock.
type Store struct {
	dir    string
	ttl    time.Duration
	cipher *Cipher
	mirror Mirror
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithMirror attaches a shared bundle cache.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides the time source, for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates the session directory and validates the encryption key.
func NewStore(cfg Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("session dir is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &Store{
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "session_store")),
		now:    time.Now,
	}
	if cfg.Key != "" {
		c, err := NewCipher(cfg.Key)
		if err != nil {
			return nil, err
		}
		s.cipher = c
	} else {
		s.logger.Warn("session encryption disabled, bundles stored in plaintext")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns the cached bundle for the provider when its expiry is
// strictly in the future. A missing, expired, or structurally invalid file
// behaves as no bundle.
func (s *Store) Get(providerID string) (*Bundle, bool) {
	if err := validateProviderID(providerID); err != nil {
		return nil, false
	}
	payload, err := s.readLocked(providerID)
	if err != nil {
		return nil, false
	}
	b, err := s.decode(payload)
	if err != nil {
		s.logger.Warn("discarding unreadable session file",
			zap.String("provider", providerID), zap.Error(err))
		return nil, false
	}
	if !b.Valid(s.now()) {
		return nil, false
	}
	return b, true
}

// Put atomically replaces the stored bundle. Disk failures propagate to the
// caller; they are not swallowed.
func (s *Store) Put(providerID string, b *Bundle) error {
	if err := validateProviderID(providerID); err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("nil bundle for provider %s", providerID)
	}
	stamped := b.Clone()
	stamped.ProviderID = providerID
	now := s.now()
	if stamped.CreatedAt.IsZero() {
		stamped.CreatedAt = now
	}
	if stamped.ExpiresAt.IsZero() {
		stamped.ExpiresAt = now.Add(s.ttl)
	}
	if !stamped.ExpiresAt.After(stamped.CreatedAt) {
		return fmt.Errorf("bundle for %s expires before creation", providerID)
	}

	payload, err := s.encode(stamped)
	if err != nil {
		return err
	}
	if err := s.writeLocked(providerID, payload); err != nil {
		return err
	}
	s.mirrorStore(providerID, payload, stamped.TTL(now))
	s.logger.Debug("session bundle stored",
		zap.String("provider", providerID),
		zap.Time("expires_at", stamped.ExpiresAt))
	return nil
}

// Invalidate removes the stored bundle. Removing an absent bundle is not
// an error.
func (s *Store) Invalidate(providerID string) error {
	if err := validateProviderID(providerID); err != nil {
		return err
	}
	lock := flock.New(s.lockPath(providerID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock session file: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(s.path(providerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.mirror.Remove(ctx, providerID); err != nil {
			s.logger.Warn("session mirror remove failed",
				zap.String("provider", providerID), zap.Error(err))
		}
	}
	s.logger.Info("session invalidated", zap.String("provider", providerID))
	return nil
}

// GetOrAcquire returns a valid cached bundle or runs acquire exactly once,
// sharing the result with every concurrent caller for the same provider.
// Callers for different providers proceed fully in parallel. The shared
// acquisition is detached from the winning caller's cancellation so one
// disconnected client does not fail the peers waiting on the same login.
func (s *Store) GetOrAcquire(ctx context.Context, providerID string, acquire AcquireFunc) (*Bundle, error) {
	if err := validateProviderID(providerID); err != nil {
		return nil, err
	}
	if b, ok := s.Get(providerID); ok {
		return b, nil
	}

	ch := s.group.DoChan(providerID, func() (any, error) {
		// Re-check under the flight: a peer may have finished between
		// our miss and this callback running.
		if b, ok := s.Get(providerID); ok {
			return b, nil
		}
		flightCtx := context.WithoutCancel(ctx)
		if b := s.fromMirror(flightCtx, providerID); b != nil {
			return b, nil
		}
		b, err := acquire(flightCtx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(providerID, b); err != nil {
			return nil, err
		}
		// Re-read so every caller sees the stamped timestamps.
		stored, ok := s.Get(providerID)
		if !ok {
			return nil, fmt.Errorf("bundle for %s invalid immediately after store", providerID)
		}
		return stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Bundle), nil
	}
}

// fromMirror consults the shared cache, persisting a hit locally so later
// reads are served from disk.
func (s *Store) fromMirror(ctx context.Context, providerID string) *Bundle {
	if s.mirror == nil {
		return nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	payload, err := s.mirror.Fetch(fetchCtx, providerID)
	if err != nil {
		if !errors.Is(err, ErrMirrorMiss) {
			s.logger.Warn("session mirror fetch failed",
				zap.String("provider", providerID), zap.Error(err))
		}
		return nil
	}
	b, err := s.decode(payload)
	if err != nil || !b.Valid(s.now()) {
		return nil
	}
	if err := s.writeLocked(providerID, payload); err != nil {
		s.logger.Warn("persisting mirrored session failed",
			zap.String("provider", providerID), zap.Error(err))
	}
	s.logger.Debug("session served from mirror", zap.String("provider", providerID))
	return b
}

func (s *Store) mirrorStore(providerID string, payload []byte, ttl time.Duration) {
	if s.mirror == nil || ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.mirror.Store(ctx, providerID, payload, ttl); err != nil {
		s.logger.Warn("session mirror store failed",
			zap.String("provider", providerID), zap.Error(err))
	}
}

// encode serializes a bundle, sealing it when a cipher is configured.
func (s *Store) encode(b *Bundle) ([]byte, error) {
	plain, err := json.Marshal(recordFromBundle(b))
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	if s.cipher == nil {
		return plain, nil
	}
	sealed, err := s.cipher.Seal(plain)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, sealedMagic...), sealed...), nil
}

func (s *Store) decode(payload []byte) (*Bundle, error) {
	if s.cipher != nil {
		if !bytes.HasPrefix(payload, sealedMagic) {
			return nil, fmt.Errorf("missing sealed header")
		}
		plain, err := s.cipher.Open(payload[len(sealedMagic):])
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	var rec bundleRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return rec.toBundle(), nil
}

func (s *Store) readLocked(providerID string) ([]byte, error) {
	lock := flock.New(s.lockPath(providerID))
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock session file: %w", err)
	}
	defer lock.Unlock()
	return os.ReadFile(s.path(providerID))
}

// writeLocked writes the payload to a sibling temp file and renames it into
// place, holding the advisory lock so concurrent processes cannot tear the
// bundle.
func (s *Store) writeLocked(providerID string, payload []byte) error {
	lock := flock.New(s.lockPath(providerID))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock session file: %w", err)
	}
	defer lock.Unlock()

	target := s.path(providerID)
	tmp, err := os.CreateTemp(s.dir, providerID+".session.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (s *Store) path(providerID string) string {
	return filepath.Join(s.dir, providerID+".session")
}

func (s *Store) lockPath(providerID string) string {
	return filepath.Join(s.dir, providerID+".session.lock")
}

// validateProviderID rejects ids that could escape the session directory.
func validateProviderID(id string) error {
	if id == "" {
		return fmt.Errorf("empty provider id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("invalid provider id %q", id)
		}
	}
	return nil
}
