package localstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"promptdock/internal/logging"
)

const DefaultNamespace = "promptdock:"

// ErrUnreadable is returned by Fetch when a record could not be read from the
// medium or could not be decoded.
var ErrUnreadable = errors.New("localstore: record unreadable")

// Store is the total key/value API the rest of the app uses. Every operation
// absorbs failures: reads fall back to a default and writes report false.
// Keys are namespaced so ClearAppKeys only touches this app's records.
type Store struct {
	medium    Medium
	namespace string
	logger    *zap.Logger

	// mu orders cache fills against invalidations.
	mu    sync.RWMutex
	cache *ristretto.Cache[string, string]
}

type Option func(*Store)

func WithNamespace(namespace string) Option {
	return func(s *Store) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithCache puts an in-process read cache of up to maxBytes in front of the medium.
func WithCache(maxBytes int64) Option {
	return func(s *Store) {
		if maxBytes <= 0 {
			return
		}
		cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
			NumCounters: maxBytes / 100 * 10,
			MaxCost:     maxBytes,
			BufferItems: 64,
		})
		if err != nil {
			s.logger.Warn("localstore: read cache disabled", zap.Error(err))
			return
		}
		s.cache = cache
	}
}

func New(medium Medium, opts ...Option) *Store {
	s := &Store{
		medium:    medium,
		namespace: DefaultNamespace,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) key(key string) string {
	return s.namespace + key
}

// Lookup decodes the record at key. It reports false when the record is
// absent, unreadable or corrupt.
func Lookup[T any](ctx context.Context, s *Store, key string, codec Codec[T]) (T, bool) {
	var zero T
	raw, ok := s.read(ctx, key)
	if !ok {
		return zero, false
	}
	value, err := codec.Decode(raw)
	if err != nil {
		s.logger.Warn("localstore: corrupt record treated as absent", zap.String("key", key), zap.Error(err))
		s.evict(key)
		return zero, false
	}
	return value, true
}

// Fetch is Lookup for read-modify-write callers, which must not mistake a
// failed read for an absent record. Absent is (zero, false, nil); a failed
// read or decode returns an error wrapping ErrUnreadable.
func Fetch[T any](ctx context.Context, s *Store, key string, codec Codec[T]) (T, bool, error) {
	var zero T
	raw, ok, err := s.readRaw(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("%w: read %s: %v", ErrUnreadable, key, err)
	}
	if !ok {
		return zero, false, nil
	}
	value, err := codec.Decode(raw)
	if err != nil {
		s.evict(key)
		return zero, false, fmt.Errorf("%w: decode %s: %v", ErrUnreadable, key, err)
	}
	return value, true, nil
}

// Get returns the decoded record at key, or def.
func Get[T any](ctx context.Context, s *Store, key string, codec Codec[T], def T) T {
	if value, ok := Lookup(ctx, s, key, codec); ok {
		return value
	}
	return def
}

// Set encodes and persists value. It returns false if encoding fails or the
// medium rejects the write.
func Set[T any](ctx context.Context, s *Store, key string, codec Codec[T], value T) bool {
	raw, err := codec.Encode(value)
	if err != nil {
		s.logger.Warn("localstore: encode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return s.write(ctx, key, raw)
}

func (s *Store) Remove(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidate(key)
	if err := s.medium.Del(ctx, s.key(key)); err != nil {
		s.logger.Warn("localstore: remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// ClearAppKeys removes every key in this store's namespace and nothing else.
func (s *Store) ClearAppKeys(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		s.cache.Clear()
	}
	keys, err := s.medium.Keys(ctx, s.namespace)
	if err != nil {
		s.logger.Warn("localstore: list app keys failed", zap.Error(err))
		return false
	}
	ok := true
	for _, key := range keys {
		if err := s.medium.Del(ctx, key); err != nil {
			s.logger.Warn("localstore: clear key failed", zap.String("key", key), zap.Error(err))
			ok = false
		}
	}
	return ok
}

// Close releases the read cache.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func (s *Store) read(ctx context.Context, key string) (string, bool) {
	raw, ok, err := s.readRaw(ctx, key)
	if err != nil {
		return "", false
	}
	return raw, ok
}

func (s *Store) readRaw(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache != nil {
		if raw, ok := s.cache.Get(key); ok {
			return raw, true, nil
		}
	}
	raw, ok, err := s.medium.Get(ctx, s.key(key))
	if err != nil {
		s.logger.Warn("localstore: read failed", zap.String("key", key), zap.Error(err))
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	if s.cache != nil {
		s.cache.Set(key, raw, int64(len(raw)))
	}
	return raw, true, nil
}

func (s *Store) write(ctx context.Context, key, raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidate(key)
	if err := s.medium.Set(ctx, s.key(key), raw); err != nil {
		s.logger.Warn("localstore: write failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Store) evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate(key)
}

func (s *Store) invalidate(key string) {
	if s.cache != nil {
		s.cache.Del(key)
	}
}
