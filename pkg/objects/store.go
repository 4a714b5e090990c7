package objects

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 10 * time.Minute
)

// Store materializes loose objects from a Remote into the enlistment's local
// object cache, laid out as <root>/<2 hex>/<38 hex>.
type Store struct {
	remote    Remote
	root      string
	keyPrefix string

	group   singleflight.Group
	present *expirable.LRU[string, struct{}]
}

type StoreOption func(*Store)

func WithCache(size int, ttl time.Duration) StoreOption {
	return func(s *Store) {
		if size <= 0 {
			size = defaultCacheSize
		}
		if ttl <= 0 {
			ttl = defaultCacheTTL
		}
		s.present = expirable.NewLRU[string, struct{}](size, nil, ttl)
	}
}

// WithKeyPrefix sets the remote key prefix objects are stored under.
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) { s.keyPrefix = prefix }
}

func NewStore(remote Remote, root string, opts ...StoreOption) *Store {
	s := &Store{remote: remote, root: root}
	for _, opt := range opts {
		opt(s)
	}
	if s.present == nil {
		WithCache(defaultCacheSize, defaultCacheTTL)(s)
	}
	return s
}

// LocalPath is where an object with the given fan-out prefix and suffix lives.
func (s *Store) LocalPath(prefix, suffix string) string {
	return filepath.Join(s.root, prefix, suffix)
}

func (s *Store) remoteKey(prefix, suffix string) string {
	return path.Join(s.keyPrefix, prefix, suffix)
}

// TryDownloadAndSave makes the object available locally. Concurrent requests for
// the same object share a single download.
func (s *Store) TryDownloadAndSave(ctx context.Context, prefix, suffix string) bool {
	sha := prefix + suffix
	if _, ok := s.present.Get(sha); ok {
		return true
	}

	local := s.LocalPath(prefix, suffix)
	if _, err := os.Stat(local); err == nil {
		s.present.Add(sha, struct{}{})
		return true
	}

	_, err, shared := s.group.Do(sha, func() (interface{}, error) {
		start := time.Now()
		if err := s.remote.Get(ctx, s.remoteKey(prefix, suffix), local); err != nil {
			return nil, err
		}
		log.Debug().Str("sha", sha).Dur("duration", time.Since(start)).Msg("downloaded object")
		return nil, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("sha", sha).Bool("shared", shared).Msg("object download failed")
		return false
	}

	s.present.Add(sha, struct{}{})
	return true
}

func (s *Store) RefreshCredentials(ctx context.Context) error {
	return s.remote.RefreshCredentials(ctx)
}

// Endpoint describes where objects are fetched from.
func (s *Store) Endpoint() string {
	if s.keyPrefix == "" {
		return s.remote.URL()
	}
	return s.remote.URL() + "/" + s.keyPrefix
}
