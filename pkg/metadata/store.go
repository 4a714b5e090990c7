package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/boltdb/bolt"
	"github.com/rs/zerolog/log"
)

const (
	// FileName is the metadata database under .gvfs/databases.
	FileName = "gvfs.db"

	openTimeout = time.Second
)

var (
	bucketRepo     = []byte("repo-metadata")
	bucketModified = []byte("modified-paths")

	keyLayoutVersion = []byte("disk-layout-version")
	keyEnlistmentID  = []byte("enlistment-id")
)

var ErrNoLayoutVersion = errors.New("disk layout version not recorded")

// Store is the enlistment's persistent metadata: the on-disk layout version and
// the journal of paths that were written through the mount.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the metadata database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create databases dir: %w", err)
	}

	p := filepath.Join(dir, FileName)
	db, err := bolt.Open(p, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open metadata %s: %w", p, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRepo, bucketModified} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata buckets: %w", err)
	}

	return &Store{db: db, path: p}, nil
}

func (s *Store) Path() string { return s.path }

// CurrentLayoutVersion returns the layout version recorded in the database.
func (s *Store) CurrentLayoutVersion() (types.LayoutVersion, error) {
	var v types.LayoutVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRepo).Get(keyLayoutVersion)
		if raw == nil {
			return ErrNoLayoutVersion
		}
		return json.Unmarshal(raw, &v)
	})
	return v, err
}

// PersistCurrentLayoutVersion records the layout version written by this build.
func (s *Store) PersistCurrentLayoutVersion() error {
	raw, err := json.Marshal(types.CurrentLayoutVersion)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepo).Put(keyLayoutVersion, raw)
	})
}

// EnsureLayoutVersion writes the current version into a fresh database and
// rejects databases written by an incompatible major version.
func (s *Store) EnsureLayoutVersion() (types.LayoutVersion, error) {
	v, err := s.CurrentLayoutVersion()
	if errors.Is(err, ErrNoLayoutVersion) {
		if err := s.PersistCurrentLayoutVersion(); err != nil {
			return v, err
		}
		return types.CurrentLayoutVersion, nil
	}
	if err != nil {
		return v, err
	}
	if v.Major != types.CurrentLayoutVersion.Major {
		return v, fmt.Errorf("disk layout version %s is not supported (expected %d.x)", v, types.CurrentLayoutVersion.Major)
	}
	return v, nil
}

// EnlistmentID returns the enlistment's stable id, assigning newID on first use.
func (s *Store) EnlistmentID(newID func() string) (string, error) {
	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepo)
		if raw := b.Get(keyEnlistmentID); raw != nil {
			id = string(raw)
			return nil
		}
		id = newID()
		return b.Put(keyEnlistmentID, []byte(id))
	})
	return id, err
}

// RecordModifiedPaths journals paths written through the mount.
func (s *Store) RecordModifiedPaths(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	now := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModified)
		for _, p := range paths {
			if err := b.Put([]byte(p), now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RemoveModifiedPath(p string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModified).Delete([]byte(p))
	})
}

// ModifiedPaths lists journaled paths in lexical order.
func (s *Store) ModifiedPaths() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModified).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	log.Debug().Str("path", s.path).Msg("metadata closed")
	return err
}
