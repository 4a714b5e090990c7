package mount

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const folderLockName = ".gvfs.lock"

// folderLocks holds advisory locks on enlistment directories for the lifetime
// of the mount.
type folderLocks struct {
	mu    sync.Mutex
	locks []*flock.Flock
}

func (f *folderLocks) Lock(dir string) error {
	fl := flock.New(filepath.Join(dir, folderLockName))
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrFolderLocked, dir)
	}

	f.mu.Lock()
	f.locks = append(f.locks, fl)
	f.mu.Unlock()
	return nil
}

func (f *folderLocks) ReleaseAll() {
	f.mu.Lock()
	locks := f.locks
	f.locks = nil
	f.mu.Unlock()

	for _, fl := range locks {
		if err := fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("path", fl.Path()).Msg("failed to release folder lock")
		}
	}
}

func (f *folderLocks) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks)
}
