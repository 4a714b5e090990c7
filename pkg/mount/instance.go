package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

const mutexRetryDelay = 20 * time.Millisecond

// instanceLock is the cross-process single-instance mutex for an enlistment.
// The lock file holds the owner's pid so a successor can tell that a previous
// owner died without releasing it.
type instanceLock struct {
	fl   *flock.Flock
	path string
}

// acquireInstanceLock waits up to timeout for the mutex. abandoned is true when
// the previous owner exited without a clean release.
func acquireInstanceLock(ctx context.Context, path string, timeout time.Duration) (l *instanceLock, abandoned bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create mutex dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, mutexRetryDelay)
	if err != nil || !locked {
		fl.Close()
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, ErrAlreadyMounted
		}
		return nil, false, fmt.Errorf("acquire mutex %s: %w", path, err)
	}

	if prev := readOwnerPID(path); prev > 0 && prev != os.Getpid() {
		abandoned = true
		log.Info().Int("previous_pid", prev).Str("path", path).Msg("enlistment mutex was abandoned by previous owner")
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		fl.Unlock()
		return nil, false, fmt.Errorf("record mutex owner: %w", err)
	}

	return &instanceLock{fl: fl, path: path}, abandoned, nil
}

func readOwnerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Release clears the owner record and unlocks.
func (l *instanceLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Truncate(l.path, 0); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("failed to clear mutex owner")
	}
	return l.fl.Unlock()
}
