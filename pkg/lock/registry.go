package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	ErrNotHeld   = errors.New("lock is not held")
	ErrNotHolder = errors.New("pid does not hold the lock")
)

// LivenessFunc reports whether a process is still running.
type LivenessFunc func(pid int) bool

// ProcessAlive is the default LivenessFunc. Lookup errors count as alive so a
// transient failure never steals a live holder's lock.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}

type Option func(*Registry)

// WithLiveness overrides how holder processes are checked for liveness.
func WithLiveness(fn LivenessFunc) Option {
	return func(r *Registry) { r.isAlive = fn }
}

// Registry holds the single external working-directory lock.
type Registry struct {
	mu         sync.Mutex
	holder     *types.LockHolder
	acquiredAt time.Time
	isAlive    LivenessFunc
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{isAlive: ProcessAlive}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquireExternal grants the lock to requester if it is free or already held by
// requester. On denial the current holder is returned.
func (r *Registry) TryAcquireExternal(requester types.LockHolder) (bool, *types.LockHolder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reclaimLocked()

	if r.holder != nil {
		if r.holder.Same(requester) {
			return true, nil
		}
		existing := *r.holder
		return false, &existing
	}

	h := requester
	r.holder = &h
	r.acquiredAt = time.Now()
	log.Info().Int("pid", h.PID).Str("process", h.ProcessName).Str("command", h.Command).Msg("external lock acquired")
	return true, nil
}

// ReleaseExternal clears the lock if pid holds it.
func (r *Registry) ReleaseExternal(pid int) (types.LockHolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		return types.LockHolder{}, ErrNotHeld
	}
	if r.holder.PID != pid {
		return types.LockHolder{}, fmt.Errorf("%w: pid %d, held by %d", ErrNotHolder, pid, r.holder.PID)
	}

	released := *r.holder
	r.holder = nil
	log.Info().Int("pid", pid).Dur("held", time.Since(r.acquiredAt)).Msg("external lock released")
	return released, nil
}

// reclaimLocked drops a holder whose process exited. Caller holds r.mu.
func (r *Registry) reclaimLocked() bool {
	if r.holder == nil || r.isAlive(r.holder.PID) {
		return false
	}
	log.Warn().Int("pid", r.holder.PID).Str("process", r.holder.ProcessName).Msg("external lock holder exited without releasing, reclaiming lock")
	r.holder = nil
	return true
}

// Holder returns the current holder, if any.
func (r *Registry) Holder() (types.LockHolder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		return types.LockHolder{}, false
	}
	return *r.holder, true
}

// Status is the human readable lock status used in status snapshots.
func (r *Registry) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holder == nil {
		return "Free"
	}
	return "Held by " + r.holder.String()
}
