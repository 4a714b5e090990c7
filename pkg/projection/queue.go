package projection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const queueDepth = 1024

var ErrQueueClosed = errors.New("background queue is closed")

// OpKind is the kind of a background operation.
type OpKind int

const (
	OpCreated OpKind = iota + 1
	OpRemoved
	OpRenamed
	// OpLockReleased runs after an external lock holder releases the working
	// directory and reconciles the modified-path journal with the lower tree.
	OpLockReleased
)

func (k OpKind) String() string {
	switch k {
	case OpCreated:
		return "created"
	case OpRemoved:
		return "removed"
	case OpRenamed:
		return "renamed"
	case OpLockReleased:
		return "lock-released"
	}
	return "unknown"
}

// Operation is a unit of deferred work generated by filesystem activity or by a
// lock release.
type Operation struct {
	Kind    OpKind
	Path    string
	OldPath string
	Command string
}

// Journal persists the set of paths written through the mount.
type Journal interface {
	RecordModifiedPaths(paths ...string) error
	ModifiedPaths() ([]string, error)
	RemoveModifiedPath(p string) error
}

// backgroundQueue runs operations on a fixed pool of workers. The pending count
// includes queued and in-flight operations.
type backgroundQueue struct {
	journal   Journal
	lowerRoot string

	ops     chan Operation
	pending atomic.Int64
	g       *errgroup.Group
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newBackgroundQueue(journal Journal, lowerRoot string, workers int) *backgroundQueue {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	q := &backgroundQueue{
		journal:   journal,
		lowerRoot: lowerRoot,
		ops:       make(chan Operation, queueDepth),
		g:         g,
		cancel:    cancel,
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.work(ctx)
			return nil
		})
	}
	return q
}

func (q *backgroundQueue) Enqueue(op Operation) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.ops <- op
	return nil
}

func (q *backgroundQueue) Pending() int {
	return int(q.pending.Load())
}

func (q *backgroundQueue) work(ctx context.Context) {
	for op := range q.ops {
		if ctx.Err() == nil {
			if err := q.run(op); err != nil {
				log.Warn().Err(err).Str("op", op.Kind.String()).Str("path", op.Path).Msg("background operation failed")
			}
		}
		q.pending.Add(-1)
	}
}

func (q *backgroundQueue) run(op Operation) error {
	if q.journal == nil {
		return nil
	}

	switch op.Kind {
	case OpCreated:
		return q.journal.RecordModifiedPaths(op.Path)
	case OpRemoved:
		return q.journal.RemoveModifiedPath(op.Path)
	case OpRenamed:
		if err := q.journal.RemoveModifiedPath(op.OldPath); err != nil {
			return err
		}
		return q.journal.RecordModifiedPaths(op.Path)
	case OpLockReleased:
		return q.reconcile(op.Command)
	}
	return fmt.Errorf("unknown operation %d", op.Kind)
}

// reconcile drops journal entries for paths that no longer exist in the lower tree.
func (q *backgroundQueue) reconcile(command string) error {
	paths, err := q.journal.ModifiedPaths()
	if err != nil {
		return err
	}

	pruned := 0
	for _, p := range paths {
		if _, err := os.Lstat(filepath.Join(q.lowerRoot, p)); !os.IsNotExist(err) {
			continue
		}
		if err := q.journal.RemoveModifiedPath(p); err != nil {
			return err
		}
		pruned++
	}

	log.Debug().Str("command", command).Int("tracked", len(paths)-pruned).Int("pruned", pruned).Msg("reconciled modified paths")
	return nil
}

// Close stops accepting work, lets queued operations drain and waits for the
// workers. Abort skips any operation not yet started.
func (q *backgroundQueue) Close(abort bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()

	if abort {
		q.cancel()
	}
	q.g.Wait()
	q.cancel()
}
