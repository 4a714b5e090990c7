package projection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/beam-cloud/gvfs/pkg/lock"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

// Config configures the projection of the lower tree onto the working directory.
type Config struct {
	LowerRoot  string
	MountPoint string
	Workers    int
	AllowOther bool
	Debug      bool
}

// mountServer is the part of *fuse.Server the engine drives after mounting.
type mountServer interface {
	Unmount() error
	Wait()
}

// Engine projects the enlistment's lower tree onto the working directory through
// FUSE and owns the queue of background work generated by writes.
type Engine struct {
	cfg      Config
	registry *lock.Registry
	queue    *backgroundQueue
	trace    *opTrace

	// forceUnmount detaches the mount point when the server cannot unmount it.
	forceUnmount func(path string) bool

	mu        sync.Mutex
	server    mountServer
	stopTrace chan struct{}
	disposed  bool
}

func NewEngine(cfg Config, registry *lock.Registry, journal Journal) (*Engine, error) {
	if cfg.LowerRoot == "" || cfg.MountPoint == "" {
		return nil, errors.New("projection: lower root and mount point are required")
	}
	if registry == nil {
		return nil, errors.New("projection: lock registry is required")
	}
	if err := os.MkdirAll(cfg.LowerRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create lower root: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		registry: registry,
		queue:    newBackgroundQueue(journal, cfg.LowerRoot, cfg.Workers),
		trace:    newOpTraceFromEnv(),

		forceUnmount: forceUnmount,
	}, nil
}

// Start mounts the projection. It returns once the kernel has accepted the mount.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return errors.New("projection: engine disposed")
	}
	if e.server != nil {
		return errors.New("projection: already started")
	}

	var st syscall.Stat_t
	if err := syscall.Stat(e.cfg.LowerRoot, &st); err != nil {
		return fmt.Errorf("stat lower root: %w", err)
	}

	root := &fs.LoopbackRoot{
		Path:    e.cfg.LowerRoot,
		Dev:     uint64(st.Dev),
		NewNode: e.newNode,
	}
	rootNode := e.newNode(root, nil, "", &st)
	root.RootNode = rootNode

	server, err := fs.Mount(e.cfg.MountPoint, rootNode, &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: e.cfg.AllowOther,
			Debug:      e.cfg.Debug,
			FsName:     e.cfg.LowerRoot,
			Name:       "gvfs",
		},
	})
	if err != nil {
		return fmt.Errorf("mount projection at %s: %w", e.cfg.MountPoint, err)
	}
	if ctx.Err() != nil {
		server.Unmount()
		return ctx.Err()
	}
	e.server = server

	if e.trace != nil {
		e.stopTrace = make(chan struct{})
		go e.trace.reportLoop(e.stopTrace, e.cfg.MountPoint)
	}

	log.Info().Str("lower", e.cfg.LowerRoot).Str("mount", e.cfg.MountPoint).Msg("projection mounted")
	return nil
}

// Stop unmounts the projection and lets queued background work drain. When
// the unmount fails the server is kept so Dispose can force it.
func (e *Engine) Stop() error {
	e.mu.Lock()
	server := e.server
	if e.stopTrace != nil {
		close(e.stopTrace)
		e.stopTrace = nil
	}
	e.mu.Unlock()

	e.queue.Close(false)

	if server == nil {
		return nil
	}
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount projection: %w", err)
	}
	server.Wait()

	e.mu.Lock()
	if e.server == server {
		e.server = nil
	}
	e.mu.Unlock()
	log.Info().Str("mount", e.cfg.MountPoint).Msg("projection unmounted")
	return nil
}

// Dispose releases everything the engine holds. It is safe to call on a
// partially started engine and more than once.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	server := e.server
	e.server = nil
	if e.stopTrace != nil {
		close(e.stopTrace)
		e.stopTrace = nil
	}
	e.mu.Unlock()

	e.queue.Close(true)
	if server != nil {
		if err := server.Unmount(); err != nil && !e.forceUnmount(e.cfg.MountPoint) {
			log.Warn().Err(err).Str("mount", e.cfg.MountPoint).Msg("forced unmount failed")
		}
	}
}

func (e *Engine) notify(op Operation) {
	if err := e.queue.Enqueue(op); err != nil {
		log.Debug().Err(err).Str("op", op.Kind.String()).Str("path", op.Path).Msg("dropped background operation")
	}
}

// IsReadyForExternalLockRequests reports whether the engine has no pending
// background work that would touch the working directory.
func (e *Engine) IsReadyForExternalLockRequests() bool {
	return e.queue.Pending() == 0
}

func (e *Engine) BackgroundOperationCount() int {
	return e.queue.Pending()
}

// TryReleaseExternalLock releases the external lock if pid holds it, then
// schedules reconciliation of the work the holder did.
func (e *Engine) TryReleaseExternalLock(pid int) bool {
	holder, err := e.registry.ReleaseExternal(pid)
	if err != nil {
		log.Info().Err(err).Int("pid", pid).Msg("external lock not released")
		return false
	}
	e.notify(Operation{Kind: OpLockReleased, Command: holder.Command})
	return true
}

// Registry is the lock registry the engine validates releases against.
func (e *Engine) Registry() *lock.Registry { return e.registry }
