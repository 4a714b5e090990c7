package mount

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/lock"
	"github.com/beam-cloud/gvfs/pkg/metadata"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

const defaultMutexTimeout = 500 * time.Millisecond

// Supervisor owns the lifecycle of one enlistment mount and answers every IPC
// request for it.
type Supervisor struct {
	cfg  types.AppConfig
	enl  *types.Enlistment
	deps Deps

	// mu guards state and the collaborators below. Request handlers hold the
	// read lock across their state check and the action it gates.
	mu       sync.RWMutex
	state    State
	lastErr  error
	registry *lock.Registry
	engine   Engine
	objects  ObjectStore
	metadata Metadata

	server    *ipc.Server
	instance  *instanceLock
	folders   folderLocks
	heartbeat *heartbeat
	metrics   *metrics
	httpSrv   *metricsServer

	unmounted  chan struct{}
	unmountMu  sync.Mutex
	unmountSig bool
}

func NewSupervisor(enl *types.Enlistment, cfg types.AppConfig, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		enl:       enl,
		deps:      deps,
		state:     Invalid,
		metrics:   newMetrics(),
		unmounted: make(chan struct{}),
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ChannelName is the IPC channel this supervisor serves.
func (s *Supervisor) ChannelName() string {
	return s.enl.ChannelName()
}

func (s *Supervisor) socketDir() string {
	if s.cfg.IPC.SocketDir != "" {
		return s.cfg.IPC.SocketDir
	}
	return ipc.DefaultSocketDir()
}

func (s *Supervisor) mutexPath() string {
	return filepath.Join(s.socketDir(), types.ChannelKey(s.ChannelName())+".lock")
}

// transition moves to next if the edge is allowed. It reports whether it moved.
func (s *Supervisor) transition(next State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, err)
}

func (s *Supervisor) transitionLocked(next State, err error) bool {
	if !s.state.canTransitionTo(next) {
		log.Warn().Str("from", s.state.String()).Str("to", next.String()).Msg("ignoring invalid mount state transition")
		return false
	}
	log.Debug().Str("from", s.state.String()).Str("to", next.String()).Msg("mount state")
	s.state = next
	if err != nil {
		s.lastErr = err
	}
	s.metrics.setState(next)
	return true
}

// Run mounts the enlistment, serves requests until unmounted and returns the
// process exit code. Cancelling ctx unmounts as if an Unmount request arrived.
func (s *Supervisor) Run(ctx context.Context) types.ReturnCode {
	defer s.shutdown()

	s.transition(Mounting, nil)
	if err := s.mount(ctx); err != nil {
		return s.failMount(ctx, err)
	}

	s.transition(Ready, nil)
	log.Info().
		Str("enlistment", s.enl.Root).
		Str("channel", s.ChannelName()).
		Msg("mount ready")

	select {
	case <-s.unmounted:
	case <-ctx.Done():
		log.Info().Msg("mount process interrupted, unmounting")
		s.Unmount()
	}
	return types.Success
}

func (s *Supervisor) mount(ctx context.Context) error {
	// 1
	if s.deps.Chdir != nil {
		if err := s.deps.Chdir(s.enl.Root); err != nil {
			return stepError(StepChdir, err)
		}
	}

	// 2
	name := s.ChannelName()
	if max := s.cfg.IPC.MaxChannelNameLength; max > 0 && len(name) > max {
		return stepError(StepIPC, fmt.Errorf("%w: %d > %d", ErrChannelNameTooLong, len(name), max))
	}
	server := ipc.NewServer(name, s.socketDir(), s.dispatcher().Handle)
	if err := server.Start(ctx); err != nil {
		if errors.Is(err, ipc.ErrChannelInUse) {
			err = fmt.Errorf("%w: %v", ErrAlreadyMounted, err)
		}
		return stepError(StepIPC, err)
	}
	s.server = server

	// 3
	timeout := s.cfg.Mount.MutexTimeout
	if timeout <= 0 {
		timeout = defaultMutexTimeout
	}
	instance, abandoned, err := acquireInstanceLock(ctx, s.mutexPath(), timeout)
	if err != nil {
		return stepError(StepMutex, err)
	}
	s.instance = instance
	if abandoned {
		log.Info().Str("enlistment", s.enl.Root).Msg("recovered enlistment mutex from a previous mount that did not exit cleanly")
	}

	// 4
	if err := s.validateEnlistment(); err != nil {
		return stepError(StepValidate, err)
	}

	// 5
	if s.deps.InstallHooks != nil {
		if err := s.deps.InstallHooks(s.enl, s.cfg); err != nil {
			return stepError(StepHooks, err)
		}
	}

	// 6
	if s.deps.IntegrateEnvironment != nil {
		if err := s.deps.IntegrateEnvironment(s.enl); err != nil {
			log.Warn().Err(err).Msg("environment integration failed, continuing")
		}
	}

	// 7
	store, err := s.deps.NewObjectStore(ctx, s.enl, s.cfg)
	if err != nil {
		return stepError(StepCredentials, err)
	}
	if err := store.RefreshCredentials(ctx); err != nil {
		return stepError(StepCredentials, err)
	}
	s.mu.Lock()
	s.objects = store
	s.mu.Unlock()

	// 8
	if err := s.startEngine(ctx); err != nil {
		return stepError(StepEngine, err)
	}

	// 9
	if err := s.metadata.PersistCurrentLayoutVersion(); err != nil {
		return stepError(StepLayout, err)
	}

	// 10
	if err := s.folders.Lock(s.enl.DatabasesRoot()); err != nil {
		return stepError(StepFolderLock, err)
	}

	// 11
	s.heartbeat = startHeartbeat(s.cfg.Mount.HeartbeatInterval, s.onHeartbeat)
	if addr := s.cfg.Metrics.Listen; addr != "" {
		srv, err := startMetricsServer(addr, s.metrics, s.Status)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics endpoint disabled")
		} else {
			s.httpSrv = srv
		}
	}
	return nil
}

func (s *Supervisor) validateEnlistment() error {
	for _, dir := range []string{s.enl.WorkingDirRoot(), s.enl.DotGVFSRoot()} {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("%w: missing %s", ErrNotEnlistment, dir)
		}
	}

	md, err := s.deps.OpenMetadata(s.enl)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.metadata = md
	s.mu.Unlock()

	v, err := md.CurrentLayoutVersion()
	switch {
	case errors.Is(err, metadata.ErrNoLayoutVersion):
	case err != nil:
		return fmt.Errorf("read disk layout version: %w", err)
	case v.Major != types.CurrentLayoutVersion.Major:
		return fmt.Errorf("disk layout version %s is not supported by this build (%s)", v, types.CurrentLayoutVersion)
	}

	id, err := md.EnlistmentID(uuid.NewString)
	if err != nil {
		return fmt.Errorf("read enlistment id: %w", err)
	}
	log.Info().Str("enlistment", s.enl.Root).Str("enlistment_id", id).Msg("enlistment validated")
	return nil
}

// startEngine constructs and starts the projection engine. A panic in either
// step is a startup failure like any other.
func (s *Supervisor) startEngine(ctx context.Context) error {
	liveness := s.deps.Liveness
	if liveness == nil {
		liveness = lock.ProcessAlive
	}
	registry := lock.NewRegistry(lock.WithLiveness(liveness))

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		var engine Engine
		engine, err = s.deps.NewEngine(s.enl, s.cfg, registry, s.metadata)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.engine = engine
		s.registry = registry
		s.mu.Unlock()
		err = engine.Start(ctx)
	})
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// failMount records a startup failure and tears down what was started. With
// pauseOnFailure the process stays up until acknowledged on stdin or unmounted,
// so the failure can be inspected over IPC.
func (s *Supervisor) failMount(ctx context.Context, err error) types.ReturnCode {
	log.Error().Err(err).Str("enlistment", s.enl.Root).Msg("mount failed")
	s.transition(MountFailed, err)
	s.disposeEngine()

	if s.cfg.Mount.PauseOnFailure && s.server != nil {
		if s.pauseForDiagnosis(ctx) {
			return types.Success
		}
	}
	return types.GenericError
}

// pauseForDiagnosis blocks until a line is read from stdin, the context ends or
// an unmount completes. It reports whether an unmount completed.
func (s *Supervisor) pauseForDiagnosis(ctx context.Context) bool {
	ack := make(chan struct{})
	if s.deps.Stdin != nil {
		fmt.Fprintln(os.Stderr, "Mount failed. Press Enter to exit.")
		go func() {
			bufio.NewReader(s.deps.Stdin).ReadString('\n')
			close(ack)
		}()
	}

	select {
	case <-s.unmounted:
		return true
	case <-ack:
	case <-ctx.Done():
	}
	return false
}

func (s *Supervisor) disposeEngine() {
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()

	if engine != nil {
		engine.Dispose()
	}
}

// Unmount runs the shutdown sequence. It reports the result code an Unmount
// request would receive and, when accepted, returns after teardown completed.
func (s *Supervisor) Unmount() string {
	reply, accepted := s.beginUnmount()
	if !accepted {
		return reply
	}
	s.teardown()
	s.signalUnmounted()
	return ipc.UnmountCompleted
}

func (s *Supervisor) beginUnmount() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Ready, MountFailed:
		s.transitionLocked(Unmounting, nil)
		return ipc.UnmountAcknowledged, true
	case Mounting:
		return ipc.UnmountNotMounted, false
	case Unmounting:
		return ipc.UnmountAlreadyUnmounting, false
	default:
		return ipc.UnmountUnknown, false
	}
}

func (s *Supervisor) teardown() {
	s.folders.ReleaseAll()
	s.heartbeat.Stop()

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()

	if engine != nil {
		if err := engine.Stop(); err != nil {
			log.Warn().Err(err).Msg("projection engine did not stop cleanly")
		}
		engine.Dispose()
	}

	s.httpSrv.Stop()
	log.Info().Str("enlistment", s.enl.Root).Msg("unmounted")
}

func (s *Supervisor) signalUnmounted() {
	s.unmountMu.Lock()
	defer s.unmountMu.Unlock()
	if !s.unmountSig {
		s.unmountSig = true
		close(s.unmounted)
	}
}

// Done is closed once an unmount has completed.
func (s *Supervisor) Done() <-chan struct{} {
	return s.unmounted
}

// shutdown releases process-level resources once Run is about to return.
func (s *Supervisor) shutdown() {
	s.folders.ReleaseAll()
	s.heartbeat.Stop()
	s.httpSrv.Stop()

	if s.server != nil {
		s.server.Stop()
	}

	s.mu.Lock()
	md := s.metadata
	s.metadata = nil
	s.mu.Unlock()
	if md != nil {
		if err := md.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close metadata")
		}
	}

	if err := s.instance.Release(); err != nil {
		log.Warn().Err(err).Msg("failed to release enlistment mutex")
	}
}
