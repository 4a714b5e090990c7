package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/lock"
	"github.com/beam-cloud/gvfs/pkg/metadata"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type fakeEngine struct {
	mu         sync.Mutex
	registry   *lock.Registry
	pending    int
	startErr   error
	stopErr    error
	startBlock chan struct{}
	started    bool
	stopped    bool
	disposed   int
}

func (e *fakeEngine) Start(ctx context.Context) error {
	if e.startBlock != nil {
		<-e.startBlock
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return e.startErr
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return e.stopErr
}

func (e *fakeEngine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed++
}

func (e *fakeEngine) IsReadyForExternalLockRequests() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending == 0
}

func (e *fakeEngine) BackgroundOperationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *fakeEngine) TryReleaseExternalLock(pid int) bool {
	_, err := e.registry.ReleaseExternal(pid)
	return err == nil
}

func (e *fakeEngine) setPending(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = n
}

func (e *fakeEngine) snapshot() (started, stopped bool, disposed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped, e.disposed
}

type fakeObjects struct {
	mu        sync.Mutex
	credErr   error
	result    bool
	downloads []string
}

func (o *fakeObjects) TryDownloadAndSave(ctx context.Context, prefix, suffix string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.downloads = append(o.downloads, prefix+"/"+suffix)
	return o.result
}

func (o *fakeObjects) RefreshCredentials(ctx context.Context) error { return o.credErr }
func (o *fakeObjects) Endpoint() string                           { return "s3://objects" }

func (o *fakeObjects) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.downloads...)
}

type fakeMetadata struct {
	mu         sync.Mutex
	version    *types.LayoutVersion
	persistErr error
	closed     bool
}

func (m *fakeMetadata) CurrentLayoutVersion() (types.LayoutVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version == nil {
		return types.LayoutVersion{}, metadata.ErrNoLayoutVersion
	}
	return *m.version, nil
}

func (m *fakeMetadata) PersistCurrentLayoutVersion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	v := types.CurrentLayoutVersion
	m.version = &v
	return nil
}

func (m *fakeMetadata) EnlistmentID(newID func() string) (string, error) { return "test-id", nil }

func (m *fakeMetadata) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// harness wires a supervisor to fakes over a temporary enlistment.
type harness struct {
	t         *testing.T
	enl       *types.Enlistment
	cfg       types.AppConfig
	deps      Deps
	engine    *fakeEngine
	objects   *fakeObjects
	metadata  *fakeMetadata
	hookCalls int
	mu        sync.Mutex
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gvfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, types.WorkingDirectory), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, types.DotGVFS, "databases"), 0o755))

	enl, err := types.NewEnlistment(root, "https://example.com/repo.git")
	require.NoError(t, err)

	h := &harness{
		t:   t,
		enl: enl,
		cfg: types.AppConfig{
			Mount: types.MountConfig{MutexTimeout: 200 * time.Millisecond, HeartbeatInterval: time.Hour},
			IPC:   types.IPCConfig{SocketDir: shortTempDir(t), MaxChannelNameLength: 250},
		},
		engine:   &fakeEngine{},
		objects:  &fakeObjects{result: true},
		metadata: &fakeMetadata{},
	}
	h.deps = Deps{
		OpenMetadata: func(*types.Enlistment) (Metadata, error) { return h.metadata, nil },
		InstallHooks: func(*types.Enlistment, types.AppConfig) error {
			h.mu.Lock()
			h.hookCalls++
			h.mu.Unlock()
			return nil
		},
		IntegrateEnvironment: func(*types.Enlistment) error { return nil },
		NewObjectStore: func(context.Context, *types.Enlistment, types.AppConfig) (ObjectStore, error) {
			return h.objects, nil
		},
		NewEngine: func(_ *types.Enlistment, _ types.AppConfig, r *lock.Registry, _ Metadata) (Engine, error) {
			h.engine.registry = r
			return h.engine, nil
		},
		Liveness: func(int) bool { return true },
	}
	return h
}

func (h *harness) hooksInstalled() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hookCalls
}

type runResult struct {
	s        *Supervisor
	code     types.ReturnCode
	finished chan struct{}
}

func (h *harness) start(ctx context.Context) *runResult {
	r := &runResult{
		s:        NewSupervisor(h.enl, h.cfg, h.deps),
		finished: make(chan struct{}),
	}
	go func() {
		r.code = r.s.Run(ctx)
		close(r.finished)
	}()
	return r
}

func (h *harness) startReady() *runResult {
	h.t.Helper()
	r := h.start(context.Background())
	require.Eventually(h.t, func() bool { return r.s.State() == Ready }, testTimeout, 5*time.Millisecond)
	h.t.Cleanup(func() {
		if r.s.State() == Ready {
			r.s.Unmount()
		}
		select {
		case <-r.finished:
		case <-time.After(testTimeout):
		}
	})
	return r
}

func (r *runResult) wait(t *testing.T) types.ReturnCode {
	t.Helper()
	select {
	case <-r.finished:
		return r.code
	case <-time.After(testTimeout):
		t.Fatal("supervisor did not exit")
		return -1
	}
}

func (h *harness) dial() *ipc.Client {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := ipc.Dial(ctx, h.enl.ChannelName(), h.cfg.IPC.SocketDir)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) call(m ipc.Message) ipc.Message {
	h.t.Helper()
	resp, err := h.dial().Call(m, testTimeout)
	require.NoError(h.t, err)
	return resp
}

func (h *harness) acquire(pid int, name string) ipc.Message {
	h.t.Helper()
	m, err := ipc.AcquireLockRequest(types.LockHolder{PID: pid, ProcessName: name, Command: name + " status"})
	require.NoError(h.t, err)
	return h.call(m)
}

func (h *harness) release(pid int) ipc.Message {
	h.t.Helper()
	m, err := ipc.ReleaseLockRequest(pid)
	require.NoError(h.t, err)
	return h.call(m)
}

func (h *harness) status() types.Status {
	h.t.Helper()
	st, err := ipc.DecodeStatus(h.call(ipc.GetStatusRequest()))
	require.NoError(h.t, err)
	return st
}

var errBoom = errors.New("boom")
