package mount

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/lock"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Invalid, Mounting, true},
		{Mounting, Ready, true},
		{Mounting, MountFailed, true},
		{Ready, Unmounting, true},
		{MountFailed, Unmounting, true},
		{Unmounting, Ready, false},
		{Unmounting, Mounting, false},
		{MountFailed, Ready, false},
		{Ready, Mounting, false},
		{Invalid, Ready, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.canTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDispatcherCoversEveryKind(t *testing.T) {
	h := newHarness(t)
	s := NewSupervisor(h.enl, h.cfg, h.deps)
	d := s.dispatcher()
	for _, k := range ipc.Kinds {
		assert.True(t, d.Handles(k), "no handler for %s", k)
	}
}

func TestMountLifecycle(t *testing.T) {
	h := newHarness(t)
	r := h.startReady()

	st := h.status()
	assert.Equal(t, types.MountStatusReady, st.MountStatus)
	assert.Equal(t, h.enl.Root, st.EnlistmentRoot)
	assert.Equal(t, "https://example.com/repo.git", st.RepoURL)
	assert.Equal(t, "s3://objects", st.ObjectsURL)
	assert.Equal(t, "Free", st.LockStatus)
	assert.Equal(t, types.CurrentLayoutVersion.String(), st.DiskLayoutVersion)
	require.NotNil(t, st.BackgroundOperationCount)
	assert.Equal(t, 0, *st.BackgroundOperationCount)
	assert.Equal(t, 1, h.hooksInstalled())

	c := h.dial()
	first, err := c.Call(ipc.UnmountRequest(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, ipc.UnmountAcknowledged, first.Header)
	second, err := c.Receive(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, ipc.UnmountCompleted, second.Header)

	assert.Equal(t, types.Success, r.wait(t))

	started, stopped, disposed := h.engine.snapshot()
	assert.True(t, started)
	assert.True(t, stopped)
	assert.Equal(t, 1, disposed)
	assert.True(t, h.metadata.closed)

	// the mutex is free again
	l, abandoned, err := acquireInstanceLock(context.Background(), r.s.mutexPath(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, abandoned)
	require.NoError(t, l.Release())
}

func TestLockArbitration(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	assert.Equal(t, ipc.LockAccept, h.acquire(100, "git").Header)
	// idempotent for the current holder
	assert.Equal(t, ipc.LockAccept, h.acquire(100, "git").Header)

	denied := h.acquire(200, "git")
	assert.Equal(t, ipc.LockDenyGit, denied.Header)
	lr, err := ipc.DecodeLockResponse(denied)
	require.NoError(t, err)
	require.NotNil(t, lr.Holder)
	assert.Equal(t, 100, lr.Holder.PID)
	assert.Equal(t, "git status", lr.Holder.Command)

	assert.True(t, strings.HasPrefix(h.status().LockStatus, "Held by git (pid 100)"))

	assert.Equal(t, ipc.LockNotReleased, h.release(200).Header)
	assert.Equal(t, ipc.LockReleased, h.release(100).Header)
	assert.Equal(t, ipc.LockNotReleased, h.release(100).Header)

	assert.Equal(t, ipc.LockAccept, h.acquire(200, "git").Header)
}

func TestLockDeniedWhileEngineBusy(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	h.engine.setPending(3)
	resp := h.acquire(100, "git")
	assert.Equal(t, ipc.LockDenyGVFS, resp.Header)
	lr, err := ipc.DecodeLockResponse(resp)
	require.NoError(t, err)
	assert.Nil(t, lr.Holder)
	assert.Equal(t, "Waiting for 3 background operations", lr.Message)

	// the registry was not touched
	assert.Equal(t, "Free", h.status().LockStatus)
	assert.Equal(t, 3, *h.status().BackgroundOperationCount)

	h.engine.setPending(0)
	assert.Equal(t, ipc.LockAccept, h.acquire(100, "git").Header)
}

func TestConcurrentAcquireGrantsOne(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	const n = 32
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			c, err := ipc.Dial(ctx, h.enl.ChannelName(), h.cfg.IPC.SocketDir)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			m, _ := ipc.AcquireLockRequest(types.LockHolder{PID: pid, ProcessName: "git"})
			resp, err := c.Call(m, testTimeout)
			if !assert.NoError(t, err) {
				return
			}
			if resp.Header == ipc.LockAccept {
				granted.Add(1)
			} else {
				assert.Equal(t, ipc.LockDenyGit, resp.Header)
			}
		}(1000 + i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestDownloadObject(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	const sha = "0123456789abcdef0123456789abcdef01234567"

	assert.Equal(t, ipc.DownloadInvalid, h.call(ipc.DownloadObjectRequest("xyz")).Header)
	assert.Equal(t, ipc.DownloadInvalid, h.call(ipc.DownloadObjectRequest(sha[:39]+"g")).Header)
	assert.Empty(t, h.objects.calls(), "invalid hashes never reach the object store")

	assert.Equal(t, ipc.DownloadSuccess, h.call(ipc.DownloadObjectRequest(sha)).Header)
	assert.Equal(t, []string{"01/" + sha[2:]}, h.objects.calls())

	h.objects.mu.Lock()
	h.objects.result = false
	h.objects.mu.Unlock()
	assert.Equal(t, ipc.DownloadFailed, h.call(ipc.DownloadObjectRequest(sha)).Header)
}

func TestUnknownAndMalformedRequests(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	assert.Equal(t, ipc.UnknownRequest, h.call(ipc.NewMessage("Bogus", "")).Header)
	assert.Equal(t, ipc.UnknownRequest, h.call(ipc.NewMessage("AcquireLock", "not json")).Header)
	assert.Equal(t, types.MountStatusReady, h.status().MountStatus)
}

func TestRequestsWhileMounting(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	hold := make(chan struct{})
	h.deps.InstallHooks = func(*types.Enlistment, types.AppConfig) error {
		close(entered)
		<-hold
		return nil
	}

	r := h.start(context.Background())
	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("mount did not reach hook installation")
	}
	assert.Equal(t, Mounting, r.s.State())

	st := h.status()
	assert.Equal(t, types.MountStatusMounting, st.MountStatus)
	assert.Equal(t, types.LockStatusUnavailable, st.LockStatus)
	assert.Nil(t, st.BackgroundOperationCount)

	assert.Equal(t, ipc.MountNotReady, h.acquire(1, "git").Header)
	assert.Equal(t, ipc.MountNotReady, h.release(1).Header)
	assert.Equal(t, ipc.MountNotReady, h.call(ipc.DownloadObjectRequest("0123456789abcdef0123456789abcdef01234567")).Header)
	assert.Equal(t, ipc.UnmountNotMounted, h.call(ipc.UnmountRequest()).Header)
	assert.Empty(t, h.objects.calls())

	close(hold)
	require.Eventually(t, func() bool { return r.s.State() == Ready }, testTimeout, 5*time.Millisecond)
	r.s.Unmount()
	assert.Equal(t, types.Success, r.wait(t))
}

func TestBeginUnmountByState(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		accepted bool
	}{
		{Ready, ipc.UnmountAcknowledged, true},
		{MountFailed, ipc.UnmountAcknowledged, true},
		{Mounting, ipc.UnmountNotMounted, false},
		{Unmounting, ipc.UnmountAlreadyUnmounting, false},
		{Invalid, ipc.UnmountUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := newHarness(t)
			s := NewSupervisor(h.enl, h.cfg, h.deps)
			s.state = tt.state

			got, accepted := s.beginUnmount()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.accepted, accepted)
			if accepted {
				assert.Equal(t, Unmounting, s.State())
			} else {
				assert.Equal(t, tt.state, s.State())
			}
		})
	}
}

func TestConcurrentUnmountAcceptsOne(t *testing.T) {
	h := newHarness(t)
	s := NewSupervisor(h.enl, h.cfg, h.deps)
	s.state = Ready

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _ := s.beginUnmount()
			results <- got
		}()
	}
	wg.Wait()
	close(results)

	counts := map[string]int{}
	for r := range results {
		counts[r]++
	}
	assert.Equal(t, 1, counts[ipc.UnmountAcknowledged])
	assert.Equal(t, callers-1, counts[ipc.UnmountAlreadyUnmounting])
	assert.Equal(t, Unmounting, s.State())
}

func TestSecondInstanceFails(t *testing.T) {
	h := newHarness(t)
	h.startReady()

	second := NewSupervisor(h.enl, h.cfg, h.deps)
	assert.Equal(t, types.GenericError, second.Run(context.Background()))
	assert.ErrorIs(t, second.Err(), ErrAlreadyMounted)

	// the first instance keeps serving
	assert.Equal(t, types.MountStatusReady, h.status().MountStatus)
}

func TestAbandonedMutexIsRecovered(t *testing.T) {
	h := newHarness(t)
	s := NewSupervisor(h.enl, h.cfg, h.deps)
	require.NoError(t, os.WriteFile(s.mutexPath(), []byte("999999"), 0o600))

	h.startReady()
	assert.Equal(t, types.MountStatusReady, h.status().MountStatus)
}

func TestChannelNameTooLong(t *testing.T) {
	h := newHarness(t)
	h.cfg.IPC.MaxChannelNameLength = 10

	s := NewSupervisor(h.enl, h.cfg, h.deps)
	assert.Equal(t, types.GenericError, s.Run(context.Background()))
	assert.ErrorIs(t, s.Err(), ErrChannelNameTooLong)
	assert.Equal(t, 0, h.hooksInstalled())

	_, err := os.Stat(ipc.SocketPath(h.cfg.IPC.SocketDir, h.enl.ChannelName()))
	assert.True(t, os.IsNotExist(err), "no server was started")
	_, err = os.Stat(s.mutexPath())
	assert.True(t, os.IsNotExist(err), "mutex was never taken")
}

func TestStartupFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		step     string
		engineUp bool
	}{
		{
			name:  "missing working directory",
			setup: func(h *harness) { os.RemoveAll(h.enl.WorkingDirRoot()) },
			step:  StepValidate,
		},
		{
			name: "incompatible layout",
			setup: func(h *harness) {
				h.metadata.version = &types.LayoutVersion{Major: types.CurrentLayoutVersion.Major + 1}
			},
			step: StepValidate,
		},
		{
			name: "hooks",
			setup: func(h *harness) {
				h.deps.InstallHooks = func(*types.Enlistment, types.AppConfig) error { return errBoom }
			},
			step: StepHooks,
		},
		{
			name:  "credentials",
			setup: func(h *harness) { h.objects.credErr = errBoom },
			step:  StepCredentials,
		},
		{
			name:     "engine start",
			setup:    func(h *harness) { h.engine.startErr = errBoom },
			step:     StepEngine,
			engineUp: true,
		},
		{
			name: "engine panic",
			setup: func(h *harness) {
				h.deps.NewEngine = func(*types.Enlistment, types.AppConfig, *lock.Registry, Metadata) (Engine, error) {
					panic("engine exploded")
				}
			},
			step: StepEngine,
		},
		{
			name:     "layout persist",
			setup:    func(h *harness) { h.metadata.persistErr = errBoom },
			step:     StepLayout,
			engineUp: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			s := NewSupervisor(h.enl, h.cfg, h.deps)
			assert.Equal(t, types.GenericError, s.Run(context.Background()))
			assert.Equal(t, MountFailed, s.State())

			var me *MountError
			require.True(t, errors.As(s.Err(), &me), "got %v", s.Err())
			assert.Equal(t, tt.step, me.Step)

			_, _, disposed := h.engine.snapshot()
			if tt.engineUp {
				assert.Equal(t, 1, disposed, "partially started engine is disposed")
			} else {
				assert.Equal(t, 0, disposed)
			}

			// mutex and channel are released on exit
			l, _, err := acquireInstanceLock(context.Background(), s.mutexPath(), 100*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, l.Release())
			_, err = os.Stat(ipc.SocketPath(h.cfg.IPC.SocketDir, h.enl.ChannelName()))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestEnvironmentIntegrationIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.deps.IntegrateEnvironment = func(*types.Enlistment) error { return errBoom }
	h.startReady()
	assert.Equal(t, types.MountStatusReady, h.status().MountStatus)
}

func TestEngineStopFailureStillDisposes(t *testing.T) {
	h := newHarness(t)
	h.engine.stopErr = errBoom
	r := h.startReady()

	assert.Equal(t, ipc.UnmountCompleted, r.s.Unmount())
	assert.Equal(t, types.Success, r.wait(t))
	_, stopped, disposed := h.engine.snapshot()
	assert.True(t, stopped)
	assert.Equal(t, 1, disposed)
}

func TestUnmountFromFailedMount(t *testing.T) {
	h := newHarness(t)
	h.cfg.Mount.PauseOnFailure = true
	h.objects.credErr = errBoom

	r := h.start(context.Background())
	require.Eventually(t, func() bool { return r.s.State() == MountFailed }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, types.MountStatusMountFailed, h.status().MountStatus)
	assert.Equal(t, ipc.MountNotReady, h.acquire(1, "git").Header)

	c := h.dial()
	first, err := c.Call(ipc.UnmountRequest(), testTimeout)
	require.NoError(t, err)
	assert.Equal(t, ipc.UnmountAcknowledged, first.Header)
	second, err := c.Receive(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, ipc.UnmountCompleted, second.Header)

	assert.Equal(t, types.Success, r.wait(t))
}

func TestPausedFailureAcknowledgedOnStdin(t *testing.T) {
	h := newHarness(t)
	h.cfg.Mount.PauseOnFailure = true
	h.objects.credErr = errBoom
	h.deps.Stdin = strings.NewReader("\n")

	s := NewSupervisor(h.enl, h.cfg, h.deps)
	assert.Equal(t, types.GenericError, s.Run(context.Background()))
}

func TestContextCancelUnmounts(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := h.start(ctx)
	require.Eventually(t, func() bool { return r.s.State() == Ready }, testTimeout, 5*time.Millisecond)

	cancel()
	assert.Equal(t, types.Success, r.wait(t))
	assert.Equal(t, Unmounting, r.s.State())
	_, stopped, disposed := h.engine.snapshot()
	assert.True(t, stopped)
	assert.Equal(t, 1, disposed)
}

func TestHeartbeatLeavesLockUntouched(t *testing.T) {
	h := newHarness(t)
	var alive atomic.Bool
	alive.Store(true)
	h.deps.Liveness = func(int) bool { return alive.Load() }
	r := h.startReady()

	assert.Equal(t, ipc.LockAccept, h.acquire(100, "git").Header)
	alive.Store(false)

	r.s.onHeartbeat()
	assert.Contains(t, h.status().LockStatus, "Held by")

	// an exited holder is reclaimed when the next request arrives
	assert.Equal(t, ipc.LockAccept, h.acquire(200, "git").Header)
}
