package mount

import (
	"context"
	"fmt"

	"github.com/beam-cloud/gvfs/pkg/ipc"
	"github.com/beam-cloud/gvfs/pkg/objects"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/rs/zerolog/log"
)

func (s *Supervisor) dispatcher() *ipc.Dispatcher {
	return ipc.NewDispatcher(s.handlers())
}

func (s *Supervisor) handlers() map[ipc.Kind]ipc.RequestHandler {
	return map[ipc.Kind]ipc.RequestHandler{
		ipc.KindGetStatus:      s.handleGetStatus,
		ipc.KindUnmount:        s.handleUnmount,
		ipc.KindAcquireLock:    s.handleAcquireLock,
		ipc.KindReleaseLock:    s.handleReleaseLock,
		ipc.KindDownloadObject: s.handleDownloadObject,
	}
}

func reply(conn ipc.Connection, m ipc.Message) {
	if err := conn.Send(m); err != nil {
		log.Debug().Err(err).Str("header", m.Header).Msg("failed to send ipc response")
	}
}

func (s *Supervisor) handleGetStatus(ctx context.Context, req ipc.Request, conn ipc.Connection) {
	s.metrics.requests.WithLabelValues(req.Kind.String()).Inc()

	m, err := ipc.StatusResponse(s.Status())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode status")
		reply(conn, ipc.NewMessage(ipc.UnknownRequest, ""))
		return
	}
	reply(conn, m)
}

func (s *Supervisor) handleUnmount(ctx context.Context, req ipc.Request, conn ipc.Connection) {
	s.metrics.requests.WithLabelValues(req.Kind.String()).Inc()

	result, accepted := s.beginUnmount()
	if !accepted {
		log.Info().Str("state", s.State().String()).Str("result", result).Msg("unmount request rejected")
		reply(conn, ipc.NewMessage(result, ""))
		return
	}

	log.Info().Msg("unmount requested")
	reply(conn, ipc.NewMessage(ipc.UnmountAcknowledged, ""))
	s.teardown()
	reply(conn, ipc.NewMessage(ipc.UnmountCompleted, ""))
	s.signalUnmounted()
}

// acquireDecision applies the arbitration policy while holding the read lock.
func (s *Supervisor) acquireDecision(requester types.LockHolder) ipc.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Ready || s.engine == nil || s.registry == nil {
		return ipc.LockResult(ipc.MountNotReady, nil, "")
	}

	if !s.engine.IsReadyForExternalLockRequests() {
		n := s.engine.BackgroundOperationCount()
		return ipc.LockResult(ipc.LockDenyGVFS, nil, fmt.Sprintf("Waiting for %d background operations", n))
	}

	granted, holder := s.registry.TryAcquireExternal(requester)
	if granted {
		return ipc.LockResult(ipc.LockAccept, nil, "")
	}
	return ipc.LockResult(ipc.LockDenyGit, holder, "")
}

func (s *Supervisor) handleAcquireLock(ctx context.Context, req ipc.Request, conn ipc.Connection) {
	s.metrics.requests.WithLabelValues(req.Kind.String()).Inc()

	m := s.acquireDecision(req.Requester)
	s.metrics.lockDecisions.WithLabelValues(m.Header).Inc()
	log.Debug().
		Int("pid", req.Requester.PID).
		Str("process", req.Requester.ProcessName).
		Str("result", m.Header).
		Msg("external lock request")
	reply(conn, m)
}

func (s *Supervisor) releaseDecision(pid int) ipc.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Ready || s.engine == nil {
		return ipc.LockResult(ipc.MountNotReady, nil, "")
	}
	if s.engine.TryReleaseExternalLock(pid) {
		return ipc.NewMessage(ipc.LockReleased, "")
	}
	return ipc.NewMessage(ipc.LockNotReleased, "")
}

func (s *Supervisor) handleReleaseLock(ctx context.Context, req ipc.Request, conn ipc.Connection) {
	s.metrics.requests.WithLabelValues(req.Kind.String()).Inc()

	m := s.releaseDecision(req.PID)
	log.Debug().Int("pid", req.PID).Str("result", m.Header).Msg("external lock release")
	reply(conn, m)
}

// readyObjectStore returns the object store if the mount is ready.
func (s *Supervisor) readyObjectStore() ObjectStore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Ready || s.engine == nil {
		return nil
	}
	return s.objects
}

func (s *Supervisor) handleDownloadObject(ctx context.Context, req ipc.Request, conn ipc.Connection) {
	s.metrics.requests.WithLabelValues(req.Kind.String()).Inc()

	store := s.readyObjectStore()
	if store == nil {
		reply(conn, ipc.NewMessage(ipc.MountNotReady, ""))
		return
	}

	if !objects.IsValidSHA(req.SHA) {
		s.metrics.downloads.WithLabelValues(ipc.DownloadInvalid).Inc()
		reply(conn, ipc.NewMessage(ipc.DownloadInvalid, ""))
		return
	}

	prefix, suffix := objects.SplitSHA(req.SHA)
	result := ipc.DownloadFailed
	if store.TryDownloadAndSave(ctx, prefix, suffix) {
		result = ipc.DownloadSuccess
	}
	s.metrics.downloads.WithLabelValues(result).Inc()
	reply(conn, ipc.NewMessage(result, ""))
}
