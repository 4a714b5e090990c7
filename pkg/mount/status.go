package mount

import (
	"github.com/beam-cloud/gvfs/pkg/types"
)

// Status snapshots the mount for status requests.
func (s *Supervisor) Status() types.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Status{
		EnlistmentRoot: s.enl.Root,
		RepoURL:        s.enl.RepoURL,
		ObjectsURL:     s.objectsURL(),
		LockStatus:     types.LockStatusUnavailable,
		MountStatus:    s.state.MountStatus(),
	}

	if s.registry != nil {
		st.LockStatus = s.registry.Status()
	}
	if s.metadata != nil {
		if v, err := s.metadata.CurrentLayoutVersion(); err == nil {
			st.DiskLayoutVersion = v.String()
		}
	}
	if s.state == Ready && s.engine != nil {
		n := s.engine.BackgroundOperationCount()
		st.BackgroundOperationCount = &n
	}
	return st
}

func (s *Supervisor) objectsURL() string {
	if s.objects != nil {
		return s.objects.Endpoint()
	}
	if b := s.cfg.Objects.S3.Bucket; b != "" {
		return "s3://" + b
	}
	return ""
}
