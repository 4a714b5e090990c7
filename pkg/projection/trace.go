package projection

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beam-cloud/gvfs/pkg/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// opTrace counts namespace-changing FUSE operations.
//
// Enable with:
//
//	GVFS_FUSE_TRACE=1
//	GVFS_FUSE_TRACE_INTERVAL=5s   (default: 5s)
type opTrace struct {
	interval time.Duration
	counts   [numTracedOps]atomic.Uint64
	errs     [numTracedOps]atomic.Uint64
}

type tracedOp int

const (
	opCreate tracedOp = iota
	opMkdir
	opUnlink
	opRmdir
	opRename
	numTracedOps
)

var tracedOpNames = [numTracedOps]string{"create", "mkdir", "unlink", "rmdir", "rename"}

func newOpTraceFromEnv() *opTrace {
	if !common.EnvBool("GVFS_FUSE_TRACE") {
		return nil
	}
	interval := common.EnvDuration("GVFS_FUSE_TRACE_INTERVAL", 5*time.Second)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &opTrace{interval: interval}
}

// record is a no-op on a nil trace.
func (t *opTrace) record(op tracedOp, errno syscall.Errno) {
	if t == nil {
		return
	}
	t.counts[op].Add(1)
	if errno != 0 {
		t.errs[op].Add(1)
	}
}

func (t *opTrace) snapshot() (counts, errs [numTracedOps]uint64) {
	for i := range t.counts {
		counts[i] = t.counts[i].Load()
		errs[i] = t.errs[i].Load()
	}
	return
}

func (t *opTrace) reportLoop(stop <-chan struct{}, mountPoint string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	prevCounts, prevErrs := t.snapshot()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			counts, errs := t.snapshot()
			ev := log.Info().Str("mount", mountPoint).Dur("interval", t.interval)
			active := false
			for i := range counts {
				dc, de := counts[i]-prevCounts[i], errs[i]-prevErrs[i]
				if dc == 0 {
					continue
				}
				active = true
				ev = ev.Dict(tracedOpNames[i], zerolog.Dict().Uint64("n", dc).Uint64("err", de))
			}
			prevCounts, prevErrs = counts, errs
			if active {
				ev.Msg("fuse trace")
			} else {
				ev.Discard()
			}
		}
	}
}
