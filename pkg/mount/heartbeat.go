package mount

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

const defaultHeartbeatInterval = time.Minute

// heartbeat calls tick on a fixed interval until stopped.
type heartbeat struct {
	interval time.Duration
	tick     func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startHeartbeat(interval time.Duration, tick func()) *heartbeat {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	h := &heartbeat{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *heartbeat) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// Stop stops the worker and waits for an in-progress tick to finish.
func (h *heartbeat) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// onHeartbeat samples background work and process memory. It never changes
// lock or mount state.
func (s *Supervisor) onHeartbeat() {
	s.mu.RLock()
	state := s.state
	engine := s.engine
	registry := s.registry
	s.mu.RUnlock()

	ev := log.Info().Str("state", state.String())

	if engine != nil {
		n := engine.BackgroundOperationCount()
		s.metrics.backgroundOps.Set(float64(n))
		ev = ev.Int("background_ops", n)
	}

	if registry != nil {
		ev = ev.Str("lock", registry.Status())
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			s.metrics.rssBytes.Set(float64(mem.RSS))
			ev = ev.Uint64("rss_bytes", mem.RSS)
		}
	}

	ev.Msg("heartbeat")
}
