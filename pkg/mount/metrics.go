package mount

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type metrics struct {
	registry *prometheus.Registry

	state         *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	lockDecisions *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	backgroundOps prometheus.Gauge
	rssBytes      prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gvfs",
			Name:      "mount_state",
			Help:      "1 for the current mount state.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gvfs",
			Name:      "ipc_requests_total",
			Help:      "IPC requests received by kind.",
		}, []string{"kind"}),
		lockDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gvfs",
			Name:      "lock_decisions_total",
			Help:      "External lock request results.",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gvfs",
			Name:      "object_downloads_total",
			Help:      "Download-on-demand results.",
		}, []string{"result"}),
		backgroundOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gvfs",
			Name:      "background_operations",
			Help:      "Outstanding projection background operations at the last heartbeat.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gvfs",
			Name:      "mount_rss_bytes",
			Help:      "Resident memory of the mount process at the last heartbeat.",
		}),
	}
	m.registry.MustRegister(m.state, m.requests, m.lockDecisions, m.downloads, m.backgroundOps, m.rssBytes)
	return m
}

func (m *metrics) setState(s State) {
	for _, st := range []State{Mounting, Ready, Unmounting, MountFailed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

// metricsServer serves /metrics and /status over HTTP.
type metricsServer struct {
	httpServer *http.Server
	listener   net.Listener
}

func startMetricsServer(addr string, m *metrics, status func() types.Status) (*metricsServer, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, status())
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &metricsServer{
		httpServer: &http.Server{Handler: e},
		listener:   ln,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	return s, nil
}

func (s *metricsServer) Addr() string { return s.listener.Addr().String() }

func (s *metricsServer) Stop() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
}
