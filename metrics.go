package devloop

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the supervisor's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	restarts    *prometheus.CounterVec
	failures    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	duration    prometheus.Histogram
	changes     prometheus.Counter
	rejected    *prometheus.CounterVec
	uptimeGauge prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devloop_restarts_total",
				Help: "Total number of restart cycles run, by trigger origin.",
			},
			[]string{"origin"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devloop_restart_failures_total",
				Help: "Total number of failed restart cycles, by failing phase.",
			},
			[]string{"phase"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devloop_restart_dropped_total",
				Help: "Restart requests dropped because a restart was in progress.",
			},
			[]string{"origin"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "devloop_restart_duration_seconds",
				Help:    "Duration of restart cycles.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		changes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "devloop_scan_changes_total",
				Help: "Total number of changed paths reported by the scanner.",
			},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devloop_monitor_rejected_total",
				Help: "Connections on the stop port that did not result in a stop.",
			},
			[]string{"reason"},
		),
		uptimeGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "devloop_uptime_seconds",
				Help: "Supervisor uptime in seconds.",
			},
		),
	}
	m.registry.MustRegister(m.restarts, m.failures, m.dropped, m.duration, m.changes, m.rejected, m.uptimeGauge)
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) restartFinished(origin Origin, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(origin.String()).Inc()
	m.duration.Observe(took.Seconds())
	var rerr *RestartError
	if errors.As(err, &rerr) {
		m.failures.WithLabelValues(string(rerr.Phase)).Inc()
	}
}

func (m *Metrics) restartDropped(origin Origin) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(origin.String()).Inc()
}

func (m *Metrics) scanChanges(n int) {
	if m == nil {
		return
	}
	m.changes.Add(float64(n))
}

func (m *Metrics) monitorRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) uptime(since time.Time) {
	if m == nil {
		return
	}
	m.uptimeGauge.Set(time.Since(since).Seconds())
}

// serveMetrics serves /metrics and /healthz on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *Metrics, state func() RestartState, started time.Time) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.uptime(started)
			case <-ctx.Done():
				return
			}
		}
	}()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := state()
		if st == StateStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(st.String()))
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("Supervisor: metrics/health endpoints listening", slog.String("addr", ln.Addr().String()))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Supervisor: metrics server shutdown error", slog.String("err", err.Error()))
	} else {
		slog.Info("Supervisor: metrics server shut down cleanly")
	}
	return nil
}
