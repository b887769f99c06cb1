// Package metrics is relayd's prometheus registry, grounded on the
// teacher pack's cilium-operator metrics.Register pattern
// (operator/metrics/metrics.go): a dedicated prometheus.Registry plus a
// loopback HTTP listener serving /metrics, started and stopped by the
// parent process alongside the control socket.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relayd"

// Registry holds every collector relayd exposes. A fresh Registry is
// created per-process (the parent's), never shared with the global
// prometheus default registry so child workers never accidentally
// double-register.
type Registry struct {
	reg *prometheus.Registry

	ReloadsTotal   *prometheus.CounterVec
	ReloadDuration prometheus.Histogram
	WorkersUp      *prometheus.GaugeVec
	HostsUp        *prometheus.GaugeVec
	HostChecks     *prometheus.CounterVec
	SessionsActive *prometheus.GaugeVec
	ControlReqs    *prometheus.CounterVec
}

// New builds a Registry with every relayd collector registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewPedanticRegistry()}

	r.ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reloads_total",
		Help:      "Configuration reloads, partitioned by outcome.",
	}, []string{"outcome"})

	r.ReloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reload_duration_seconds",
		Help:      "Time spent distributing a reload to every worker.",
		Buckets:   prometheus.DefBuckets,
	})

	r.WorkersUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_up",
		Help:      "Whether a worker role is currently running (1) or not (0).",
	}, []string{"role"})

	r.HostsUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hosts_up",
		Help:      "Hosts currently in state up, per table.",
	}, []string{"table"})

	r.HostChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "host_checks_total",
		Help:      "Health check probes run, partitioned by table and result.",
	}, []string{"table", "result"})

	r.SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Active relayed sessions, per relay.",
	}, []string{"relay"})

	r.ControlReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_requests_total",
		Help:      "Requests served on the control socket, partitioned by command.",
	}, []string{"command"})

	r.reg.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
		prometheus.NewGoCollector(),
		r.ReloadsTotal, r.ReloadDuration, r.WorkersUp, r.HostsUp, r.HostChecks, r.SessionsActive, r.ControlReqs,
	)
	return r
}

// Serve starts the metrics HTTP listener and blocks until ctx is
// cancelled. addr is expected to be a loopback address (SPEC_FULL.md
// §1 scopes this to localhost only, never the data plane).
func (r *Registry) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
}
