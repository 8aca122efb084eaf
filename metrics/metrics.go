// Package metrics holds the Prometheus collectors of the node and the server
// that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kms_handoff"

var (
	// HandoffPhase is 1 for the phase each runtime+scheme is currently in.
	HandoffPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "phase",
			Help:      "Current handoff phase per runtime and scheme",
		},
		[]string{"scheme", "phase"},
	)

	// Transitions counts coordinator phase transitions.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "transitions_total",
			Help:      "The total number of handoff phase transitions",
		},
		[]string{"to"},
	)

	// Faults counts attributable faults by kind.
	Faults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "faults_total",
			Help:      "The total number of attributed faults",
		},
		[]string{"kind"},
	)

	// FetchAttempts counts fragment retrieval attempts by result.
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "attempts_total",
			Help:      "The total number of fragment retrieval attempts",
		},
		[]string{"result"},
	)

	// FetchDuration tracks the duration of whole fetch calls.
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetch calls",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// StoreGenerations is the number of share generations held, by kind.
	StoreGenerations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "generations",
			Help:      "Number of share generations held",
		},
		[]string{"kind"},
	)

	// QueryRequests counts peer requests served by endpoint and status.
	QueryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "The total number of peer requests served",
		},
		[]string{"endpoint", "status"},
	)
)

// MetricsServer serves the default Prometheus registry.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The service name is
// exported as a constant-labelled info gauge.
func New(service string, addr string) (*MetricsServer, error) {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "info",
		Help:        "Service information",
		ConstLabels: prometheus.Labels{"service": service},
	})
	if err := prometheus.Register(info); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	} else {
		info.Set(1)
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
