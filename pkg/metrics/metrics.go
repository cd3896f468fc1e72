// Package metrics exports Prometheus metrics for the certificate subsystem and
// serves them with health endpoints.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CertificateMetrics tracks certificate verification, storage and issuance
type CertificateMetrics struct {
	// Verification
	Verifications     *prometheus.CounterVec
	ValidityCacheHits prometheus.Counter

	// Repository
	RepositoryCertificates prometheus.Gauge
	CertificatesPruned     prometheus.Counter
	CertificatesSelfIssued prometheus.Counter

	// Authority
	RequestsHandled *prometheus.CounterVec

	// Discovery
	FindDuration *prometheus.HistogramVec
}

// NewCertificateMetrics creates and registers the metrics with registry
func NewCertificateMetrics(registry prometheus.Registerer) *CertificateMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &CertificateMetrics{
		Verifications: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "certmesh_signature_verifications_total",
			Help: "Certificate signature verifications by result",
		}, []string{"result"}),
		ValidityCacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "certmesh_validity_cache_hits_total",
			Help: "Validity checks answered from the shared cache",
		}),
		RepositoryCertificates: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "certmesh_repository_certificates",
			Help: "Certificates held by the local repository",
		}),
		CertificatesPruned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "certmesh_certificates_pruned_total",
			Help: "Invalid certificates removed from the local repository",
		}),
		CertificatesSelfIssued: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "certmesh_certificates_self_issued_total",
			Help: "Certificates the node issued to itself",
		}),
		RequestsHandled: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "certmesh_authority_requests_total",
			Help: "Certificate requests answered by the local authority",
		}, []string{"decision"}),
		FindDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certmesh_find_duration_seconds",
			Help:    "Time taken to locate a fact",
			Buckets: prometheus.DefBuckets,
		}, []string{"found"}),
	}
}

func (m *CertificateMetrics) CertificateVerified(valid bool) {
	if valid {
		m.Verifications.WithLabelValues("valid").Inc()
	} else {
		m.Verifications.WithLabelValues("invalid").Inc()
	}
}

func (m *CertificateMetrics) ValidityCacheHit() {
	m.ValidityCacheHits.Inc()
}

func (m *CertificateMetrics) RepositorySize(n int) {
	m.RepositoryCertificates.Set(float64(n))
}

func (m *CertificateMetrics) CertificatePruned() {
	m.CertificatesPruned.Inc()
}

func (m *CertificateMetrics) CertificateSelfIssued() {
	m.CertificatesSelfIssued.Inc()
}

func (m *CertificateMetrics) CertificateRequestHandled(granted bool) {
	if granted {
		m.RequestsHandled.WithLabelValues("granted").Inc()
	} else {
		m.RequestsHandled.WithLabelValues("denied").Inc()
	}
}

// ObserveFind records how long a find took and whether it succeeded
func (m *CertificateMetrics) ObserveFind(d time.Duration, found bool) {
	m.FindDuration.WithLabelValues(fmt.Sprint(found)).Observe(d.Seconds())
}

// ReadyFunc reports whether the node can serve requests, and why not
type ReadyFunc func() (bool, string)

// HealthEndpoint serves liveness, readiness and metrics
type HealthEndpoint struct {
	gatherer prometheus.Gatherer
	ready    ReadyFunc
	started  time.Time
	logger   *zap.Logger
}

func NewHealthEndpoint(gatherer prometheus.Gatherer, ready ReadyFunc, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{gatherer: gatherer, ready: ready, started: time.Now(), logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) isReady() (bool, string) {
	if he.ready == nil {
		return true, ""
	}
	return he.ready()
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, reason := he.isReady()

	status := "healthy"
	statusCode := http.StatusOK
	if !ready {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := fmt.Sprintf(`{"status": %q, "reason": %q, "uptime_seconds": %.0f, "timestamp": %q}`,
		status, reason, time.Since(he.started).Seconds(), time.Now().Format(time.RFC3339))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write([]byte(response))
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if ready, _ := he.isReady(); ready {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// StartMetricsServer serves the health endpoint on addr until ctx is done
func StartMetricsServer(ctx context.Context, addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	return server
}
