package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/keys"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCertificateMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewCertificateMetrics(registry)

	m.CertificateVerified(true)
	m.CertificateVerified(false)
	m.CertificateVerified(false)
	m.ValidityCacheHit()
	m.RepositorySize(7)
	m.CertificatePruned()
	m.CertificateSelfIssued()
	m.CertificateRequestHandled(true)
	m.ObserveFind(20*time.Millisecond, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("valid")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Verifications.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidityCacheHits))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RepositoryCertificates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CertificatesPruned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CertificatesSelfIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsHandled.WithLabelValues("granted")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FindDuration))
}

func TestMetricsWiredIntoTrustAndRepository(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewCertificateMetrics(registry)

	trust := cert.NewTrust(keys.Verifier{}, cert.WithMetrics(m))
	repo, err := repository.New(context.Background(), trust, repository.NewMemoryStore(), nil, repository.WithMetrics(m))
	require.NoError(t, err)

	id, err := keys.NewIdentity()
	require.NoError(t, err)
	instance := types.NewServiceInstance(types.NewServiceID(), id.NodeID())
	c, err := trust.NewCertificate(instance, time.Now().Add(time.Hour), cert.NewServiceInstanceFact(instance))
	require.NoError(t, err)
	require.NoError(t, c.Sign(id.Keys))

	require.NoError(t, repo.Add(context.Background(), c))
	copied, err := trust.ParseCertificate(c.ToWireBytes())
	require.NoError(t, err)
	assert.True(t, copied.Valid())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidityCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepositoryCertificates))
}

func TestHealthEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewCertificateMetrics(registry).CertificateSelfIssued()

	ready := false
	endpoint := NewHealthEndpoint(registry, func() (bool, string) { return ready, "no certificate" }, zap.NewNop())
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)

	rec := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no certificate")

	ready = true
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "certmesh_certificates_self_issued_total 1"))
}
