package main

import (
	"context"
	"net"
	"testing"
	"time"

	"certmesh/pkg/authority"
	"certmesh/pkg/cert"
	"certmesh/pkg/config"
	"certmesh/pkg/keys"
	"certmesh/pkg/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = name
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.ListenAddress = freeAddr(t)
	cfg.Discovery.FindTimeout = 3 * time.Second
	cfg.Discovery.RequestTimeout = 5 * time.Second
	return cfg
}

func TestRuntimeObtainsCertificateFromAuthority(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	authCfg := testConfig(t, "authority")
	authCfg.Authority.Enabled = true
	authCfg.Authority.Policy = config.PolicyAllow

	id, _, err := keys.LoadOrCreateIdentity(authCfg.KeyPath())
	require.NoError(t, err)
	authCert, err := bootstrapAuthority(cert.NewTrust(keys.Verifier{}), id, time.Hour)
	require.NoError(t, err)
	require.NoError(t, repository.WriteSystemFile(authCfg.SystemFilePath(), authCert))

	authRT, err := startRuntime(ctx, authCfg, prometheus.NewRegistry(), logger.Named("authority"))
	require.NoError(t, err)
	defer authRT.Stop()
	require.NotNil(t, authRT.authority)

	serviceID := uuid.New()
	nodeCfg := testConfig(t, "member")
	nodeCfg.Node.Services = []string{serviceID.String()}
	nodeCfg.Node.Peers = []config.PeerConfig{{ID: id.NodeUUID.String(), Address: authCfg.Node.ListenAddress}}
	nodeCfg.Certificates.DisableSelfIssue = true

	nodeRT, err := startRuntime(ctx, nodeCfg, prometheus.NewRegistry(), logger.Named("member"))
	require.NoError(t, err)
	defer nodeRT.Stop()

	require.Len(t, nodeRT.services, 1)
	c := nodeRT.services[0].Certificate()
	require.NotNil(t, c, "service should hold a certificate")
	assert.True(t, c.Valid())
	assert.True(t, c.Authority().Equal(authRT.authority.Instance()))

	si, ok := c.ServiceInstance()
	require.True(t, ok)
	assert.Equal(t, serviceID, si.ServiceID.ID)

	ready, reason := nodeRT.ready()
	assert.True(t, ready, reason)
}

func TestRuntimeRequiresAuthorityCertificate(t *testing.T) {
	cfg := testConfig(t, "pretender")
	cfg.Authority.Enabled = true

	_, err := startRuntime(context.Background(), cfg, prometheus.NewRegistry(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, authority.ErrNotAuthorized)
}

func TestRuntimeSelfIssuesWithoutAuthority(t *testing.T) {
	cfg := testConfig(t, "alone")
	cfg.Node.Services = []string{uuid.New().String()}
	cfg.Discovery.RequestTimeout = 300 * time.Millisecond

	rt, err := startRuntime(context.Background(), cfg, prometheus.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rt.Stop()

	c := rt.services[0].Certificate()
	require.NotNil(t, c)
	si, ok := c.ServiceInstance()
	require.True(t, ok)
	assert.True(t, c.Authority().Server.Equal(rt.node.LocalNode().Node), "self-issued certificates are signed by the local node")
	assert.Equal(t, si.ServiceID, c.Authority().ServiceID)
}
