package protocol

import (
	"testing"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/keys"
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCertificateRequestRoundTrip(t *testing.T) {
	trust := cert.NewTrust(keys.Verifier{}, cert.WithLogger(zaptest.NewLogger(t)))
	requester := types.NodeInfo{Node: types.NewNodeID([]byte("k")), Address: "10.0.0.1:7001", FriendlyName: "leaf"}
	fact := cert.NewServiceInstanceFact(types.NewServiceInstance(types.NewServiceID(), requester.Node))

	req := NewCertificateRequest(trust, requester, fact)
	got, err := UnmarshalCertificateRequest(trust, req.Marshal())
	require.NoError(t, err)

	assert.Equal(t, req.ID, got.ID)
	assert.True(t, req.Requester.Node.Equal(got.Requester.Node))
	facts := got.Facts.Facts()
	require.Len(t, facts, 1)
	assert.Equal(t, cert.UniqueKeyword(fact), cert.UniqueKeyword(facts[0]))

	_, err = UnmarshalCertificateRequest(trust, (&CertificateResponse{}).Marshal())
	assert.ErrorIs(t, err, wire.ErrMalformedMessage)
}

func TestCertificateResponseRoundTrip(t *testing.T) {
	trust := cert.NewTrust(keys.Verifier{}, cert.WithLogger(zaptest.NewLogger(t)))
	kp, err := keys.Generate()
	require.NoError(t, err)
	authority := types.NewServiceInstance(types.NewServiceID(), types.NewNodeID(kp.PublicKey()))

	c, err := trust.NewCertificate(authority, time.Now().Add(time.Hour),
		cert.NewServiceInstanceFact(types.NewServiceInstance(types.NewServiceID(), authority.Server)))
	require.NoError(t, err)
	require.NoError(t, c.Sign(kp))

	resp := &CertificateResponse{
		RequestID:    uuid.New(),
		Granted:      true,
		URL:          "https://example.org/negotiate",
		Certificates: []*cert.Certificate{c},
		Remaps:       []Remap{{From: uuid.New(), To: []byte("replacement")}},
	}

	got, err := UnmarshalCertificateResponse(trust, resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp.RequestID, got.RequestID)
	assert.True(t, got.Granted)
	assert.Equal(t, resp.URL, got.URL)
	require.Len(t, got.Certificates, 1)
	assert.True(t, c.Equal(got.Certificates[0]))
	assert.True(t, got.Certificates[0].Valid())
	assert.Equal(t, resp.Remaps, got.Remaps)
}

func TestCertificateResponseSkipsBadCertificate(t *testing.T) {
	trust := cert.NewTrust(keys.Verifier{})

	w := wire.NewWriter(TagCertificateResponse)
	w.UUID(uuid.New())
	w.Bool(false)
	w.String("")
	w.Int32(1)
	w.Counted([]byte("garbage"))
	w.Int32(0)

	got, err := UnmarshalCertificateResponse(trust, w.Bytes())
	require.NoError(t, err)
	assert.False(t, got.Granted)
	assert.Empty(t, got.Certificates)
}
