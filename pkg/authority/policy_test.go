package authority

import (
	"testing"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/keys"
	"certmesh/pkg/protocol"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func requestFor(facts ...cert.Fact) *protocol.CertificateRequest {
	trust := cert.NewTrust(keys.Verifier{})
	requester := types.NodeInfo{Node: types.NewNodeID([]byte("requester"))}
	return protocol.NewCertificateRequest(trust, requester, facts...)
}

func TestAllowAndDenyAll(t *testing.T) {
	req := requestFor()

	assert.Equal(t, Decision{Grant: true, Duration: time.Minute}, AllowAll(time.Minute).Decide(req))
	assert.Equal(t, Decision{URL: "https://example.com"}, DenyAll("https://example.com").Decide(req))
}

func TestServiceAllowList(t *testing.T) {
	node := types.NewNodeID([]byte("node"))
	allowed := types.NewServiceID()
	sub := allowed.WithSub(uuid.New())
	other := types.NewServiceID()

	policy := ServiceAllowList([]types.ServiceID{allowed}, 3*time.Hour, "https://example.com/buy")

	tests := []struct {
		name  string
		facts []cert.Fact
		grant bool
	}{
		{"allowed service", []cert.Fact{cert.NewServiceInstanceFact(types.NewServiceInstance(allowed, node))}, true},
		{"sub-service of allowed", []cert.Fact{cert.NewServiceInstanceFact(types.NewServiceInstance(sub, node))}, true},
		{"other service", []cert.Fact{cert.NewServiceInstanceFact(types.NewServiceInstance(other, node))}, false},
		{"mixed", []cert.Fact{
			cert.NewServiceInstanceFact(types.NewServiceInstance(allowed, node)),
			cert.NewServiceInstanceFact(types.NewServiceInstance(other, node)),
		}, false},
		{"no service facts", []cert.Fact{cert.NewResourcePermissionFact(types.NewResourceID(), node.ID, "read")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(requestFor(tt.facts...))
			assert.Equal(t, tt.grant, d.Grant)
			if tt.grant {
				assert.Equal(t, 3*time.Hour, d.Duration)
			} else {
				assert.Equal(t, "https://example.com/buy", d.URL)
			}
		})
	}
}

func TestToggle(t *testing.T) {
	toggle := NewToggle("https://example.com", false)
	req := requestFor()

	assert.False(t, toggle.Decide(req).Grant)
	assert.Equal(t, "https://example.com", toggle.Decide(req).URL)

	toggle.SetPermit(true)
	assert.Equal(t, Decision{Grant: true, Duration: DemoGrantDuration}, toggle.Decide(req))
}
