package authority

import (
	"context"
	"sync/atomic"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/protocol"
	"certmesh/pkg/types"
)

// DemoGrantDuration is what the toggle policy grants.
const DemoGrantDuration = time.Hour

// Decision is a policy verdict on a request.
type Decision struct {
	Grant    bool
	Duration time.Duration
	URL      string
}

// Policy decides on certificate requests.
type Policy interface {
	Decide(req *protocol.CertificateRequest) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(req *protocol.CertificateRequest) Decision

func (f PolicyFunc) Decide(req *protocol.CertificateRequest) Decision {
	return f(req)
}

// AllowAll grants every request for duration.
func AllowAll(duration time.Duration) Policy {
	return PolicyFunc(func(*protocol.CertificateRequest) Decision {
		return Decision{Grant: true, Duration: duration}
	})
}

// DenyAll refuses every request, pointing the requester at url.
func DenyAll(url string) Policy {
	return PolicyFunc(func(*protocol.CertificateRequest) Decision {
		return Decision{URL: url}
	})
}

// ServiceAllowList grants requests whose service instance facts all name one
// of the allowed services. Requests without such facts are refused.
func ServiceAllowList(allowed []types.ServiceID, duration time.Duration, url string) Policy {
	set := make(map[types.ServiceID]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	return PolicyFunc(func(req *protocol.CertificateRequest) Decision {
		seen := false
		for _, f := range req.Facts.Facts() {
			sf, ok := f.(*cert.ServiceInstanceFact)
			if !ok {
				continue
			}
			seen = true
			id := sf.ServiceInstance.ServiceID
			if !set[id] && !set[types.ServiceID{ID: id.ID}] {
				return Decision{URL: url}
			}
		}
		if !seen {
			return Decision{URL: url}
		}
		return Decision{Grant: true, Duration: duration}
	})
}

// Toggle grants for DemoGrantDuration while permitted and otherwise refuses
// with url.
type Toggle struct {
	url     string
	permits atomic.Bool
}

func NewToggle(url string, permit bool) *Toggle {
	t := &Toggle{url: url}
	t.permits.Store(permit)
	return t
}

// SetPermit switches between granting and refusing.
func (t *Toggle) SetPermit(permit bool) {
	t.permits.Store(permit)
}

func (t *Toggle) Decide(*protocol.CertificateRequest) Decision {
	if t.permits.Load() {
		return Decision{Grant: true, Duration: DemoGrantDuration}
	}
	return Decision{URL: t.url}
}

// PolicyHandler answers requests as its Policy decides.
type PolicyHandler struct {
	Policy Policy
}

func (h PolicyHandler) HandleRequest(ctx context.Context, s *Server, req *protocol.CertificateRequest) error {
	d := h.Policy.Decide(req)
	if !d.Grant {
		return s.SendNegativeResponse(ctx, req.Requester, req.ID, d.URL)
	}

	c, err := s.CreateCertificate(ctx, req, d.Duration)
	if err != nil {
		return err
	}
	return s.SendPositiveResponse(ctx, req, c)
}
