// Package protocol defines the certificate request and response messages
// exchanged between requesters and certificate authorities.
package protocol

import (
	"certmesh/pkg/cert"
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TagCertificateRequest  = "CReq"
	TagCertificateResponse = "CReR"
)

// CertificateRequest asks an authority to certify a list of facts.
type CertificateRequest struct {
	Requester types.NodeInfo
	ID        uuid.UUID
	Facts     *cert.FactList
}

// NewCertificateRequest creates a request with a fresh id.
func NewCertificateRequest(trust *cert.Trust, requester types.NodeInfo, facts ...cert.Fact) *CertificateRequest {
	return &CertificateRequest{
		Requester: requester,
		ID:        uuid.New(),
		Facts:     trust.NewFactList(facts...),
	}
}

func (r *CertificateRequest) Marshal() []byte {
	w := wire.NewWriter(TagCertificateRequest)
	r.Requester.Write(w)
	w.UUID(r.ID)
	r.Facts.Write(w)
	return w.Bytes()
}

func UnmarshalCertificateRequest(trust *cert.Trust, data []byte) (*CertificateRequest, error) {
	r := wire.NewReader(data)
	if err := r.ExpectTag(TagCertificateRequest); err != nil {
		return nil, err
	}

	req := &CertificateRequest{}
	var err error
	if req.Requester, err = types.ReadNodeInfo(r); err != nil {
		return nil, err
	}
	if req.ID, err = r.UUID(); err != nil {
		return nil, err
	}
	if req.Facts, err = cert.ReadFactList(r, trust.Registry(), trust.Logger()); err != nil {
		return nil, err
	}
	return req, nil
}

// Remap tells the requester to replace whatever it knows by From with the
// encoded value To.
type Remap struct {
	From uuid.UUID
	To   []byte
}

// CertificateResponse answers a CertificateRequest.
type CertificateResponse struct {
	RequestID    uuid.UUID
	Granted      bool
	URL          string
	Certificates []*cert.Certificate
	Remaps       []Remap
}

func (r *CertificateResponse) Marshal() []byte {
	w := wire.NewWriter(TagCertificateResponse)
	w.UUID(r.RequestID)
	w.Bool(r.Granted)
	w.String(r.URL)

	w.Int32(int32(len(r.Certificates)))
	for _, c := range r.Certificates {
		w.Counted(c.ToWireBytes())
	}

	w.Int32(int32(len(r.Remaps)))
	for _, m := range r.Remaps {
		w.UUID(m.From)
		w.Counted(m.To)
	}
	return w.Bytes()
}

// UnmarshalCertificateResponse decodes a response. Certificates that fail to
// parse are logged and left out.
func UnmarshalCertificateResponse(trust *cert.Trust, data []byte) (*CertificateResponse, error) {
	r := wire.NewReader(data)
	if err := r.ExpectTag(TagCertificateResponse); err != nil {
		return nil, err
	}

	resp := &CertificateResponse{}
	var err error
	if resp.RequestID, err = r.UUID(); err != nil {
		return nil, err
	}
	if resp.Granted, err = r.Bool(); err != nil {
		return nil, err
	}
	if resp.URL, err = r.String(); err != nil {
		return nil, err
	}

	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < count; i++ {
		blob, err := r.Counted()
		if err != nil {
			return nil, err
		}
		c, err := trust.ParseCertificate(blob)
		if err != nil {
			trust.Logger().Warn("Skipping unreadable certificate in response",
				zap.Stringer("request_id", resp.RequestID),
				zap.Error(err))
			continue
		}
		resp.Certificates = append(resp.Certificates, c)
	}

	remaps, err := r.Int32()
	if err != nil {
		return nil, err
	}
	for i := int32(0); i < remaps; i++ {
		var m Remap
		if m.From, err = r.UUID(); err != nil {
			return nil, err
		}
		if m.To, err = r.Counted(); err != nil {
			return nil, err
		}
		resp.Remaps = append(resp.Remaps, m)
	}
	return resp, nil
}
