package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/repository"

	"go.uber.org/zap"
)

var errNoCertificateInResponse = errors.New("granted response carried no certificate")

// Issuer obtains certificates from a network authority with a Requester.
type Issuer struct {
	stack   overlay.Stack
	trust   *cert.Trust
	repo    *repository.Repository
	timeout time.Duration
	logger  *zap.Logger
}

// NewIssuer creates an issuer. repo may be nil; timeout bounds the authority
// lookup and defaults to DefaultFindTimeout.
func NewIssuer(stack overlay.Stack, trust *cert.Trust, repo *repository.Repository, timeout time.Duration, logger *zap.Logger) *Issuer {
	if timeout <= 0 {
		timeout = DefaultFindTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{stack: stack, trust: trust, repo: repo, timeout: timeout, logger: logger}
}

// Issue asks an authority to certify facts and waits for the answer. It
// returns ErrPermissionDenied when the authority refuses and ErrNetworkTimeout
// when no answer arrives in time.
func (i *Issuer) Issue(ctx context.Context, facts ...cert.Fact) (*cert.Certificate, error) {
	opts := []RequesterOption{WithRequesterLogger(i.logger)}
	if i.repo != nil {
		opts = append(opts, WithRepository(i.repo))
	}

	var deniedURL string
	req := NewRequester(i.stack, i.trust, Callbacks{
		OnDisplayURL: func(url string) { deniedURL = url },
	}, facts, opts...)
	defer req.Close()

	if err := req.Start(ctx, i.timeout); err != nil {
		return nil, err
	}

	state, err := req.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkTimeout, err)
	}

	switch state {
	case StateReceivedCertificate:
		for _, c := range req.Certificates() {
			if c.Valid() {
				return c, nil
			}
		}
		return nil, errNoCertificateInResponse
	case StateReceivedFalseResponse:
		if deniedURL != "" {
			return nil, fmt.Errorf("%w: see %s", ErrPermissionDenied, deniedURL)
		}
		return nil, ErrPermissionDenied
	default:
		return nil, fmt.Errorf("%w: request ended in state %s", ErrNetworkTimeout, state)
	}
}
