package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout    = 15 * time.Second
	DefaultSelfIssueValidity = 24 * time.Hour
)

var ErrNoCertificate = errors.New("no certificate available")

// Identity is the local node as seen by RequestCertificate.
type Identity interface {
	LocalNode() types.NodeInfo
	Signer() cert.Signer
}

// NetworkIssuer obtains a certificate for facts from an authority on the
// network.
type NetworkIssuer interface {
	Issue(ctx context.Context, facts ...cert.Fact) (*cert.Certificate, error)
}

// RequestOptions tune RequestCertificate.
type RequestOptions struct {
	// Timeout bounds the wait for the network issuer.
	Timeout time.Duration
	// SelfIssueValidity is the lifetime of a self-issued fallback certificate.
	SelfIssueValidity time.Duration
	// DisableSelfIssue turns the fallback off.
	DisableSelfIssue bool
}

func (o RequestOptions) withDefaults() RequestOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultRequestTimeout
	}
	if o.SelfIssueValidity <= 0 {
		o.SelfIssueValidity = DefaultSelfIssueValidity
	}
	return o
}

// RequestCertificate returns a certificate letting the local node run
// serviceID. A valid stored certificate is preferred; otherwise issuer is asked
// within the timeout; otherwise the node issues one to itself.
func (r *Repository) RequestCertificate(ctx context.Context, identity Identity, issuer NetworkIssuer, serviceID types.ServiceID, opts RequestOptions) (*cert.Certificate, error) {
	opts = opts.withDefaults()
	local := identity.LocalNode()

	if c, ok := r.FindLocalServiceCertificate(local.Node, serviceID); ok {
		r.logger.Debug("Using stored certificate",
			zap.Stringer("service", serviceID),
			zap.Stringer("id", c.ID()))
		return c, nil
	}

	instance := types.NewServiceInstance(serviceID, local.Node)

	if issuer != nil {
		issueCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		c, err := issuer.Issue(issueCtx, cert.NewServiceInstanceFact(instance))
		cancel()
		if err == nil && c != nil {
			if err := r.Add(ctx, c); err != nil {
				r.logger.Warn("Failed to store issued certificate", zap.Error(err))
			}
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Info("No certificate from the network",
			zap.Stringer("service", serviceID),
			zap.Error(err))
	}

	if opts.DisableSelfIssue {
		return nil, fmt.Errorf("%w: service %s", ErrNoCertificate, serviceID)
	}
	return r.selfIssue(ctx, identity, instance, opts.SelfIssueValidity)
}

func (r *Repository) selfIssue(ctx context.Context, identity Identity, instance types.ServiceInstance, validity time.Duration) (*cert.Certificate, error) {
	// The instance vouches for itself.
	c, err := r.trust.NewCertificate(instance, r.trust.Now().Add(validity), cert.NewServiceInstanceFact(instance))
	if err != nil {
		return nil, fmt.Errorf("failed to create self-issued certificate: %w", err)
	}
	if err := c.Sign(identity.Signer()); err != nil {
		return nil, fmt.Errorf("failed to sign self-issued certificate: %w", err)
	}
	if err := r.Add(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store self-issued certificate: %w", err)
	}

	if r.metrics != nil {
		r.metrics.CertificateSelfIssued()
	}
	r.logger.Info("Self-issued certificate",
		zap.Stringer("service", instance.ServiceID),
		zap.Stringer("id", c.ID()),
		zap.Time("expires", c.ExpireTime()))
	return c, nil
}
