// Package service runs a certified service on an overlay node: it obtains a
// certificate, publishes the service instance, and renews the certificate
// when it expires.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/renewal"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetryInterval is how long a failed renewal waits before trying again.
const DefaultRetryInterval = time.Minute

var ErrNotRunning = errors.New("service is not running")

// Service is a service instance hosted on the local node.
type Service struct {
	stack     overlay.Stack
	repo      *repository.Repository
	issuer    repository.NetworkIssuer
	scheduler *renewal.Scheduler
	serviceID types.ServiceID
	request   repository.RequestOptions
	retry     time.Duration
	logger    *zap.Logger
	onRenewed func(*cert.Certificate)

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	cert      *cert.Certificate
	instance  types.ServiceInstance
	task      *renewal.Task
	unpublish func()
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRequestOptions tunes how certificates are requested.
func WithRequestOptions(opts repository.RequestOptions) Option {
	return func(s *Service) { s.request = opts }
}

// WithRetryInterval sets the delay before a failed renewal is retried.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Service) { s.retry = d }
}

// OnRenewed registers fn to be called with every new certificate.
func OnRenewed(fn func(*cert.Certificate)) Option {
	return func(s *Service) { s.onRenewed = fn }
}

// New creates a service. issuer may be nil, in which case the service relies
// on stored or self-issued certificates.
func New(stack overlay.Stack, repo *repository.Repository, issuer repository.NetworkIssuer, scheduler *renewal.Scheduler, serviceID types.ServiceID, opts ...Option) *Service {
	s := &Service{
		stack:     stack,
		repo:      repo,
		issuer:    issuer,
		scheduler: scheduler,
		serviceID: serviceID,
		retry:     DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.Stringer("service", serviceID))
	return s
}

// Start obtains a certificate and publishes the service. When the first
// attempt fails the error is returned and the service keeps retrying every
// retry interval until Stop. A cancelled ctx stops the service instead.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	c, err := s.repo.RequestCertificate(ctx, s.stack, s.issuer, s.serviceID, s.request)
	if err == nil {
		err = s.install(c)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrNotRunning) {
		s.Stop()
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	s.logger.Warn("No certificate yet, retrying",
		zap.Duration("retry_in", s.retry),
		zap.Error(err))
	s.mu.Lock()
	if s.cancel != nil {
		s.task = s.scheduler.Schedule(s.retryKey(), time.Now().Add(s.retry), s.renew)
	}
	s.mu.Unlock()
	return fmt.Errorf("failed to obtain certificate: %w", err)
}

// Certificate returns the current certificate.
func (s *Service) Certificate() *cert.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cert
}

// Instance returns the published service instance.
func (s *Service) Instance() types.ServiceInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

func (s *Service) install(c *cert.Certificate) error {
	si, ok := c.ServiceInstance()
	if !ok {
		return fmt.Errorf("certificate %s names no service instance", c.ID())
	}

	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.unpublish != nil && !si.Equal(s.instance) {
		s.unpublish()
		s.unpublish = nil
	}
	if s.unpublish == nil {
		s.unpublish = s.stack.PublishService(si)
	}
	s.cert = c
	s.instance = si
	s.task = s.scheduler.Schedule(c.ID(), c.ExpireTime(), s.renew)
	onRenewed := s.onRenewed
	s.mu.Unlock()

	s.logger.Info("Service certified",
		zap.Stringer("instance", si),
		zap.Stringer("authority", c.Authority()),
		zap.Time("expires", c.ExpireTime()))
	if onRenewed != nil {
		onRenewed(c)
	}
	return nil
}

func (s *Service) renew() {
	s.mu.Lock()
	ctx := s.ctx
	expired := s.cert
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if expired != nil {
		if _, err := s.repo.Remove(ctx, expired); err != nil {
			s.logger.Warn("Failed to remove expired certificate", zap.Error(err))
		}
	}

	c, err := s.repo.RequestCertificate(ctx, s.stack, s.issuer, s.serviceID, s.request)
	if err == nil {
		err = s.install(c)
	}
	if err != nil {
		if errors.Is(err, ErrNotRunning) || ctx.Err() != nil {
			return
		}
		s.logger.Warn("Certificate renewal failed, retrying",
			zap.Duration("retry_in", s.retry),
			zap.Error(err))

		s.mu.Lock()
		s.task = s.scheduler.Schedule(s.retryKey(), time.Now().Add(s.retry), s.renew)
		s.mu.Unlock()
	}
}

// retryKey keys retries by the expired certificate so a retry replaces the
// previous one.
func (s *Service) retryKey() uuid.UUID {
	if s.cert != nil {
		return s.cert.ID()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.serviceID.String()))
}

// Stop cancels renewal and withdraws the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.task != nil {
		s.scheduler.Cancel(s.task.ID())
		s.task = nil
	}
	if s.unpublish != nil {
		s.unpublish()
		s.unpublish = nil
	}
}
