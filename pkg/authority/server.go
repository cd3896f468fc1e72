// Package authority implements the certificate authority service: it answers
// certificate requests arriving over the overlay according to a policy.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/protocol"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ServiceID identifies the certificate authority service on the overlay.
var ServiceID = uuid.MustParse("6a84c775-65a0-478c-9913-9ce3b9514e2f")

// DefaultGrantDuration is the lifetime of certificates issued without an
// explicit duration.
const DefaultGrantDuration = 7 * 24 * time.Hour

var ErrNotAuthorized = errors.New("node is not authorized to act as a certificate authority")

var tracer = otel.Tracer("certmesh/authority")

// Metrics receives authority events.
type Metrics interface {
	CertificateRequestHandled(granted bool)
}

// RequestHandler decides what to do with a certificate request. It answers
// through the server's Send*Response methods.
type RequestHandler interface {
	HandleRequest(ctx context.Context, s *Server, req *protocol.CertificateRequest) error
}

// Server is a running certificate authority.
type Server struct {
	stack   overlay.Stack
	repo    *repository.Repository
	trust   *cert.Trust
	handler RequestHandler
	logger  *zap.Logger
	metrics Metrics

	certificate *cert.Certificate
	instance    types.ServiceInstance

	mu         sync.Mutex
	unregister func()
	unpublish  func()
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New starts an authority on stack. The repository must hold a valid
// certificate naming an authority service instance on the local node;
// otherwise ErrNotAuthorized is returned.
func New(stack overlay.Stack, repo *repository.Repository, handler RequestHandler, opts ...Option) (*Server, error) {
	s := &Server{
		stack:   stack,
		repo:    repo,
		trust:   repo.Trust(),
		handler: handler,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	local := stack.LocalNode()
	for _, sf := range repo.GetServiceInstanceFacts(types.ServiceID{ID: ServiceID}) {
		si := sf.ServiceInstance
		if si.ServiceID.ID != ServiceID || !si.Server.Equal(local.Node) {
			continue
		}
		if c := sf.Certificate(); c != nil && c.Valid() {
			s.certificate = c
			s.instance = si
			break
		}
	}
	if s.certificate == nil {
		return nil, fmt.Errorf("%w: no valid authority certificate for %s", ErrNotAuthorized, local)
	}

	s.unregister = stack.RegisterHandler(protocol.TagCertificateRequest, s.handleRequest)
	s.unpublish = stack.PublishService(s.instance)

	s.logger.Info("Certificate authority started",
		zap.Stringer("instance", s.instance),
		zap.Time("authorized_until", s.certificate.ExpireTime()))
	return s, nil
}

// Instance is the authority service instance certificates are issued under.
func (s *Server) Instance() types.ServiceInstance {
	return s.instance
}

// Certificate is the certificate authorizing this server.
func (s *Server) Certificate() *cert.Certificate {
	return s.certificate
}

// CreateCertificate issues a certificate for the facts of req, valid for
// duration, and stores it in the local repository.
func (s *Server) CreateCertificate(ctx context.Context, req *protocol.CertificateRequest, duration time.Duration) (*cert.Certificate, error) {
	if duration <= 0 {
		duration = DefaultGrantDuration
	}

	c, err := s.trust.NewCertificate(s.instance, s.trust.Now().Add(duration), req.Facts.Facts()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	if err := c.Sign(s.stack.Signer()); err != nil {
		return nil, err
	}
	if err := s.repo.Add(ctx, c); err != nil {
		s.logger.Warn("Issued certificate not stored", zap.Stringer("id", c.ID()), zap.Error(err))
	}

	s.logger.Info("Issued certificate",
		zap.Stringer("id", c.ID()),
		zap.Stringer("requester", req.Requester),
		zap.Int("facts", req.Facts.Len()),
		zap.Time("expires", c.ExpireTime()))
	return c, nil
}

// SendPositiveResponse grants req. A nil certificate is created with the
// default duration.
func (s *Server) SendPositiveResponse(ctx context.Context, req *protocol.CertificateRequest, c *cert.Certificate) error {
	if c == nil {
		var err error
		if c, err = s.CreateCertificate(ctx, req, DefaultGrantDuration); err != nil {
			return err
		}
	}

	resp := &protocol.CertificateResponse{
		RequestID:    req.ID,
		Granted:      true,
		Certificates: []*cert.Certificate{c},
	}
	if err := s.stack.Send(ctx, req.Requester, resp.Marshal()); err != nil {
		return fmt.Errorf("failed to send certificate response: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CertificateRequestHandled(true)
	}
	return nil
}

// SendNegativeResponse refuses request requestID from requester. url, if set,
// is shown to the requesting user.
func (s *Server) SendNegativeResponse(ctx context.Context, requester types.NodeInfo, requestID uuid.UUID, url string) error {
	resp := &protocol.CertificateResponse{RequestID: requestID, URL: url}
	if err := s.stack.Send(ctx, requester, resp.Marshal()); err != nil {
		return fmt.Errorf("failed to send certificate response: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CertificateRequestHandled(false)
	}
	s.logger.Info("Denied certificate request",
		zap.Stringer("request_id", requestID),
		zap.Stringer("requester", requester))
	return nil
}

func (s *Server) handleRequest(ctx context.Context, msg overlay.Message) {
	req, err := protocol.UnmarshalCertificateRequest(s.trust, msg.Data)
	if err != nil {
		s.logger.Warn("Ignoring malformed certificate request", zap.Stringer("from", msg.From), zap.Error(err))
		return
	}

	ctx, span := tracer.Start(ctx, "authority.HandleRequest",
		trace.WithAttributes(
			attribute.String("request_id", req.ID.String()),
			attribute.String("requester", req.Requester.String()),
		))
	defer span.End()

	s.logger.Debug("Certificate request received",
		zap.Stringer("request_id", req.ID),
		zap.Stringer("requester", req.Requester),
		zap.Bool("relayed", msg.Relayed))

	if !s.certificate.Valid() {
		s.logger.Warn("Authority certificate has lapsed, denying request", zap.Stringer("request_id", req.ID))
		if err := s.SendNegativeResponse(ctx, req.Requester, req.ID, ""); err != nil {
			s.logger.Warn("Failed to deny request", zap.Error(err))
		}
		return
	}

	if err := s.handler.HandleRequest(ctx, s, req); err != nil {
		span.RecordError(err)
		s.logger.Warn("Certificate request failed", zap.Stringer("request_id", req.ID), zap.Error(err))
	}
}

// Close stops answering requests and withdraws the service.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	if s.unpublish != nil {
		s.unpublish()
		s.unpublish = nil
	}
}
