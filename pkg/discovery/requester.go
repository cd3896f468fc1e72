package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certmesh/pkg/authority"
	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/protocol"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SelfIssueValidity is the lifetime of a certificate a node issues to itself
// when it is the authority it was looking for.
const SelfIssueValidity = 24 * time.Hour

// State is the progress of a certificate request.
type State int

const (
	StateInitializing State = iota
	StateSearchingForCertificateServer
	StateFoundCertificateServer
	StateSentRequest
	StateSentRequestToSelf
	StateSentRequestIndirectly
	StateReceivedFalseResponse
	StateReceivedCertificate
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSearchingForCertificateServer:
		return "searching for certificate server"
	case StateFoundCertificateServer:
		return "found certificate server"
	case StateSentRequest:
		return "sent request"
	case StateSentRequestToSelf:
		return "sent request to self"
	case StateSentRequestIndirectly:
		return "sent request indirectly"
	case StateReceivedFalseResponse:
		return "received false response"
	case StateReceivedCertificate:
		return "received certificate"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateReceivedCertificate || s == StateReceivedFalseResponse || s == StateClosed
}

// Callbacks observe a Requester. Any of them may be nil. They are released when
// the requester is closed.
type Callbacks struct {
	OnStateChange func(State)
	OnCertificate func(*cert.Certificate)
	OnResponse    func(*protocol.CertificateResponse)
	OnDisplayURL  func(url string)
	OnRemap       func(protocol.Remap)
	OnGranted     func(*protocol.CertificateResponse)
	OnDenied      func(*protocol.CertificateResponse)
	OnClosed      func()
}

// Requester asks a certificate authority to certify a list of facts.
type Requester struct {
	stack  overlay.Stack
	trust  *cert.Trust
	repo   *repository.Repository
	facts  []cert.Fact
	id     uuid.UUID
	logger *zap.Logger

	mu            sync.Mutex
	callbacks     Callbacks
	state         State
	authority     *types.ServiceInstance
	authorityNode types.NodeInfo
	received      []*cert.Certificate
	done          chan struct{}
	unregister    func()
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithAuthority sends the request to a known authority instead of looking one
// up.
func WithAuthority(si types.ServiceInstance) RequesterOption {
	return func(r *Requester) { r.authority = &si }
}

// WithRepository stores received certificates in repo.
func WithRepository(repo *repository.Repository) RequesterOption {
	return func(r *Requester) { r.repo = repo }
}

// WithRequesterLogger sets the logger.
func WithRequesterLogger(logger *zap.Logger) RequesterOption {
	return func(r *Requester) { r.logger = logger }
}

// NewRequester creates a requester for facts and starts listening for the
// authority's response.
func NewRequester(stack overlay.Stack, trust *cert.Trust, callbacks Callbacks, facts []cert.Fact, opts ...RequesterOption) *Requester {
	r := &Requester{
		stack:     stack,
		trust:     trust,
		facts:     facts,
		id:        uuid.New(),
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.Stringer("request_id", r.id))
	r.unregister = stack.RegisterHandler(protocol.TagCertificateResponse, r.handleResponse)
	return r
}

// ID is the request id responses are correlated by.
func (r *Requester) ID() uuid.UUID {
	return r.id
}

func (r *Requester) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Certificates returns the certificates received so far.
func (r *Requester) Certificates() []*cert.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cert.Certificate(nil), r.received...)
}

// AuthorityNode is the node the request was sent to, once known.
func (r *Requester) AuthorityNode() types.NodeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorityNode
}

// setState moves to s unless the request is already finished. It reports
// whether the transition happened.
func (r *Requester) setState(s State) bool {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.state = s
	if s.Terminal() {
		close(r.done)
	}
	onChange := r.callbacks.OnStateChange
	r.mu.Unlock()

	r.logger.Debug("Requester state changed", zap.Stringer("state", s))
	if onChange != nil {
		onChange(s)
	}
	return true
}

func (r *Requester) snapshotCallbacks() Callbacks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callbacks
}

// Start locates the authority and sends the request. The timeout bounds the
// authority lookup. It returns ErrNetworkTimeout when no authority was found
// in time, the caller's context error when ctx ends first, and any other lookup
// failure such as overlay.ErrStopped unchanged.
func (r *Requester) Start(ctx context.Context, timeout time.Duration) error {
	ctx, span := tracer.Start(ctx, "discovery.RequestCertificate",
		trace.WithAttributes(attribute.String("request_id", r.id.String())))
	defer span.End()

	if err := r.start(ctx, timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *Requester) start(ctx context.Context, timeout time.Duration) error {
	if !r.setState(StateSearchingForCertificateServer) {
		return ErrClosed
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	known := r.authority
	r.mu.Unlock()

	var (
		instance types.ServiceInstance
		node     types.NodeInfo
		err      error
	)
	if known != nil {
		instance = *known
		node, err = r.stack.FindNode(lookupCtx, instance.Server)
	} else {
		instance, node, err = r.stack.FindService(lookupCtx, types.ServiceID{ID: authority.ServiceID})
	}
	if err != nil {
		r.logger.Info("Unable to find certificate server", zap.Error(err))
		r.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrNetworkTimeout) {
			return fmt.Errorf("no certificate server found: %w", err)
		}
		return err
	}

	r.mu.Lock()
	r.authority = &instance
	r.authorityNode = node
	r.mu.Unlock()
	r.setState(StateFoundCertificateServer)

	local := r.stack.LocalNode()
	if node.Node.ID == local.Node.ID {
		return r.issueToSelf(instance)
	}

	req := &protocol.CertificateRequest{
		Requester: local,
		ID:        r.id,
		Facts:     r.trust.NewFactList(r.facts...),
	}
	msg := req.Marshal()

	if r.stack.IsConnected(node.Node) {
		r.setState(StateSentRequest)
		err := r.stack.SendDirect(ctx, node, msg)
		if err == nil {
			return nil
		}
		r.logger.Debug("Direct request failed", zap.Stringer("authority", node), zap.Error(err))
	}

	r.setState(StateSentRequestIndirectly)
	if err := r.stack.SendRelayed(ctx, node, msg); err != nil {
		return fmt.Errorf("failed to relay certificate request: %w", err)
	}
	return nil
}

// issueToSelf signs the certificate locally when this node is the authority.
func (r *Requester) issueToSelf(instance types.ServiceInstance) error {
	r.setState(StateSentRequestToSelf)

	c, err := r.trust.NewCertificate(instance, r.trust.Now().Add(SelfIssueValidity), r.facts...)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	if err := c.Sign(r.stack.Signer()); err != nil {
		return err
	}

	r.receive(c)
	r.setState(StateReceivedCertificate)
	return nil
}

func (r *Requester) receive(c *cert.Certificate) {
	r.mu.Lock()
	r.received = append(r.received, c)
	onCertificate := r.callbacks.OnCertificate
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Add(context.Background(), c); err != nil {
			r.logger.Debug("Received certificate not stored", zap.Stringer("id", c.ID()), zap.Error(err))
		}
	}
	if onCertificate != nil {
		onCertificate(c)
	}
}

func (r *Requester) handleResponse(_ context.Context, msg overlay.Message) {
	resp, err := protocol.UnmarshalCertificateResponse(r.trust, msg.Data)
	if err != nil {
		r.logger.Warn("Ignoring malformed certificate response", zap.Stringer("from", msg.From), zap.Error(err))
		return
	}
	if resp.RequestID != r.id {
		return
	}
	if r.State().Terminal() {
		return
	}

	cb := r.snapshotCallbacks()
	for _, m := range resp.Remaps {
		if cb.OnRemap != nil {
			cb.OnRemap(m)
		}
	}
	for _, c := range resp.Certificates {
		r.receive(c)
	}
	if cb.OnResponse != nil {
		cb.OnResponse(resp)
	}
	if resp.URL != "" && cb.OnDisplayURL != nil {
		cb.OnDisplayURL(resp.URL)
	}

	if resp.Granted {
		r.setState(StateReceivedCertificate)
		if cb.OnGranted != nil {
			cb.OnGranted(resp)
		}
	} else {
		r.setState(StateReceivedFalseResponse)
		if cb.OnDenied != nil {
			cb.OnDenied(resp)
		}
	}
}

// Wait blocks until the request is answered, closed, or ctx is done, and
// returns the state reached.
func (r *Requester) Wait(ctx context.Context) (State, error) {
	select {
	case <-r.done:
		return r.State(), nil
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

// Close stops listening for responses and releases the callbacks.
func (r *Requester) Close() {
	r.mu.Lock()
	if r.unregister == nil {
		r.mu.Unlock()
		return
	}
	r.unregister()
	r.unregister = nil
	if !r.state.Terminal() {
		r.state = StateClosed
		close(r.done)
	}
	onClosed := r.callbacks.OnClosed
	r.callbacks = Callbacks{}
	r.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
}
