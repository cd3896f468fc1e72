package discovery

import (
	"context"
	"sync"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/repository"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Finder looks for a fact with a given unique keyword, first in the local
// repository and then on the overlay. Certificates returned by the network are
// stored in the repository.
type Finder struct {
	stack   overlay.Stack
	repo    *repository.Repository
	keyword string
	kind    string
	timeout time.Duration
	logger  *zap.Logger

	onClosed func()

	mu          sync.Mutex
	started     bool
	closed      bool
	wake        chan struct{}
	cancelQuery func()
	unsubscribe func()
}

// FinderOption configures a Finder.
type FinderOption func(*Finder)

// WithFindTimeout bounds how long Find waits for the network.
func WithFindTimeout(d time.Duration) FinderOption {
	return func(f *Finder) { f.timeout = d }
}

// WithFinderLogger sets the logger.
func WithFinderLogger(logger *zap.Logger) FinderOption {
	return func(f *Finder) { f.logger = logger }
}

// OnFinderClosed registers fn to run once when the finder is closed.
func OnFinderClosed(fn func()) FinderOption {
	return func(f *Finder) { f.onClosed = fn }
}

// NewFinder creates a finder for the fact whose unique keyword is keyword. A
// non-empty kind also requires the fact to carry that tag.
func NewFinder(stack overlay.Stack, repo *repository.Repository, keyword, kind string, opts ...FinderOption) *Finder {
	f := &Finder{
		stack:   stack,
		repo:    repo,
		keyword: keyword,
		kind:    kind,
		timeout: DefaultFindTimeout,
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	f.logger = f.logger.With(zap.String("keyword", keyword))
	return f
}

// Keyword returns the keyword the finder searches for.
func (f *Finder) Keyword() string {
	return f.keyword
}

// local returns the matching fact from the repository.
func (f *Finder) local() cert.Fact {
	for _, fact := range f.repo.GetMatchingFacts(f.keyword, f.kind) {
		if cert.UniqueKeyword(fact) == f.keyword {
			return fact
		}
	}
	return nil
}

// Start sends the query and starts listening for new certificates. Calling it
// again has no effect.
func (f *Finder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true

	f.unsubscribe = f.repo.Subscribe(f.certificateAdded)
	f.cancelQuery = f.stack.Query(f.keyword, uuid.New(), f.queryResult)
	f.logger.Debug("Finder started")
}

// Stop cancels the query. The finder may be started again.
func (f *Finder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *Finder) stopLocked() {
	if !f.started {
		return
	}
	f.started = false
	if f.cancelQuery != nil {
		f.cancelQuery()
		f.cancelQuery = nil
	}
	if f.unsubscribe != nil {
		f.unsubscribe()
		f.unsubscribe = nil
	}
}

// Close stops the finder, wakes pending Find calls and runs the closed
// callback.
func (f *Finder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.stopLocked()
	f.signalLocked()
	onClosed := f.onClosed
	f.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
}

func (f *Finder) signalLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *Finder) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signalLocked()
}

func (f *Finder) certificateAdded(c *cert.Certificate) {
	for _, fact := range c.Facts() {
		if cert.UniqueKeyword(fact) == f.keyword && (f.kind == "" || fact.Tag() == f.kind) {
			f.signal()
			return
		}
	}
}

func (f *Finder) queryResult(res overlay.QueryResult) {
	tag, err := wire.NewReader(res.ExtraInfo).PeekTag()
	if err != nil || tag != cert.TagCertificate {
		return
	}

	c, err := f.repo.Trust().ParseCertificate(res.ExtraInfo)
	if err != nil {
		f.logger.Debug("Ignoring unreadable certificate", zap.Stringer("from", res.Responder), zap.Error(err))
		return
	}
	if err := f.repo.Add(context.Background(), c); err != nil {
		f.logger.Debug("Certificate not stored", zap.Stringer("id", c.ID()), zap.Error(err))
	}
	f.signal()
}

// Find returns the fact, waiting for the network up to the finder timeout. It
// wraps Start, the wait and Stop, and returns nil when nothing was found or the
// finder was closed.
func (f *Finder) Find(ctx context.Context) cert.Fact {
	ctx, span := tracer.Start(ctx, "discovery.Find",
		trace.WithAttributes(attribute.String("keyword", f.keyword), attribute.String("kind", f.kind)))
	defer span.End()

	if fact := f.local(); fact != nil {
		span.SetAttributes(attribute.Bool("found.local", true))
		return fact
	}

	// A finder started here is stopped on return.
	f.mu.Lock()
	owned := !f.started
	f.mu.Unlock()
	f.Start()
	if owned {
		defer f.Stop()
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		closed := f.closed
		wake := f.wake
		f.mu.Unlock()
		if closed {
			return nil
		}

		// A certificate may have arrived between the last check and taking wake.
		if fact := f.local(); fact != nil {
			span.SetAttributes(attribute.Bool("found.local", false))
			return fact
		}

		select {
		case <-wake:
		case <-timer.C:
			f.logger.Debug("Finder timed out")
			span.AddEvent("timeout")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
