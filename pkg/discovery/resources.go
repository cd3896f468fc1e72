package discovery

import (
	"context"
	"sync"

	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/repository"
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResourceFinder collects the resource instances published under a name, both
// from the repository and from the overlay. onFound is called once per
// resource id.
type ResourceFinder struct {
	stack   overlay.Stack
	repo    *repository.Repository
	name    string
	onFound func(*cert.ResourceInstanceFact)
	logger  *zap.Logger

	mu          sync.Mutex
	found       map[types.ResourceID]*cert.ResourceInstanceFact
	cancelQuery func()
	unsubscribe func()
}

func NewResourceFinder(stack overlay.Stack, repo *repository.Repository, name string, onFound func(*cert.ResourceInstanceFact), logger *zap.Logger) *ResourceFinder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceFinder{
		stack:   stack,
		repo:    repo,
		name:    name,
		onFound: onFound,
		logger:  logger.With(zap.String("resource", name)),
		found:   make(map[types.ResourceID]*cert.ResourceInstanceFact),
	}
}

// Start reports the resources already known and queries the overlay for more.
func (rf *ResourceFinder) Start() {
	rf.mu.Lock()
	if rf.cancelQuery != nil {
		rf.mu.Unlock()
		return
	}
	rf.unsubscribe = rf.repo.Subscribe(func(c *cert.Certificate) { rf.collect(c.Facts()) })
	rf.cancelQuery = rf.stack.Query(cert.ResourceNameKeyword(rf.name), uuid.New(), rf.queryResult)
	rf.mu.Unlock()

	for _, f := range rf.repo.GetResourceInstanceFacts(rf.matches) {
		rf.report(f)
	}
}

func (rf *ResourceFinder) matches(f *cert.ResourceInstanceFact) bool {
	return f.Name == rf.name
}

func (rf *ResourceFinder) collect(facts []cert.Fact) {
	for _, f := range facts {
		if r, ok := f.(*cert.ResourceInstanceFact); ok && rf.matches(r) {
			rf.report(r)
		}
	}
}

func (rf *ResourceFinder) report(f *cert.ResourceInstanceFact) {
	rf.mu.Lock()
	if _, ok := rf.found[f.ResourceID]; ok {
		rf.mu.Unlock()
		return
	}
	rf.found[f.ResourceID] = f
	rf.mu.Unlock()

	rf.logger.Debug("Resource found", zap.Stringer("id", f.ResourceID), zap.Stringer("host", f.Host))
	if rf.onFound != nil {
		rf.onFound(f)
	}
}

func (rf *ResourceFinder) queryResult(res overlay.QueryResult) {
	tag, err := wire.NewReader(res.ExtraInfo).PeekTag()
	if err != nil || tag != cert.TagCertificate {
		return
	}
	c, err := rf.repo.Trust().ParseCertificate(res.ExtraInfo)
	if err != nil {
		rf.logger.Debug("Ignoring unreadable certificate", zap.Error(err))
		return
	}
	if err := rf.repo.Add(context.Background(), c); err != nil {
		rf.logger.Debug("Certificate not stored", zap.Error(err))
	}
	rf.collect(c.Facts())
}

// Resources returns the resources found so far.
func (rf *ResourceFinder) Resources() []*cert.ResourceInstanceFact {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	out := make([]*cert.ResourceInstanceFact, 0, len(rf.found))
	for _, f := range rf.found {
		out = append(out, f)
	}
	return out
}

// Stop cancels the query and the repository subscription.
func (rf *ResourceFinder) Stop() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.cancelQuery != nil {
		rf.cancelQuery()
		rf.cancelQuery = nil
	}
	if rf.unsubscribe != nil {
		rf.unsubscribe()
		rf.unsubscribe = nil
	}
}
