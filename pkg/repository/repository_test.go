package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"certmesh/pkg/cert"
	"certmesh/pkg/keys"
	"certmesh/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	trust     *cert.Trust
	authority *keys.Identity
	instance  types.ServiceInstance

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	id, err := keys.NewIdentity()
	require.NoError(t, err)

	f := &fixture{
		authority: id,
		clock:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.instance = types.NewServiceInstance(types.NewServiceID(), id.NodeID())
	f.trust = cert.NewTrust(keys.Verifier{},
		cert.WithLogger(zaptest.NewLogger(t)),
		cert.WithClock(f.now),
	)
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *fixture) issue(t *testing.T, validFor time.Duration, facts ...cert.Fact) *cert.Certificate {
	t.Helper()
	c, err := f.trust.NewCertificate(f.instance, f.now().Add(validFor), facts...)
	require.NoError(t, err)
	require.NoError(t, c.Sign(f.authority.Keys))
	return c
}

func (f *fixture) local(t *testing.T, store Store, system *Repository) *Repository {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	repo, err := New(context.Background(), f.trust, store, system, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return repo
}

type testIdentity struct {
	info   types.NodeInfo
	signer cert.Signer
}

func (ti testIdentity) LocalNode() types.NodeInfo { return ti.info }
func (ti testIdentity) Signer() cert.Signer       { return ti.signer }

func newTestIdentity(t *testing.T) testIdentity {
	t.Helper()
	id, err := keys.NewIdentity()
	require.NoError(t, err)
	return testIdentity{
		info:   types.NodeInfo{Node: id.NodeID(), FriendlyName: "local"},
		signer: id.Keys,
	}
}

type issuerFunc func(ctx context.Context, facts ...cert.Fact) (*cert.Certificate, error)

func (fn issuerFunc) Issue(ctx context.Context, facts ...cert.Fact) (*cert.Certificate, error) {
	return fn(ctx, facts...)
}

func serviceFact(node types.NodeID, service types.ServiceID) *cert.ServiceInstanceFact {
	return cert.NewServiceInstanceFact(types.NewServiceInstance(service, node))
}

func TestAddAndQuery(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()

	node := types.NewNodeID([]byte("node-key"))
	service := types.NewServiceID()
	c := f.issue(t, time.Hour, serviceFact(node, service))

	require.NoError(t, repo.Add(ctx, c))
	assert.Len(t, repo.Certificates(), 1)

	facts := repo.GetMatchingFacts(service.SearchString(), cert.TagServiceInstanceFact)
	require.Len(t, facts, 1)
	assert.Same(t, c, facts[0].Certificate())

	assert.Empty(t, repo.GetMatchingFacts(service.SearchString(), cert.TagResourceInstanceFact))
	assert.Len(t, repo.GetMatchingFacts(service.SearchString(), ""), 1)
	assert.Empty(t, repo.GetMatchingFacts("service:nothing", ""))

	found, ok := repo.FindLocalServiceCertificate(node, service)
	require.True(t, ok)
	assert.Same(t, c, found)

	_, ok = repo.FindLocalServiceCertificate(types.NewNodeID([]byte("other")), service)
	assert.False(t, ok)
}

func TestAddIdenticalIsNoop(t *testing.T) {
	f := newFixture(t)
	store := NewMemoryStore()
	repo := f.local(t, store, nil)
	ctx := context.Background()

	c := f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("k")), types.NewServiceID()))
	added := 0
	unsubscribe := repo.Subscribe(func(*cert.Certificate) { added++ })
	defer unsubscribe()

	require.NoError(t, repo.Add(ctx, c))
	require.NoError(t, repo.Add(ctx, c))

	copied, err := f.trust.ParseCertificate(c.ToWireBytes())
	require.NoError(t, err)
	require.NoError(t, repo.Add(ctx, copied))

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, store.Len())
}

func TestAddReplacesSameID(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()

	fact := serviceFact(types.NewNodeID([]byte("k")), types.NewServiceID())
	first := f.issue(t, time.Hour, fact)
	second := f.issue(t, 2*time.Hour, fact)
	second.SetID(first.ID())

	require.NoError(t, repo.Add(ctx, first))
	require.NoError(t, repo.Add(ctx, second))

	certs := repo.Certificates()
	require.Len(t, certs, 1)
	assert.Same(t, second, certs[0])
}

func TestAddIgnoresInvalid(t *testing.T) {
	f := newFixture(t)
	store := NewMemoryStore()
	repo := f.local(t, store, nil)

	c, err := f.trust.NewCertificate(f.instance, f.now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, repo.Add(context.Background(), c))
	assert.Empty(t, repo.Items())
	assert.Equal(t, 0, store.Len())
}

func TestExpiredCertificatesArePruned(t *testing.T) {
	f := newFixture(t)
	store := NewMemoryStore()
	repo := f.local(t, store, nil)
	ctx := context.Background()

	short := f.issue(t, time.Minute, serviceFact(types.NewNodeID([]byte("a")), types.NewServiceID()))
	long := f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("b")), types.NewServiceID()))
	require.NoError(t, repo.Add(ctx, short))
	require.NoError(t, repo.Add(ctx, long))
	require.Len(t, repo.Certificates(), 2)

	f.advance(2 * time.Minute)

	certs := repo.Certificates()
	require.Len(t, certs, 1)
	assert.Same(t, long, certs[0])
	assert.Len(t, repo.Items(), 1)
	assert.Equal(t, 1, store.Len())
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	store := NewMemoryStore()
	repo := f.local(t, store, nil)
	ctx := context.Background()

	c := f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("k")), types.NewServiceID()))
	require.NoError(t, repo.Add(ctx, c))

	removed, err := repo.Remove(ctx, c)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, repo.Certificates())
	assert.Equal(t, 0, store.Len())

	removed, err = repo.Remove(ctx, c)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSystemRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.issue(t, 24*time.Hour, cert.NewServiceInstanceFact(f.instance))
	system := NewSystem(f.trust, []*cert.Certificate{root})
	assert.True(t, system.IsSystem())

	err := system.Add(ctx, root)
	assert.ErrorIs(t, err, ErrDuplicateSystemCertificate)

	repo := f.local(t, nil, system)
	err = repo.Add(ctx, f.issue(t, time.Hour, cert.NewServiceInstanceFact(f.instance)))
	assert.ErrorIs(t, err, ErrDuplicateSystemCertificate)

	certs := repo.Certificates()
	require.Len(t, certs, 1)
	assert.Same(t, root, certs[0])

	facts := repo.GetServiceInstanceFacts(f.instance.ServiceID)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].ServiceInstance.Equal(f.instance))

	sf, ok := repo.GetServiceInstanceFact(f.instance.InstanceID)
	require.True(t, ok)
	assert.Same(t, root, sf.Certificate())
}

func TestRepositoriesAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.local(t, nil, nil)
	b := f.local(t, nil, nil)

	require.NoError(t, a.Add(ctx, f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("k")), types.NewServiceID()))))
	assert.Len(t, a.Certificates(), 1)
	assert.Empty(t, b.Certificates())
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()

	var seen []*cert.Certificate
	unsubscribe := repo.Subscribe(func(c *cert.Certificate) { seen = append(seen, c) })

	first := f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("a")), types.NewServiceID()))
	require.NoError(t, repo.Add(ctx, first))
	unsubscribe()
	require.NoError(t, repo.Add(ctx, f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("b")), types.NewServiceID()))))

	require.Len(t, seen, 1)
	assert.Same(t, first, seen[0])
}

func TestResourceFacts(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)

	res := types.NewResourceID()
	c := f.issue(t, time.Hour,
		cert.NewResourceInstanceFact(res, "elevation.tif", f.instance),
		cert.NewResourceInstanceFact(types.NewResourceID(), "roads.shp", f.instance),
	)
	require.NoError(t, repo.Add(context.Background(), c))

	assert.Len(t, repo.GetResourceInstanceFacts(nil), 2)
	matched := repo.GetResourceInstanceFacts(func(rf *cert.ResourceInstanceFact) bool {
		return rf.Name == "elevation.tif"
	})
	require.Len(t, matched, 1)
	assert.Equal(t, res, matched[0].ResourceID)
}

func TestSQLStorePersistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "certs.db")

	store, err := OpenSQLite(dsn)
	require.NoError(t, err)
	repo := f.local(t, store, nil)

	c := f.issue(t, time.Hour, serviceFact(types.NewNodeID([]byte("k")), types.NewServiceID()))
	require.NoError(t, repo.Add(ctx, c))
	require.NoError(t, store.Put(ctx, Row{ID: "broken", MessageData: "not base64!"}))
	require.NoError(t, repo.Close())

	store, err = OpenSQLite(dsn)
	require.NoError(t, err)
	reopened := f.local(t, store, nil)
	defer reopened.Close()

	certs := reopened.Certificates()
	require.Len(t, certs, 1)
	assert.True(t, c.Equal(certs[0]))
	assert.Equal(t, c.ID(), certs[0].ID())

	rows, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSystemFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "system", "certs.txt")

	root := f.issue(t, 24*time.Hour, cert.NewServiceInstanceFact(f.instance))
	require.NoError(t, WriteSystemFile(path, root))

	system, err := LoadSystemFile(f.trust, path)
	require.NoError(t, err)
	certs := system.Certificates()
	require.Len(t, certs, 1)
	assert.True(t, root.Equal(certs[0]))

	_, err = LoadSystemFile(f.trust, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRequestCertificateUsesStoredCertificate(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()
	me := newTestIdentity(t)
	service := types.NewServiceID()

	stored := f.issue(t, time.Hour, serviceFact(me.info.Node, service))
	require.NoError(t, repo.Add(ctx, stored))

	issuer := issuerFunc(func(context.Context, ...cert.Fact) (*cert.Certificate, error) {
		t.Fatal("issuer must not be asked")
		return nil, nil
	})

	c, err := repo.RequestCertificate(ctx, me, issuer, service, RequestOptions{})
	require.NoError(t, err)
	assert.Same(t, stored, c)
}

func TestRequestCertificateFromIssuer(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()
	me := newTestIdentity(t)
	service := types.NewServiceID()

	issuer := issuerFunc(func(_ context.Context, facts ...cert.Fact) (*cert.Certificate, error) {
		return f.issue(t, time.Hour, facts...), nil
	})

	c, err := repo.RequestCertificate(ctx, me, issuer, service, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, c.Authority().Equal(f.instance))

	_, ok := repo.FindLocalServiceCertificate(me.info.Node, service)
	assert.True(t, ok)
}

func TestRequestCertificateSelfIssues(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	ctx := context.Background()
	me := newTestIdentity(t)
	service := types.NewServiceID()

	issuer := issuerFunc(func(ctx context.Context, _ ...cert.Fact) (*cert.Certificate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c, err := repo.RequestCertificate(ctx, me, issuer, service, RequestOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, c.Valid())
	assert.True(t, c.Authority().Server.Equal(me.info.Node))
	assert.Equal(t, f.now().Add(DefaultSelfIssueValidity), c.ExpireTime())

	si, ok := c.ServiceInstance()
	require.True(t, ok)
	assert.Equal(t, service, si.ServiceID)
	assert.True(t, si.Server.Equal(me.info.Node))
	assert.True(t, c.Authority().Equal(si), "a self-issued certificate is signed by the instance it certifies")

	again, err := repo.RequestCertificate(ctx, me, nil, service, RequestOptions{})
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestRequestCertificateWithoutFallback(t *testing.T) {
	f := newFixture(t)
	repo := f.local(t, nil, nil)
	me := newTestIdentity(t)

	issuer := issuerFunc(func(context.Context, ...cert.Fact) (*cert.Certificate, error) {
		return nil, errors.New("denied")
	})

	_, err := repo.RequestCertificate(context.Background(), me, issuer, types.NewServiceID(), RequestOptions{DisableSelfIssue: true})
	assert.ErrorIs(t, err, ErrNoCertificate)
}
