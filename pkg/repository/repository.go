// Package repository stores certificates: a read-only system repository of
// built-in authorities and local repositories backed by durable storage.
package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"certmesh/pkg/cert"
	"certmesh/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrDuplicateSystemCertificate = errors.New("certificate conflicts with the system repository")

// Metrics receives repository events.
type Metrics interface {
	RepositorySize(n int)
	CertificatePruned()
	CertificateSelfIssued()
}

type entry struct {
	id      string
	cert    *cert.Certificate
	encoded string
}

// Repository holds certificates. Reads only ever return valid certificates;
// invalid local ones are pruned as they are found.
type Repository struct {
	trust    *cert.Trust
	store    Store
	system   *Repository
	isSystem bool
	logger   *zap.Logger
	metrics  Metrics

	mu         sync.Mutex
	entries    []entry
	unreadable []string

	obsMu     sync.RWMutex
	nextObs   uint64
	observers map[uint64]func(*cert.Certificate)
}

// Option configures a Repository.
type Option func(*Repository)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) { r.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

func newRepository(trust *cert.Trust, opts []Option) *Repository {
	r := &Repository{
		trust:     trust,
		observers: make(map[uint64]func(*cert.Certificate)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// NewSystem creates the read-only system repository holding certs.
func NewSystem(trust *cert.Trust, certs []*cert.Certificate, opts ...Option) *Repository {
	r := newRepository(trust, opts)
	r.isSystem = true
	for _, c := range certs {
		r.entries = append(r.entries, entry{
			id:      c.ID().String(),
			cert:    c,
			encoded: EncodeCertificate(c),
		})
	}
	return r
}

// New opens a local repository over store. Rows that cannot be decoded are
// dropped. system may be nil.
func New(ctx context.Context, trust *cert.Trust, store Store, system *Repository, opts ...Option) (*Repository, error) {
	r := newRepository(trust, opts)
	r.store = store
	r.system = system

	rows, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository: %w", err)
	}

	var corrupt []string
	for _, row := range rows {
		c, err := DecodeCertificate(trust, row.MessageData)
		if err != nil {
			r.logger.Warn("Dropping unreadable certificate row", zap.String("id", row.ID), zap.Error(err))
			corrupt = append(corrupt, row.ID)
			continue
		}
		c.SetID(parseID(row.ID, c))
		r.entries = append(r.entries, entry{id: row.ID, cert: c, encoded: row.MessageData})
	}

	if len(corrupt) > 0 {
		if err := store.Delete(ctx, corrupt...); err != nil {
			r.logger.Warn("Failed to delete unreadable rows", zap.Error(err))
			r.unreadable = corrupt
		}
	}

	r.reportSize()
	return r, nil
}

// parseID returns the row id as a certificate id, falling back to the id
// carried by c when the row id is not a UUID.
func parseID(rowID string, c *cert.Certificate) uuid.UUID {
	id, err := uuid.Parse(rowID)
	if err != nil {
		return c.ID()
	}
	return id
}

// EncodeCertificate returns the base64 text form of a CERT message used for
// stored rows and system files.
func EncodeCertificate(c *cert.Certificate) string {
	return base64.StdEncoding.EncodeToString(c.ToWireBytes())
}

// DecodeCertificate parses the text produced by EncodeCertificate.
func DecodeCertificate(trust *cert.Trust, data string) (*cert.Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return trust.ParseCertificate(raw)
}

// IsSystem reports whether this is the read-only system repository.
func (r *Repository) IsSystem() bool {
	return r.isSystem
}

// Trust returns the trust context certificates are parsed with.
func (r *Repository) Trust() *cert.Trust {
	return r.trust
}

// Close closes the underlying store.
func (r *Repository) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Repository) localSnapshot() []*cert.Certificate {
	r.mu.Lock()
	defer r.mu.Unlock()

	certs := make([]*cert.Certificate, 0, len(r.entries))
	for _, e := range r.entries {
		certs = append(certs, e.cert)
	}
	return certs
}

// Items returns every known certificate, valid or not: local ones first, then
// the system ones.
func (r *Repository) Items() []*cert.Certificate {
	items := r.localSnapshot()
	if r.system != nil {
		items = append(items, r.system.Items()...)
	}
	return items
}

// Certificates returns the valid certificates. Invalid local certificates are
// removed from the repository.
func (r *Repository) Certificates() []*cert.Certificate {
	var valid, invalid []*cert.Certificate
	for _, c := range r.localSnapshot() {
		if c.Valid() {
			valid = append(valid, c)
		} else {
			invalid = append(invalid, c)
		}
	}

	if len(invalid) > 0 && !r.isSystem {
		r.prune(invalid)
	}

	if r.system != nil {
		valid = append(valid, r.system.Certificates()...)
	}
	return valid
}

func (r *Repository) prune(invalid []*cert.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := make(map[*cert.Certificate]bool, len(invalid))
	ids := make([]string, 0, len(invalid))
	for _, e := range r.entries {
		for _, c := range invalid {
			if e.cert == c {
				drop[c] = true
				ids = append(ids, e.id)
			}
		}
	}
	if len(ids) == 0 {
		return
	}

	if err := r.store.Delete(context.Background(), ids...); err != nil {
		r.logger.Warn("Failed to prune invalid certificates", zap.Error(err))
		return
	}

	kept := r.entries[:0]
	for _, e := range r.entries {
		if !drop[e.cert] {
			kept = append(kept, e)
		}
	}
	r.entries = kept

	for range ids {
		if r.metrics != nil {
			r.metrics.CertificatePruned()
		}
	}
	r.logger.Debug("Pruned invalid certificates", zap.Int("count", len(ids)))
	r.reportSizeLocked()
}

// hasServiceInstance reports whether any certificate here names si.
func (r *Repository) hasServiceInstance(si types.ServiceInstance) bool {
	for _, c := range r.Items() {
		if other, ok := c.ServiceInstance(); ok && other.Equal(si) {
			return true
		}
	}
	return false
}

// Add stores c. Invalid certificates are ignored and adding a certificate that
// is already present does nothing. Certificates for a service instance owned
// by the system repository are rejected.
func (r *Repository) Add(ctx context.Context, c *cert.Certificate) error {
	if r.isSystem {
		return fmt.Errorf("%w: the system repository is read-only", ErrDuplicateSystemCertificate)
	}
	if si, ok := c.ServiceInstance(); ok && r.system != nil && r.system.hasServiceInstance(si) {
		return fmt.Errorf("%w: %s", ErrDuplicateSystemCertificate, si)
	}
	if !c.Valid() {
		r.logger.Debug("Ignoring invalid certificate", zap.Stringer("id", c.ID()))
		return nil
	}

	id := c.ID().String()
	encoded := EncodeCertificate(c)

	r.mu.Lock()
	replace := -1
	for i, e := range r.entries {
		if e.id == id {
			if e.encoded == encoded {
				r.mu.Unlock()
				return nil
			}
			replace = i
			continue
		}
		if e.cert.Equal(c) {
			r.mu.Unlock()
			return nil
		}
	}

	if err := r.store.Put(ctx, Row{ID: id, MessageData: encoded}); err != nil {
		r.mu.Unlock()
		return err
	}

	e := entry{id: id, cert: c, encoded: encoded}
	if replace >= 0 {
		r.entries[replace] = e
	} else {
		r.entries = append(r.entries, e)
	}
	r.reportSizeLocked()
	r.mu.Unlock()

	r.logger.Debug("Certificate added",
		zap.String("id", id),
		zap.Stringer("authority", c.Authority()))
	r.notify(c)
	return nil
}

// Remove deletes every certificate structurally equal to c, along with rows
// that could not be read. It reports whether anything was removed.
func (r *Repository) Remove(ctx context.Context, c *cert.Certificate) (bool, error) {
	if r.isSystem {
		return false, fmt.Errorf("%w: the system repository is read-only", ErrDuplicateSystemCertificate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := append([]string(nil), r.unreadable...)
	kept := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.cert.Equal(c) {
			ids = append(ids, e.id)
			continue
		}
		kept = append(kept, e)
	}
	if len(ids) == 0 {
		return false, nil
	}

	if err := r.store.Delete(ctx, ids...); err != nil {
		return false, err
	}
	r.entries = kept
	r.unreadable = nil
	r.reportSizeLocked()
	return true, nil
}

// Subscribe registers fn to be called after a certificate has been added.
// Call the returned function to unsubscribe.
func (r *Repository) Subscribe(fn func(*cert.Certificate)) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Repository) notify(c *cert.Certificate) {
	r.obsMu.RLock()
	observers := make([]func(*cert.Certificate), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(c)
	}
}

func (r *Repository) reportSize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reportSizeLocked()
}

func (r *Repository) reportSizeLocked() {
	if r.metrics != nil {
		r.metrics.RepositorySize(len(r.entries))
	}
}
