package cert

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"go.uber.org/zap"
)

// Signer produces signatures with a node's private key.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(message, signature, publicKey []byte) bool
}

// Metrics receives validity events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CertificateVerified(valid bool)
	ValidityCacheHit()
}

// Trust carries everything needed to build, parse and validate certificates:
// the fact registry, the signature verifier, the shared validity cache and the
// clock. One Trust is normally shared by every component of a process.
type Trust struct {
	registry *Registry
	verifier Verifier
	validity *ValidityCache
	now      func() time.Time
	logger   *zap.Logger
	metrics  Metrics
}

// TrustOption configures a Trust.
type TrustOption func(*Trust)

func WithRegistry(r *Registry) TrustOption {
	return func(t *Trust) { t.registry = r }
}

func WithValidityCache(vc *ValidityCache) TrustOption {
	return func(t *Trust) { t.validity = vc }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) TrustOption {
	return func(t *Trust) { t.now = now }
}

func WithLogger(logger *zap.Logger) TrustOption {
	return func(t *Trust) { t.logger = logger }
}

func WithMetrics(m Metrics) TrustOption {
	return func(t *Trust) { t.metrics = m }
}

// NewTrust creates a Trust that checks signatures with verifier.
func NewTrust(verifier Verifier, opts ...TrustOption) *Trust {
	t := &Trust{verifier: verifier}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = NewDefaultRegistry()
	}
	if t.validity == nil {
		t.validity = NewValidityCache(DefaultValidityTTL)
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

func (t *Trust) Registry() *Registry {
	return t.registry
}

func (t *Trust) ValidityCache() *ValidityCache {
	return t.validity
}

func (t *Trust) Logger() *zap.Logger {
	return t.logger
}

// Now returns the current time according to the Trust's clock.
func (t *Trust) Now() time.Time {
	return t.now()
}

// NewFactList returns an empty list bound to the Trust's registry.
func (t *Trust) NewFactList(facts ...Fact) *FactList {
	return NewFactList(t.registry, t.logger, facts...)
}

// NewCertificate creates an unsigned certificate issued now by authority.
func (t *Trust) NewCertificate(authority types.ServiceInstance, expiration time.Time, facts ...Fact) (*Certificate, error) {
	if !authority.Server.IsSet() {
		return nil, ErrInvalidAuthority
	}

	w := &wire.Writer{}
	authority.Write(w)

	c := &Certificate{
		trust:        t,
		authority:    authority,
		authorityRaw: w.Bytes(),
		facts:        t.NewFactList(facts...),
		expireTicks:  wire.TimeToTicks(expiration),
	}
	c.SetIssuedTime(t.now())
	return c, nil
}

// ParseCertificate decodes a CERT message.
func (t *Trust) ParseCertificate(data []byte) (*Certificate, error) {
	return t.ReadCertificate(wire.NewReader(data))
}

// ReadCertificate decodes a CERT message from r. Missing trailing Id and
// IssuedTime fields are treated as absent.
func (t *Trust) ReadCertificate(r *wire.Reader) (*Certificate, error) {
	if err := r.ExpectTag(TagCertificate); err != nil {
		return nil, err
	}

	start := r.Offset()
	authority, err := types.ReadServiceInstance(r)
	if err != nil {
		return nil, err
	}
	authorityRaw := append([]byte(nil), r.Slice(start, r.Offset())...)

	facts, err := ReadFactList(r, t.registry, t.logger)
	if err != nil {
		return nil, err
	}

	expireTicks, err := r.Int64()
	if err != nil {
		return nil, err
	}

	signature, err := r.Counted()
	if err != nil {
		return nil, err
	}
	if len(signature) == 0 {
		signature = nil
	}

	c := &Certificate{
		trust:        t,
		authority:    authority,
		authorityRaw: authorityRaw,
		facts:        facts,
		expireTicks:  expireTicks,
		signature:    signature,
	}

	if r.Remaining() >= 16 {
		if c.id, err = r.UUID(); err != nil {
			return nil, err
		}
	}
	if r.Remaining() >= 8 {
		if issued, err := r.Int64(); err == nil {
			c.issuedTicks = issued
			c.hasIssued = true
		}
	}

	return c, nil
}

// structuralKey identifies a certificate by everything a signature check
// depends on.
func structuralKey(signable, signature []byte) string {
	h := sha256.New()
	h.Write(signable)
	h.Write([]byte{0})
	h.Write(signature)
	return hex.EncodeToString(h.Sum(nil))
}

// checkSignature verifies c, consulting the validity cache.
func (t *Trust) checkSignature(c *Certificate, signable, signature []byte, publicKey []byte) bool {
	if signature == nil {
		return false
	}

	valid, cached := t.validity.Lookup(structuralKey(signable, signature), func() bool {
		ok := t.verifier != nil && t.verifier.Verify(signable, signature, publicKey)
		if t.metrics != nil {
			t.metrics.CertificateVerified(ok)
		}
		if !ok {
			t.logger.Debug("Certificate signature rejected",
				zap.Stringer("authority", c.authority))
		}
		return ok
	})
	if cached && t.metrics != nil {
		t.metrics.ValidityCacheHit()
	}
	return valid
}
