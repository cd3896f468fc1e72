package cert

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
)

// TagCertificate is the wire tag of a certificate message.
const TagCertificate = "CERT"

type validity int

const (
	validityUnknown validity = iota
	validityTrue
	validityFalse
	validityExpired
)

// Certificate is a signed, time limited set of facts issued by an authority.
//
// The signature covers the authority, the fact list and the expiry time. The
// Id and the issue time are carried alongside but are not signed.
type Certificate struct {
	trust *Trust

	mu           sync.RWMutex
	authority    types.ServiceInstance
	authorityRaw []byte
	facts        *FactList
	expireTicks  int64
	issuedTicks  int64
	hasIssued    bool
	signature    []byte
	id           uuid.UUID

	valid      validity
	generation uint64
}

// Authority is the service instance that signed the certificate.
func (c *Certificate) Authority() types.ServiceInstance {
	return c.authority
}

func (c *Certificate) ExpireTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return wire.TicksToTime(c.expireTicks)
}

// IssuedTime returns the issue time, or the expiry time when no issue time is
// recorded or the recorded one is not before the expiry.
func (c *Certificate) IssuedTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return wire.TicksToTime(c.issuedTicksLocked())
}

func (c *Certificate) issuedTicksLocked() int64 {
	if !c.hasIssued || c.issuedTicks >= c.expireTicks {
		return c.expireTicks
	}
	return c.issuedTicks
}

// SetIssuedTime records the issue time. It does not affect the signature.
func (c *Certificate) SetIssuedTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issuedTicks = wire.TimeToTicks(t)
	c.hasIssued = true
}

// ID returns the certificate id, generating one if none is set.
func (c *Certificate) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == uuid.Nil {
		c.id = uuid.New()
	}
	return c.id
}

// SetID replaces the certificate id. It does not affect the signature.
func (c *Certificate) SetID(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Signature returns a copy of the signature, or nil if unsigned.
func (c *Certificate) Signature() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.signature == nil {
		return nil
	}
	return append([]byte(nil), c.signature...)
}

// FactList returns the underlying fact list.
func (c *Certificate) FactList() *FactList {
	return c.facts
}

// SignableBytes returns Authority || FactList || ExpireTime, the bytes covered
// by the signature.
func (c *Certificate) SignableBytes() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signableLocked()
}

func (c *Certificate) signableLocked() []byte {
	w := &wire.Writer{}
	w.Raw(c.authorityRaw)
	c.facts.Write(w)
	w.Int64(c.expireTicks)
	return w.Bytes()
}

// Sign signs the certificate with signer.
func (c *Certificate) Sign(signer Signer) error {
	signable := c.SignableBytes()
	signature, err := signer.Sign(signable)
	if err != nil {
		return fmt.Errorf("failed to sign certificate: %w", err)
	}

	c.mu.Lock()
	c.signature = signature
	c.resetValidityLocked()
	c.mu.Unlock()
	return nil
}

// AddFact appends facts. The certificate is not re-signed, so adding to a
// signed certificate makes it invalid.
func (c *Certificate) AddFact(facts ...Fact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.facts.Add(facts...)
	c.resetValidityLocked()
}

func (c *Certificate) resetValidityLocked() {
	c.generation++
	if c.valid != validityExpired {
		c.valid = validityUnknown
	}
}

// Expired reports whether the expiry time has passed.
func (c *Certificate) Expired() bool {
	return !c.trust.now().Before(c.ExpireTime())
}

// Valid reports whether the certificate has not expired and carries a good
// signature from its authority.
func (c *Certificate) Valid() bool {
	c.mu.RLock()
	state := c.valid
	generation := c.generation
	expire := wire.TicksToTime(c.expireTicks)
	c.mu.RUnlock()

	if state == validityExpired {
		return false
	}
	if !c.trust.now().Before(expire) {
		c.mu.Lock()
		c.valid = validityExpired
		c.mu.Unlock()
		return false
	}
	if state != validityUnknown {
		return state == validityTrue
	}

	c.mu.RLock()
	signable := c.signableLocked()
	signature := c.signature
	c.mu.RUnlock()

	ok := c.trust.checkSignature(c, signable, signature, c.authority.Server.PublicKey)

	c.mu.Lock()
	if c.generation == generation && c.valid == validityUnknown {
		if ok {
			c.valid = validityTrue
		} else {
			c.valid = validityFalse
		}
	}
	c.mu.Unlock()
	return ok
}

// Facts returns the facts of a valid certificate, bound to it. An invalid
// certificate yields no facts.
func (c *Certificate) Facts() []Fact {
	if !c.Valid() {
		return nil
	}
	return c.AllFacts()
}

// AllFacts returns every readable fact regardless of validity.
func (c *Certificate) AllFacts() []Fact {
	facts := c.facts.Facts()
	for _, f := range facts {
		f.BindCertificate(c)
	}
	return facts
}

// FindFirstFact returns the first fact of type T in a valid certificate.
func FindFirstFact[T Fact](c *Certificate) (T, bool) {
	for _, f := range c.Facts() {
		if t, ok := f.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// ServiceInstance returns the instance named by the first service instance
// fact, if any.
func (c *Certificate) ServiceInstance() (types.ServiceInstance, bool) {
	for _, f := range c.AllFacts() {
		if sf, ok := f.(*ServiceInstanceFact); ok {
			return sf.ServiceInstance, true
		}
	}
	return types.ServiceInstance{}, false
}

// Write encodes the certificate message into w.
func (c *Certificate) Write(w *wire.Writer) {
	id := c.ID()

	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Tag(TagCertificate)
	w.Raw(c.authorityRaw)
	c.facts.Write(w)
	w.Int64(c.expireTicks)
	w.Counted(c.signature)
	w.UUID(id)
	if c.hasIssued {
		w.Int64(c.issuedTicks)
	}
}

// ToWireBytes encodes the certificate message.
func (c *Certificate) ToWireBytes() []byte {
	w := &wire.Writer{}
	c.Write(w)
	return w.Bytes()
}

// Equal reports structural equality: same authority, expiry, issue time,
// signed content and signature. Ids are not compared.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == other {
		return true
	}
	if c == nil || other == nil {
		return false
	}

	c.mu.RLock()
	signable, issued, signature := c.signableLocked(), c.issuedTicksLocked(), c.signature
	c.mu.RUnlock()

	other.mu.RLock()
	otherSignable, otherIssued, otherSignature := other.signableLocked(), other.issuedTicksLocked(), other.signature
	other.mu.RUnlock()

	return issued == otherIssued &&
		bytes.Equal(signable, otherSignable) &&
		bytes.Equal(signature, otherSignature)
}

func (c *Certificate) String() string {
	return fmt.Sprintf("certificate %s from %s (%d facts, expires %s)",
		c.ID(), c.authority, c.facts.Len(), c.ExpireTime().Format(time.RFC3339))
}
