package cert

import (
	"sync/atomic"

	"certmesh/pkg/wire"

	"github.com/google/uuid"
)

// Fact is a claim that can be carried by a certificate.
type Fact interface {
	// Tag is the four character wire identifier of the fact kind.
	Tag() string
	// ID identifies the entity the fact is about.
	ID() uuid.UUID
	// Keywords are the search strings the fact answers to. The first one is
	// the unique keyword.
	Keywords() []string
	// WriteBody encodes everything after the tag.
	WriteBody(w *wire.Writer)

	// Certificate returns the certificate the fact was read from, if known.
	Certificate() *Certificate
	// BindCertificate records the owning certificate. Only the first call has
	// an effect.
	BindCertificate(c *Certificate) bool
}

// UniqueKeyword returns the canonical lookup key of f, or "" if it has none.
func UniqueKeyword(f Fact) string {
	kw := f.Keywords()
	if len(kw) == 0 {
		return ""
	}
	return kw[0]
}

// HasKeyword reports whether keyword is one of the keywords of f.
func HasKeyword(f Fact, keyword string) bool {
	for _, kw := range f.Keywords() {
		if kw == keyword {
			return true
		}
	}
	return false
}

// MarshalFact encodes f including its tag.
func MarshalFact(f Fact) []byte {
	w := wire.NewWriter(f.Tag())
	f.WriteBody(w)
	return w.Bytes()
}

// FactBase implements the certificate back-reference of Fact. Embed it in
// concrete fact types.
type FactBase struct {
	owner atomic.Pointer[Certificate]
}

func (b *FactBase) Certificate() *Certificate {
	return b.owner.Load()
}

func (b *FactBase) BindCertificate(c *Certificate) bool {
	if c == nil {
		return false
	}
	return b.owner.CompareAndSwap(nil, c)
}
