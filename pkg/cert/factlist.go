package cert

import (
	"sync"

	"certmesh/pkg/wire"

	"go.uber.org/zap"
)

// factEntry is either the raw bytes of a fact or the parsed fact. The missing
// representation is produced once, on demand.
type factEntry struct {
	mu     sync.Mutex
	raw    []byte
	fact   Fact
	failed bool
}

func rawEntry(raw []byte) *factEntry {
	return &factEntry{raw: raw}
}

func parsedEntry(f Fact) *factEntry {
	return &factEntry{fact: f}
}

func (e *factEntry) bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.raw == nil {
		e.raw = MarshalFact(e.fact)
	}
	return e.raw
}

// materialize returns the parsed fact, or nil if the entry cannot be parsed.
// A failed parse is remembered and logged only once.
func (e *factEntry) materialize(registry *Registry, logger *zap.Logger) Fact {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fact != nil || e.failed {
		return e.fact
	}

	if registry == nil {
		e.failed = true
		logger.Warn("No fact registry available, skipping fact")
		return nil
	}

	fact, err := registry.Parse(e.raw)
	if err != nil {
		e.failed = true
		logger.Warn("Skipping unreadable fact", zap.Int("bytes", len(e.raw)), zap.Error(err))
		return nil
	}
	e.fact = fact
	return fact
}

// FactList is an ordered list of facts. Order is significant: it is part of
// the signed representation of a certificate.
type FactList struct {
	mu       sync.RWMutex
	entries  []*factEntry
	registry *Registry
	logger   *zap.Logger
}

// NewFactList returns a list holding facts, using registry to parse raw entries.
func NewFactList(registry *Registry, logger *zap.Logger, facts ...Fact) *FactList {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &FactList{registry: registry, logger: logger}
	l.Add(facts...)
	return l
}

// Add appends facts in order.
func (l *FactList) Add(facts ...Fact) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, f := range facts {
		if f == nil {
			continue
		}
		l.entries = append(l.entries, parsedEntry(f))
	}
}

// Len returns the number of entries, including ones that cannot be parsed.
func (l *FactList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *FactList) snapshot() []*factEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]*factEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// Facts returns the parsed facts in order. Entries with unknown tags or bad
// bodies are skipped.
func (l *FactList) Facts() []Fact {
	entries := l.snapshot()
	facts := make([]Fact, 0, len(entries))
	for _, e := range entries {
		if f := e.materialize(l.registry, l.logger); f != nil {
			facts = append(facts, f)
		}
	}
	return facts
}

// Write encodes the list: a count followed by one counted blob per entry.
func (l *FactList) Write(w *wire.Writer) {
	entries := l.snapshot()
	w.Int32(int32(len(entries)))
	for _, e := range entries {
		w.Counted(e.bytes())
	}
}

// Bytes returns the encoded list.
func (l *FactList) Bytes() []byte {
	w := &wire.Writer{}
	l.Write(w)
	return w.Bytes()
}

// ReadFactList decodes a list written by Write. Entries stay raw until Facts
// is called.
func ReadFactList(r *wire.Reader, registry *Registry, logger *zap.Logger) (*FactList, error) {
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > r.Remaining() {
		return nil, wire.ErrMalformedMessage
	}

	l := NewFactList(registry, logger)
	l.entries = make([]*factEntry, 0, count)
	for i := int32(0); i < count; i++ {
		blob, err := r.Counted()
		if err != nil {
			return nil, err
		}
		l.entries = append(l.entries, rawEntry(blob))
	}
	return l, nil
}
