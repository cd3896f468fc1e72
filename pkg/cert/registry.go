package cert

import (
	"fmt"
	"sync"

	"certmesh/pkg/wire"
)

// ParseFunc decodes a fact body. The reader is positioned just past the tag.
type ParseFunc func(r *wire.Reader) (Fact, error)

// Registry maps fact tags to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]ParseFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]ParseFunc)}
}

// NewDefaultRegistry returns a registry holding the built-in fact kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TagServiceInstanceFact, parseServiceInstanceFact)
	_ = r.Register(TagResourceInstanceFact, parseResourceInstanceFact)
	_ = r.Register(TagResourcePermissionFact, parseResourcePermissionFact)
	return r
}

// Register maps tag to parse, replacing any previous mapping.
func (r *Registry) Register(tag string, parse ParseFunc) error {
	if len(tag) != wire.TagLength {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if parse == nil {
		return fmt.Errorf("nil parser for tag %q", tag)
	}

	r.mu.Lock()
	r.parsers[tag] = parse
	r.mu.Unlock()
	return nil
}

// Tags returns the registered tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.parsers))
	for tag := range r.parsers {
		tags = append(tags, tag)
	}
	return tags
}

// Parse decodes a tagged fact blob.
func (r *Registry) Parse(blob []byte) (Fact, error) {
	reader := wire.NewReader(blob)
	tag, err := reader.Tag()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	parse, ok := r.parsers[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactType, tag)
	}

	fact, err := parse(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q fact: %w", tag, err)
	}
	return fact, nil
}
