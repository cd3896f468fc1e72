package cert

import (
	"testing"

	"certmesh/pkg/wire"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type noteFact struct {
	FactBase
	id   uuid.UUID
	text string
}

func (f *noteFact) Tag() string        { return "Note" }
func (f *noteFact) ID() uuid.UUID      { return f.id }
func (f *noteFact) Keywords() []string { return []string{"note:" + f.id.String(), "note"} }
func (f *noteFact) WriteBody(w *wire.Writer) {
	w.UUID(f.id)
	w.String(f.text)
}

func parseNote(r *wire.Reader) (Fact, error) {
	id, err := r.UUID()
	if err != nil {
		return nil, err
	}
	text, err := r.String()
	if err != nil {
		return nil, err
	}
	return &noteFact{id: id, text: text}, nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Register("abc", parseNote), ErrInvalidTag)
	assert.ErrorIs(t, r.Register("toolong", parseNote), ErrInvalidTag)
	require.NoError(t, r.Register("Note", parseNote))

	_, err := r.Parse(MarshalFact(sampleFacts()[0]))
	assert.ErrorIs(t, err, ErrUnknownFactType)

	// re-registering replaces the parser
	called := false
	require.NoError(t, r.Register("Note", func(reader *wire.Reader) (Fact, error) {
		called = true
		return parseNote(reader)
	}))
	_, err = r.Parse(MarshalFact(&noteFact{id: uuid.New(), text: "x"}))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestFactListPreservesOrder(t *testing.T) {
	registry := NewDefaultRegistry()
	require.NoError(t, registry.Register("Note", parseNote))

	facts := []Fact{
		&noteFact{id: uuid.New(), text: "first"},
		sampleFacts()[0],
		&noteFact{id: uuid.New(), text: "third"},
	}
	list := NewFactList(registry, zap.NewNop(), facts...)

	parsed, err := ReadFactList(wire.NewReader(list.Bytes()), registry, zap.NewNop())
	require.NoError(t, err)
	got := parsed.Facts()
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].(*noteFact).text)
	assert.IsType(t, &ServiceInstanceFact{}, got[1])
	assert.Equal(t, "third", got[2].(*noteFact).text)
	assert.Equal(t, list.Bytes(), parsed.Bytes())
}

func TestFactListSkipsUnknownAndBroken(t *testing.T) {
	withNotes := NewDefaultRegistry()
	require.NoError(t, withNotes.Register("Note", parseNote))

	list := NewFactList(withNotes, nil,
		&noteFact{id: uuid.New(), text: "unknown to the reader"},
		sampleFacts()[2],
	)
	w := &wire.Writer{}
	list.Write(w)
	// append a third, truncated permission fact
	data := w.Bytes()
	data[0] = 3
	broken := MarshalFact(sampleFacts()[2])
	tail := &wire.Writer{}
	tail.Counted(broken[:10])
	data = append(data, tail.Bytes()...)

	parsed, err := ReadFactList(wire.NewReader(data), NewDefaultRegistry(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, parsed.Len())

	facts := parsed.Facts()
	require.Len(t, facts, 1)
	assert.IsType(t, &ResourcePermissionFact{}, facts[0])

	// raw bytes survive even for entries that cannot be parsed
	assert.Equal(t, data, parsed.Bytes())
}

func TestFactKeywords(t *testing.T) {
	facts := sampleFacts()
	si := facts[0].(*ServiceInstanceFact)
	assert.Equal(t, si.ServiceInstance.SearchString(), UniqueKeyword(si))
	assert.True(t, HasKeyword(si, si.ServiceInstance.ServiceID.SearchString()))

	perm := facts[2].(*ResourcePermissionFact)
	assert.Equal(t, PermissionKeyword(perm.ResourceID, perm.Grantee), UniqueKeyword(perm))
	assert.True(t, HasKeyword(perm, PermissionWildcardKeyword(perm.ResourceID)))
	assert.Contains(t, PermissionWildcardKeyword(perm.ResourceID), ":*")

	res := facts[1].(*ResourceInstanceFact)
	assert.True(t, HasKeyword(res, ResourceNameKeyword("elevation.tif")))
}
