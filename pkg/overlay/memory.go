package overlay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryNetwork connects MemoryTransports inside one process. Links are
// explicit, so tests can build topologies where some nodes are only
// reachable through a relay.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*MemoryTransport
	links     map[uuid.UUID]map[uuid.UUID]bool
	delivered atomic.Int64
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[uuid.UUID]*MemoryTransport),
		links:     make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// Endpoint returns the transport for node id, creating it on first use.
func (mn *MemoryNetwork) Endpoint(id uuid.UUID) *MemoryTransport {
	mn.mu.Lock()
	defer mn.mu.Unlock()

	if t, ok := mn.endpoints[id]; ok {
		return t
	}
	t := &MemoryTransport{id: id, network: mn}
	mn.endpoints[id] = t
	mn.links[id] = make(map[uuid.UUID]bool)
	return t
}

// Link connects a and b in both directions.
func (mn *MemoryNetwork) Link(a, b uuid.UUID) {
	mn.Endpoint(a)
	mn.Endpoint(b)

	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.links[a][b] = true
	mn.links[b][a] = true
}

// Unlink removes the link between a and b.
func (mn *MemoryNetwork) Unlink(a, b uuid.UUID) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	delete(mn.links[a], b)
	delete(mn.links[b], a)
}

// Delivered returns the number of frames handed to a receiver so far.
func (mn *MemoryNetwork) Delivered() int64 {
	return mn.delivered.Load()
}

func (mn *MemoryNetwork) linked(a, b uuid.UUID) bool {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	return mn.links[a][b]
}

func (mn *MemoryNetwork) peers(id uuid.UUID) []uuid.UUID {
	mn.mu.RLock()
	defer mn.mu.RUnlock()

	peers := make([]uuid.UUID, 0, len(mn.links[id]))
	for peer := range mn.links[id] {
		peers = append(peers, peer)
	}
	return peers
}

func (mn *MemoryNetwork) endpoint(id uuid.UUID) *MemoryTransport {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	return mn.endpoints[id]
}

// MemoryTransport is one node's attachment to a MemoryNetwork.
type MemoryTransport struct {
	id      uuid.UUID
	network *MemoryNetwork

	mu      sync.RWMutex
	receive func(ctx context.Context, frame []byte)
	closed  bool
}

func (t *MemoryTransport) Start(receive func(ctx context.Context, frame []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receive = receive
	t.closed = false
	return nil
}

func (t *MemoryTransport) receiver() func(ctx context.Context, frame []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil
	}
	return t.receive
}

// Send hands frame to the receiver of to on a new goroutine.
func (t *MemoryTransport) Send(ctx context.Context, to uuid.UUID, frame []byte) error {
	if t.receiver() == nil {
		return ErrStopped
	}
	if !t.network.linked(t.id, to) {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	target := t.network.endpoint(to)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	receive := target.receiver()
	if receive == nil {
		return fmt.Errorf("%w: %s is not running", ErrNotConnected, to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data := append([]byte(nil), frame...)
	t.network.delivered.Add(1)
	go receive(context.Background(), data)
	return nil
}

func (t *MemoryTransport) Connected(to uuid.UUID) bool {
	return t.network.linked(t.id, to)
}

func (t *MemoryTransport) Peers() []uuid.UUID {
	return t.network.peers(t.id)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
