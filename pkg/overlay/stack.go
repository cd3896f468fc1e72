// Package overlay is the network stack used by the certificate subsystem:
// tagged message delivery, keyword queries flooded through the overlay,
// relaying to nodes without a direct link, and node/service lookup.
package overlay

import (
	"context"
	"errors"

	"certmesh/pkg/cert"
	"certmesh/pkg/types"

	"github.com/google/uuid"
)

var (
	ErrNetworkTimeout = errors.New("network timeout")
	ErrNotConnected   = errors.New("not connected")
	ErrUnknownNode    = errors.New("unknown node")
	ErrStopped        = errors.New("node stopped")
)

type peerKey struct{}

// ContextWithPeer returns a context carrying the node id the transport
// authenticated as the sender of a frame.
func ContextWithPeer(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, peerKey{}, id)
}

// PeerFromContext returns the authenticated sender, if the transport knows it.
func PeerFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(peerKey{}).(uuid.UUID)
	return id, ok
}

// DefaultQueryHops is how far a query or relay travels from its origin.
const DefaultQueryHops = 4

// Message is an application message delivered to a Handler.
type Message struct {
	From    types.NodeInfo
	Tag     string
	Data    []byte
	Relayed bool
}

// Handler processes an inbound message. Handlers run on their own goroutine.
type Handler func(ctx context.Context, msg Message)

// Query is a keyword search travelling through the overlay.
type Query struct {
	ID       uuid.UUID
	Origin   types.NodeInfo
	Keyword  string
	HopsLeft int32
}

// QueryResult is one answer to a Query.
type QueryResult struct {
	QueryID   uuid.UUID
	Responder types.NodeInfo
	ExtraInfo []byte
}

// QueryResponder returns the answers a node has for q, or nothing.
type QueryResponder func(q Query) [][]byte

// Stack is what the certificate subsystem needs from the network.
type Stack interface {
	LocalNode() types.NodeInfo
	Signer() cert.Signer

	RegisterHandler(tag string, h Handler) (unregister func())
	RegisterQueryResponder(r QueryResponder) (unregister func())

	IsConnected(node types.NodeID) bool
	SendDirect(ctx context.Context, to types.NodeInfo, msg []byte) error
	SendRelayed(ctx context.Context, to types.NodeInfo, msg []byte) error
	// Send uses a direct link when there is one and relays otherwise.
	Send(ctx context.Context, to types.NodeInfo, msg []byte) error

	// Query floods keyword through the overlay. Results carrying id are passed
	// to onResult until cancel is called.
	Query(keyword string, id uuid.UUID, onResult func(QueryResult)) (cancel func())

	FindNode(ctx context.Context, node types.NodeID) (types.NodeInfo, error)
	FindService(ctx context.Context, service types.ServiceID) (types.ServiceInstance, types.NodeInfo, error)
	PublishService(si types.ServiceInstance) (unpublish func())
}

// Transport moves opaque frames between nodes that share a link.
type Transport interface {
	Start(receive func(ctx context.Context, frame []byte)) error
	Send(ctx context.Context, to uuid.UUID, frame []byte) error
	Connected(to uuid.UUID) bool
	Peers() []uuid.UUID
	Close() error
}

// peerLearner is implemented by transports that can open links to nodes they
// hear about.
type peerLearner interface {
	AddPeer(id uuid.UUID, address string)
}
