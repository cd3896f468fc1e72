package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const deliverMethod = "/certmesh.overlay.Overlay/Deliver"

// deliveryServer is the server side of the overlay gRPC service.
type deliveryServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliveryServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliveryServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var overlayServiceDesc = grpc.ServiceDesc{
	ServiceName: "certmesh.overlay.Overlay",
	HandlerType: (*deliveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overlay.proto",
}

// GRPCTransport carries frames between processes as unary gRPC calls.
type GRPCTransport struct {
	listenAddr string
	logger     *zap.Logger
	dialOpts   []grpc.DialOption
	serverOpts []grpc.ServerOption
	identify   func(ctx context.Context) (uuid.UUID, bool)

	mu       sync.RWMutex
	peers    map[uuid.UUID]string
	conns    map[uuid.UUID]*grpc.ClientConn
	receive  func(ctx context.Context, frame []byte)
	server   *grpc.Server
	listener net.Listener
}

// GRPCOption configures a GRPCTransport.
type GRPCOption func(*GRPCTransport)

// WithDialOptions replaces the default insecure dial options, e.g. to add TLS.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(t *GRPCTransport) { t.dialOpts = opts }
}

func WithServerOptions(opts ...grpc.ServerOption) GRPCOption {
	return func(t *GRPCTransport) { t.serverOpts = opts }
}

// WithPeerIdentity makes the transport reject calls for which identify finds
// no sender, and tag accepted frames with the sender so the node can drop
// frames claiming another origin.
func WithPeerIdentity(identify func(ctx context.Context) (uuid.UUID, bool)) GRPCOption {
	return func(t *GRPCTransport) { t.identify = identify }
}

// NewGRPCTransport creates a transport listening on listenAddr.
func NewGRPCTransport(listenAddr string, logger *zap.Logger, opts ...GRPCOption) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &GRPCTransport{
		listenAddr: listenAddr,
		logger:     logger,
		dialOpts:   []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		peers:      make(map[uuid.UUID]string),
		conns:      make(map[uuid.UUID]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddPeer records the address of a node. A connection is opened lazily.
func (t *GRPCTransport) AddPeer(id uuid.UUID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.peers[id]; ok && old != address {
		if conn := t.conns[id]; conn != nil {
			conn.Close()
			delete(t.conns, id)
		}
	}
	t.peers[id] = address
}

// Addr returns the listening address once started.
func (t *GRPCTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *GRPCTransport) Start(receive func(ctx context.Context, frame []byte)) error {
	lis, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.listenAddr, err)
	}

	server := grpc.NewServer(t.serverOpts...)
	server.RegisterService(&overlayServiceDesc, t)

	t.mu.Lock()
	t.receive = receive
	t.server = server
	t.listener = lis
	t.mu.Unlock()

	go func() {
		t.logger.Info("Overlay transport listening", zap.String("address", lis.Addr().String()))
		if err := server.Serve(lis); err != nil {
			t.logger.Error("Overlay transport stopped", zap.Error(err))
		}
	}()
	return nil
}

// Deliver implements the gRPC service. Frames are processed asynchronously so
// the caller is released as soon as the frame is accepted.
func (t *GRPCTransport) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	t.mu.RLock()
	receive := t.receive
	t.mu.RUnlock()

	if receive == nil {
		return nil, ErrStopped
	}

	rctx := context.WithoutCancel(ctx)
	if t.identify != nil {
		id, ok := t.identify(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "sender identity unknown")
		}
		rctx = ContextWithPeer(rctx, id)
	}
	go receive(rctx, in.GetValue())
	return &emptypb.Empty{}, nil
}

func (t *GRPCTransport) conn(to uuid.UUID) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[to]
	address, known := t.peers[to]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, to)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[to]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(address, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	t.conns[to] = conn
	return conn, nil
}

func (t *GRPCTransport) Send(ctx context.Context, to uuid.UUID, frame []byte) error {
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(frame), &emptypb.Empty{}); err != nil {
		return fmt.Errorf("failed to deliver frame to %s: %w", to, err)
	}
	return nil
}

func (t *GRPCTransport) Connected(to uuid.UUID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[to]
	return ok
}

func (t *GRPCTransport) Peers() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]uuid.UUID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	return peers
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
	if t.server != nil {
		t.server.Stop()
		t.server = nil
	}
	t.receive = nil
	return nil
}
