package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type contextKey string

const identityContextKey contextKey = "identity"

// UnaryServerInterceptor rejects calls whose TLS peer does not carry a node
// identity and stores the identity in the call context.
func UnaryServerInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		identity, err := identityFromPeer(ctx)
		if err != nil {
			logger.Debug("Rejected unauthenticated call", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		return handler(context.WithValue(ctx, identityContextKey, identity), req)
	}
}

func identityFromPeer(ctx context.Context) (*Identity, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("no peer info in context")
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return nil, fmt.Errorf("no TLS info in context")
	}
	if len(tlsInfo.State.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no peer certificates")
	}
	return IdentityFromCert(tlsInfo.State.PeerCertificates[0])
}

// IdentityFromContext returns the peer identity stored by the interceptor.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

// NodeIDFromContext returns the node id of the authenticated peer. It suits
// overlay.WithPeerIdentity.
func NodeIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return identity.NodeID, true
}
