package overlay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// flakyTransport returns err from its first failures sends.
type flakyTransport struct {
	MemoryTransport
	failures int
	err      error
	calls    int
	learned  map[uuid.UUID]string
}

func (f *flakyTransport) Send(ctx context.Context, to uuid.UUID, frame []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyTransport) AddPeer(id uuid.UUID, address string) {
	if f.learned == nil {
		f.learned = make(map[uuid.UUID]string)
	}
	f.learned[id] = address
}

var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryTransportRecovers(t *testing.T) {
	inner := &flakyTransport{failures: 2, err: status.Error(codes.Unavailable, "connection refused")}
	rt := NewRetryTransport(inner, fastRetry, zaptest.NewLogger(t))

	require.NoError(t, rt.Send(context.Background(), uuid.New(), []byte("frame")))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryTransportGivesUp(t *testing.T) {
	inner := &flakyTransport{failures: 10, err: status.Error(codes.Unavailable, "connection refused")}
	rt := NewRetryTransport(inner, fastRetry, zaptest.NewLogger(t))

	err := rt.Send(context.Background(), uuid.New(), []byte("frame"))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryTransportPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not connected", err: ErrNotConnected},
		{name: "stopped", err: ErrStopped},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad frame")},
		{name: "permission denied", err: status.Error(codes.PermissionDenied, "untrusted peer")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyTransport{failures: 10, err: tt.err}
			rt := NewRetryTransport(inner, fastRetry, zaptest.NewLogger(t))

			err := rt.Send(context.Background(), uuid.New(), []byte("frame"))
			assert.True(t, errors.Is(err, tt.err) || status.Code(err) == status.Code(tt.err))
			assert.Equal(t, 1, inner.calls)
		})
	}
}

func TestRetryTransportCancelled(t *testing.T) {
	inner := &flakyTransport{failures: 10, err: errors.New("reset by peer")}
	rt := NewRetryTransport(inner, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := rt.Send(ctx, uuid.New(), []byte("frame"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryTransportForwardsPeers(t *testing.T) {
	inner := &flakyTransport{}
	rt := NewRetryTransport(inner, DefaultRetryPolicy, nil)

	id := uuid.New()
	rt.AddPeer(id, "127.0.0.1:7400")
	assert.Equal(t, "127.0.0.1:7400", inner.learned[id])
}
