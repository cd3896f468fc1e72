package overlay

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy controls how RetryTransport retries failed sends.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultRetryPolicy retries twice with exponential backoff starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.2,
}

// RetryTransport wraps a Transport and retries sends that fail with a
// transient error.
type RetryTransport struct {
	Transport
	policy RetryPolicy
	logger *zap.Logger
}

func NewRetryTransport(inner Transport, policy RetryPolicy, logger *zap.Logger) *RetryTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryTransport{Transport: inner, policy: policy, logger: logger}
}

// AddPeer forwards to the wrapped transport when it learns peers.
func (t *RetryTransport) AddPeer(id uuid.UUID, address string) {
	if learner, ok := t.Transport.(peerLearner); ok {
		learner.AddPeer(id, address)
	}
}

func (t *RetryTransport) Send(ctx context.Context, to uuid.UUID, frame []byte) error {
	var lastErr error
	for attempt := 0; attempt < t.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := t.Transport.Send(ctx, to, frame)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		t.logger.Debug("Send failed, retrying",
			zap.Stringer("peer", to),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt == t.policy.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(t.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoff is BaseDelay * 2^attempt capped at MaxDelay, with jitter.
func (t *RetryTransport) backoff(attempt int) time.Duration {
	delay := float64(t.policy.BaseDelay) * math.Pow(2, float64(attempt))
	if t.policy.MaxDelay > 0 && delay > float64(t.policy.MaxDelay) {
		delay = float64(t.policy.MaxDelay)
	}

	delay += delay * t.policy.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(t.policy.BaseDelay)
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrStopped) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return true
	default:
		return false
	}
}
