// Package discovery locates certificates on the overlay and asks certificate
// authorities to issue new ones.
package discovery

import (
	"errors"
	"time"

	"certmesh/pkg/overlay"

	"go.opentelemetry.io/otel"
)

const (
	DefaultFindTimeout    = 15 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

var (
	ErrNetworkTimeout   = overlay.ErrNetworkTimeout
	ErrPermissionDenied = errors.New("permission denied")
	ErrClosed           = errors.New("closed")
)

var tracer = otel.Tracer("certmesh/discovery")
