package cert

import (
	"errors"

	"certmesh/pkg/wire"
)

var (
	ErrInvalidAuthority = errors.New("invalid certificate authority")
	ErrUnknownFactType  = errors.New("unknown fact type")
	ErrInvalidTag       = errors.New("fact tag must be exactly 4 bytes")

	// ErrMalformedMessage is returned for a wrong tag or a truncated message.
	ErrMalformedMessage = wire.ErrMalformedMessage
)
