// Package auth secures the overlay gRPC transport with mutual TLS. Every node
// holds an x509 certificate, signed by a shared transport CA, that names its
// overlay node UUID.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrCANotInitialized   = errors.New("CA not initialized")
)

// Identity is the authenticated peer behind a TLS connection.
type Identity struct {
	NodeID       uuid.UUID
	Name         string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	Addresses    []string
}

// Config selects the files used for transport TLS.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CAFile       string   `mapstructure:"ca_file"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	AllowedNodes []string `mapstructure:"allowed_nodes"`
	MinVersion   string   `mapstructure:"min_version"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("tls.ca_file is required when TLS is enabled")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls.cert_file and tls.key_file are required when TLS is enabled")
	}
	if _, err := c.allowedNodes(); err != nil {
		return err
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported tls.min_version %q", c.MinVersion)
	}
	return nil
}

func (c Config) allowedNodes() (map[uuid.UUID]bool, error) {
	if len(c.AllowedNodes) == 0 {
		return nil, nil
	}
	allowed := make(map[uuid.UUID]bool, len(c.AllowedNodes))
	for _, s := range c.AllowedNodes {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid tls.allowed_nodes entry %q: %w", s, err)
		}
		allowed[id] = true
	}
	return allowed, nil
}
