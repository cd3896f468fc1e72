package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// TLSConfigBuilder builds the server and client sides of transport TLS.
type TLSConfigBuilder struct {
	config  Config
	allowed map[uuid.UUID]bool
}

func NewTLSConfigBuilder(config Config) (*TLSConfigBuilder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	allowed, err := config.allowedNodes()
	if err != nil {
		return nil, err
	}
	return &TLSConfigBuilder{config: config, allowed: allowed}, nil
}

// BuildServerConfig requires and verifies client certificates.
func (b *TLSConfigBuilder) BuildServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.config.CertFile, b.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	pool, err := loadCAPool(b.config.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientCAs:             pool,
		ClientAuth:            tls.RequireAndVerifyClientCert,
		MinVersion:            b.tlsVersion(),
		VerifyPeerCertificate: b.verifyPeerCertificate,
	}, nil
}

// BuildClientConfig presents the node certificate and verifies the server
// against the CA. Server names are not checked since peers are addressed by
// node id; the peer's node id is checked instead.
func (b *TLSConfigBuilder) BuildClientConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.config.CertFile, b.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}
	pool, err := loadCAPool(b.config.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   b.tlsVersion(),
		// Chain verification happens in verifyChain against pool.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if err := verifyChain(rawCerts, pool); err != nil {
				return err
			}
			return b.verifyPeerCertificate(rawCerts, nil)
		},
	}, nil
}

// verifyPeerCertificate checks the peer names a node id and, when an allow
// list is configured, that the node is on it.
func (b *TLSConfigBuilder) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no peer certificate", ErrUnauthorized)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse peer certificate: %w", err)
	}
	identity, err := IdentityFromCert(cert)
	if err != nil {
		return err
	}
	if b.allowed != nil && !b.allowed[identity.NodeID] {
		return fmt.Errorf("%w: node %s is not allowed", ErrUnauthorized, identity.NodeID)
	}
	return nil
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no peer certificate", ErrUnauthorized)
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse peer certificate: %w", err)
		}
		certs = append(certs, c)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: failed to parse CA certificate", ErrInvalidCertificate)
	}
	return pool, nil
}

func (b *TLSConfigBuilder) tlsVersion() uint16 {
	if b.config.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
