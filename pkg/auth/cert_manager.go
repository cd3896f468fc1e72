package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	caCertName = "ca.crt"
	caKeyName  = "ca.key"
)

// CertManager issues transport certificates from an Ed25519 CA kept in a
// directory as ca.crt and ca.key.
type CertManager struct {
	caPath string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager loads the CA in caPath if there is one.
func NewCertManager(caPath string) (*CertManager, error) {
	cm := &CertManager{caPath: caPath}

	if caPath != "" {
		if _, err := os.Stat(filepath.Join(caPath, caCertName)); err == nil {
			if err := cm.loadCA(); err != nil {
				return nil, fmt.Errorf("failed to load existing CA: %w", err)
			}
		}
	}
	return cm, nil
}

// CACertificate returns the loaded CA, or nil.
func (cm *CertManager) CACertificate() *x509.Certificate {
	return cm.caCert
}

// GenerateCA creates a new CA and saves it when the manager has a path.
func (cm *CertManager) GenerateCA(name string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"certmesh"},
			CommonName:   name + "-CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	cm.caCert = cert
	cm.caKey = priv

	if cm.caPath != "" {
		if err := os.MkdirAll(cm.caPath, 0700); err != nil {
			return fmt.Errorf("failed to create CA directory: %w", err)
		}
		if err := SaveCertificate(cert, priv, filepath.Join(cm.caPath, caCertName), filepath.Join(cm.caPath, caKeyName)); err != nil {
			return fmt.Errorf("failed to save CA: %w", err)
		}
	}
	return nil
}

// IssueNodeCertificate signs a certificate for an overlay node. The node UUID
// is carried as a urn:uuid URI SAN and the addresses as IP or DNS SANs.
func (cm *CertManager) IssueNodeCertificate(nodeID uuid.UUID, name string, addresses []string, validity time.Duration) (*x509.Certificate, ed25519.PrivateKey, error) {
	if cm.caCert == nil || cm.caKey == nil {
		return nil, nil, ErrCANotInitialized
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	if name == "" {
		name = nodeID.String()
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"certmesh"},
			CommonName:   name,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		URIs:        []*url.URL{{Scheme: "urn", Opaque: "uuid:" + nodeID.String()}},
	}

	for _, addr := range addresses {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, priv, nil
}

// VerifyCertificate checks that cert chains to the CA.
func (cm *CertManager) VerifyCertificate(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return ErrCANotInitialized
	}

	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// IdentityFromCert reads the node identity out of a transport certificate.
func IdentityFromCert(cert *x509.Certificate) (*Identity, error) {
	identity := &Identity{
		Name:         cert.Subject.CommonName,
		Issuer:       cert.Issuer.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}

	for _, u := range cert.URIs {
		rest, ok := strings.CutPrefix(u.Opaque, "uuid:")
		if u.Scheme != "urn" || !ok {
			continue
		}
		id, err := uuid.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: bad node id: %v", ErrInvalidCertificate, err)
		}
		identity.NodeID = id
		break
	}
	if identity.NodeID == uuid.Nil {
		return nil, fmt.Errorf("%w: no node id in certificate %q", ErrInvalidCertificate, identity.Name)
	}

	for _, ip := range cert.IPAddresses {
		identity.Addresses = append(identity.Addresses, ip.String())
	}
	identity.Addresses = append(identity.Addresses, cert.DNSNames...)
	return identity, nil
}

// SaveCertificate writes cert and key as PEM. The key file is private.
func SaveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadCertificate reads a PEM certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM data in %s", ErrInvalidCertificate, path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// LoadPrivateKey reads a PEM PKCS#8 Ed25519 key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not Ed25519")
	}
	return edKey, nil
}

func (cm *CertManager) loadCA() error {
	cert, err := LoadCertificate(filepath.Join(cm.caPath, caCertName))
	if err != nil {
		return err
	}
	key, err := LoadPrivateKey(filepath.Join(cm.caPath, caKeyName))
	if err != nil {
		return err
	}
	cm.caCert = cert
	cm.caKey = key
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
