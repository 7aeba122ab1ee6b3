package wt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// DefaultCommonName names the certificate when no hostname is configured.
const DefaultCommonName = "ghost-relay"

// Certificate is the relay's self-signed WebTransport identity. Browsers pin
// it through serverCertificateHashes, so Hash must be published to clients.
type Certificate struct {
	Hostname string
	NotAfter time.Time

	hash   [sha256.Size]byte
	config *tls.Config
}

// NewCertificate issues a P-256 certificate for hostname (DefaultCommonName
// when empty) that expires after ttl. localhost is always a valid name.
func NewCertificate(hostname string, ttl time.Duration) (*Certificate, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("certificate ttl must be positive, got %v", ttl)
	}
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname = DefaultCommonName
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate certificate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	issued := time.Now().Add(-time.Hour)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname, Organization: []string{"ghost relay"}},
		NotBefore:             issued,
		NotAfter:              issued.Add(time.Hour + ttl),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              dnsNames(hostname),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &Certificate{
		Hostname: hostname,
		NotAfter: leaf.NotAfter,
		hash:     sha256.Sum256(der),
		config:   &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{der},
				PrivateKey:  key,
				Leaf:        leaf,
			}},
		},
	}, nil
}

func dnsNames(hostname string) []string {
	if hostname == "localhost" || hostname == DefaultCommonName {
		return []string{"localhost"}
	}
	return []string{"localhost", hostname}
}

// Hash is the SHA-256 of the DER certificate.
func (c *Certificate) Hash() []byte {
	out := make([]byte, len(c.hash))
	copy(out, c.hash[:])
	return out
}

// Fingerprint is Hash in lowercase hex.
func (c *Certificate) Fingerprint() string {
	return hex.EncodeToString(c.hash[:])
}

// Leaf returns the parsed certificate.
func (c *Certificate) Leaf() *x509.Certificate {
	return c.config.Certificates[0].Leaf
}

// TLSConfig returns a copy of the server TLS configuration.
func (c *Certificate) TLSConfig() *tls.Config {
	return c.config.Clone()
}
