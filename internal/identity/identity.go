// Package identity provides the TLS identity the relay endpoint presents:
// either a short-lived self-signed certificate generated at startup or a
// PEM key pair loaded from disk.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/cory-johannsen/relay/internal/config"
)

// MaxPinnedValidity is the longest lifetime a browser accepts for a
// certificate pinned by hash instead of chained to a trusted root.
const MaxPinnedValidity = 14 * 24 * time.Hour

// Identity is a server certificate with its private key.
type Identity struct {
	cert tls.Certificate
	hash [sha256.Size]byte
}

// FromConfig loads the configured key pair, or generates a self-signed
// certificate when no files are configured.
//
// Precondition: cfg must be validated.
func FromConfig(cfg config.IdentityConfig) (*Identity, error) {
	if cfg.CertFile != "" {
		return Load(cfg.CertFile, cfg.KeyFile)
	}
	return Generate(cfg.Hosts, cfg.Validity)
}

// Generate creates a self-signed ECDSA P-256 certificate for hosts, valid
// from now for validity. Entries that parse as IP addresses become IP SANs.
//
// Precondition: hosts must be non-empty; validity must be positive.
// Postcondition: Returns an Identity whose leaf is populated.
func Generate(hosts []string, validity time.Duration) (*Identity, error) {
	if len(hosts) == 0 {
		return nil, errors.New("identity: no hosts")
	}
	if validity <= 0 {
		return nil, fmt.Errorf("identity: validity must be positive, got %s", validity)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0]},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated certificate: %w", err)
	}

	return newIdentity(tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}), nil
}

// Load reads a PEM certificate chain and private key.
//
// Postcondition: Returns an Identity whose leaf is populated, or a non-nil error.
func Load(certFile, keyFile string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return newIdentity(cert), nil
}

func newIdentity(cert tls.Certificate) *Identity {
	return &Identity{
		cert: cert,
		hash: sha256.Sum256(cert.Certificate[0]),
	}
}

// TLSConfig returns a server configuration presenting the identity.
func (i *Identity) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{i.cert},
		MinVersion:   tls.VersionTLS13,
	}
}

// Certificate returns the leaf certificate.
func (i *Identity) Certificate() *x509.Certificate {
	return i.cert.Leaf
}

// Hash returns the SHA-256 digest of the leaf certificate's DER encoding.
func (i *Identity) Hash() [sha256.Size]byte {
	return i.hash
}

// HashHex returns Hash as lowercase hex.
func (i *Identity) HashHex() string {
	return hex.EncodeToString(i.hash[:])
}

// HashBase64 returns Hash in standard base64, the form browsers take in
// serverCertificateHashes.
func (i *Identity) HashBase64() string {
	return base64.StdEncoding.EncodeToString(i.hash[:])
}

// Pinnable reports whether a browser may pin the certificate by hash: it
// must use ECDSA and be valid for at most MaxPinnedValidity.
func (i *Identity) Pinnable() bool {
	leaf := i.cert.Leaf
	if leaf.PublicKeyAlgorithm != x509.ECDSA {
		return false
	}
	return leaf.NotAfter.Sub(leaf.NotBefore) <= MaxPinnedValidity
}
