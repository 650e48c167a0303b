package security

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// File layout of a certificate directory
const (
	CACertFile = "ca.crt"
	CAKeyFile  = "ca.key"

	// BrokerName and PeerName are the base names of the two key pairs.
	BrokerName = "broker"
	PeerName   = "peer"
)

// Rotate when less than 30 days remain
const certRotationThreshold = 30 * 24 * time.Hour

// GenerateBundle creates a CA in dir and issues the broker and peer key
// pairs from it. localhost and 127.0.0.1 are always valid broker hosts.
func GenerateBundle(dir string, hosts []string) error {
	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		return err
	}
	if err := ca.Save(dir); err != nil {
		return err
	}

	brokerCert, err := ca.IssueBrokerCertificate(append([]string{"localhost", "127.0.0.1"}, hosts...))
	if err != nil {
		return err
	}
	if err := SaveCertToFile(brokerCert, dir, BrokerName); err != nil {
		return err
	}

	peerCert, err := ca.IssuePeerCertificate(PeerName)
	if err != nil {
		return err
	}
	return SaveCertToFile(peerCert, dir, PeerName)
}

// ServerTLSConfig builds the broker's TLS config from dir. Peers must
// present a certificate signed by the same CA.
func ServerTLSConfig(dir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(dir, BrokerName)
	if err != nil {
		return nil, err
	}
	pool, err := caPool(dir)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds the TLS config used to dial the broker. The
// server name is taken from the dialed address.
func ClientTLSConfig(dir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(dir, PeerName)
	if err != nil {
		return nil, err
	}
	pool, err := caPool(dir)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func caPool(dir string) (*x509.CertPool, error) {
	ca, err := LoadCACertFromFile(dir)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return pool, nil
}

// SaveCertToFile writes name.crt and name.key to dir
func SaveCertToFile(cert *tls.Certificate, dir, name string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate[0],
	})
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not ECDSA")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// LoadCertFromFile loads name.crt and name.key from dir
func LoadCertFromFile(dir, name string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s certificate: %w", name, err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// InspectBundle describes the CA and every key pair present in dir, keyed
// ca, broker and peer. Each key pair must chain to the CA. On the broker
// host, where ca.key is present, the key must also match ca.crt.
func InspectBundle(dir string) (map[string]CertInfo, error) {
	var verify func(*x509.Certificate) error
	var root *x509.Certificate

	authority, err := LoadCertAuthority(dir)
	switch {
	case err == nil:
		if !authority.rootKey.PublicKey.Equal(authority.rootCert.PublicKey) {
			return nil, fmt.Errorf("%s does not match %s", CAKeyFile, CACertFile)
		}
		root = authority.RootCert()
		verify = authority.VerifyCertificate
	case errors.Is(err, fs.ErrNotExist):
		if root, err = LoadCACertFromFile(dir); err != nil {
			return nil, err
		}
		verify = func(cert *x509.Certificate) error { return ValidateCertChain(cert, root) }
	default:
		return nil, err
	}

	infos := map[string]CertInfo{"ca": GetCertInfo(root)}
	for _, name := range []string{BrokerName, PeerName} {
		if !CertExists(dir, name) {
			continue
		}
		cert, err := LoadCertFromFile(dir, name)
		if err != nil {
			return nil, err
		}
		if err := verify(cert.Leaf); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		infos[name] = GetCertInfo(cert.Leaf)
	}
	return infos, nil
}

// SaveCACertToFile saves the CA certificate to a file
func SaveCACertToFile(caCert []byte, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCert,
	})
	if err := os.WriteFile(filepath.Join(dir, CACertFile), caPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	return nil
}

// LoadCACertFromFile loads the CA certificate from a file
func LoadCACertFromFile(dir string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(filepath.Join(dir, CACertFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return caCert, nil
}

// CertExists checks whether dir holds the named key pair and the CA
// certificate.
func CertExists(dir, name string) bool {
	for _, f := range []string{name + ".crt", name + ".key", CACertFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation returns true if the certificate should be rotated
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that a certificate is signed by the CA
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	return nil
}

// CertInfo is a printable summary of a certificate
type CertInfo struct {
	Subject     string    `yaml:"subject"`
	Issuer      string    `yaml:"issuer"`
	NotAfter    time.Time `yaml:"not_after"`
	IsCA        bool      `yaml:"is_ca"`
	DNSNames    []string  `yaml:"dns_names,omitempty"`
	IPAddresses []string  `yaml:"ip_addresses,omitempty"`
	ExtKeyUsage []string  `yaml:"ext_key_usage,omitempty"`
	Rotate      bool      `yaml:"rotate"`
}

// GetCertInfo returns human-readable information about a certificate
func GetCertInfo(cert *x509.Certificate) CertInfo {
	info := CertInfo{
		Subject:     cert.Subject.CommonName,
		Issuer:      cert.Issuer.CommonName,
		NotAfter:    cert.NotAfter,
		IsCA:        cert.IsCA,
		DNSNames:    cert.DNSNames,
		ExtKeyUsage: describeExtKeyUsage(cert.ExtKeyUsage),
		Rotate:      CertNeedsRotation(cert),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

func describeExtKeyUsage(usages []x509.ExtKeyUsage) []string {
	var result []string
	for _, usage := range usages {
		switch usage {
		case x509.ExtKeyUsageClientAuth:
			result = append(result, "ClientAuth")
		case x509.ExtKeyUsageServerAuth:
			result = append(result, "ServerAuth")
		}
	}
	return result
}
