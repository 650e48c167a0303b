package security

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	dir := t.TempDir()
	ca := newTestCA(t)

	cert, err := ca.IssuePeerCertificate("peer")
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}
	if err := SaveCertToFile(cert, dir, PeerName); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	loaded, err := LoadCertFromFile(dir, PeerName)
	if err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}
	if !loaded.Leaf.Equal(cert.Leaf) {
		t.Error("Loaded certificate differs")
	}

	if _, err := LoadCertFromFile(dir, BrokerName); err == nil {
		t.Error("Loading a missing key pair should fail")
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	ca := newTestCA(t)

	if err := SaveCACertToFile(ca.RootCert().Raw, dir); err != nil {
		t.Fatalf("Failed to save CA certificate: %v", err)
	}
	loaded, err := LoadCACertFromFile(dir)
	if err != nil {
		t.Fatalf("Failed to load CA certificate: %v", err)
	}
	if !loaded.Equal(ca.RootCert()) {
		t.Error("Loaded CA certificate differs")
	}
}

func TestGenerateBundle(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateBundle(dir, []string{"broker.example"}); err != nil {
		t.Fatalf("Failed to generate bundle: %v", err)
	}

	for _, name := range []string{BrokerName, PeerName} {
		if !CertExists(dir, name) {
			t.Errorf("%s key pair should exist", name)
		}
	}
	if CertExists(dir, "missing") {
		t.Error("Unknown key pair should not exist")
	}

	broker, err := LoadCertFromFile(dir, BrokerName)
	if err != nil {
		t.Fatalf("Failed to load broker certificate: %v", err)
	}
	for _, host := range []string{"localhost", "127.0.0.1", "broker.example"} {
		if err := broker.Leaf.VerifyHostname(host); err != nil {
			t.Errorf("Broker certificate should cover %s: %v", host, err)
		}
	}

	ca, err := LoadCertAuthority(dir)
	if err != nil {
		t.Fatalf("Failed to load CA: %v", err)
	}
	if err := ca.VerifyCertificate(broker.Leaf); err != nil {
		t.Errorf("Broker certificate should verify: %v", err)
	}
}

func TestTLSConfigs(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateBundle(dir, nil); err != nil {
		t.Fatalf("Failed to generate bundle: %v", err)
	}

	server, err := ServerTLSConfig(dir)
	if err != nil {
		t.Fatalf("Failed to build server config: %v", err)
	}
	if server.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("Server should require client certificates")
	}
	if len(server.Certificates) != 1 {
		t.Errorf("Expected one server certificate, got %d", len(server.Certificates))
	}

	client, err := ClientTLSConfig(dir)
	if err != nil {
		t.Fatalf("Failed to build client config: %v", err)
	}
	if client.RootCAs == nil {
		t.Error("Client should trust the CA")
	}

	if _, err := ServerTLSConfig(t.TempDir()); err == nil {
		t.Error("Server config from an empty directory should fail")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		cert     *x509.Certificate
		expected bool
	}{
		{name: "nil", cert: nil, expected: true},
		{name: "fresh", cert: &x509.Certificate{NotAfter: time.Now().Add(90 * 24 * time.Hour)}, expected: false},
		{name: "expiring", cert: &x509.Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}, expected: true},
		{name: "expired", cert: &x509.Certificate{NotAfter: time.Now().Add(-time.Hour)}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CertNeedsRotation(tt.cert); got != tt.expected {
				t.Errorf("CertNeedsRotation() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestValidateCertChain(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.IssuePeerCertificate("peer")
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if err := ValidateCertChain(cert.Leaf, ca.RootCert()); err != nil {
		t.Errorf("Valid chain rejected: %v", err)
	}
	if err := ValidateCertChain(nil, ca.RootCert()); err == nil {
		t.Error("Nil certificate should fail")
	}
	if err := ValidateCertChain(cert.Leaf, nil); err == nil {
		t.Error("Nil CA should fail")
	}
}

func TestGetCertInfo(t *testing.T) {
	ca := newTestCA(t)
	cert, err := ca.IssueBrokerCertificate([]string{"127.0.0.1", "localhost"})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	info := GetCertInfo(cert.Leaf)
	if info.Subject != BrokerName || info.Issuer != "Attune Root CA" {
		t.Errorf("Unexpected subject/issuer: %s/%s", info.Subject, info.Issuer)
	}
	if info.IsCA || info.Rotate {
		t.Error("Fresh broker certificate is neither a CA nor due for rotation")
	}
	if len(info.IPAddresses) != 1 || info.IPAddresses[0] != "127.0.0.1" {
		t.Errorf("Unexpected IPs: %v", info.IPAddresses)
	}
	if len(info.ExtKeyUsage) != 2 {
		t.Errorf("Unexpected ext key usage: %v", info.ExtKeyUsage)
	}
}

func TestInspectBundle(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, dir string)
		want    []string
		wantErr bool
	}{
		{
			name: "broker host",
			want: []string{"ca", BrokerName, PeerName},
		},
		{
			name: "peer host without CA key",
			prepare: func(t *testing.T, dir string) {
				for _, f := range []string{CAKeyFile, BrokerName + ".crt", BrokerName + ".key"} {
					if err := os.Remove(filepath.Join(dir, f)); err != nil {
						t.Fatalf("Failed to remove %s: %v", f, err)
					}
				}
			},
			want: []string{"ca", PeerName},
		},
		{
			name: "CA key from another authority",
			prepare: func(t *testing.T, dir string) {
				other := t.TempDir()
				if err := newTestCA(t).Save(other); err != nil {
					t.Fatalf("Failed to save CA: %v", err)
				}
				key, err := os.ReadFile(filepath.Join(other, CAKeyFile))
				if err != nil {
					t.Fatalf("Failed to read CA key: %v", err)
				}
				if err := os.WriteFile(filepath.Join(dir, CAKeyFile), key, 0600); err != nil {
					t.Fatalf("Failed to write CA key: %v", err)
				}
			},
			wantErr: true,
		},
		{
			name: "peer signed by another authority",
			prepare: func(t *testing.T, dir string) {
				cert, err := newTestCA(t).IssuePeerCertificate(PeerName)
				if err != nil {
					t.Fatalf("Failed to issue certificate: %v", err)
				}
				if err := SaveCertToFile(cert, dir, PeerName); err != nil {
					t.Fatalf("Failed to save certificate: %v", err)
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := GenerateBundle(dir, nil); err != nil {
				t.Fatalf("Failed to generate bundle: %v", err)
			}
			if tt.prepare != nil {
				tt.prepare(t, dir)
			}

			infos, err := InspectBundle(dir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to inspect bundle: %v", err)
			}
			if len(infos) != len(tt.want) {
				t.Errorf("Expected %d entries, got %d", len(tt.want), len(infos))
			}
			for _, name := range tt.want {
				if _, ok := infos[name]; !ok {
					t.Errorf("Missing entry %s", name)
				}
			}
			if !infos["ca"].IsCA {
				t.Error("CA entry should be a CA")
			}
		})
	}
}
