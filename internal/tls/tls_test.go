package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	standardtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mx.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mx.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mx.example.com")
	}
	for _, want := range []string{"mx.example.com", "localhost"} {
		if !slices.Contains(leaf.DNSNames, want) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, want)
		}
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < selfSignedValidity || validDuration > selfSignedValidity+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, selfSignedValidity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}
}

func TestGenerateSelfSignedCert_DefaultHostname(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", cert.Leaf.Subject.CommonName, "localhost")
	}
	if len(cert.Leaf.DNSNames) != 1 {
		t.Errorf("DNS SANs: got %v, want [localhost]", cert.Leaf.DNSNames)
	}
}

func TestGenerateSelfSignedCert_IPHostname(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cert.Leaf.IPAddresses) != 2 {
		t.Errorf("IP SANs: got %v, want 10.0.0.5 and 127.0.0.1", cert.Leaf.IPAddresses)
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := ServerConfig("", "", "mx.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir)

	tlsConfig, err := ServerConfig(certFile, keyFile, "ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "files.example.com" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "files.example.com")
	}
}

func TestServerConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestServerConfig_HalfConfigured(t *testing.T) {
	t.Parallel()

	if _, err := ServerConfig("cert.pem", "", ""); err == nil {
		t.Error("expected error when key_file is missing, got nil")
	}
	if _, err := ServerConfig("", "key.pem", ""); err == nil {
		t.Error("expected error when cert_file is missing, got nil")
	}
}

func TestClientConfig(t *testing.T) {
	t.Parallel()

	cfg := ClientConfig("imap.example.com:993", false)
	if cfg.ServerName != "imap.example.com" {
		t.Errorf("ServerName: got %q, want %q", cfg.ServerName, "imap.example.com")
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false")
	}

	cfg = ClientConfig("relay.example.com", true)
	if cfg.ServerName != "relay.example.com" {
		t.Errorf("ServerName: got %q, want %q", cfg.ServerName, "relay.example.com")
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
}

func writeKeyPair(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "files.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
