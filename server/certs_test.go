package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a fresh localhost certificate and key into dir.
// A non-empty password encrypts the key PEM.
func writeSelfSigned(t *testing.T, dir string, serial int64, password []byte) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	keyBlock := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}
	if len(password) > 0 {
		keyBlock, err = x509.EncryptPEMBlock(rand.Reader, keyBlock.Type, keyDER, password, x509.PEMCipherAES256) //nolint:staticcheck
		if err != nil {
			t.Fatalf("encrypt key: %v", err)
		}
	}

	certFile = filepath.Join(dir, "tls.crt")
	keyFile = filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func TestLoadCertificate(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir(), 1, nil)

	cert, err := LoadCertificate(certFile, keyFile, nil)
	if err != nil {
		t.Fatalf("LoadCertificate: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected one certificate in chain, got %d", len(cert.Certificate))
	}
}

func TestLoadCertificateEncryptedKey(t *testing.T) {
	password := []byte("hunter2")
	certFile, keyFile := writeSelfSigned(t, t.TempDir(), 1, password)

	if _, err := LoadCertificate(certFile, keyFile, password); err != nil {
		t.Fatalf("LoadCertificate with password: %v", err)
	}
	if _, err := LoadCertificate(certFile, keyFile, []byte("wrong")); err == nil {
		t.Fatalf("expected wrong password to fail")
	}
	if _, err := LoadCertificate(certFile, keyFile, nil); err == nil {
		t.Fatalf("expected encrypted key without password to fail")
	}
}

func TestLoadCertificateMissingFile(t *testing.T) {
	if _, err := LoadCertificate("/nonexistent/tls.crt", "/nonexistent/tls.key", nil); err == nil {
		t.Fatalf("expected missing files to fail")
	}
}

func TestCertReloaderPicksUpNewCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir, 1, nil)

	reloader, err := NewCertReloader(certFile, keyFile, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	defer reloader.Close()
	if err := reloader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	first, _ := reloader.GetCertificate(&tls.ClientHelloInfo{})
	writeSelfSigned(t, dir, 2, nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		current, _ := reloader.GetCertificate(&tls.ClientHelloInfo{})
		if !bytes.Equal(current.Certificate[0], first.Certificate[0]) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("certificate was not reloaded after the files changed")
}

func TestCertReloaderCloseWithoutWatch(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t, t.TempDir(), 1, nil)
	reloader, err := NewCertReloader(certFile, keyFile, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewCertReloader: %v", err)
	}
	if err := reloader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
