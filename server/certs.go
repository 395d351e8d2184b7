package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// LoadCertificate reads a PEM certificate chain and private key. password
// decrypts a legacy encrypted PEM key and is ignored for plain keys.
func LoadCertificate(certFile, keyFile string, password []byte) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	if len(password) > 0 {
		keyPEM, err = decryptKey(keyPEM, password)
		if err != nil {
			return nil, err
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &cert, nil
}

func decryptKey(keyPEM, password []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		return keyPEM, nil
	}
	der, err := x509.DecryptPEMBlock(block, password) //nolint:staticcheck
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// CertReloader serves the current certificate to TLS handshakes and swaps
// it when the files on disk change. A failed reload keeps the previous
// certificate.
type CertReloader struct {
	certFile string
	keyFile  string
	password []byte
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewCertReloader(certFile, keyFile string, password []byte, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		password: password,
		logger:   logger,
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CertReloader) Reload() error {
	cert, err := LoadCertificate(c.certFile, c.keyFile, c.password)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cert = cert
	c.mu.Unlock()
	return nil
}

func (c *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert, nil
}

// Watch starts reloading on changes to either file. It watches the
// containing directories so atomic renames (as done by secret mounts and
// most deploy tools) are seen too.
func (c *CertReloader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]bool{
		filepath.Dir(c.certFile): true,
		filepath.Dir(c.keyFile):  true,
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	c.watcher = w
	c.done = make(chan struct{})
	go c.loop()
	return nil
}

func (c *CertReloader) loop() {
	defer close(c.done)

	watched := map[string]bool{
		filepath.Clean(c.certFile): true,
		filepath.Clean(c.keyFile):  true,
	}
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(ev.Name)] || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				// Cert and key are often replaced one after the other; the
				// second event will retry.
				c.logger.Warn("certificate reload failed", "file", ev.Name, "error", err)
				continue
			}
			c.logger.Info("certificate reloaded", "file", ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

// Close stops watching. It is safe to call without Watch.
func (c *CertReloader) Close() error {
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	<-c.done
	return err
}
