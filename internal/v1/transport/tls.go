package transport

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// CertStore serves the TLS configuration used for in-band upgrades. The
// certificate directory holds privkey.pem, cert.pem and chain.pem (a combined
// fullchain.pem is also accepted); the store reloads when any file's mtime
// changes, so certbot renewals are picked up without a restart.
type CertStore struct {
	dir string

	mu           sync.Mutex
	cfg          *tls.Config
	lastModified time.Time
	failures     int
}

// NewCertStore loads the certificate material under dir. A load failure is
// not fatal: the server runs without TLS and the startup log says so.
func NewCertStore(dir string) *CertStore {
	s := &CertStore{dir: dir}
	if err := s.load(); err != nil {
		logging.Warn(context.Background(), "TLS certificates not available, connections stay plaintext",
			zap.String("path", dir), zap.Error(err))
	} else {
		logging.Info(context.Background(), "TLS support enabled", zap.String("path", dir))
	}
	return s
}

func (s *CertStore) certFiles() (key, cert, chain string) {
	key = filepath.Join(s.dir, "privkey.pem")
	cert = filepath.Join(s.dir, "cert.pem")
	chain = filepath.Join(s.dir, "chain.pem")
	if _, err := os.Stat(chain); err != nil {
		if full := filepath.Join(s.dir, "fullchain.pem"); fileExists(full) {
			cert = full
			chain = ""
		}
	}
	return key, cert, chain
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *CertStore) load() error {
	key, cert, chain := s.certFiles()

	certPEM, err := os.ReadFile(cert)
	if err != nil {
		return err
	}
	if chain != "" {
		chainPEM, err := os.ReadFile(chain)
		if err != nil {
			return err
		}
		certPEM = append(certPEM, '\n')
		certPEM = append(certPEM, chainPEM...)
	}
	keyPEM, err := os.ReadFile(key)
	if err != nil {
		return err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}

	s.cfg = &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	s.lastModified = s.newestModTime()
	s.failures = 0
	return nil
}

func (s *CertStore) newestModTime() time.Time {
	var newest time.Time
	key, cert, chain := s.certFiles()
	for _, path := range []string{key, cert, chain} {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// Enabled reports whether a usable certificate is loaded.
func (s *CertStore) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg != nil
}

// Config returns the TLS configuration to upgrade with, reloading first when
// the certificate files changed on disk. Reload failures keep the previous
// configuration; after too many consecutive failures the store stops
// checking.
func (s *CertStore) Config() *tls.Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures < types.TLSCertRotationMaxRetries {
		if newest := s.newestModTime(); !newest.IsZero() && !newest.Equal(s.lastModified) {
			if err := s.load(); err != nil {
				s.failures++
				logging.Warn(context.Background(), "TLS certificate reload failed",
					zap.String("path", s.dir), zap.Int("failures", s.failures), zap.Error(err))
			} else {
				logging.Info(context.Background(), "TLS certificates reloaded", zap.String("path", s.dir))
			}
		}
	}
	return s.cfg
}
