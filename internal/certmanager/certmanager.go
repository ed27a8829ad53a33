// Package certmanager generates and caches the root CA and per-host leaf
// certificates used to terminate TLS for intercepted connections.
package certmanager

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	caKeyBits      = 2048
	leafKeyBits    = 2048
	caValidity     = 10 * 365 * 24 * time.Hour
	leafValidity   = 370 * 24 * time.Hour // just over a year, per spec.md §3
	caFileName     = "ca.pem"
	caKeyFileName  = "ca-key.pem"
	certsDirName   = "certs"
	defaultMaxLeaf = 100
)

// Manager owns the CA key/cert and the bounded leaf-certificate cache. It is
// the exclusive owner of both, matching spec.md §3's ownership rule.
type Manager struct {
	fs  afero.Afero
	dir string
	log *slog.Logger

	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	cacheMu  sync.Mutex
	cache    map[string]leafEntry
	order    []string // insertion order, oldest first
	maxLeaf  int
}

// leafEntry is one entry of the leaf certificate cache.
type leafEntry struct {
	certPEM []byte
	keyPEM  []byte
	expiry  time.Time
}

// New constructs a Manager rooted at workspace/certs. It does not touch disk
// until Initialize is called.
func New(fs afero.Afero, workspace string, log *slog.Logger) *Manager {
	return &Manager{
		fs:      fs,
		dir:     filepath.Join(workspace, certsDirName),
		log:     log,
		cache:   make(map[string]leafEntry),
		maxLeaf: defaultMaxLeaf,
	}
}

// Initialize is idempotent: it ensures the cert directory exists with
// owner-only traversal, loads the CA if present and valid, otherwise
// generates a new one and writes both files with restrictive modes.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fs.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("CERT_DIR_CREATE_FAILED: creating cert directory: %w", err)
	}

	certPath := filepath.Join(m.dir, caFileName)
	keyPath := filepath.Join(m.dir, caKeyFileName)

	cert, key, err := m.loadCA(certPath, keyPath)
	if err == nil {
		m.log.Info("Reusing existing CA key pair")
		m.caCert, m.caKey = cert, key
		return nil
	}
	m.log.Info("Generating new root CA", "reason", err)

	cert, key, err = generateCA()
	if err != nil {
		return fmt.Errorf("CA_GENERATION_FAILED: %w", err)
	}
	certPEM, keyPEM, err := encodeKeyPair(cert, key)
	if err != nil {
		return fmt.Errorf("CA_GENERATION_FAILED: encoding CA: %w", err)
	}
	if err := m.fs.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("FILE_WRITE_FAILED: writing CA certificate: %w", err)
	}
	if err := m.fs.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("FILE_WRITE_FAILED: writing CA key: %w", err)
	}

	m.caCert, m.caKey = cert, key
	return nil
}

// loadCA reads and parses an existing CA cert/key pair, returning an error
// if either file is missing, unparseable, or expired.
func (m *Manager) loadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := m.fs.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := m.fs.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA key: %w", err)
	}

	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if time.Now().After(cert.NotAfter) {
		return nil, nil, errors.New("CA certificate expired")
	}
	key, err := parseRSAKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA key: %w", err)
	}
	return cert, key, nil
}

// CACertificate returns the PEM-encoded CA certificate.
func (m *Manager) CACertificate() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw})
}

// CAFingerprint returns the SHA-256 fingerprint of the CA's DER body.
func (m *Manager) CAFingerprint() [32]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sha256.Sum256(m.caCert.Raw)
}

// GetCertForDomain returns a PEM cert/key pair for host, minting one on
// cache miss. Concurrent misses for the same host may mint duplicates; the
// cache deduplicates last-writer-wins, matching spec.md §4.A.
func (m *Manager) GetCertForDomain(host string) (certPEM, keyPEM []byte, err error) {
	if entry, ok := m.cacheGet(host); ok {
		return entry.certPEM, entry.keyPEM, nil
	}

	m.mu.Lock()
	caCert, caKey := m.caCert, m.caKey
	m.mu.Unlock()

	cert, key, err := generateLeaf(caCert, caKey, host)
	if err != nil {
		return nil, nil, fmt.Errorf("LEAF_GENERATION_FAILED: %w", err)
	}
	certPEM, keyPEM, err = encodeKeyPair(cert, key)
	if err != nil {
		return nil, nil, fmt.Errorf("LEAF_GENERATION_FAILED: encoding leaf: %w", err)
	}

	m.cachePut(host, leafEntry{certPEM: certPEM, keyPEM: keyPEM, expiry: cert.NotAfter})
	return certPEM, keyPEM, nil
}

// PreGenerate mints leaf certificates in parallel for a fixed allow-list of
// hosts, hiding first-request latency (spec.md §4.A rationale).
func (m *Manager) PreGenerate(hosts []string) {
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			if _, _, err := m.GetCertForDomain(host); err != nil {
				m.log.Warn("Pre-generating leaf certificate failed", "host", host, "error", err)
			}
		}(h)
	}
	wg.Wait()
}

func (m *Manager) cacheGet(host string) (leafEntry, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.cache[host]
	if !ok || time.Now().After(entry.expiry) {
		return leafEntry{}, false
	}
	return entry, true
}

func (m *Manager) cachePut(host string, entry leafEntry) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if _, exists := m.cache[host]; !exists {
		m.order = append(m.order, host)
	}
	m.cache[host] = entry

	for len(m.order) > m.maxLeaf {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.cache, oldest)
	}
}

// generateCA creates a new, unsigned-by-anyone-else root CA.
func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "claudish-proxy root CA", Organization: []string{"claudish-proxy"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(caValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	return cert, key, nil
}

// generateLeaf mints a leaf certificate for host, signed by caCert/caKey.
func generateLeaf(caCert *x509.Certificate, caKey *rsa.PrivateKey, host string) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serialBytes := make([]byte, 8)
	if _, err := rand.Read(serialBytes); err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}
	serial := new(big.Int).SetBytes(serialBytes)

	notBefore := time.Now().Add(-5 * time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	if serial.Sign() == 0 {
		serial = big.NewInt(1)
	}
	return serial, nil
}

func encodeKeyPair(cert *x509.Certificate, key *rsa.PrivateKey) (certPEM, keyPEM []byte, err error) {
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func parseRSAKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an RSA private key")
	}
	return rsaKey, nil
}

// leafCacheSize reports the current number of cached entries, for tests.
func (m *Manager) leafCacheSize() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return len(m.cache)
}
