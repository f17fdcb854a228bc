// Package keys loads the proxy's RSA key material: the private key used to
// decrypt upstream secrets and sign magic tokens, and the certificate whose
// embedded public key is used to encrypt and verify them.
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// MinRSAKeyBits is the minimum accepted RSA modulus size. Keys narrower
// than this offer too thin a security margin for OAEP encryption and RS256
// signing to be trusted in production.
const MinRSAKeyBits = 2048

// Material holds the proxy's immutable key state, loaded once at startup.
type Material struct {
	// PrivateKey decrypts upstream secrets (RSA-OAEP) and signs magic
	// tokens (RS256).
	PrivateKey *rsa.PrivateKey

	// Certificate's public key encrypts upstream secrets and verifies
	// magic token signatures.
	Certificate *x509.Certificate

	// CertificatePEM is the raw PEM bytes of the certificate, retained for
	// diagnostics and for any JWKS-style export.
	CertificatePEM []byte
}

// PublicKey returns the RSA public key embedded in the certificate.
func (m *Material) PublicKey() (*rsa.PublicKey, error) {
	pub, ok := m.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keys: certificate public key is %T, not RSA", m.Certificate.PublicKey)
	}
	return pub, nil
}

// Config names the files a FileProvider loads from.
type Config struct {
	// KeyDir, if set, is joined with PrivateKeyFile and CertificateFile
	// when they are relative paths.
	KeyDir string

	// PrivateKeyFile is a PEM-encoded PKCS#1 or PKCS#8 RSA private key
	// (unencrypted).
	PrivateKeyFile string

	// CertificateFile is a PEM-encoded X.509 certificate whose public key
	// corresponds to PrivateKeyFile.
	CertificateFile string
}

func (c Config) resolve(file string) string {
	if c.KeyDir == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.KeyDir, file)
}

// FileProvider loads Material from PEM files on disk.
type FileProvider struct {
	material *Material
}

// NewFileProvider loads and validates the private key and certificate named
// by cfg. It fails fast if either file is unreadable or malformed, or if
// the private key does not correspond to the certificate's public key.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.PrivateKeyFile == "" {
		return nil, fmt.Errorf("keys: private key file is required")
	}
	if cfg.CertificateFile == "" {
		return nil, fmt.Errorf("keys: certificate file is required")
	}

	privateKey, err := loadPrivateKey(cfg.resolve(cfg.PrivateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("keys: failed to load private key: %w", err)
	}

	certPEM, cert, err := loadCertificate(cfg.resolve(cfg.CertificateFile))
	if err != nil {
		return nil, fmt.Errorf("keys: failed to load certificate: %w", err)
	}

	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keys: certificate public key is %T, not RSA", cert.PublicKey)
	}
	if certPub.N.Cmp(privateKey.N) != 0 || certPub.E != privateKey.E {
		return nil, fmt.Errorf("keys: private key does not correspond to certificate public key")
	}

	return &FileProvider{material: &Material{
		PrivateKey:     privateKey,
		Certificate:    cert,
		CertificatePEM: certPEM,
	}}, nil
}

// Material returns the loaded key material.
func (p *FileProvider) Material() *Material {
	return p.material
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return validateRSAKeySize(key)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", key)
	}
	return validateRSAKeySize(rsaKey)
}

func validateRSAKeySize(key *rsa.PrivateKey) (*rsa.PrivateKey, error) {
	if key.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits", key.N.BitLen(), MinRSAKeyBits)
	}
	return key, nil
}

func loadCertificate(path string) ([]byte, *x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return raw, cert, nil
}
