// Package ca manages the self-signed certificate authorities that anchor
// portal to backend mTLS: one infrastructure CA for the proxy and one CA per
// portal user.
package ca

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/portalca/internal/certutil"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/fsstore"
	"github.com/coral-mesh/portalca/internal/privilege"
	"github.com/coral-mesh/portalca/internal/safe"
	"github.com/coral-mesh/portalca/internal/secret"
)

// Role identifies which trust domain a CA anchors.
type Role string

const (
	// RoleInfrastructure is the CA that issues the proxy certificate.
	RoleInfrastructure Role = "infrastructure"

	// RoleUser is a per-user CA that issues that user's leaf certificates.
	RoleUser Role = "user"
)

// DefaultValidity is the lifetime of a newly created CA certificate.
const DefaultValidity = 3650 * 24 * time.Hour

// File names inside a CA directory.
const (
	infraCertFile = "ca.crt"
	infraKeyDir   = "private"
	infraKeyFile  = "ca.key"
	userCertFile  = "user_ca.crt"
	userKeyFile   = "user_ca.key"
)

// Config holds the settings shared by both CA roles.
type Config struct {
	// Dir is the infrastructure CA directory, or the root under which each
	// user gets a CA directory named after them.
	Dir string

	// Managed marks a CA provisioned outside this tool. Create is refused.
	Managed bool

	// Validity is the lifetime of a created CA. Zero means DefaultValidity.
	Validity time.Duration

	// Passphrase decrypts and encrypts the CA private key.
	Passphrase secret.Provider

	// KeyBits is the RSA key size. Zero means certutil.DefaultKeyBits.
	KeyBits int

	// SignatureAlgorithm for the self-signature. Zero means SHA-256 with RSA.
	SignatureAlgorithm x509.SignatureAlgorithm

	// Store writes CA material. Nil uses a default store.
	Store *fsstore.Store

	// Now is the clock. Nil means time.Now.
	Now func() time.Time

	// SkipLoad keeps NewUserAuthority from loading an existing CA, for
	// callers that only inspect the certificate or are about to replace it.
	SkipLoad bool

	Logger zerolog.Logger
}

// Authority is one CA: its certificate, its encrypted key on disk and, once
// loaded or created, the decrypted signer.
type Authority struct {
	role     Role
	certPath string
	keyPath  string
	cfg      Config
	logger   zerolog.Logger

	mu     sync.RWMutex
	cert   *x509.Certificate
	signer crypto.Signer
}

// NewInfrastructureAuthority returns the infrastructure CA rooted at cfg.Dir:
// the certificate at <dir>/ca.crt and the key at <dir>/private/ca.key.
// Nothing is read until Load or ExpiresSoon is called.
func NewInfrastructureAuthority(cfg Config) (*Authority, error) {
	if cfg.Dir == "" {
		return nil, perrors.Configuration("infrastructure CA directory is not set")
	}
	return newAuthority(RoleInfrastructure, cfg,
		filepath.Join(cfg.Dir, infraCertFile),
		filepath.Join(cfg.Dir, infraKeyDir, infraKeyFile)), nil
}

// NewUserAuthority returns the CA for user under cfg.Dir/<username>. When the
// CA already exists on disk it is loaded immediately (unless cfg.SkipLoad), so
// a returned Authority is either ready to sign or known not to exist yet.
func NewUserAuthority(cfg Config, user *privilege.Identity) (*Authority, error) {
	if cfg.Dir == "" {
		return nil, perrors.Configuration("user CA root directory is not set")
	}
	if user == nil || user.Username == "" {
		return nil, perrors.Configuration("user CA requires a user identity")
	}
	if err := privilege.ValidateUsername(user.Username); err != nil {
		return nil, perrors.Configuration("user CA for %q: %v", user.Username, err)
	}

	dir := filepath.Join(cfg.Dir, user.Username)
	a := newAuthority(RoleUser, cfg,
		filepath.Join(dir, userCertFile),
		filepath.Join(dir, userKeyFile))
	a.logger = a.logger.With().Str("user", user.Username).Logger()

	if !cfg.SkipLoad && a.Exists() {
		if err := a.Load(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newAuthority(role Role, cfg Config, certPath, keyPath string) *Authority {
	if cfg.Validity == 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = certutil.DefaultKeyBits
	}
	if cfg.SignatureAlgorithm == x509.UnknownSignatureAlgorithm {
		cfg.SignatureAlgorithm = x509.SHA256WithRSA
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = fsstore.New(nil, cfg.Logger)
	}

	return &Authority{
		role:     role,
		certPath: certPath,
		keyPath:  keyPath,
		cfg:      cfg,
		logger: cfg.Logger.With().
			Str("component", "ca").
			Str("role", string(role)).
			Logger(),
	}
}

// Role returns the trust domain of the CA.
func (a *Authority) Role() Role { return a.role }

// CertPath returns the CA certificate path.
func (a *Authority) CertPath() string { return a.certPath }

// KeyPath returns the encrypted CA key path.
func (a *Authority) KeyPath() string { return a.keyPath }

// Managed reports whether the CA is provisioned outside this tool.
func (a *Authority) Managed() bool { return a.cfg.Managed }

// Exists reports whether both the certificate and the key are on disk.
// Neither file is read.
func (a *Authority) Exists() bool {
	return fsstore.FilesExist(a.certPath, a.keyPath)
}

// Certificate returns the loaded CA certificate, or nil.
func (a *Authority) Certificate() *x509.Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cert
}

// Signer returns the decrypted CA key, or nil when not loaded.
func (a *Authority) Signer() crypto.Signer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.signer
}

// Loaded reports whether the key has been decrypted and is ready to sign.
func (a *Authority) Loaded() bool {
	return a.Signer() != nil
}

// Load reads the certificate, decrypts the key and checks that they form a
// self-signed CA pair. A missing file is ErrCAUnavailable; anything that
// cannot be parsed or decrypted is ErrCrypto.
func (a *Authority) Load() error {
	for _, path := range []string{a.certPath, a.keyPath} {
		if _, err := os.Stat(path); err != nil {
			return perrors.Unavailable(path, err)
		}
	}

	cert, err := a.readCertificate()
	if err != nil {
		return err
	}

	keyPEM, err := safe.ReadFile(a.keyPath, nil)
	if err != nil {
		return perrors.Crypto(fmt.Sprintf("read CA key %s", a.keyPath), err)
	}
	passphrase, err := a.passphrase()
	if err != nil {
		return err
	}
	signer, err := certutil.DecryptPrivateKeyPEM(keyPEM, passphrase)
	if err != nil {
		return fmt.Errorf("%s: %w", a.keyPath, err)
	}
	if !certutil.KeyMatchesCertificate(signer, cert) {
		return perrors.Crypto("load CA", fmt.Errorf("key %s does not match certificate %s", a.keyPath, a.certPath))
	}

	a.mu.Lock()
	a.cert = cert
	a.signer = signer
	a.mu.Unlock()

	a.logger.Debug().
		Str("subject", cert.Subject.String()).
		Time("not_after", cert.NotAfter).
		Msg("Loaded CA")

	return nil
}

// Create generates a new key pair and self-signed CA certificate for subject
// (an RFC 4514 name such as "CN=alice user CA"), writes both to disk and
// leaves the CA loaded. An existing CA at the same paths is replaced.
func (a *Authority) Create(subject string) error {
	if a.cfg.Managed {
		return perrors.Configuration("%s CA at %s is managed externally and cannot be created", a.role, a.certPath)
	}

	name, err := certutil.ParseSubject(subject)
	if err != nil {
		return err
	}
	passphrase, err := a.passphrase()
	if err != nil {
		return err
	}

	key, err := certutil.GenerateRSAKey(a.cfg.KeyBits)
	if err != nil {
		return err
	}
	tmpl, err := a.template(name, key.Public())
	if err != nil {
		return err
	}
	cert, der, err := signSelf(tmpl, key)
	if err != nil {
		return err
	}
	keyPEM, err := certutil.EncryptPrivateKey(key, passphrase)
	if err != nil {
		return err
	}

	if err := a.persist(keyPEM, certutil.EncodeCertificate(der)); err != nil {
		return err
	}

	a.mu.Lock()
	a.cert = cert
	a.signer = key
	a.mu.Unlock()

	a.logger.Info().
		Str("subject", cert.Subject.String()).
		Str("serial", cert.SerialNumber.Text(16)).
		Time("not_after", cert.NotAfter).
		Str("cert", a.certPath).
		Msg("Created CA")

	return nil
}

// ExpiresSoon reports whether the CA certificate expires within threshold.
// Only the certificate is read, so no passphrase is needed.
func (a *Authority) ExpiresSoon(threshold time.Duration) (bool, error) {
	cert := a.Certificate()
	if cert == nil {
		if _, err := os.Stat(a.certPath); err != nil {
			return false, perrors.Unavailable(a.certPath, err)
		}
		var err error
		if cert, err = a.readCertificate(); err != nil {
			return false, err
		}
	}
	return cert.NotAfter.Before(a.cfg.Now().Add(threshold)), nil
}

// NotAfter returns the expiry of the CA certificate, reading it if needed.
func (a *Authority) NotAfter() (time.Time, error) {
	if cert := a.Certificate(); cert != nil {
		return cert.NotAfter, nil
	}
	if _, err := os.Stat(a.certPath); err != nil {
		return time.Time{}, perrors.Unavailable(a.certPath, err)
	}
	cert, err := a.readCertificate()
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

func (a *Authority) readCertificate() (*x509.Certificate, error) {
	data, err := safe.ReadFile(a.certPath, nil)
	if err != nil {
		return nil, perrors.Crypto(fmt.Sprintf("read CA certificate %s", a.certPath), err)
	}
	cert, err := certutil.ParseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.certPath, err)
	}
	if err := certutil.IsSelfSignedCA(cert); err != nil {
		return nil, perrors.Crypto(fmt.Sprintf("validate %s", a.certPath), err)
	}
	return cert, nil
}

func (a *Authority) passphrase() ([]byte, error) {
	if a.cfg.Passphrase == nil {
		return nil, perrors.Configuration("no passphrase configured for %s CA", a.role)
	}
	return a.cfg.Passphrase.Passphrase()
}

func (a *Authority) persist(keyPEM, certPEM []byte) error {
	store := a.cfg.Store
	certDir := filepath.Dir(a.certPath)
	keyDir := filepath.Dir(a.keyPath)

	if certDir != keyDir {
		if err := store.EnsureDir(certDir, fsstore.PublicDirMode); err != nil {
			return err
		}
	}
	if err := store.EnsureDir(keyDir, fsstore.DirMode); err != nil {
		return err
	}

	batch := store.NewBatch()
	defer batch.Discard()

	if err := batch.Add(a.keyPath, keyPEM, fsstore.KeyMode); err != nil {
		return err
	}
	if err := batch.Add(a.certPath, certPEM, fsstore.CertMode); err != nil {
		return err
	}
	return batch.Commit()
}
