// Package leaf issues the short-lived end-entity certificates presented on
// portal to backend connections: one per user, signed by that user's CA, and
// one for the proxy, signed by the infrastructure CA.
package leaf

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/portalca/internal/certutil"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/fsstore"
	"github.com/coral-mesh/portalca/internal/privilege"
	"github.com/coral-mesh/portalca/internal/safe"
)

const (
	// DefaultValidity is the lifetime of an issued leaf.
	DefaultValidity = 42 * 24 * time.Hour

	// RenewalThreshold is how close to expiry a leaf stops being Valid.
	RenewalThreshold = 30 * 24 * time.Hour
)

// File layout of a user leaf below the user's temporary root.
const (
	UserCertsDir    = "job_certs"
	UserCertFile    = "leaf.crt"
	UserKeyFile     = "leaf.key"
	UserCACopyFile  = "client_ca.crt"
	ProxyCertFile   = "client.crt"
	ProxyKeyDir     = "private"
	ProxyKeyFile    = "client.key"
	ProxyCACopyFile = "ca.crt"
)

// Authority is the issuing CA as seen by an Issuer.
type Authority interface {
	Load() error
	Loaded() bool
	Certificate() *x509.Certificate
	Signer() crypto.Signer
	CertPath() string
}

// Config describes one leaf: who it is for, where it lives and how long it
// lasts.
type Config struct {
	// Subject is the leaf common name.
	Subject string

	// DomainComponent, when set, is added to the subject as a DC attribute
	// after the common name.
	DomainComponent string

	CertPath   string
	KeyPath    string
	CACopyPath string

	// Root, when set, is an enclosing directory created owner-only and
	// re-owned together with the leaf directories.
	Root string

	// Owner receives ownership of the leaf directories and files. Nil keeps
	// them with the running account.
	Owner *privilege.Identity

	// Validity is the leaf lifetime. Zero means DefaultValidity.
	Validity time.Duration

	// RenewThreshold is used by Valid. Zero means RenewalThreshold.
	RenewThreshold time.Duration

	// KeyBits is the RSA key size. Zero means certutil.DefaultKeyBits.
	KeyBits int

	SignatureAlgorithm x509.SignatureAlgorithm

	Store *fsstore.Store

	Now func() time.Time

	Logger zerolog.Logger
}

// Issuer writes leaf key pairs signed by one CA.
type Issuer struct {
	ca     Authority
	cfg    Config
	logger zerolog.Logger
}

// UserConfig returns the leaf layout for user below tmpRoot, where tmpRoot
// may contain a {user} placeholder.
func UserConfig(tmpRoot string, user *privilege.Identity) Config {
	root := strings.ReplaceAll(tmpRoot, "{user}", user.Username)
	dir := filepath.Join(root, UserCertsDir)
	return Config{
		Subject:         user.Username,
		DomainComponent: user.Username,
		CertPath:        filepath.Join(dir, UserCertFile),
		KeyPath:         filepath.Join(dir, UserKeyFile),
		CACopyPath:      filepath.Join(dir, UserCACopyFile),
		Root:            root,
		Owner:           user,
	}
}

// ProxyConfig returns the proxy leaf layout inside certDir.
func ProxyConfig(certDir, subject string, owner *privilege.Identity) Config {
	return Config{
		Subject:    subject,
		CertPath:   filepath.Join(certDir, ProxyCertFile),
		KeyPath:    filepath.Join(certDir, ProxyKeyDir, ProxyKeyFile),
		CACopyPath: filepath.Join(certDir, ProxyCACopyFile),
		Owner:      owner,
	}
}

// NewUserIssuer returns an issuer for user's leaf signed by the user's CA.
// base supplies validity, key size, clock, store and logger; its paths and
// subject are replaced by the user layout.
func NewUserIssuer(userCA Authority, base Config, tmpRoot string, user *privilege.Identity) (*Issuer, error) {
	if user == nil {
		return nil, perrors.Configuration("user leaf requires a user identity")
	}
	if err := privilege.ValidateUsername(user.Username); err != nil {
		return nil, perrors.Configuration("user leaf for %q: %v", user.Username, err)
	}
	if tmpRoot == "" {
		return nil, perrors.Configuration("user leaf temporary root is not set")
	}
	return NewIssuer(userCA, withLayout(base, UserConfig(tmpRoot, user)))
}

// NewProxyIssuer returns an issuer for the proxy leaf signed by the
// infrastructure CA.
func NewProxyIssuer(infraCA Authority, base Config, certDir, subject string, owner *privilege.Identity) (*Issuer, error) {
	if certDir == "" {
		return nil, perrors.Configuration("proxy certificate directory is not set")
	}
	return NewIssuer(infraCA, withLayout(base, ProxyConfig(certDir, subject, owner)))
}

// NewIssuer loads ca if needed and returns an issuer for cfg. A CA that cannot
// be loaded is an ErrSetup failure carrying the load error; the issuer never
// creates a CA.
func NewIssuer(ca Authority, cfg Config) (*Issuer, error) {
	if cfg.Subject == "" {
		return nil, perrors.Configuration("leaf subject is empty")
	}
	if cfg.CertPath == "" || cfg.KeyPath == "" || cfg.CACopyPath == "" {
		return nil, perrors.Configuration("leaf paths for %q are incomplete", cfg.Subject)
	}
	if ca == nil {
		return nil, perrors.Setup(perrors.Configuration("no issuing CA for %q", cfg.Subject))
	}
	if !ca.Loaded() {
		if err := ca.Load(); err != nil {
			return nil, perrors.Setup(err)
		}
	}

	if cfg.Validity == 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.RenewThreshold == 0 {
		cfg.RenewThreshold = RenewalThreshold
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

	return &Issuer{
		ca:  ca,
		cfg: cfg,
		logger: cfg.Logger.With().
			Str("component", "leaf").
			Str("subject", cfg.Subject).
			Logger(),
	}, nil
}

func withLayout(base, layout Config) Config {
	base.Subject = layout.Subject
	base.DomainComponent = layout.DomainComponent
	base.CertPath = layout.CertPath
	base.KeyPath = layout.KeyPath
	base.CACopyPath = layout.CACopyPath
	base.Root = layout.Root
	base.Owner = layout.Owner
	return base
}

// Subject returns the leaf common name.
func (i *Issuer) Subject() string { return i.cfg.Subject }

// CertPath returns the leaf certificate path.
func (i *Issuer) CertPath() string { return i.cfg.CertPath }

// KeyPath returns the leaf key path.
func (i *Issuer) KeyPath() string { return i.cfg.KeyPath }

// CACopyPath returns the path of the issuing CA certificate copy.
func (i *Issuer) CACopyPath() string { return i.cfg.CACopyPath }

// MakeCert builds and signs a leaf certificate for pub. Nothing is written.
func (i *Issuer) MakeCert(pub crypto.PublicKey) (*x509.Certificate, error) {
	caCert := i.ca.Certificate()
	signer := i.ca.Signer()
	if caCert == nil || signer == nil {
		return nil, perrors.Setup(perrors.Unavailable(i.ca.CertPath(), fmt.Errorf("CA is not loaded")))
	}

	serial, err := certutil.SerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := certutil.SubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: i.cfg.Subject}
	if i.cfg.DomainComponent != "" {
		subject.ExtraNames = []pkix.AttributeTypeAndValue{certutil.DomainComponent(i.cfg.DomainComponent)}
	}

	now := i.cfg.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(i.cfg.Validity),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    i.cfg.SignatureAlgorithm,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, pub, signer)
	if err != nil {
		return nil, perrors.Crypto(fmt.Sprintf("sign leaf for %q", i.cfg.Subject), err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, perrors.Crypto("parse leaf certificate", err)
	}
	return cert, nil
}

// Generate creates a fresh key pair, signs a leaf for it and writes the key,
// the certificate and a copy of the CA certificate. The three files replace
// any existing ones together or not at all. When an owner is configured every
// directory and file written is re-owned to it; if that fails the new files
// are removed so a leaf the owner cannot read is never left in place.
func (i *Issuer) Generate() (*x509.Certificate, error) {
	dirs, err := i.ensureDirs()
	if err != nil {
		return nil, err
	}

	key, err := certutil.GenerateRSAKey(i.cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	cert, err := i.MakeCert(key.Public())
	if err != nil {
		return nil, err
	}
	keyPEM, err := certutil.EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}

	store := i.cfg.Store
	batch := store.NewBatch()
	defer batch.Discard()

	if err := batch.Add(i.cfg.KeyPath, keyPEM, fsstore.KeyMode); err != nil {
		return nil, err
	}
	if err := batch.Add(i.cfg.CertPath, certutil.EncodeCertificate(cert.Raw), fsstore.CertMode); err != nil {
		return nil, err
	}
	if err := batch.Add(i.cfg.CACopyPath, certutil.EncodeCertificate(i.ca.Certificate().Raw), fsstore.CertMode); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	owned := append(dirs, i.cfg.KeyPath, i.cfg.CertPath, i.cfg.CACopyPath)
	if err := store.Chown(i.cfg.Owner, owned...); err != nil {
		batch.Rollback()
		return nil, err
	}

	i.logger.Info().
		Str("issuer", cert.Issuer.String()).
		Str("serial", cert.SerialNumber.Text(16)).
		Time("not_after", cert.NotAfter).
		Str("cert_path", i.cfg.CertPath).
		Msg("Issued leaf certificate")

	return cert, nil
}

// ensureDirs creates the directories holding the leaf, outermost first. The
// key directory is owner-only; a directory holding only certificates is
// world-traversable. Each one is refused if it has been replaced by a
// symlink, since the root may already belong to the leaf owner.
func (i *Issuer) ensureDirs() ([]string, error) {
	keyDir := filepath.Dir(i.cfg.KeyPath)

	var dirs []string
	if i.cfg.Root != "" {
		dirs = append(dirs, i.cfg.Root)
	}
	for _, dir := range []string{filepath.Dir(i.cfg.CertPath), filepath.Dir(i.cfg.CACopyPath), keyDir} {
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}

	for _, dir := range dirs {
		mode := fsstore.PublicDirMode
		if dir == keyDir || dir == i.cfg.Root {
			mode = fsstore.DirMode
		}
		if err := i.cfg.Store.EnsureDir(dir, mode); err != nil {
			return nil, err
		}
	}
	return dirs, nil
}

// Valid reports whether the leaf is on disk as a matching key pair owned by
// the configured owner, still chains to the current CA and is outside the
// renewal window.
func (i *Issuer) Valid() bool {
	if !fsstore.FilesExist(i.cfg.CertPath, i.cfg.KeyPath) {
		return false
	}
	cert, err := i.readCertificate()
	if err != nil {
		i.logger.Debug().Err(err).Msg("Existing leaf is unreadable")
		return false
	}
	if err := i.checkKey(cert); err != nil {
		i.logger.Debug().Err(err).Msg("Existing leaf key does not belong to its certificate")
		return false
	}
	if err := i.checkOwner(); err != nil {
		i.logger.Debug().Err(err).Msg("Existing leaf has the wrong owner")
		return false
	}
	if caCert := i.ca.Certificate(); caCert != nil {
		if err := cert.CheckSignatureFrom(caCert); err != nil {
			i.logger.Debug().Err(err).Msg("Existing leaf was signed by a different CA")
			return false
		}
	}
	return !expiresWithin(cert, i.cfg.Now(), i.cfg.RenewThreshold)
}

func (i *Issuer) checkKey(cert *x509.Certificate) error {
	data, err := safe.ReadFile(i.cfg.KeyPath, nil)
	if err != nil {
		return perrors.Persistence(fmt.Sprintf("read leaf key %s", i.cfg.KeyPath), err)
	}
	key, err := certutil.ParsePrivateKeyPEM(data)
	if err != nil {
		return err
	}
	if !certutil.KeyMatchesCertificate(key, cert) {
		return perrors.Crypto("match leaf key", fmt.Errorf("%s does not match %s", i.cfg.KeyPath, i.cfg.CertPath))
	}
	return nil
}

func (i *Issuer) checkOwner() error {
	owner := i.cfg.Owner
	if owner == nil {
		return nil
	}
	for _, path := range []string{i.cfg.KeyPath, i.cfg.CertPath} {
		uid, gid, err := i.cfg.Store.Owner(path)
		if err != nil {
			return perrors.Persistence(fmt.Sprintf("stat %s", path), err)
		}
		if uid != owner.UID || gid != owner.GID {
			return fmt.Errorf("%s is owned by %d:%d, want %d:%d", path, uid, gid, owner.UID, owner.GID)
		}
	}
	return nil
}

// ExpiresSoon reports whether the on-disk leaf expires within threshold.
func (i *Issuer) ExpiresSoon(threshold time.Duration) (bool, error) {
	cert, err := i.readCertificate()
	if err != nil {
		return false, err
	}
	return expiresWithin(cert, i.cfg.Now(), threshold), nil
}

// Certificate reads the on-disk leaf certificate.
func (i *Issuer) Certificate() (*x509.Certificate, error) {
	return i.readCertificate()
}

func (i *Issuer) readCertificate() (*x509.Certificate, error) {
	return readLeaf(i.cfg.CertPath)
}

func readLeaf(path string) (*x509.Certificate, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, perrors.Persistence(fmt.Sprintf("stat leaf %s", path), err)
	}
	data, err := safe.ReadFile(path, nil)
	if err != nil {
		return nil, perrors.Persistence(fmt.Sprintf("read leaf %s", path), err)
	}
	cert, err := certutil.ParseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

func expiresWithin(cert *x509.Certificate, now time.Time, threshold time.Duration) bool {
	return cert.NotAfter.Before(now.Add(threshold))
}
