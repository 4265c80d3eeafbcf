// Package provision ensures that a usable leaf certificate exists for a
// portal user or for the proxy, creating the issuing CA on first use and
// reissuing leaves that are missing, expiring or signed by a replaced CA.
package provision

import (
	"context"
	"crypto/x509"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/portalca/internal/ca"
	"github.com/coral-mesh/portalca/internal/config"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/fsstore"
	"github.com/coral-mesh/portalca/internal/leaf"
	"github.com/coral-mesh/portalca/internal/ledger"
	"github.com/coral-mesh/portalca/internal/lock"
	"github.com/coral-mesh/portalca/internal/privilege"
	"github.com/coral-mesh/portalca/internal/secret"
)

// Leaf roles recorded in results and the ledger.
const (
	RoleUser  = "user"
	RoleProxy = "proxy"
)

// Config wires a Provisioner.
type Config struct {
	// Settings is the validated deployment configuration.
	Settings *config.Config

	InfraPassphrase secret.Provider
	UserPassphrase  secret.Provider

	// Store writes all material. Nil uses the OS chowner.
	Store *fsstore.Store

	// Locker serializes issuance. Nil uses Settings.LockDir.
	Locker *lock.Locker

	// Ledger receives issuance events. Nil discards them.
	Ledger ledger.Recorder

	// LookupUser resolves the proxy owner. Nil means privilege.Lookup.
	LookupUser func(username string) (*privilege.Identity, error)

	Now func() time.Time

	Logger zerolog.Logger
}

// Result describes the leaf a caller should present.
type Result struct {
	Role       string    `json:"role"`
	Subject    string    `json:"subject"`
	CertPath   string    `json:"cert_path"`
	KeyPath    string    `json:"key_path"`
	CACopyPath string    `json:"ca_path"`
	Serial     string    `json:"serial"`
	NotAfter   time.Time `json:"not_after"`

	// Reused is true when the existing leaf was still valid.
	Reused bool `json:"reused"`

	// CACreated is true when the issuing CA was created by this call.
	CACreated bool `json:"ca_created"`
}

// Provisioner runs the ensure and administration flows.
type Provisioner struct {
	settings   *config.Config
	infraPass  secret.Provider
	userPass   secret.Provider
	store      *fsstore.Store
	locker     *lock.Locker
	ledger     ledger.Recorder
	lookupUser func(string) (*privilege.Identity, error)
	now        func() time.Time
	logger     zerolog.Logger
}

// New returns a Provisioner for cfg.
func New(cfg Config) (*Provisioner, error) {
	if cfg.Settings == nil {
		return nil, perrors.Configuration("provisioner requires settings")
	}
	logger := cfg.Logger.With().Str("component", "provision").Logger()

	p := &Provisioner{
		settings:   cfg.Settings,
		infraPass:  cfg.InfraPassphrase,
		userPass:   cfg.UserPassphrase,
		store:      cfg.Store,
		locker:     cfg.Locker,
		ledger:     cfg.Ledger,
		lookupUser: cfg.LookupUser,
		now:        cfg.Now,
		logger:     logger,
	}
	if p.store == nil {
		p.store = fsstore.New(nil, cfg.Logger)
	}
	if p.locker == nil {
		p.locker = lock.New(cfg.Settings.LockDir, cfg.Logger)
	}
	if p.ledger == nil {
		p.ledger = ledger.Discard
	}
	if p.lookupUser == nil {
		p.lookupUser = privilege.Lookup
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// EnsureUserCertificate returns a valid leaf for user, issuing one (and the
// user's CA, on first use) when needed.
func (p *Provisioner) EnsureUserCertificate(ctx context.Context, user *privilege.Identity) (*Result, error) {
	if user == nil {
		return nil, perrors.Configuration("no user given")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *Result
	err := p.locker.With("user-"+user.Username, func() error {
		authority, err := p.UserAuthority(user)
		if err != nil {
			return err
		}
		res, err = p.ensureLeaf(ctx, RoleUser, authority, func() (*leaf.Issuer, error) {
			return leaf.NewUserIssuer(authority, p.leafBase(), p.settings.UserLeaf.TmpRoot, user)
		}, p.settings.UserCASubject(user.Username))
		return err
	})
	return res, err
}

// EnsureProxyCertificate returns a valid proxy leaf, issuing one when needed.
// A managed infrastructure CA that is missing is reported as
// ErrCAUnavailable and never created.
func (p *Provisioner) EnsureProxyCertificate(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	owner, err := p.proxyOwner()
	if err != nil {
		return nil, err
	}

	var res *Result
	err = p.locker.With("proxy", func() error {
		authority, err := p.InfrastructureAuthority()
		if err != nil {
			return err
		}
		res, err = p.ensureLeaf(ctx, RoleProxy, authority, func() (*leaf.Issuer, error) {
			return leaf.NewProxyIssuer(authority, p.leafBase(), p.settings.Proxy.CertDir, p.settings.Proxy.Subject, owner)
		}, p.settings.InfrastructureCA.Subject)
		return err
	})
	return res, err
}

// ensureLeaf builds the issuer, creating the CA and retrying once when it is
// unavailable, then reuses or regenerates the leaf.
func (p *Provisioner) ensureLeaf(ctx context.Context, role string, authority *ca.Authority,
	newIssuer func() (*leaf.Issuer, error), caSubject string) (*Result, error) {
	caCreated := false

	iss, err := newIssuer()
	if errors.Is(err, perrors.ErrCAUnavailable) && !authority.Managed() {
		p.logger.Info().Str("role", string(authority.Role())).Msg("Issuing CA not found, creating it")
		if caCreated, err = p.ensureCA(ctx, authority, caSubject); err != nil {
			return nil, err
		}
		iss, err = newIssuer()
	}
	if err != nil {
		return nil, err
	}

	if iss.Valid() {
		cert, err := iss.Certificate()
		if err != nil {
			return nil, err
		}
		p.logger.Debug().Str("subject", iss.Subject()).Msg("Reusing valid leaf")
		return newResult(role, iss, cert, true, caCreated), nil
	}

	cert, err := iss.Generate()
	if err != nil {
		return nil, err
	}
	p.record(ctx, ledger.Event{
		Kind:      ledger.KindLeafIssued,
		Role:      role,
		Subject:   iss.Subject(),
		Issuer:    cert.Issuer.String(),
		Serial:    cert.SerialNumber.Text(16),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		CertPath:  iss.CertPath(),
	})
	return newResult(role, iss, cert, false, caCreated), nil
}

// ensureCA creates authority under its own lock. When another process won
// the race the existing CA is loaded instead; created reports which happened.
func (p *Provisioner) ensureCA(ctx context.Context, authority *ca.Authority, subject string) (created bool, err error) {
	err = p.locker.With(caLockName(authority), func() error {
		if authority.Exists() {
			p.logger.Debug().Str("cert", authority.CertPath()).Msg("CA appeared while waiting, loading it")
			return authority.Load()
		}
		if err := authority.Create(subject); err != nil {
			return err
		}
		created = true
		p.recordCA(ctx, authority)
		return nil
	})
	return created, err
}

// CreateInfrastructureCA creates (or replaces) the infrastructure CA. An
// empty subject uses the configured one.
func (p *Provisioner) CreateInfrastructureCA(ctx context.Context, subject string) (*x509.Certificate, error) {
	if subject == "" {
		subject = p.settings.InfrastructureCA.Subject
	}
	authority, err := p.InfrastructureAuthority()
	if err != nil {
		return nil, err
	}
	return p.createCA(ctx, authority, subject)
}

// CreateUserCA creates (or replaces) the CA for user.
func (p *Provisioner) CreateUserCA(ctx context.Context, user *privilege.Identity) (*x509.Certificate, error) {
	authority, err := p.userAuthorityUnloaded(user)
	if err != nil {
		return nil, err
	}
	return p.createCA(ctx, authority, p.settings.UserCASubject(user.Username))
}

func (p *Provisioner) createCA(ctx context.Context, authority *ca.Authority, subject string) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := p.locker.With(caLockName(authority), func() error {
		if err := authority.Create(subject); err != nil {
			return err
		}
		p.recordCA(ctx, authority)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return authority.Certificate(), nil
}

// InfrastructureAuthority returns the configured infrastructure CA, unloaded.
func (p *Provisioner) InfrastructureAuthority() (*ca.Authority, error) {
	s := p.settings.InfrastructureCA
	return ca.NewInfrastructureAuthority(ca.Config{
		Dir:                s.Dir,
		Managed:            s.Managed,
		Validity:           p.settings.InfrastructureCAValidity(),
		Passphrase:         p.infraPass,
		KeyBits:            p.settings.Policy.KeyBits,
		SignatureAlgorithm: p.settings.Policy.X509SignatureAlgorithm(),
		Store:              p.store,
		Now:                p.now,
		Logger:             p.logger,
	})
}

// UserAuthority returns the CA for user, loaded when it exists.
func (p *Provisioner) UserAuthority(user *privilege.Identity) (*ca.Authority, error) {
	return ca.NewUserAuthority(p.userCAConfig(), user)
}

// userAuthorityUnloaded points at user's CA without decrypting an existing
// key.
func (p *Provisioner) userAuthorityUnloaded(user *privilege.Identity) (*ca.Authority, error) {
	cfg := p.userCAConfig()
	cfg.SkipLoad = true
	return ca.NewUserAuthority(cfg, user)
}

func (p *Provisioner) userCAConfig() ca.Config {
	s := p.settings.UserCA
	return ca.Config{
		Dir:                s.Root,
		Managed:            s.Managed,
		Validity:           p.settings.UserCAValidity(),
		Passphrase:         p.userPass,
		KeyBits:            p.settings.Policy.KeyBits,
		SignatureAlgorithm: p.settings.Policy.X509SignatureAlgorithm(),
		Store:              p.store,
		Now:                p.now,
		Logger:             p.logger,
	}
}

func (p *Provisioner) leafBase() leaf.Config {
	policy := p.settings.Policy
	return leaf.Config{
		Validity:           policy.LeafValidity(),
		RenewThreshold:     policy.LeafRenewThreshold(),
		KeyBits:            policy.KeyBits,
		SignatureAlgorithm: policy.X509SignatureAlgorithm(),
		Store:              p.store,
		Now:                p.now,
		Logger:             p.logger,
	}
}

func (p *Provisioner) proxyOwner() (*privilege.Identity, error) {
	name := p.settings.Proxy.Owner
	if name == "" {
		return nil, nil
	}
	owner, err := p.lookupUser(name)
	if err != nil {
		return nil, perrors.Configuration("proxy owner %q: %v", name, err)
	}
	return owner, nil
}

// UserLeafStatus reports user's on-disk leaf. Nothing is decrypted.
func (p *Provisioner) UserLeafStatus(user *privilege.Identity) (*leaf.Info, error) {
	if user == nil {
		return nil, perrors.Configuration("no user given")
	}
	if err := privilege.ValidateUsername(user.Username); err != nil {
		return nil, perrors.Configuration("user leaf for %q: %v", user.Username, err)
	}
	return leaf.Inspect(p.statusLayout(leaf.UserConfig(p.settings.UserLeaf.TmpRoot, user))), nil
}

// ProxyLeafStatus reports the on-disk proxy leaf.
func (p *Provisioner) ProxyLeafStatus() *leaf.Info {
	s := p.settings.Proxy
	return leaf.Inspect(p.statusLayout(leaf.ProxyConfig(s.CertDir, s.Subject, nil)))
}

func (p *Provisioner) statusLayout(cfg leaf.Config) leaf.Config {
	cfg.RenewThreshold = p.settings.Policy.LeafRenewThreshold()
	cfg.Now = p.now
	return cfg
}

func caLockName(authority *ca.Authority) string {
	if authority.Role() == ca.RoleInfrastructure {
		return "ca-infrastructure"
	}
	return "ca-user-" + filepath.Base(filepath.Dir(authority.CertPath()))
}

func (p *Provisioner) recordCA(ctx context.Context, authority *ca.Authority) {
	cert := authority.Certificate()
	if cert == nil {
		return
	}
	p.record(ctx, ledger.Event{
		Kind:      ledger.KindCACreated,
		Role:      string(authority.Role()),
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		Serial:    cert.SerialNumber.Text(16),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		CertPath:  authority.CertPath(),
	})
}

// record appends ev to the ledger. A failure is logged and otherwise ignored:
// the certificate is already on disk.
func (p *Provisioner) record(ctx context.Context, ev ledger.Event) {
	if _, err := p.ledger.Record(ctx, ev); err != nil {
		p.logger.Warn().Err(err).
			Str("kind", ev.Kind).
			Str("subject", ev.Subject).
			Msg("Failed to record issuance event")
	}
}

func newResult(role string, iss *leaf.Issuer, cert *x509.Certificate, reused, caCreated bool) *Result {
	return &Result{
		Role:       role,
		Subject:    iss.Subject(),
		CertPath:   iss.CertPath(),
		KeyPath:    iss.KeyPath(),
		CACopyPath: iss.CACopyPath(),
		Serial:     cert.SerialNumber.Text(16),
		NotAfter:   cert.NotAfter,
		Reused:     reused,
		CACreated:  caCreated,
	}
}
