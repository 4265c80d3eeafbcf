package helpers

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/portalca/internal/config"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/ledger"
	"github.com/coral-mesh/portalca/internal/logging"
	"github.com/coral-mesh/portalca/internal/privilege"
	"github.com/coral-mesh/portalca/internal/provision"
	"github.com/coral-mesh/portalca/internal/secret"
)

// GlobalOptions holds the root command's persistent flags.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogPretty  bool

	// LogOutput overrides the log destination, mainly for tests.
	LogOutput io.Writer
}

// AddFlags registers the options on a FlagSet, normally the root command's
// persistent flags.
func (o *GlobalOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ConfigPath, "config", "", "Configuration file (default $PORTALCA_CONFIG or /etc/portalca/config.yaml)")
	flags.StringVar(&o.LogLevel, "log-level", "", "Override the configured log level (trace, debug, info, warn, error)")
	flags.BoolVar(&o.LogPretty, "log-pretty", false, "Human-readable log output")
}

// Runtime is everything a command needs to run one operation.
type Runtime struct {
	Config      *config.Config
	LogConfig   logging.Config
	Logger      zerolog.Logger
	Provisioner *provision.Provisioner

	// Ledger is nil when no ledger is configured or it was not requested.
	Ledger *ledger.Ledger
}

// NewRuntime loads configuration and wires the provisioner. The ledger is
// opened only when withLedger is set and a ledger path is configured, so
// read-only commands never contend for the database lock.
func NewRuntime(ctx context.Context, opts *GlobalOptions, withLedger bool) (*Runtime, error) {
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Output: opts.LogOutput}
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	if opts.LogPretty {
		logCfg.Pretty = true
	}
	logger := logging.New(logCfg)

	infraPass, err := passphrase(cfg.InfrastructureCA.PassphraseSource, "infrastructure CA")
	if err != nil {
		return nil, err
	}
	userPass, err := passphrase(cfg.UserCA.PassphraseSource, "user CA")
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, LogConfig: logCfg, Logger: logger}

	pcfg := provision.Config{
		Settings:        cfg,
		InfraPassphrase: infraPass,
		UserPassphrase:  userPass,
		Logger:          logger,
	}
	if withLedger && cfg.LedgerPath != "" {
		rt.Ledger, err = ledger.Open(ctx, cfg.LedgerPath, ledger.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		pcfg.Ledger = rt.Ledger
	}

	rt.Provisioner, err = provision.New(pcfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the ledger.
func (r *Runtime) Close() {
	if r.Ledger != nil {
		perrors.DeferClose(r.Logger, r.Ledger, "Failed to close issuance ledger")
	}
}

// ResolveUser looks up name, or the invoking user (SUDO_USER aware) when
// name is empty.
func ResolveUser(name string) (*privilege.Identity, error) {
	if name == "" {
		user, err := privilege.DetectInvokingUser()
		if err != nil {
			return nil, fmt.Errorf("failed to detect invoking user: %w", err)
		}
		return user, nil
	}
	user, err := privilege.Lookup(name)
	if err != nil {
		return nil, perrors.Configuration("unknown user %q: %v", name, err)
	}
	return user, nil
}

// CheckCanOwn fails early when files for user could not be re-owned: only
// root may give files to another account.
func CheckCanOwn(user *privilege.Identity) error {
	if privilege.IsRoot() || user.UID == os.Getuid() {
		return nil
	}
	return perrors.Configuration("issuing for %s (uid %d) requires root to change file ownership", user.Username, user.UID)
}

// passphrase returns nil for an unset source; operations that need the key
// then fail with a configuration error naming the CA.
func passphrase(source, label string) (secret.Provider, error) {
	if source == "" {
		return nil, nil
	}
	return secret.FromSource(source, label)
}
