package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/portalca/internal/certutil"
	"github.com/coral-mesh/portalca/internal/secret"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError collects every invalid setting found.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no validation errors"
	case 1:
		return e.Errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "validation failed with %d errors:\n", len(e.Errors))
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

type validator struct {
	errs []ValidationError
}

func (v *validator) fail(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) absPath(field, path string) {
	switch {
	case path == "":
		v.fail(field, "is required")
	case !filepath.IsAbs(path):
		v.fail(field, "must be an absolute path, got %q", path)
	}
}

func (v *validator) positive(field string, n int) {
	if n <= 0 {
		v.fail(field, "must be positive, got %d", n)
	}
}

func (v *validator) passphraseSource(field, source string) {
	if source == "" {
		return
	}
	if _, err := secret.FromSource(source, field); err != nil {
		v.fail(field, "%v", err)
	}
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	v := &validator{}

	v.absPath("infrastructure_ca.dir", c.InfrastructureCA.Dir)
	v.positive("infrastructure_ca.duration_days", c.InfrastructureCA.DurationDays)
	v.passphraseSource("infrastructure_ca.passphrase_source", c.InfrastructureCA.PassphraseSource)
	if _, err := certutil.ParseSubject(c.InfrastructureCA.Subject); err != nil {
		v.fail("infrastructure_ca.subject", "%v", err)
	}

	v.absPath("user_ca.root", c.UserCA.Root)
	v.positive("user_ca.duration_days", c.UserCA.DurationDays)
	v.passphraseSource("user_ca.passphrase_source", c.UserCA.PassphraseSource)
	if _, err := certutil.ParseSubject(c.UserCASubject("example")); err != nil {
		v.fail("user_ca.subject_template", "%v", err)
	}

	v.absPath("user_leaf.tmp_root", c.UserLeaf.TmpRoot)
	if !strings.Contains(c.UserLeaf.TmpRoot, UserPlaceholder) {
		v.fail("user_leaf.tmp_root", "must contain %s so users do not share a directory", UserPlaceholder)
	}

	v.absPath("proxy.cert_dir", c.Proxy.CertDir)
	if strings.TrimSpace(c.Proxy.Subject) == "" {
		v.fail("proxy.subject", "is required")
	}

	p := c.Policy
	v.positive("policy.leaf_validity_days", p.LeafValidityDays)
	if p.LeafRenewDays <= 0 {
		v.fail("policy.leaf_renew_days", "must be positive, got %d", p.LeafRenewDays)
	} else if p.LeafValidityDays > 0 && p.LeafRenewDays >= p.LeafValidityDays {
		v.fail("policy.leaf_renew_days", "must be shorter than leaf_validity_days (%d), got %d", p.LeafValidityDays, p.LeafRenewDays)
	}
	if p.CARotationWarnDays < 0 {
		v.fail("policy.ca_rotation_warn_days", "must not be negative, got %d", p.CARotationWarnDays)
	}
	if p.KeyBits < MinKeyBits {
		v.fail("policy.key_bits", "must be at least %d, got %d", MinKeyBits, p.KeyBits)
	}
	if _, err := certutil.SignatureAlgorithm(p.SignatureAlgorithm); err != nil {
		v.fail("policy.signature_algorithm", "%v", err)
	}

	v.absPath("lock_dir", c.LockDir)
	if c.LedgerPath != "" && !filepath.IsAbs(c.LedgerPath) {
		v.fail("ledger_path", "must be an absolute path, got %q", c.LedgerPath)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		v.fail("log.level", "unknown level %q", c.Log.Level)
	}

	if len(v.errs) > 0 {
		return &MultiValidationError{Errors: v.errs}
	}
	return nil
}
