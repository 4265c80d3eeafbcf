package config

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/coral-mesh/portalca/internal/certutil"
)

const day = 24 * time.Hour

// UserCASubject renders the user CA subject template for username.
func (c *Config) UserCASubject(username string) string {
	return strings.ReplaceAll(c.UserCA.SubjectTemplate, UserPlaceholder, username)
}

// InfrastructureCAValidity is the lifetime of a created infrastructure CA.
func (c *Config) InfrastructureCAValidity() time.Duration {
	return time.Duration(c.InfrastructureCA.DurationDays) * day
}

// UserCAValidity is the lifetime of a created user CA.
func (c *Config) UserCAValidity() time.Duration {
	return time.Duration(c.UserCA.DurationDays) * day
}

// LeafValidity is the lifetime of an issued leaf.
func (p PolicyConfig) LeafValidity() time.Duration {
	return time.Duration(p.LeafValidityDays) * day
}

// LeafRenewThreshold is how close to expiry a leaf is reissued.
func (p PolicyConfig) LeafRenewThreshold() time.Duration {
	return time.Duration(p.LeafRenewDays) * day
}

// CARotationThreshold is how close to expiry a CA is reported for rotation.
func (p PolicyConfig) CARotationThreshold() time.Duration {
	return time.Duration(p.CARotationWarnDays) * day
}

// X509SignatureAlgorithm maps the configured digest; Validate has already
// rejected unknown values.
func (p PolicyConfig) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	alg, err := certutil.SignatureAlgorithm(p.SignatureAlgorithm)
	if err != nil {
		return x509.SHA256WithRSA
	}
	return alg
}
