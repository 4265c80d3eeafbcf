package leaf

import (
	"crypto/x509"
	"time"

	"github.com/coral-mesh/portalca/internal/fsstore"
)

// GraceThreshold is when an expiring leaf is reported as urgent.
const GraceThreshold = 7 * 24 * time.Hour

// CertStatus summarises where a leaf is in its lifecycle.
type CertStatus string

const (
	// CertStatusValid indicates the leaf is outside the renewal window.
	CertStatusValid CertStatus = "valid"

	// CertStatusRenewalNeeded indicates the leaf is inside the renewal window.
	CertStatusRenewalNeeded CertStatus = "renewal_needed"

	// CertStatusExpiringSoon indicates the leaf is within the grace period.
	CertStatusExpiringSoon CertStatus = "expiring_soon"

	// CertStatusExpired indicates the leaf is past not_after.
	CertStatusExpired CertStatus = "expired"

	// CertStatusMissing indicates the leaf certificate or key is absent.
	CertStatusMissing CertStatus = "missing"

	// CertStatusUnreadable indicates the leaf certificate cannot be parsed.
	CertStatusUnreadable CertStatus = "unreadable"
)

// Info describes an on-disk leaf for status output.
type Info struct {
	Subject       string     `json:"subject"`
	Issuer        string     `json:"issuer,omitempty"`
	SerialNumber  string     `json:"serial_number,omitempty"`
	NotBefore     time.Time  `json:"not_before,omitempty"`
	NotAfter      time.Time  `json:"not_after,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
	CertPath      string     `json:"cert_path"`
	KeyPath       string     `json:"key_path"`
	Status        CertStatus `json:"status"`
}

// Inspect reports the state of the on-disk leaf without modifying it.
func (i *Issuer) Inspect() *Info {
	return Inspect(i.cfg)
}

// Inspect reports the state of the leaf laid out by cfg. Only the
// certificate is read, so no CA needs to be loaded.
func Inspect(cfg Config) *Info {
	info := &Info{
		Subject:  cfg.Subject,
		CertPath: cfg.CertPath,
		KeyPath:  cfg.KeyPath,
		Status:   CertStatusMissing,
	}
	if !fsstore.FilesExist(cfg.CertPath, cfg.KeyPath) {
		return info
	}

	cert, err := readLeaf(cfg.CertPath)
	if err != nil {
		info.Status = CertStatusUnreadable
		return info
	}

	now, renew := time.Now, cfg.RenewThreshold
	if cfg.Now != nil {
		now = cfg.Now
	}
	if renew == 0 {
		renew = RenewalThreshold
	}
	describe(info, cert, now(), renew)
	return info
}

func describe(info *Info, cert *x509.Certificate, now time.Time, renew time.Duration) {
	info.Issuer = cert.Issuer.String()
	info.SerialNumber = cert.SerialNumber.Text(16)
	info.NotBefore = cert.NotBefore
	info.NotAfter = cert.NotAfter

	remaining := cert.NotAfter.Sub(now)
	info.DaysRemaining = int(remaining.Hours() / 24)

	switch {
	case now.After(cert.NotAfter):
		info.Status = CertStatusExpired
	case remaining <= GraceThreshold:
		info.Status = CertStatusExpiringSoon
	case remaining <= renew:
		info.Status = CertStatusRenewalNeeded
	default:
		info.Status = CertStatusValid
	}
}
