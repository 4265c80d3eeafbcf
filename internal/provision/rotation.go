package provision

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/coral-mesh/portalca/internal/ca"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/privilege"
)

// CAStatus describes one configured CA.
type CAStatus struct {
	Role     ca.Role   `json:"role"`
	Name     string    `json:"name"`
	CertPath string    `json:"cert_path"`
	Managed  bool      `json:"managed"`
	Present  bool      `json:"present"`
	NotAfter time.Time `json:"not_after,omitempty"`

	// ExpiresSoon is true inside the CA rotation window.
	ExpiresSoon bool   `json:"expires_soon"`
	Error       string `json:"error,omitempty"`
}

// Status reports every configured CA: the infrastructure CA and each user
// CA found under the user CA root. Only certificates are read; no
// passphrase is needed.
func (p *Provisioner) Status(ctx context.Context) ([]CAStatus, error) {
	threshold := p.settings.Policy.CARotationThreshold()

	infra, err := p.InfrastructureAuthority()
	if err != nil {
		return nil, err
	}
	statuses := []CAStatus{inspectCA(infra, "infrastructure", threshold)}

	users, err := p.userCANames()
	if err != nil {
		return nil, err
	}
	for _, name := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		authority, err := p.userAuthorityUnloaded(&privilege.Identity{Username: name})
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, inspectCA(authority, name, threshold))
	}
	return statuses, nil
}

// CheckRotation returns the CAs that are present and expire within the CA
// rotation window, logging a warning for each.
func (p *Provisioner) CheckRotation(ctx context.Context) ([]CAStatus, error) {
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}

	var due []CAStatus
	for _, st := range statuses {
		if !st.Present || !st.ExpiresSoon {
			continue
		}
		p.logger.Warn().
			Str("role", string(st.Role)).
			Str("name", st.Name).
			Time("not_after", st.NotAfter).
			Str("cert_path", st.CertPath).
			Msg("CA certificate is due for rotation")
		due = append(due, st)
	}
	return due, nil
}

func inspectCA(authority *ca.Authority, name string, threshold time.Duration) CAStatus {
	st := CAStatus{
		Role:     authority.Role(),
		Name:     name,
		CertPath: authority.CertPath(),
		Managed:  authority.Managed(),
	}

	notAfter, err := authority.NotAfter()
	switch {
	case errors.Is(err, perrors.ErrCAUnavailable):
		return st
	case err != nil:
		st.Present = true
		st.Error = err.Error()
		return st
	}

	st.Present = true
	st.NotAfter = notAfter
	st.ExpiresSoon, _ = authority.ExpiresSoon(threshold)
	return st
}

// userCANames lists the user directories under the user CA root.
func (p *Provisioner) userCANames() ([]string, error) {
	entries, err := os.ReadDir(p.settings.UserCA.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.Persistence("list user CAs", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && privilege.ValidateUsername(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
