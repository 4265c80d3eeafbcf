package cli

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/provision"
)

func newCACmd(opts *helpers.GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the infrastructure and user certificate authorities",
		Long: `Manage the certificate authorities.

The infrastructure CA signs the proxy certificate. Each portal user has a
private CA that signs the certificate of their backend, so one user's CA can
never vouch for another user's backend.`,
	}

	cmd.AddCommand(newCACreateCmd(opts))
	cmd.AddCommand(newCAStatusCmd(opts))
	cmd.AddCommand(newCACheckRotationCmd(opts))

	return cmd
}

// caRow is a table row for one CA.
type caRow struct {
	Name        string    `header:"NAME"`
	Role        string    `header:"ROLE"`
	Present     bool      `header:"PRESENT"`
	Managed     bool      `header:"MANAGED"`
	NotAfter    time.Time `header:"NOT AFTER"`
	ExpiresSoon bool      `header:"ROTATE"`
	CertPath    string    `header:"CERT"`
	Error       string    `header:"ERROR"`
}

func newCACreateCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		role    string
		user    string
		subject string
		format  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or replace) a CA",
		Long: `Create a new CA key pair and self-signed certificate.

An existing CA at the same location is replaced: every leaf it signed stops
validating and is reissued on its next ensure. Managed CAs are never created.`,
		Example: `  portalca ca create --role infra
  portalca ca create --role infra --subject "CN=Portal infrastructure CA,O=Example"
  portalca ca create --role user --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			var cert *x509.Certificate
			switch role {
			case "infra", "infrastructure":
				cert, err = rt.Provisioner.CreateInfrastructureCA(cmd.Context(), subject)
			case "user":
				if subject != "" {
					return perrors.Configuration("--subject applies to the infrastructure CA; user CAs use user_ca.subject_template")
				}
				identity, lookupErr := helpers.ResolveUser(user)
				if lookupErr != nil {
					return lookupErr
				}
				cert, err = rt.Provisioner.CreateUserCA(cmd.Context(), identity)
			default:
				return perrors.Configuration("unknown CA role %q (use infra or user)", role)
			}
			if err != nil {
				return err
			}

			if format == string(helpers.FormatTable) {
				cmd.Printf("Created CA %s\n", cert.Subject)
				cmd.Printf("  Serial:    %s\n", cert.SerialNumber.Text(16))
				cmd.Printf("  Not after: %s\n", cert.NotAfter.UTC().Format(time.RFC3339))
				return nil
			}
			return helpers.Print(cmd, format, map[string]any{
				"subject":   cert.Subject.String(),
				"serial":    cert.SerialNumber.Text(16),
				"not_after": cert.NotAfter,
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "CA role (infra or user)")
	helpers.AddUserFlag(cmd, &user)
	cmd.Flags().StringVar(&subject, "subject", "", "RFC 4514 subject for the infrastructure CA (defaults to the configured subject)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func newCAStatusCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every configured CA and its expiry",
		Long:  `List the infrastructure CA and every user CA. Only certificates are read; no passphrase is needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			statuses, err := rt.Provisioner.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printCAStatuses(cmd, format, statuses)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func newCACheckRotationCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "check-rotation",
		Short: "Report CAs inside the rotation window",
		Long: `Report every CA whose certificate expires within policy.ca_rotation_warn_days.

Exits with status 2 when at least one CA is due, so the command can drive a
cron job or monitoring check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			due, err := rt.Provisioner.CheckRotation(cmd.Context())
			if err != nil {
				return err
			}
			if len(due) == 0 {
				if format == string(helpers.FormatTable) {
					cmd.Println("No CA is due for rotation")
					return nil
				}
				return helpers.Print(cmd, format, []provision.CAStatus{})
			}
			if err := printCAStatuses(cmd, format, due); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d CA(s) expire within %d days",
				ErrRotationDue, len(due), rt.Config.Policy.CARotationWarnDays)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func printCAStatuses(cmd *cobra.Command, format string, statuses []provision.CAStatus) error {
	if format != string(helpers.FormatTable) {
		return helpers.Print(cmd, format, statuses)
	}
	rows := make([]caRow, len(statuses))
	for i, st := range statuses {
		rows[i] = caRow{
			Name:        st.Name,
			Role:        string(st.Role),
			Present:     st.Present,
			Managed:     st.Managed,
			NotAfter:    st.NotAfter,
			ExpiresSoon: st.ExpiresSoon,
			CertPath:    st.CertPath,
			Error:       st.Error,
		}
	}
	return helpers.Print(cmd, format, rows)
}
