package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	"github.com/coral-mesh/portalca/internal/leaf"
	"github.com/coral-mesh/portalca/internal/provision"
)

func newLeafCmd(opts *helpers.GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaf",
		Short: "Manage user backend certificates",
		Long: `Manage the short-lived certificate each user's backend presents to the proxy.

The key pair is written below the user's temporary root (user_leaf.tmp_root)
together with a copy of the user's CA, all owned by the user.`,
	}

	cmd.AddCommand(newLeafEnsureCmd(opts))
	cmd.AddCommand(newLeafStatusCmd(opts))

	return cmd
}

// resultRow is a table row for an ensure result.
type resultRow struct {
	Subject   string    `header:"SUBJECT"`
	Action    string    `header:"ACTION"`
	Serial    string    `header:"SERIAL"`
	NotAfter  time.Time `header:"NOT AFTER"`
	CertPath  string    `header:"CERT"`
	KeyPath   string    `header:"KEY"`
	CACreated bool      `header:"CA CREATED"`
}

// leafRow is a table row for an on-disk leaf.
type leafRow struct {
	Subject  string    `header:"SUBJECT"`
	Status   string    `header:"STATUS"`
	Days     int       `header:"DAYS LEFT"`
	NotAfter time.Time `header:"NOT AFTER"`
	Issuer   string    `header:"ISSUER"`
	CertPath string    `header:"CERT"`
}

func newLeafEnsureCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		user   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make sure a user has a valid backend certificate",
		Long: `Reuse the user's certificate when it is valid, otherwise issue a new one.

The user's CA is created on first use unless user_ca.managed is set.`,
		Example: `  sudo portalca leaf ensure --user alice
  portalca leaf ensure -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := helpers.ResolveUser(user)
			if err != nil {
				return err
			}
			if err := helpers.CheckCanOwn(identity); err != nil {
				return err
			}

			rt, err := helpers.NewRuntime(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Provisioner.EnsureUserCertificate(cmd.Context(), identity)
			if err != nil {
				return err
			}
			return printResult(cmd, format, res)
		},
	}

	helpers.AddUserFlag(cmd, &user)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func newLeafStatusCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		user   string
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a user's backend certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := helpers.ResolveUser(user)
			if err != nil {
				return err
			}

			rt, err := helpers.NewRuntime(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			info, err := rt.Provisioner.UserLeafStatus(identity)
			if err != nil {
				return err
			}
			return printLeafInfo(cmd, format, info)
		},
	}

	helpers.AddUserFlag(cmd, &user)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func printResult(cmd *cobra.Command, format string, res *provision.Result) error {
	if format != string(helpers.FormatTable) {
		return helpers.Print(cmd, format, res)
	}
	action := "issued"
	if res.Reused {
		action = "reused"
	}
	return helpers.Print(cmd, format, resultRow{
		Subject:   res.Subject,
		Action:    action,
		Serial:    res.Serial,
		NotAfter:  res.NotAfter,
		CertPath:  res.CertPath,
		KeyPath:   res.KeyPath,
		CACreated: res.CACreated,
	})
}

func printLeafInfo(cmd *cobra.Command, format string, info *leaf.Info) error {
	if format != string(helpers.FormatTable) {
		return helpers.Print(cmd, format, info)
	}
	return helpers.Print(cmd, format, leafRow{
		Subject:  info.Subject,
		Status:   string(info.Status),
		Days:     info.DaysRemaining,
		NotAfter: info.NotAfter,
		Issuer:   info.Issuer,
		CertPath: info.CertPath,
	})
}
