// Package cli implements the portalca command line.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	"github.com/coral-mesh/portalca/pkg/version"
)

// ErrRotationDue is returned by ca check-rotation when at least one CA is
// inside the rotation window.
var ErrRotationDue = errors.New("CA rotation due")

// Exit codes beyond the generic failure.
const (
	ExitFailure     = 1
	ExitRotationDue = 2
)

// NewRootCmd returns the portalca command tree.
func NewRootCmd() *cobra.Command {
	opts := &helpers.GlobalOptions{}

	cmd := &cobra.Command{
		Use:   "portalca",
		Short: "Short-lived mTLS certificates for the portal proxy and user backends",
		Long: `portalca maintains the certificates that secure the connection between the
portal proxy and each user's interactive backend.

- Infrastructure CA: signs the proxy's client certificate
- User CAs: one per portal account, signs that user's backend certificate
- Leaves: short-lived key pairs reissued before they enter the renewal window

Run "portalca leaf ensure" from the job launcher and "portalca proxy ensure"
(or "portalca proxy watch") on the proxy host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newCACmd(opts))
	cmd.AddCommand(newLeafCmd(opts))
	cmd.AddCommand(newProxyCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("portalca version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRotationDue):
		return ExitRotationDue
	default:
		return ExitFailure
	}
}
