package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/fsstore"
	"github.com/coral-mesh/portalca/internal/logging"
	"github.com/coral-mesh/portalca/internal/watch"
	"github.com/coral-mesh/portalca/pkg/version"
)

// DefaultWatchInterval is how often proxy watch re-checks the certificate
// when the CA has not changed.
const DefaultWatchInterval = 6 * time.Hour

func newProxyCmd(opts *helpers.GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the proxy client certificate",
		Long: `Manage the certificate the portal proxy presents to user backends.

It is signed by the infrastructure CA and written to proxy.cert_dir together
with a copy of that CA.`,
	}

	cmd.AddCommand(newProxyEnsureCmd(opts))
	cmd.AddCommand(newProxyStatusCmd(opts))
	cmd.AddCommand(newProxyWatchCmd(opts))

	return cmd
}

func newProxyEnsureCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make sure the proxy has a valid certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.Provisioner.EnsureProxyCertificate(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd, format, res)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func newProxyStatusCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the proxy certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			return printLeafInfo(cmd, format, rt.Provisioner.ProxyLeafStatus())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

func newProxyWatchCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		debounce time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reissue the proxy certificate whenever the infrastructure CA changes",
		Long: `Ensure the proxy certificate, then watch the infrastructure CA directory and
ensure it again after every change to ca.crt and every --interval, so the
certificate is also renewed before it expires. Use this when the
infrastructure CA is managed by another tool that rotates it in place. The
CA directory is created if it does not exist yet.

Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := logging.NewWithComponent(rt.LogConfig, "proxy-watch")
			logger.Info().Str("version", version.String()).Msg("Starting proxy certificate watch")

			// Each pass gets a fresh runtime so configuration edits apply and
			// the ledger is held only while recording.
			ensure := func(ctx context.Context) error {
				pass, err := helpers.NewRuntime(ctx, opts, true)
				if err != nil {
					logger.Error().Err(err).Msg("Failed to prepare proxy certificate check")
					return nil
				}
				defer pass.Close()

				res, err := pass.Provisioner.EnsureProxyCertificate(ctx)
				switch {
				case errors.Is(err, perrors.ErrCAUnavailable):
					logger.Warn().Err(err).Msg("Infrastructure CA unavailable, waiting for it to appear")
				case err != nil:
					logger.Error().Err(err).Msg("Failed to ensure proxy certificate")
				case res.Reused:
					logger.Debug().Str("serial", res.Serial).Msg("Proxy certificate still valid")
				default:
					logger.Info().
						Str("serial", res.Serial).
						Time("not_after", res.NotAfter).
						Str("cert_path", res.CertPath).
						Msg("Reissued proxy certificate")
				}
				return nil
			}

			_ = ensure(cmd.Context())

			infra, err := rt.Provisioner.InfrastructureAuthority()
			if err != nil {
				return err
			}
			certPath := infra.CertPath()
			certDir := filepath.Dir(certPath)
			if err := os.MkdirAll(certDir, fsstore.PublicDirMode); err != nil {
				return perrors.Persistence(fmt.Sprintf("create CA directory %s", certDir), err)
			}
			return watch.Watch(cmd.Context(), []string{certDir}, watch.Options{
				Debounce: debounce,
				Names:    []string{filepath.Base(certPath)},
				Interval: interval,
				Logger:   rt.Logger,
			}, ensure)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period after a change before reissuing")
	cmd.Flags().DurationVar(&interval, "interval", DefaultWatchInterval, "Period between checks for an expiring certificate (0 disables)")
	return cmd
}
