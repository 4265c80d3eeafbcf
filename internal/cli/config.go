package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	"github.com/coral-mesh/portalca/internal/config"
	"github.com/coral-mesh/portalca/internal/safe"
)

func newConfigCmd(opts *helpers.GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect portalca configuration",
	}

	cmd.AddCommand(newConfigViewCmd(opts))
	cmd.AddCommand(newConfigValidateCmd(opts))

	return cmd
}

// configSource describes where the configuration file path came from.
func configSource(opts *helpers.GlobalOptions) (path, source string) {
	path = config.ResolvePath(opts.ConfigPath)
	switch {
	case opts.ConfigPath != "":
		source = "--config"
	case os.Getenv(config.PathEnv) != "":
		source = "$" + config.PathEnv
	default:
		source = "default"
	}
	if !safe.Exists(path) {
		source += ", file not present"
	}
	return path, source
}

func newConfigViewCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after defaults, the YAML file and PORTALCA_*
environment variables are merged. Passphrase sources are references, never
passphrases, so the output is safe to share.

Use --raw to output the merged config without annotations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, source := configSource(opts)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}

			if !raw {
				cmd.Printf("# File: %s (%s)\n", path, source)
				cmd.Println("#")
				cmd.Println("# Config sources (priority order):")
				cmd.Println("#   1. Environment variables PORTALCA_* (highest)")
				cmd.Println("#   2. Configuration file")
				cmd.Println("#   3. Built-in defaults")
				cmd.Println()
			}
			cmd.Print(string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Output raw YAML without annotations")
	return cmd
}

func newConfigValidateCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration, reporting every invalid setting at once.

Checks include:
- Absolute paths for every CA, leaf, lock and ledger location
- Passphrase source syntax (env:NAME, file:/path, prompt)
- Parsable RFC 4514 CA subjects and a {user} placeholder in user_leaf.tmp_root
- Key size, signature algorithm and renewal window ordering`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := configSource(opts)
			_, loadErr := config.Load(path)

			result := struct {
				Path   string                   `json:"path"`
				Valid  bool                     `json:"valid"`
				Errors []config.ValidationError `json:"errors,omitempty"`
				Error  string                   `json:"error,omitempty"`
			}{Path: path, Valid: loadErr == nil}

			var multi *config.MultiValidationError
			switch {
			case loadErr == nil:
			case errors.As(loadErr, &multi):
				result.Errors = multi.Errors
			default:
				result.Error = loadErr.Error()
			}

			if format != string(helpers.FormatTable) {
				if err := helpers.Print(cmd, format, result); err != nil {
					return err
				}
				return loadErr
			}

			switch {
			case result.Valid:
				cmd.Printf("%s: valid\n", path)
			case len(result.Errors) > 0:
				for _, e := range result.Errors {
					cmd.Printf("  %s: %s\n", e.Field, e.Message)
				}
				cmd.Println()
				cmd.Printf("Validation summary: %d invalid setting(s)\n", len(result.Errors))
			default:
				cmd.Printf("%s: %s\n", path, result.Error)
			}
			return loadErr
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}
