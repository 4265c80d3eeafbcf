package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/portalca/internal/cli/helpers"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/ledger"
)

// eventRow is a table row for one ledger event.
type eventRow struct {
	RecordedAt time.Time `header:"RECORDED"`
	Kind       string    `header:"KIND"`
	Role       string    `header:"ROLE"`
	Subject    string    `header:"SUBJECT"`
	Serial     string    `header:"SERIAL"`
	NotAfter   time.Time `header:"NOT AFTER"`
}

func newHistoryCmd(opts *helpers.GlobalOptions) *cobra.Command {
	var (
		filter ledger.Filter
		since  time.Duration
		format string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded CA creations and leaf issuances",
		Long:  `Query the issuance ledger, newest first. Requires ledger_path to be configured.`,
		Example: `  portalca history --subject alice
  portalca history --kind ca_created --since 720h -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := helpers.NewRuntime(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.Ledger == nil {
				return perrors.Configuration("no issuance ledger configured (set ledger_path)")
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			events, err := rt.Ledger.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if format != string(helpers.FormatTable) {
				return helpers.Print(cmd, format, events)
			}
			if len(events) == 0 {
				cmd.Println("No matching events")
				return nil
			}
			rows := make([]eventRow, len(events))
			for i, ev := range events {
				rows[i] = eventRow{
					RecordedAt: ev.RecordedAt,
					Kind:       ev.Kind,
					Role:       ev.Role,
					Subject:    ev.Subject,
					Serial:     ev.Serial,
					NotAfter:   ev.NotAfter,
				}
			}
			return helpers.Print(cmd, format, rows)
		},
	}

	cmd.Flags().StringVar(&filter.Subject, "subject", "", "Only events for this subject")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "Only events of this kind (ca_created, leaf_issued)")
	cmd.Flags().StringVar(&filter.Role, "role", "", "Only events for this role (infrastructure, user, proxy)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events recorded within this duration (e.g. 24h)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum number of events")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}
