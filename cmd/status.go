package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tether/internal/config"
	"tether/internal/flow"
	"tether/internal/metadata"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [target]",
		Short: "Show connection status",
		Long: `Show the connection status of saved targets as reported by the
connect service, alongside any locally pending authorization attempts.

Examples:
  tether status              # All targets
  tether status github-tools # One target`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := loadDeps()
	if err != nil {
		return err
	}
	brokerClient, err := d.requireBroker()
	if err != nil {
		return err
	}

	var targets []config.Target
	if len(args) == 1 {
		target, err := d.findTarget(args[0])
		if err != nil {
			return err
		}
		targets = []config.Target{target}
	} else {
		targets = d.targets.All()
	}

	if len(targets) == 0 {
		qPrintln("No targets saved. Add one with 'tether targets add'.")
		return nil
	}

	resolver := metadata.NewResolver(brokerClient)
	controller := flow.NewController(brokerClient, resolver, d.store, flow.BrowserNavigator{}, "")

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Kind", "Status", "Scope", "Expires"})

	for _, target := range targets {
		st := controller.RefreshStatus(cmd.Context(), target.ID)

		expires := ""
		if !st.ExpiresAt.IsZero() {
			expires = formatExpiryWithDirection(st.ExpiresAt)
		}

		statusCell := formatState(st.State)
		if st.State == flow.StatePending {
			if record := d.store.ReadLatestForTarget(target.ID); record != nil {
				statusCell += text.FgHiBlack.Sprintf(" (started %s ago)", formatDuration(time.Since(record.CreatedAt)))
			}
		}

		t.AppendRow(table.Row{target.Name, string(target.Kind), statusCell, st.Scope, expires})
	}

	t.Render()
	return nil
}

// formatState renders a connection state with colors.
func formatState(state flow.State) string {
	switch state {
	case flow.StateConnected:
		return text.FgGreen.Sprint("Connected")
	case flow.StatePending:
		return text.FgYellow.Sprint("Pending")
	case flow.StateDisconnected:
		return text.FgHiBlack.Sprint("Disconnected")
	case flow.StateError:
		return text.FgRed.Sprint("Error")
	default:
		return text.FgHiBlack.Sprint(string(state))
	}
}
