package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tether/internal/config"
	"tether/internal/probe"
)

// Flags for 'targets add'.
var (
	addKind     string
	addURL      string
	addProvider string
	addTenant   string
	addScope    string
	addClientID string
	addNoProbe  bool
)

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage saved connection targets",
	}

	cmd.AddCommand(newTargetsListCmd())
	cmd.AddCommand(newTargetsAddCmd())
	cmd.AddCommand(newTargetsRemoveCmd())
	return cmd
}

func newTargetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps()
			if err != nil {
				return err
			}

			targets := d.targets.All()
			if len(targets) == 0 {
				qPrintln("No targets saved. Add one with 'tether targets add'.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Name", "Kind", "URL / Provider", "Auth", "Pending"})

			for _, target := range targets {
				location := target.URL
				if target.Kind == config.KindEmail {
					location = target.Provider
					if target.Tenant != "" {
						location += " (" + target.Tenant + ")"
					}
				}

				pendingCell := ""
				if record := d.store.ReadLatestForTarget(target.ID); record != nil {
					pendingCell = text.FgYellow.Sprintf("started %s ago", formatDuration(time.Since(record.CreatedAt)))
				}

				t.AppendRow(table.Row{target.Name, string(target.Kind), location, string(target.AuthMethod), pendingCell})
			}

			t.Render()
			return nil
		},
	}
}

func newTargetsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a new target",
		Long: `Save a connection target. MCP targets are probed to verify they are
reachable and to pick up authorization hints the server advertises.

Examples:
  tether targets add github-tools --url https://mcp.github.example.com
  tether targets add work-mail --kind email --provider microsoft --tenant contoso
  tether targets add legacy-crm --url https://crm.example.com/mcp --client-id my-app`,
		Args: cobra.ExactArgs(1),
		RunE: runTargetsAdd,
	}

	cmd.Flags().StringVar(&addKind, "kind", "mcp", "Target kind: mcp or email")
	cmd.Flags().StringVar(&addURL, "url", "", "URL of the tool server (mcp targets)")
	cmd.Flags().StringVar(&addProvider, "provider", "", "Provider preset: google, github, or microsoft")
	cmd.Flags().StringVar(&addTenant, "tenant", "", "Tenant for multi-tenant providers")
	cmd.Flags().StringVar(&addScope, "scope", "", "Scope to request when connecting")
	cmd.Flags().StringVar(&addClientID, "client-id", "", "OAuth client id for providers without dynamic registration")
	cmd.Flags().BoolVar(&addNoProbe, "no-probe", false, "Skip probing mcp targets")

	return cmd
}

func runTargetsAdd(cmd *cobra.Command, args []string) error {
	d, err := loadDeps()
	if err != nil {
		return err
	}

	target := config.Target{
		Name:       args[0],
		Kind:       config.TargetKind(addKind),
		URL:        addURL,
		Provider:   addProvider,
		Tenant:     addTenant,
		Scope:      addScope,
		ClientID:   addClientID,
		AuthMethod: config.AuthOAuth2,
	}

	if target.Kind == config.KindMCP && !addNoProbe {
		stop := startSpinner(" Probing target...")
		result, probeErr := probe.New().Probe(cmd.Context(), target.URL)
		stop()

		switch {
		case probeErr != nil:
			qPrint("%s Could not reach %s: %v\n", text.FgYellow.Sprint("!"), target.URL, probeErr)
			qPrintln("Saving anyway; fix the URL or retry with 'tether connect' later.")
		case result.RequiresAuth:
			qPrint("%s Server is up and requires authorization.\n", text.FgGreen.Sprint("✓"))
			if result.Scope != "" && target.Scope == "" {
				target.Scope = result.Scope
				qPrint("  Using advertised scope: %s\n", result.Scope)
			}
			if result.Issuer != "" {
				qPrint("  Authorization server: %s\n", result.Issuer)
			}
		default:
			qPrint("%s Server %q is reachable without authentication.\n", text.FgGreen.Sprint("✓"), result.ServerName)
			target.AuthMethod = config.AuthNone
		}
	}

	saved, err := d.targets.Add(target)
	if err != nil {
		return err
	}

	qPrint("Saved target %s (%s).\n", saved.Name, saved.ID)
	if saved.AuthMethod == config.AuthOAuth2 {
		qPrint("Connect it with: tether connect %s\n", saved.Name)
	}
	return nil
}

func newTargetsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDeps()
			if err != nil {
				return err
			}

			removed, err := d.targets.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("target %q not found", args[0])
			}

			qPrint("Removed target %s.\n", args[0])
			return nil
		},
	}
}
