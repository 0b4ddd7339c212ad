package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tether/internal/flow"
	"tether/internal/metadata"
)

var revokeYes bool

func newRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <target>",
		Short: "Disconnect a target",
		Long: `Ask the connect service to revoke and forget the target's tokens,
and drop any locally pending authorization attempt.

Examples:
  tether revoke github-tools
  tether revoke github-tools --yes`,
		Args: cobra.ExactArgs(1),
		RunE: runRevoke,
	}

	cmd.Flags().BoolVarP(&revokeYes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func runRevoke(cmd *cobra.Command, args []string) error {
	d, err := loadDeps()
	if err != nil {
		return err
	}
	brokerClient, err := d.requireBroker()
	if err != nil {
		return err
	}
	target, err := d.findTarget(args[0])
	if err != nil {
		return err
	}

	if !revokeYes {
		fmt.Printf("Disconnect %s? The stored tokens will be revoked. [y/N]: ", target.Name)
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			qPrintln("Aborted.")
			return nil
		}
	}

	resolver := metadata.NewResolver(brokerClient)
	controller := flow.NewController(brokerClient, resolver, d.store, flow.BrowserNavigator{}, "")

	if err := controller.Revoke(cmd.Context(), target.ID); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", target.Name, err)
	}

	qPrint("%s %s disconnected.\n", text.FgGreen.Sprint("✓"), target.Name)
	return nil
}
