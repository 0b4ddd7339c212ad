package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"tether/internal/flow"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodePrecondition indicates missing configuration or credentials.
	ExitCodePrecondition = 2
	// ExitCodeAuthFailed indicates the authorization flow failed.
	ExitCodeAuthFailed = 3
)

// rootCmd is the base command for the tether application.
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Connect tool servers and email accounts to your workspace",
	Long: `tether connects external tool servers and email accounts to your
workspace through OAuth, without ever handling provider client secrets
locally. Secrets stay on the connect service; tether drives the
authorization flow and receives the provider redirect.`,
	// SilenceUsage keeps handled errors from dumping the usage text.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the main
// package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tether version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes for scripting.
func getExitCode(err error) int {
	var preErr *flow.PreconditionError
	if errors.As(err, &preErr) {
		return ExitCodePrecondition
	}

	var provErr *flow.ProviderError
	if errors.As(err, &provErr) {
		return ExitCodeAuthFailed
	}
	var exErr *flow.ExchangeError
	if errors.As(err, &exErr) {
		return ExitCodeAuthFailed
	}
	var sessErr *flow.SessionExpiredError
	if errors.As(err, &sessErr) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRevokeCmd())
	rootCmd.AddCommand(newTargetsCmd())
	rootCmd.AddCommand(newServeCmd())
}
