package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tether/internal/broker"
	"tether/internal/config"
	"tether/internal/pending"
	"tether/pkg/logging"
)

// Global flags shared across subcommands.
var (
	configPath string
	quiet      bool
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", config.GetDefaultConfigPathOrPanic(), "Configuration directory")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := logging.LevelWarn
		if debug {
			level = logging.LevelDebug
		}
		logging.Init(level, cmd.ErrOrStderr())
	}
}

// qPrint prints output only if the --quiet flag is not set.
func qPrint(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

// qPrintln prints a line only if the --quiet flag is not set.
func qPrintln(a ...interface{}) {
	if !quiet {
		fmt.Println(a...)
	}
}

// deps bundles what every command needs to talk to the rest of the system.
type deps struct {
	cfg     config.Config
	targets *config.TargetRegistry
	store   *pending.Store
	broker  *broker.Client
}

// loadDeps loads configuration and constructs the shared clients. The
// broker client is nil when no broker URL is configured; commands that
// need one must check with requireBroker.
func loadDeps() (*deps, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	targets, err := config.LoadTargets(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}

	store, err := pending.NewStore(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg, targets: targets, store: store}
	if cfg.Broker.URL != "" {
		d.broker = broker.New(cfg.Broker.URL, cfg.Broker.CSRFToken)
	}
	return d, nil
}

// requireBroker returns the broker client or a precondition failure.
func (d *deps) requireBroker() (*broker.Client, error) {
	if d.broker == nil {
		return nil, fmt.Errorf("no connect service configured; set broker.url in %s/config.yaml or TETHER_BROKER_URL", configPath)
	}
	return d.broker, nil
}

// findTarget resolves a target by name or id.
func (d *deps) findTarget(nameOrID string) (config.Target, error) {
	target, ok := d.targets.Find(nameOrID)
	if !ok {
		return config.Target{}, fmt.Errorf("target %q not found; use 'tether targets list' to see saved targets", nameOrID)
	}
	return target, nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiryWithDirection formats a time as "in X" or "expired X ago".
func formatExpiryWithDirection(expiresAt time.Time) string {
	remaining := time.Until(expiresAt)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}
