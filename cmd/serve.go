package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tether/internal/callback"
	"tether/pkg/logging"
)

var (
	servePort     int
	serveLogLevel string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callback daemon",
		Long: `Run a persistent callback server that receives provider redirects.

A running daemon lets authorization flows complete even when the process
that started them has exited, and is the receiving end of remote connects
('tether connect --remote' on another machine, with callback.publicURL
pointing here). Completions are recorded so waiting processes pick them
up.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	cmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Init(logging.ParseLogLevel(serveLogLevel), cmd.ErrOrStderr())

	d, err := loadDeps()
	if err != nil {
		return err
	}
	brokerClient, err := d.requireBroker()
	if err != nil {
		return err
	}

	port := servePort
	if port == 0 {
		port = d.cfg.Callback.Port
	}

	var srvOpts []callback.ServerOption
	if d.cfg.Callback.SuccessURL != "" {
		srvOpts = append(srvOpts, callback.WithSuccessURL(d.cfg.Callback.SuccessURL))
	}
	srv := callback.NewServer(port, callback.NewProcessor(brokerClient, d.store), srvOpts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redirectURI, err := srv.Start(ctx)
	if err != nil {
		return err
	}

	qPrint("Callback daemon listening on %s\n", redirectURI)
	if d.cfg.Callback.PublicURL != "" {
		qPrint("Public callback URL: %s\n", d.cfg.Callback.PublicURL)
	}
	qPrintln("Press Ctrl+C to stop.")

	<-ctx.Done()
	srv.Stop()
	qPrintln("\nShut down.")
	return nil
}
