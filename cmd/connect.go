package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tether/internal/callback"
	"tether/internal/config"
	"tether/internal/flow"
	"tether/internal/metadata"
)

// Connect-specific flags.
var (
	connectClientID     string
	connectClientSecret string
	connectScope        string
	connectTenant       string
	connectReturnURL    string
	connectRemote       bool
	connectTimeout      time.Duration
)

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <target>",
		Short: "Authorize a saved target",
		Long: `Start the OAuth authorization flow for a saved target and wait for
it to complete.

By default a local callback server receives the provider redirect. With
--remote the redirect instead goes to a 'tether serve' daemon running on
this machine, and this command waits for the daemon to record the
completion in the shared pending store.

Examples:
  tether connect github-tools
  tether connect work-mail --tenant contoso
  tether connect legacy-crm --client-id my-registered-app
  tether connect github-tools --remote`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}

	cmd.Flags().StringVar(&connectClientID, "client-id", "", "OAuth client id for providers without dynamic registration")
	cmd.Flags().StringVar(&connectClientSecret, "client-secret", "", "OAuth client secret, forwarded to the connect service once")
	cmd.Flags().StringVar(&connectScope, "scope", "", "Override the requested scope")
	cmd.Flags().StringVar(&connectTenant, "tenant", "", "Tenant for multi-tenant providers")
	cmd.Flags().StringVar(&connectReturnURL, "return-url", "", "Where the browser is sent after a successful authorization")
	cmd.Flags().BoolVar(&connectRemote, "remote", false, "Complete the flow through a 'tether serve' daemon on this machine")
	cmd.Flags().DurationVar(&connectTimeout, "timeout", callback.WaitTimeout, "How long to wait for the authorization to complete")

	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
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

	resolver := metadata.NewResolver(brokerClient)
	opts := flow.Options{
		ClientID:     connectClientID,
		ClientSecret: connectClientSecret,
		Scope:        connectScope,
		Tenant:       connectTenant,
		ReturnURL:    connectReturnURL,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()

	if connectRemote {
		return runRemoteConnect(ctx, d, resolver, target, opts)
	}
	return runLocalConnect(ctx, d, resolver, target, opts)
}

// runLocalConnect completes the flow through a single-shot local callback
// server owned by this process.
func runLocalConnect(ctx context.Context, d *deps, resolver flow.MetadataResolver, target config.Target, opts flow.Options) error {
	var srvOpts []callback.ServerOption
	if d.cfg.Callback.SuccessURL != "" {
		srvOpts = append(srvOpts, callback.WithSuccessURL(d.cfg.Callback.SuccessURL))
	}
	srv := callback.NewSingleShot(d.cfg.Callback.Port, callback.NewProcessor(d.broker, d.store), srvOpts...)

	redirectURI, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	defer srv.Stop()

	controller := flow.NewController(d.broker, resolver, d.store, flow.BrowserNavigator{}, redirectURI)
	sess, err := startFlow(ctx, controller, target, opts)
	if err != nil {
		return err
	}

	qPrintln("Opening browser for authorization...")
	qPrint("If the browser does not open, visit:\n  %s\n\n", sess.AuthURL)

	stop := startSpinner(" Waiting for authorization...")
	outcome, err := srv.WaitForOutcome(ctx)
	stop()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out waiting for the authorization to complete")
		}
		return err
	}

	return reportOutcome(target.Name, outcome)
}

// runRemoteConnect starts the flow against a serve daemon's public
// callback URL and waits for the daemon to record completion.
func runRemoteConnect(ctx context.Context, d *deps, resolver flow.MetadataResolver, target config.Target, opts flow.Options) error {
	publicURL := d.cfg.Callback.PublicURL
	if publicURL == "" {
		return &flow.PreconditionError{Reason: "remote connect requires callback.publicURL to point at a running 'tether serve' daemon"}
	}
	redirectURI := strings.TrimSuffix(publicURL, "/") + "/callback"

	controller := flow.NewController(d.broker, resolver, d.store, flow.BrowserNavigator{}, redirectURI)
	sess, err := startFlow(ctx, controller, target, opts)
	if err != nil {
		return err
	}

	qPrintln("Opening browser for authorization...")
	qPrint("If the browser does not open, visit:\n  %s\n\n", sess.AuthURL)

	stop := startSpinner(" Waiting for the serve daemon to receive the redirect...")
	completion, err := d.store.WatchCompletion(ctx, sess.SessionID)
	stop()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timed out waiting for the authorization to complete")
		}
		return err
	}
	defer func() {
		_ = d.store.ClearCompletion(sess.SessionID)
	}()

	if !completion.Succeeded() {
		qPrint("%s Authorization for %s failed: %s\n", text.FgRed.Sprint("✗"), target.Name, completion.Err)
		return fmt.Errorf("authorization failed: %s", completion.Err)
	}

	qPrint("%s %s connected.\n", text.FgGreen.Sprint("✓"), target.Name)
	return nil
}

// startFlow runs controller.Start, prompting once for client credentials
// when the provider turns out to need them.
func startFlow(ctx context.Context, controller *flow.Controller, target config.Target, opts flow.Options) (*flow.Session, error) {
	sess, err := controller.Start(ctx, target, opts)
	if err == nil {
		return sess, nil
	}

	var preErr *flow.PreconditionError
	if !errors.As(err, &preErr) || opts.ClientID != "" || quiet {
		return nil, err
	}
	if !strings.Contains(preErr.Reason, "client id") {
		return nil, err
	}

	qPrintln("This provider does not support automatic client registration.")
	clientID, clientSecret, promptErr := promptForCredentials()
	if promptErr != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, err
	}

	opts.ClientID = clientID
	opts.ClientSecret = clientSecret
	return controller.Start(ctx, target, opts)
}

// promptForCredentials interactively asks for a client id and an optional
// secret. The secret is read without echo and goes straight to the connect
// service.
func promptForCredentials() (clientID, clientSecret string, err error) {
	rl, err := readline.NewEx(&readline.Config{Prompt: "Client ID: "})
	if err != nil {
		return "", "", err
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		return "", "", err
	}
	clientID = strings.TrimSpace(line)

	secret, err := rl.ReadPassword("Client secret (leave empty if none): ")
	if err != nil {
		return "", "", err
	}
	return clientID, strings.TrimSpace(string(secret)), nil
}

func reportOutcome(targetName string, outcome callback.Outcome) error {
	switch outcome.Kind {
	case callback.OutcomeSuccess, callback.OutcomeRemoteCompleted:
		qPrint("%s %s connected.\n", text.FgGreen.Sprint("✓"), targetName)
		return nil
	case callback.OutcomeProviderError:
		qPrint("%s The provider denied the authorization.\n", text.FgRed.Sprint("✗"))
		return outcome.Err
	case callback.OutcomeSessionExpired:
		qPrint("%s The authorization session expired. Run the command again.\n", text.FgRed.Sprint("✗"))
		return outcome.Err
	default:
		if outcome.Err != nil {
			return outcome.Err
		}
		return fmt.Errorf("authorization did not complete (%s)", outcome.Kind)
	}
}

// startSpinner starts a progress spinner unless --quiet is set. The
// returned func stops it.
func startSpinner(suffix string) func() {
	if quiet {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = suffix
	s.Start()
	return s.Stop
}
