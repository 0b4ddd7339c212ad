// Package flow drives the client side of the authorization-code flow: it
// resolves metadata, opens a broker session, stores the pending attempt,
// and sends the user to the provider's consent page.
package flow

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"tether/internal/broker"
	"tether/internal/config"
	"tether/internal/metadata"
	"tether/internal/pending"
	"tether/pkg/logging"
	"tether/pkg/pkce"
)

// State describes where a target's connection currently stands.
type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StatePending      State = "pending"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status is an immutable snapshot of a target's connection state.
type Status struct {
	State     State
	Scope     string
	ExpiresAt time.Time
	Err       error
}

// Options are per-attempt choices supplied by the user.
type Options struct {
	// ClientID and ClientSecret are only meaningful for providers without
	// dynamic client registration. The secret is handed to the broker once
	// and never stored on this side.
	ClientID     string
	ClientSecret string

	// Scope overrides the target's saved scope.
	Scope string

	// Tenant parameterizes multi-tenant presets.
	Tenant string

	// ReturnURL, when set, is where the callback page redirects after a
	// successful completion.
	ReturnURL string
}

// Session identifies a started authorization attempt.
type Session struct {
	SessionID string
	State     string
	AuthURL   string
}

// Broker is the subset of the broker client the controller needs.
type Broker interface {
	StartSession(ctx context.Context, req *broker.StartSessionRequest) (*broker.StartSessionResponse, error)
	Status(ctx context.Context, targetID string) (*broker.StatusResponse, error)
	Revoke(ctx context.Context, targetID string) error
}

// MetadataResolver resolves authorization-server endpoints for a target.
type MetadataResolver interface {
	Resolve(ctx context.Context, req metadata.Request) (*metadata.Metadata, error)
}

// Navigator sends the user to the provider's consent page.
type Navigator interface {
	Navigate(url string) error
}

// Controller owns the per-target connection state machine.
type Controller struct {
	broker      Broker
	resolver    MetadataResolver
	store       *pending.Store
	nav         Navigator
	redirectURI string

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewController creates a flow controller. redirectURI is where the
// provider sends the user back, either the loopback receiver or the
// daemon's public callback URL.
func NewController(b Broker, r MetadataResolver, store *pending.Store, nav Navigator, redirectURI string) *Controller {
	return &Controller{
		broker:      b,
		resolver:    r,
		store:       store,
		nav:         nav,
		redirectURI: redirectURI,
		statuses:    make(map[string]Status),
	}
}

// Status returns the last observed status for a target.
func (c *Controller) Status(targetID string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if st, ok := c.statuses[targetID]; ok {
		return st
	}
	return Status{State: StateIdle}
}

func (c *Controller) setStatus(targetID string, st Status) {
	c.mu.Lock()
	c.statuses[targetID] = st
	c.mu.Unlock()
}

// Start runs the client half of the authorization-code flow for a target
// and leaves the connection in Pending, waiting for the provider redirect.
// The target must come from the saved registry; callers resolve the name
// through config.TargetRegistry before starting a flow.
func (c *Controller) Start(ctx context.Context, target config.Target, opts Options) (*Session, error) {
	if target.AuthMethod != config.AuthOAuth2 {
		return nil, c.failPrecondition(target.ID, fmt.Sprintf("target %s does not use OAuth", target.Name))
	}
	if target.Provider == "" && target.URL == "" {
		return nil, c.failPrecondition(target.ID, fmt.Sprintf("target %s has neither a provider nor a URL to resolve", target.Name))
	}

	c.setStatus(target.ID, Status{State: StateLoading})

	md, err := c.resolver.Resolve(ctx, metadata.Request{
		TargetID: target.ID,
		Provider: target.Provider,
		Tenant:   firstNonEmpty(opts.Tenant, target.Tenant),
		Resource: target.URL,
	})
	if err != nil {
		mdErr := &MetadataError{Resource: firstNonEmpty(target.URL, target.Provider), Err: err}
		c.setStatus(target.ID, Status{State: StateError, Err: mdErr})
		return nil, mdErr
	}

	// With a registration endpoint the broker registers a client itself;
	// without one the user must have supplied an id.
	clientID := firstNonEmpty(opts.ClientID, target.ClientID)
	if !md.SupportsDynamicRegistration() && clientID == "" {
		return nil, c.failPrecondition(target.ID,
			fmt.Sprintf("provider for %s does not support dynamic registration; a client id is required", target.Name))
	}

	var gen pkce.Generator
	pair, err := gen.Generate()
	if err != nil {
		c.setStatus(target.ID, Status{State: StateError, Err: err})
		return nil, err
	}
	state, err := gen.RandomNonce(pkce.StateBytes)
	if err != nil {
		c.setStatus(target.ID, Status{State: StateError, Err: err})
		return nil, err
	}

	scope := resolveScope(opts, target)

	req := &broker.StartSessionRequest{
		TargetID:            target.ID,
		Scope:               scope,
		TokenEndpoint:       md.TokenEndpoint,
		CodeChallenge:       pair.Challenge,
		CodeChallengeMethod: pkce.ChallengeMethod,
		RedirectURI:         c.redirectURI,
		State:               state,
		Metadata:            md,
	}
	if !md.SupportsDynamicRegistration() {
		req.ClientID = clientID
		req.ClientSecret = opts.ClientSecret
	}

	resp, err := c.broker.StartSession(ctx, req)
	if err != nil {
		tErr := &TransportError{Op: "start session", Err: err}
		c.setStatus(target.ID, Status{State: StateError, Err: tErr})
		return nil, tErr
	}

	// The broker may normalize the state and may have registered a client.
	if resp.State != "" {
		state = resp.State
	}
	if resp.ClientID != "" {
		clientID = resp.ClientID
	}
	if clientID == "" {
		err := fmt.Errorf("broker did not register a client and none was configured")
		c.setStatus(target.ID, Status{State: StateError, Err: err})
		return nil, err
	}

	record := &pending.Record{
		State:     state,
		SessionID: resp.SessionID,
		TargetID:  target.ID,
		ReturnURL: opts.ReturnURL,
		CreatedAt: time.Now(),
	}
	if err := c.store.Save(record); err != nil {
		c.setStatus(target.ID, Status{State: StateError, Err: err})
		return nil, err
	}

	authURL := buildAuthorizationURL(md, target, clientID, c.redirectURI, state, scope, pair.Challenge)

	c.setStatus(target.ID, Status{State: StatePending})
	logging.Info("Flow", "Authorization session %s started for target %s", resp.SessionID, target.Name)

	if err := c.nav.Navigate(authURL); err != nil {
		// The URL is still usable manually, so the attempt stays pending.
		logging.Warn("Flow", "Could not open browser: %v", err)
	}

	return &Session{SessionID: resp.SessionID, State: state, AuthURL: authURL}, nil
}

// RefreshStatus asks the broker where the target's connection stands and
// updates the snapshot. A pending local attempt keeps the target in
// Pending until the broker reports it connected.
func (c *Controller) RefreshStatus(ctx context.Context, targetID string) Status {
	resp, err := c.broker.Status(ctx, targetID)
	if err != nil {
		st := Status{State: StateDisconnected, Err: &TransportError{Op: "status", Err: err}}
		c.setStatus(targetID, st)
		return st
	}

	var st Status
	switch {
	case resp.Connected:
		st = Status{State: StateConnected, Scope: resp.Scope, ExpiresAt: resp.ExpiresAt}
	case c.store.ReadLatestForTarget(targetID) != nil:
		st = Status{State: StatePending}
	default:
		st = Status{State: StateDisconnected}
	}

	c.setStatus(targetID, st)
	return st
}

// Revoke disconnects a target. Local pending state is cleared regardless
// of whether the broker call succeeds.
func (c *Controller) Revoke(ctx context.Context, targetID string) error {
	revokeErr := c.broker.Revoke(ctx, targetID)

	if record := c.store.ReadLatestForTarget(targetID); record != nil {
		if err := c.store.Clear(record.State, targetID); err != nil {
			logging.Warn("Flow", "Failed to clear pending record for %s: %v", targetID, err)
		}
	}

	if revokeErr != nil {
		tErr := &TransportError{Op: "revoke", Err: revokeErr}
		c.setStatus(targetID, Status{State: StateError, Err: tErr})
		return tErr
	}

	c.setStatus(targetID, Status{State: StateDisconnected})
	return nil
}

func (c *Controller) failPrecondition(targetID, reason string) error {
	err := &PreconditionError{Reason: reason}
	c.setStatus(targetID, Status{State: StateError, Err: err})
	return err
}

func resolveScope(opts Options, target config.Target) string {
	if opts.Scope != "" {
		return opts.Scope
	}
	if target.Scope != "" {
		return target.Scope
	}
	if preset, ok := metadata.LookupPreset(target.Provider); ok {
		return preset.DefaultScope
	}
	return ""
}

func buildAuthorizationURL(md *metadata.Metadata, target config.Target, clientID, redirectURI, state, scope, challenge string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", pkce.ChallengeMethod)
	if scope != "" {
		params.Set("scope", scope)
	}
	if preset, ok := metadata.LookupPreset(target.Provider); ok {
		for k, v := range preset.ExtraAuthParams {
			params.Set(k, v)
		}
	}

	separator := "?"
	if u, err := url.Parse(md.AuthorizationEndpoint); err == nil && u.RawQuery != "" {
		separator = "&"
	}
	return md.AuthorizationEndpoint + separator + params.Encode()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
