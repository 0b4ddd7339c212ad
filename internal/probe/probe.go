// Package probe checks what a target server needs before it can be
// connected: whether it speaks MCP, and whether it demands OAuth.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"tether/pkg/logging"
	"tether/pkg/wwwauth"
)

// DefaultTimeout bounds a single probe attempt.
const DefaultTimeout = 15 * time.Second

const protocolVersion = "2024-11-05"

// Result is what a probe learned about a target server.
type Result struct {
	// Reachable is true when the server completed the MCP handshake,
	// with or without authentication.
	Reachable bool

	// ServerName is the implementation name the server announced.
	ServerName string

	// RequiresAuth is true when the server answered with a 401.
	RequiresAuth bool

	// Issuer and Scope are pre-fill hints extracted from the server's
	// WWW-Authenticate challenge, when it sent one.
	Issuer string
	Scope  string
}

// Prober performs MCP handshakes against candidate targets.
type Prober struct {
	timeout time.Duration
}

// Option configures the prober.
type Option func(*Prober)

// WithTimeout overrides the probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.timeout = d
	}
}

// New creates a prober.
func New(opts ...Option) *Prober {
	p := &Prober{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe attempts an MCP initialize handshake against url. A 401 response
// is not an error: it is reported as RequiresAuth together with whatever
// the challenge revealed about the authorization server.
func (p *Prober) Probe(ctx context.Context, url string) (*Result, error) {
	mcpClient, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe client: %w", err)
	}
	defer mcpClient.Close()

	timeoutCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := mcpClient.Start(timeoutCtx); err != nil {
		if result := p.resultFromAuthError(err); result != nil {
			return result, nil
		}
		return nil, fmt.Errorf("failed to reach %s: %w", url, err)
	}

	req := mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "tether",
				Version: "1.0.0",
			},
		},
	}

	initResult, err := mcpClient.Initialize(timeoutCtx, req)
	if err != nil {
		if result := p.resultFromAuthError(err); result != nil {
			return result, nil
		}
		return nil, fmt.Errorf("MCP handshake with %s failed: %w", url, err)
	}

	logging.Debug("Probe", "Server %s answered handshake as %q", url, initResult.ServerInfo.Name)

	return &Result{
		Reachable:  true,
		ServerName: initResult.ServerInfo.Name,
	}, nil
}

// resultFromAuthError maps a 401-shaped error to a probe result, or nil
// when the error is something else.
func (p *Prober) resultFromAuthError(err error) *Result {
	challenge := wwwauth.FromError(err)
	if challenge == nil {
		return nil
	}

	logging.Debug("Probe", "Server requires authorization (issuer=%s scope=%s)", challenge.Issuer, challenge.Scope)

	return &Result{
		Reachable:    true,
		RequiresAuth: true,
		Issuer:       challenge.Issuer,
		Scope:        challenge.Scope,
	}
}
