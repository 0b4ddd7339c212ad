// Package broker is the HTTP client for the tether connect service: the
// backend that holds real OAuth client secrets, opens authorization
// sessions, and exchanges authorization codes on the client's behalf.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"tether/internal/metadata"
	"tether/pkg/logging"
)

// DefaultHTTPTimeout is the default timeout for broker requests.
const DefaultHTTPTimeout = 30 * time.Second

const (
	csrfHeader      = "X-CSRF-Token"
	requestIDHeader = "X-Request-ID"
)

// maxErrorBodyBytes caps how much of an error response is read.
const maxErrorBodyBytes = 4096

// Client talks to the broker over JSON/HTTPS. State-mutating calls carry
// the CSRF token; every call carries a request id for correlation.
type Client struct {
	baseURL    string
	csrfToken  string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a broker client for the given base URL.
func New(baseURL, csrfToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		csrfToken:  csrfToken,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a broker response outside the 2xx range. Detail carries the
// broker's structured error message when one was returned.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("broker returned status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("broker returned status %d", e.StatusCode)
}

// StartSessionRequest opens an authorization session. The PKCE challenge
// is included; the verifier never leaves the client.
type StartSessionRequest struct {
	TargetID            string             `json:"targetId"`
	Scope               string             `json:"scope,omitempty"`
	TokenEndpoint       string             `json:"tokenEndpoint"`
	CodeChallenge       string             `json:"codeChallenge"`
	CodeChallengeMethod string             `json:"codeChallengeMethod"`
	RedirectURI         string             `json:"redirectUri"`
	State               string             `json:"state"`
	Metadata            *metadata.Metadata `json:"metadata"`
	ClientID            string             `json:"clientId,omitempty"`
	ClientSecret        string             `json:"clientSecret,omitempty"`
}

// StartSessionResponse carries the broker session. State is the
// broker-confirmed nonce, which may differ from the one submitted;
// ClientID is set when the broker registered a client dynamically.
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	ClientID  string `json:"clientId,omitempty"`
}

// StartSession opens an authorization session for a target.
func (c *Client) StartSession(ctx context.Context, req *StartSessionRequest) (*StartSessionResponse, error) {
	var resp StartSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/oauth/sessions", req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("broker session response missing session id")
	}
	return &resp, nil
}

type discoveryRequest struct {
	TargetID string `json:"targetId"`
	Resource string `json:"resource"`
}

// DiscoverMetadata asks the broker to fetch and map the resource's
// well-known authorization-server metadata. Implements metadata.Discoverer.
func (c *Client) DiscoverMetadata(ctx context.Context, targetID, resource string) (*metadata.Metadata, error) {
	var md metadata.Metadata
	req := discoveryRequest{TargetID: targetID, Resource: resource}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/oauth/metadata/discovery", req, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// StatusResponse is the broker's view of a target's connection.
type StatusResponse struct {
	Connected bool      `json:"connected"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Status queries the connection status for a target.
func (c *Client) Status(ctx context.Context, targetID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := "/v1/oauth/status?" + url.Values{"targetId": {targetID}}.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type revokeRequest struct {
	TargetID string `json:"targetId"`
}

// Revoke asks the broker to revoke and forget the target's tokens.
func (c *Client) Revoke(ctx context.Context, targetID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/oauth/revoke", revokeRequest{TargetID: targetID}, nil)
}

type exchangeRequest struct {
	SessionID         string `json:"sessionId"`
	AuthorizationCode string `json:"authorizationCode"`
	State             string `json:"state"`
}

// ExchangeCode completes the standard flow: the broker exchanges the
// authorization code with the provider using the session it holds.
func (c *Client) ExchangeCode(ctx context.Context, sessionID, code, state string) error {
	req := exchangeRequest{SessionID: sessionID, AuthorizationCode: code, State: state}
	return c.doJSON(ctx, http.MethodPost, "/v1/oauth/callback", req, nil)
}

// RemoteAuthorizeRequest completes a detached attempt. SessionID may be
// empty when the receiver only knows the state; the broker resolves the
// session and echoes it back.
type RemoteAuthorizeRequest struct {
	SessionID         string `json:"sessionId,omitempty"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
	State             string `json:"state,omitempty"`
	Error             string `json:"error,omitempty"`
}

// RemoteAuthorizeResponse echoes the session the broker resolved.
type RemoteAuthorizeResponse struct {
	SessionID string `json:"sessionId"`
}

// RemoteAuthorize completes a detached (remote) authorization attempt.
func (c *Client) RemoteAuthorize(ctx context.Context, req *RemoteAuthorizeRequest) (*RemoteAuthorizeResponse, error) {
	var resp RemoteAuthorizeResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/oauth/remote-auth/authorize", req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	return &resp, nil
}

// doJSON performs a request and decodes a JSON response into out (when out
// is non-nil). Non-2xx responses become *APIError with the broker's error
// detail when the body carries one.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal broker request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create broker request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && c.csrfToken != "" {
		req.Header.Set(csrfHeader, c.csrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse broker response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (c *Client) decodeError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Detail != "":
			apiErr.Detail = eb.Detail
		case eb.Error != "":
			apiErr.Detail = eb.Error
		}
	}

	// Full bodies may contain sensitive hints; log at debug only.
	logging.Debug("Broker", "Request failed: status=%d body=%s", resp.StatusCode, string(body))

	return apiErr
}
