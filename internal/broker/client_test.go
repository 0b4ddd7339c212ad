package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSession(t *testing.T) {
	var gotBody map[string]interface{}
	var gotCSRF, gotRequestID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/oauth/sessions", r.URL.Path)
		gotCSRF = r.Header.Get("X-CSRF-Token")
		gotRequestID = r.Header.Get("X-Request-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(StartSessionResponse{
			SessionID: "sess-1",
			State:     "st-normalized",
			ClientID:  "dyn-client",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	resp, err := c.StartSession(context.Background(), &StartSessionRequest{
		TargetID:            "srv-1",
		Scope:               "read",
		TokenEndpoint:       "https://idp/token",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		RedirectURI:         "http://localhost:3000/callback",
		State:               "st-local",
	})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "st-normalized", resp.State)
	assert.Equal(t, "dyn-client", resp.ClientID)

	assert.Equal(t, "csrf-tok", gotCSRF)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "srv-1", gotBody["targetId"])
	assert.Equal(t, "challenge", gotBody["codeChallenge"])
	assert.Equal(t, "S256", gotBody["codeChallengeMethod"])

	// The verifier must never be part of the session request
	_, hasVerifier := gotBody["codeVerifier"]
	assert.False(t, hasVerifier)
	_, hasSecret := gotBody["clientSecret"]
	assert.False(t, hasSecret, "empty client secret must be omitted")
}

func TestStartSession_MissingSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "st"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.StartSession(context.Background(), &StartSessionRequest{TargetID: "srv-1"})
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/oauth/status", r.URL.Path)
		require.Equal(t, "srv-1", r.URL.Query().Get("targetId"))
		// GET must not carry the CSRF token
		require.Empty(t, r.Header.Get("X-CSRF-Token"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"connected": true,
			"scope":     "read write",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	st, err := c.Status(context.Background(), "srv-1")
	require.NoError(t, err)

	assert.True(t, st.Connected)
	assert.Equal(t, "read write", st.Scope)
}

func TestExchangeCode_ErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	err := c.ExchangeCode(context.Background(), "sess-1", "code-1", "st-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_grant", apiErr.Detail)
}

func TestExchangeCode_UnstructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.ExchangeCode(context.Background(), "sess-1", "code-1", "st-1")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Empty(t, apiErr.Detail)
}

func TestRevoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/oauth/revoke", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "srv-1", body["targetId"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	require.NoError(t, c.Revoke(context.Background(), "srv-1"))
}

func TestRemoteAuthorize_InferredSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/oauth/remote-auth/authorize", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "st-1", body["state"])
		_, hasSession := body["sessionId"]
		require.False(t, hasSession)

		json.NewEncoder(w).Encode(map[string]string{"sessionId": "sess-resolved"})
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	resp, err := c.RemoteAuthorize(context.Background(), &RemoteAuthorizeRequest{
		AuthorizationCode: "code-1",
		State:             "st-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-resolved", resp.SessionID)
}

func TestRemoteAuthorize_EchoesExplicitSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	resp, err := c.RemoteAuthorize(context.Background(), &RemoteAuthorizeRequest{SessionID: "sess-9"})
	require.NoError(t, err)
	assert.Equal(t, "sess-9", resp.SessionID)
}

func TestDiscoverMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/oauth/metadata/discovery", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://mcp.example.com", body["resource"])

		json.NewEncoder(w).Encode(map[string]string{
			"authorization_endpoint": "https://idp/auth",
			"token_endpoint":         "https://idp/token",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "csrf-tok")
	md, err := c.DiscoverMetadata(context.Background(), "srv-1", "https://mcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://idp/auth", md.AuthorizationEndpoint)
	assert.Equal(t, "https://idp/token", md.TokenEndpoint)
}
