package flow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/broker"
	"tether/internal/config"
	"tether/internal/metadata"
	"tether/internal/pending"
)

type fakeBroker struct {
	startReq  *broker.StartSessionRequest
	startResp *broker.StartSessionResponse
	startErr  error

	statusResp *broker.StatusResponse
	statusErr  error

	revokeErr   error
	revokeCalls int
}

func (f *fakeBroker) StartSession(ctx context.Context, req *broker.StartSessionRequest) (*broker.StartSessionResponse, error) {
	f.startReq = req
	return f.startResp, f.startErr
}

func (f *fakeBroker) Status(ctx context.Context, targetID string) (*broker.StatusResponse, error) {
	return f.statusResp, f.statusErr
}

func (f *fakeBroker) Revoke(ctx context.Context, targetID string) error {
	f.revokeCalls++
	return f.revokeErr
}

type fakeResolver struct {
	metadata *metadata.Metadata
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, req metadata.Request) (*metadata.Metadata, error) {
	return f.metadata, f.err
}

type fakeNavigator struct {
	urls []string
	err  error
}

func (f *fakeNavigator) Navigate(u string) error {
	f.urls = append(f.urls, u)
	return f.err
}

const testRedirectURI = "http://localhost:3000/callback"

func dynamicMetadata() *metadata.Metadata {
	return &metadata.Metadata{
		AuthorizationEndpoint: "https://idp.example.com/auth",
		TokenEndpoint:         "https://idp.example.com/token",
		RegistrationEndpoint:  "https://idp.example.com/register",
	}
}

func manualMetadata() *metadata.Metadata {
	return &metadata.Metadata{
		AuthorizationEndpoint: "https://idp.example.com/auth",
		TokenEndpoint:         "https://idp.example.com/token",
	}
}

func mcpTarget() config.Target {
	return config.Target{
		ID:         "tgt-1",
		Name:       "gh",
		Kind:       config.KindMCP,
		URL:        "https://mcp.example.com",
		AuthMethod: config.AuthOAuth2,
	}
}

func newTestController(t *testing.T, b *fakeBroker, r *fakeResolver, nav *fakeNavigator) (*Controller, *pending.Store) {
	t.Helper()
	store, err := pending.NewStore(t.TempDir())
	require.NoError(t, err)
	return NewController(b, r, store, nav, testRedirectURI), store
}

func TestStart_DynamicRegistration(t *testing.T) {
	b := &fakeBroker{startResp: &broker.StartSessionResponse{
		SessionID: "sess-1",
		State:     "st-confirmed",
		ClientID:  "dyn-client",
	}}
	nav := &fakeNavigator{}
	c, store := newTestController(t, b, &fakeResolver{metadata: dynamicMetadata()}, nav)

	sess, err := c.Start(context.Background(), mcpTarget(), Options{ReturnURL: "https://app.example.com/done"})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", sess.SessionID)
	assert.Equal(t, "st-confirmed", sess.State)
	assert.Equal(t, StatePending, c.Status("tgt-1").State)

	// No credentials go to the broker when registration is dynamic
	require.NotNil(t, b.startReq)
	assert.Empty(t, b.startReq.ClientID)
	assert.Empty(t, b.startReq.ClientSecret)
	assert.Equal(t, "S256", b.startReq.CodeChallengeMethod)
	assert.NotEmpty(t, b.startReq.CodeChallenge)

	// Pending record is stored under the broker-confirmed state
	record := store.ReadByState("st-confirmed")
	require.NotNil(t, record)
	assert.Equal(t, "sess-1", record.SessionID)
	assert.Equal(t, "tgt-1", record.TargetID)
	assert.Equal(t, "https://app.example.com/done", record.ReturnURL)

	require.Len(t, nav.urls, 1)
	u, err := url.Parse(nav.urls[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(nav.urls[0], "https://idp.example.com/auth?"))
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "dyn-client", q.Get("client_id"))
	assert.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "st-confirmed", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, b.startReq.CodeChallenge, q.Get("code_challenge"))
}

func TestStart_ManualClientRequired(t *testing.T) {
	b := &fakeBroker{}
	c, _ := newTestController(t, b, &fakeResolver{metadata: manualMetadata()}, &fakeNavigator{})

	_, err := c.Start(context.Background(), mcpTarget(), Options{})

	var preErr *PreconditionError
	require.True(t, errors.As(err, &preErr))
	assert.Nil(t, b.startReq, "no session should be opened without credentials")
	assert.Equal(t, StateError, c.Status("tgt-1").State)
}

func TestStart_ManualClientSendsCredentialsOnce(t *testing.T) {
	b := &fakeBroker{startResp: &broker.StartSessionResponse{SessionID: "sess-1", State: "st-1"}}
	c, _ := newTestController(t, b, &fakeResolver{metadata: manualMetadata()}, &fakeNavigator{})

	sess, err := c.Start(context.Background(), mcpTarget(), Options{
		ClientID:     "manual-client",
		ClientSecret: "shh",
	})
	require.NoError(t, err)

	assert.Equal(t, "manual-client", b.startReq.ClientID)
	assert.Equal(t, "shh", b.startReq.ClientSecret)

	u, err := url.Parse(sess.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "manual-client", u.Query().Get("client_id"))
	// The secret must never appear in the authorization URL
	assert.NotContains(t, sess.AuthURL, "shh")
}

func TestStart_PresetEmailTarget(t *testing.T) {
	b := &fakeBroker{startResp: &broker.StartSessionResponse{SessionID: "sess-1", State: "st-1"}}
	resolver := metadata.NewResolver(nil)
	store, err := pending.NewStore(t.TempDir())
	require.NoError(t, err)
	c := NewController(b, resolver, store, &fakeNavigator{}, testRedirectURI)

	target := config.Target{
		ID:         "mail-1",
		Name:       "inbox",
		Kind:       config.KindEmail,
		Provider:   "google",
		AuthMethod: config.AuthOAuth2,
		ClientID:   "google-client",
	}

	sess, err := c.Start(context.Background(), target, Options{})
	require.NoError(t, err)

	u, err := url.Parse(sess.AuthURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https://mail.google.com/", q.Get("scope"), "preset default scope applies")
	assert.Equal(t, "offline", q.Get("access_type"), "preset extra params applied")
	assert.Equal(t, "consent", q.Get("prompt"))
}

func TestStart_MetadataFailure(t *testing.T) {
	c, _ := newTestController(t, &fakeBroker{}, &fakeResolver{err: errors.New("unreachable")}, &fakeNavigator{})

	_, err := c.Start(context.Background(), mcpTarget(), Options{})

	var mdErr *MetadataError
	require.True(t, errors.As(err, &mdErr))
	assert.Equal(t, StateError, c.Status("tgt-1").State)
}

func TestStart_BrokerFailure(t *testing.T) {
	b := &fakeBroker{startErr: errors.New("connection refused")}
	c, _ := newTestController(t, b, &fakeResolver{metadata: dynamicMetadata()}, &fakeNavigator{})

	_, err := c.Start(context.Background(), mcpTarget(), Options{})

	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
}

func TestStart_NavigateFailureStaysPending(t *testing.T) {
	b := &fakeBroker{startResp: &broker.StartSessionResponse{SessionID: "sess-1", State: "st-1", ClientID: "dyn"}}
	nav := &fakeNavigator{err: errors.New("no display")}
	c, _ := newTestController(t, b, &fakeResolver{metadata: dynamicMetadata()}, nav)

	sess, err := c.Start(context.Background(), mcpTarget(), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AuthURL, "the URL stays available for manual use")
	assert.Equal(t, StatePending, c.Status("tgt-1").State)
}

func TestStart_NoProviderNoURL(t *testing.T) {
	resolver := &fakeResolver{metadata: dynamicMetadata()}
	c, _ := newTestController(t, &fakeBroker{}, resolver, &fakeNavigator{})

	target := mcpTarget()
	target.URL = ""

	_, err := c.Start(context.Background(), target, Options{})
	var preErr *PreconditionError
	require.True(t, errors.As(err, &preErr))
}

func TestStart_NonOAuthTarget(t *testing.T) {
	c, _ := newTestController(t, &fakeBroker{}, &fakeResolver{}, &fakeNavigator{})

	target := mcpTarget()
	target.AuthMethod = config.AuthNone

	_, err := c.Start(context.Background(), target, Options{})
	var preErr *PreconditionError
	require.True(t, errors.As(err, &preErr))
}

func TestRefreshStatus_Connected(t *testing.T) {
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	b := &fakeBroker{statusResp: &broker.StatusResponse{Connected: true, Scope: "read", ExpiresAt: expiry}}
	c, _ := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	st := c.RefreshStatus(context.Background(), "tgt-1")
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, "read", st.Scope)
	assert.Equal(t, expiry, st.ExpiresAt)
}

func TestRefreshStatus_PendingAttempt(t *testing.T) {
	b := &fakeBroker{statusResp: &broker.StatusResponse{Connected: false}}
	c, store := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	require.NoError(t, store.Save(&pending.Record{
		State:     "st-1",
		SessionID: "sess-1",
		TargetID:  "tgt-1",
		CreatedAt: time.Now(),
	}))

	st := c.RefreshStatus(context.Background(), "tgt-1")
	assert.Equal(t, StatePending, st.State)
}

func TestRefreshStatus_Disconnected(t *testing.T) {
	b := &fakeBroker{statusResp: &broker.StatusResponse{Connected: false}}
	c, _ := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	st := c.RefreshStatus(context.Background(), "tgt-1")
	assert.Equal(t, StateDisconnected, st.State)
}

func TestRefreshStatus_BrokerUnreachable(t *testing.T) {
	b := &fakeBroker{statusErr: errors.New("connection refused")}
	c, _ := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	st := c.RefreshStatus(context.Background(), "tgt-1")
	assert.Equal(t, StateDisconnected, st.State)
	assert.Error(t, st.Err)
}

func TestRevoke_ClearsPendingState(t *testing.T) {
	b := &fakeBroker{}
	c, store := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	require.NoError(t, store.Save(&pending.Record{
		State:     "st-1",
		SessionID: "sess-1",
		TargetID:  "tgt-1",
		CreatedAt: time.Now(),
	}))

	require.NoError(t, c.Revoke(context.Background(), "tgt-1"))
	assert.Equal(t, 1, b.revokeCalls)
	assert.Nil(t, store.ReadLatestForTarget("tgt-1"))
	assert.Equal(t, StateDisconnected, c.Status("tgt-1").State)
}

func TestRevoke_BrokerFailureStillClearsLocal(t *testing.T) {
	b := &fakeBroker{revokeErr: errors.New("boom")}
	c, store := newTestController(t, b, &fakeResolver{}, &fakeNavigator{})

	require.NoError(t, store.Save(&pending.Record{
		State:     "st-1",
		SessionID: "sess-1",
		TargetID:  "tgt-1",
		CreatedAt: time.Now(),
	}))

	err := c.Revoke(context.Background(), "tgt-1")
	require.Error(t, err)
	assert.Nil(t, store.ReadLatestForTarget("tgt-1"), "local state is cleared even when the broker call fails")
	assert.NotEqual(t, StateConnected, c.Status("tgt-1").State)
}
