package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/mcp-host-bridge/pkg/config"
	"github.com/hostbridge/mcp-host-bridge/pkg/router"
	"github.com/hostbridge/mcp-host-bridge/pkg/token"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()

	cfg := config.Default()
	cfg.Secrets.Backend = "memory"

	b, err := New(Options{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(&strings.Builder{}, nil)),
	})
	require.NoError(t, err)
	return b
}

func do(b *Bridge, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, r)
	return w
}

func postForm(b *Bridge, path string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(b, r)
}

func postRPC(b *Bridge, bearer, sessionID, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sessionID != "" {
		r.Header.Set(router.SessionHeader, sessionID)
	}
	return do(b, r)
}

// TestAuthorizationFlowEndToEnd walks the full path: authorize, approve,
// poll, exchange the code, initialize a protocol session, and call a tool.
func TestAuthorizationFlowEndToEnd(t *testing.T) {
	b := newTestBridge(t)

	verifier := strings.Repeat("e2e-verifier.", 4) // 52 chars, valid charset
	challenge, err := token.ComputeCodeChallenge(verifier, token.PKCEMethodS256)
	require.NoError(t, err)

	// Authorize: redirected to the approval page.
	w := do(b, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {"c1"},
		"redirect_uri":          {"http://localhost:9999/cb"},
		"state":                 {"xyz"},
		"scope":                 {"mcp"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode(), nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/oauth/approve", location.Path)
	requestID := location.Query().Get("request_id")
	require.NotEmpty(t, requestID)

	// The approval surface receives the request once and approves it.
	select {
	case <-b.ApprovalNotify():
	default:
		t.Fatal("expected an approval notification")
	}
	pending, ok := b.NextApproval()
	require.True(t, ok)
	assert.Equal(t, requestID, pending.ID)
	assert.Len(t, pending.ConfirmCode, 6)
	_, ok = b.NextApproval()
	assert.False(t, ok, "requests are delivered once")

	require.True(t, b.Resolve(requestID, true, "laptop"))

	// Poll with the correct token: approved, with the final redirect.
	w = do(b, httptest.NewRequest(http.MethodGet, "/oauth/pending?"+url.Values{
		"request_id": {requestID},
		"poll_token": {pending.PollToken},
	}.Encode(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	var poll struct {
		Status   string `json:"status"`
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&poll))
	require.Equal(t, "approved", poll.Status)

	redirect, err := url.Parse(poll.Redirect)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9999", redirect.Host)
	assert.Equal(t, "xyz", redirect.Query().Get("state"))
	code := redirect.Query().Get("code")
	require.NotEmpty(t, code)

	// Exchange the code.
	w = postForm(b, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"c1"},
		"redirect_uri":  {"http://localhost:9999/cb"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var issued struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&issued))
	require.NotEmpty(t, issued.AccessToken)
	require.NotEmpty(t, issued.RefreshToken)
	assert.Equal(t, 3600, issued.ExpiresIn)

	// Initialize a protocol session with the bearer token.
	w = postRPC(b, issued.AccessToken, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sessionID := w.Header().Get(router.SessionHeader)
	require.NotEmpty(t, sessionID)

	// Call the computer tool with an empty action list.
	w = postRPC(b, issued.AccessToken, sessionID,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"computer","arguments":{"actions":[]}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "Executed 0 action(s).")
}

func TestProtocolEndpointChallengesWithoutBearer(t *testing.T) {
	b := newTestBridge(t)

	r := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"method":"tools/list"}`))
	r.Host = "localhost:8787"
	w := do(b, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "resource_metadata=")
}

func TestRevokeAllInvalidatesIssuedTokens(t *testing.T) {
	b := newTestBridge(t)
	pair, err := b.engine.IssueTokens("c1", "mcp", "")
	require.NoError(t, err)

	w := postRPC(b, pair.AccessToken, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get(router.SessionHeader)

	w = postRPC(b, pair.AccessToken, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, b.RevokeAll())

	w = postRPC(b, pair.AccessToken, sessionID, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A token issued after revoke-all works.
	fresh, err := b.engine.IssueTokens("c1", "mcp", "")
	require.NoError(t, err)
	w = postRPC(b, fresh.AccessToken, sessionID, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRevokeOneLeavesOtherClientsAlone(t *testing.T) {
	b := newTestBridge(t)
	pairA, err := b.engine.IssueTokens("client-a", "mcp", "")
	require.NoError(t, err)
	pairB, err := b.engine.IssueTokens("client-b", "mcp", "")
	require.NoError(t, err)

	require.NoError(t, b.RevokeClient("client-a"))

	_, err = b.engine.Verify(pairA.AccessToken, token.KindAccess)
	assert.Error(t, err)
	_, err = b.engine.Verify(pairB.AccessToken, token.KindAccess)
	assert.NoError(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	b := newTestBridge(t)
	_, err := b.engine.IssueTokens("c1", "mcp", "laptop")
	require.NoError(t, err)

	w := do(b, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "starting", status.State)
	require.Len(t, status.Clients, 1)
	assert.Equal(t, "c1", status.Clients[0].ClientID)
	assert.Equal(t, "laptop", status.Clients[0].SessionLabel)
}

func TestHealthEndpoints(t *testing.T) {
	b := newTestBridge(t)

	w := do(b, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(b, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run starts")
}

func TestNewRejectsUnknownSecretsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Secrets.Backend = "vault"

	_, err := New(Options{Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}
