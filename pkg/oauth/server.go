// Package oauth implements the embedded authorization server: the
// authorization-code flow with human approval, PKCE, refresh tokens, dynamic
// client registration, and the discovery documents MCP clients rely on.
package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/mcp-host-bridge/pkg/approval"
	"github.com/hostbridge/mcp-host-bridge/pkg/token"
)

// ServerConfig configures the authorization server.
type ServerConfig struct {
	// PublicURL overrides base-URL computation when set.
	PublicURL string

	// TrustForwardedHeaders honors X-Forwarded-Proto/Host for base URLs.
	TrustForwardedHeaders bool

	// AllowPKCEPlain accepts the "plain" code challenge method.
	AllowPKCEPlain bool

	// AuthCodeTTL is the authorization code lifetime.
	AuthCodeTTL time.Duration
}

// AuthorizationCode is a single-use, server-held code minted on approval.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	SessionLabel        string
	ExpiresAt           time.Time
}

// Client is a dynamically registered OAuth client. Unknown client ids are
// registered implicitly at the authorize and token endpoints.
type Client struct {
	ClientID      string    `json:"client_id"`
	ClientName    string    `json:"client_name,omitempty"`
	RedirectURIs  []string  `json:"redirect_uris,omitempty"`
	GrantTypes    []string  `json:"grant_types"`
	ResponseTypes []string  `json:"response_types"`
	CreatedAt     time.Time `json:"-"`
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is an RFC 6749 style error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Server is the authorization server. It owns the authorization-code and
// client maps under its own mutex; token state lives in the token engine and
// pending approvals in the approval queue, each behind their own exclusion.
type Server struct {
	config ServerConfig
	engine *token.Engine
	queue  *approval.Queue
	logger *slog.Logger

	mu      sync.Mutex
	codes   map[string]*AuthorizationCode
	clients map[string]*Client

	now func() time.Time
}

// NewServer creates the authorization server.
func NewServer(config ServerConfig, engine *token.Engine, queue *approval.Queue, logger *slog.Logger) *Server {
	if config.AuthCodeTTL == 0 {
		config.AuthCodeTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		engine:  engine,
		queue:   queue,
		logger:  logger,
		codes:   make(map[string]*AuthorizationCode),
		clients: make(map[string]*Client),
		now:     time.Now,
	}
}

// ServeHTTP dispatches the OAuth endpoints.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/oauth-authorization-server":
		s.handleMetadata(w, r)
	case "/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp":
		s.handleResourceMetadata(w, r)
	case "/oauth/authorize":
		s.handleAuthorize(w, r)
	case "/oauth/approve":
		s.handleApprove(w, r)
	case "/oauth/pending":
		s.handlePending(w, r)
	case "/oauth/token":
		s.handleToken(w, r)
	case "/oauth/register":
		s.handleRegister(w, r)
	case "/oauth/introspect":
		s.handleIntrospect(w, r)
	default:
		http.NotFound(w, r)
	}
}

// BaseURL computes the externally visible base URL for a request. Forwarded
// headers are honored only when configured, because any client can set them.
func BaseURL(r *http.Request, publicURL string, trustForwarded bool) string {
	if publicURL != "" {
		return publicURL
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if trustForwarded {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = fwdHost
		}
	}
	return scheme + "://" + host
}

// baseURL applies the server's own configuration.
func (s *Server) baseURL(r *http.Request) string {
	return BaseURL(r, s.config.PublicURL, s.config.TrustForwardedHeaders)
}

// handleMetadata serves the authorization-server discovery document.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)

	pkceMethods := []string{string(token.PKCEMethodS256)}
	if s.config.AllowPKCEPlain {
		pkceMethods = append(pkceMethods, string(token.PKCEMethodPlain))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"registration_endpoint":                 base + "/oauth/register",
		"introspection_endpoint":                base + "/oauth/introspect",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      pkceMethods,
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

// handleResourceMetadata serves the protected-resource document (RFC 9728).
func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 base + "/mcp",
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	})
}

// handleAuthorize validates the request, enqueues it for human approval, and
// redirects the client's browser to the approval page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "GET required")
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")

	if q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, "invalid_request", "response_type must be code")
		return
	}
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}
	if u, err := url.Parse(redirectURI); err != nil || u.Scheme == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri must be an absolute URI")
		return
	}
	if challenge != "" {
		if method == "" {
			method = string(token.PKCEMethodPlain)
		}
		if err := s.checkPKCEMethod(method); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	s.registerImplicitClient(clientID, redirectURI)

	pollToken, err := secureToken(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "could not create request")
		return
	}
	confirm, err := confirmCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "could not create request")
		return
	}

	req := &approval.Request{
		ID:                  uuid.NewString(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		PollToken:           pollToken,
		ConfirmCode:         confirm,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Source:              r.RemoteAddr + " " + r.UserAgent(),
	}
	s.queue.Add(req)

	s.logger.Info("authorization requested",
		"request_id", req.ID,
		"client_id", clientID,
		"redirect_uri", redirectURI,
	)

	http.Redirect(w, r, s.baseURL(r)+"/oauth/approve?request_id="+url.QueryEscape(req.ID), http.StatusFound)
}

// checkPKCEMethod validates a code_challenge_method against configuration.
func (s *Server) checkPKCEMethod(method string) error {
	switch token.PKCEMethod(method) {
	case token.PKCEMethodS256:
		return nil
	case token.PKCEMethodPlain:
		if !s.config.AllowPKCEPlain {
			return fmt.Errorf("code_challenge_method plain is disabled")
		}
		return nil
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// registerImplicitClient records an unknown client id (permissive
// dynamic-client model: unknown clients are registered, not rejected).
func (s *Server) registerImplicitClient(clientID, redirectURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; ok {
		return
	}
	s.clients[clientID] = &Client{
		ClientID:      clientID,
		RedirectURIs:  []string{redirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		CreatedAt:     s.now(),
	}
}

// handleApprove serves the HTML approval page. The poll token is embedded in
// the page and shared with no one else; it never appears in the redirect to
// the client and is never logged.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "GET required")
		return
	}

	id := r.URL.Query().Get("request_id")
	req, expired, ok := s.queue.Get(id)
	if !ok || expired {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_ = expiredPage.Execute(w, nil)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = approvePage.Execute(w, approvePageData{
		RequestID:   req.ID,
		PollToken:   req.PollToken,
		ConfirmCode: req.ConfirmCode,
		ClientID:    req.ClientID,
	})
}

// pendingResponse is the poll endpoint's body.
type pendingResponse struct {
	Status   string `json:"status"`
	Redirect string `json:"redirect,omitempty"`
}

// handlePending reports the decision for a pending request. A wrong request
// id or poll token yields forbidden without revealing whether the id exists.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "GET required")
		return
	}

	q := r.URL.Query()
	id := q.Get("request_id")
	pollToken := q.Get("poll_token")

	req, expired, ok := s.queue.Get(id)
	if !ok || subtle.ConstantTimeCompare([]byte(req.PollToken), []byte(pollToken)) != 1 {
		writeJSON(w, http.StatusForbidden, pendingResponse{Status: "forbidden"})
		return
	}

	if expired {
		s.queue.Consume(id)
		writeJSON(w, http.StatusOK, pendingResponse{Status: "expired"})
		return
	}

	switch req.Decision {
	case approval.DecisionApproved:
		s.queue.Consume(id)
		writeJSON(w, http.StatusOK, pendingResponse{
			Status:   "approved",
			Redirect: buildRedirect(req.RedirectURI, map[string]string{"code": req.Code, "state": req.State}),
		})
	case approval.DecisionDenied:
		s.queue.Consume(id)
		writeJSON(w, http.StatusOK, pendingResponse{
			Status:   "denied",
			Redirect: buildRedirect(req.RedirectURI, map[string]string{"error": "access_denied", "state": req.State}),
		})
	default:
		writeJSON(w, http.StatusOK, pendingResponse{Status: "pending"})
	}
}

// buildRedirect appends query parameters to a redirect URI. Empty values are
// omitted.
func buildRedirect(redirectURI string, params map[string]string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for key, value := range params {
		if value != "" {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Resolve applies the human decision from the approval surface. Approving
// mints a single-use authorization code bound to the request's client,
// redirect, scope, and PKCE parameters. Resolving a request that is not
// pending, or past its TTL, is a no-op.
func (s *Server) Resolve(requestID string, approve bool, sessionLabel string) bool {
	if !approve {
		return s.queue.Resolve(requestID, false, "", "")
	}

	req, expired, ok := s.queue.Get(requestID)
	if !ok || expired || req.Decision != approval.DecisionPending {
		return false
	}

	code, err := secureToken(32)
	if err != nil {
		s.logger.Error("minting authorization code", "error", err)
		return false
	}

	s.mu.Lock()
	s.codes[code] = &AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		SessionLabel:        sessionLabel,
		ExpiresAt:           s.now().Add(s.config.AuthCodeTTL),
	}
	s.mu.Unlock()

	if !s.queue.Resolve(requestID, true, code, sessionLabel) {
		// Lost a race with another resolve or expiry; sacrifice the code.
		s.mu.Lock()
		delete(s.codes, code)
		s.mu.Unlock()
		return false
	}

	s.logger.Info("authorization approved", "request_id", requestID, "client_id", req.ClientID)
	return true
}

// handleToken handles POST /oauth/token for both grant types.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not parse form")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshGrant(w, r)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "supported: authorization_code, refresh_token")
	}
}

// takeCode removes and returns the code in one critical section, so a second
// concurrent exchange with the same code always fails.
func (s *Server) takeCode(code string) (*AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	delete(s.codes, code)
	return c, true
}

// handleCodeGrant exchanges an authorization code for tokens.
func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request) {
	codeValue := r.FormValue("code")
	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	verifier := r.FormValue("code_verifier")

	if codeValue == "" || clientID == "" || redirectURI == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code, client_id, and redirect_uri are required")
		return
	}

	// Consume first: validation failures below sacrifice the code.
	code, ok := s.takeCode(codeValue)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unknown or already used code")
		return
	}
	if s.now().After(code.ExpiresAt) {
		writeError(w, http.StatusBadRequest, "invalid_grant", "code expired")
		return
	}
	if code.ClientID != clientID || code.RedirectURI != redirectURI {
		writeError(w, http.StatusBadRequest, "invalid_grant", "client_id or redirect_uri mismatch")
		return
	}

	if code.CodeChallenge != "" {
		if verifier == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
			return
		}
		if err := token.ValidateCodeVerifier(verifier); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if err := s.checkPKCEMethod(code.CodeChallengeMethod); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		if !token.VerifyCodeChallenge(verifier, code.CodeChallenge, token.PKCEMethod(code.CodeChallengeMethod)) {
			writeError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match challenge")
			return
		}
	}

	s.registerImplicitClient(clientID, redirectURI)

	pair, err := s.engine.IssueTokens(clientID, code.Scope, code.SessionLabel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")
		return
	}

	s.logger.Info("tokens issued", "client_id", clientID, "session_label", code.SessionLabel)
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

// handleRefreshGrant issues a new access token for a refresh token.
func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")
	clientID := r.FormValue("client_id")

	if refreshToken == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token and client_id are required")
		return
	}

	pair, err := s.engine.Refresh(refreshToken, clientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", "refresh token rejected")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   pair.ExpiresIn,
		Scope:       pair.Scope,
	})
}

// registerRequest is the dynamic client registration body.
type registerRequest struct {
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
}

// registerResponse echoes the accepted registration.
type registerResponse struct {
	ClientID       string   `json:"client_id"`
	ClientName     string   `json:"client_name,omitempty"`
	RedirectURIs   []string `json:"redirect_uris,omitempty"`
	GrantTypes     []string `json:"grant_types"`
	ResponseTypes  []string `json:"response_types"`
	ClientIDIssued int64    `json:"client_id_issued_at"`
}

// handleRegister allocates a new opaque client id. Registration always
// succeeds for well-formed JSON bodies; clients are public (no secret).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not parse JSON")
		return
	}

	clientID, err := secureToken(24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "could not allocate client id")
		return
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}

	now := s.now()
	s.mu.Lock()
	s.clients[clientID] = &Client{
		ClientID:      clientID,
		ClientName:    req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    req.GrantTypes,
		ResponseTypes: req.ResponseTypes,
		CreatedAt:     now,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, registerResponse{
		ClientID:       clientID,
		ClientName:     req.ClientName,
		RedirectURIs:   req.RedirectURIs,
		GrantTypes:     req.GrantTypes,
		ResponseTypes:  req.ResponseTypes,
		ClientIDIssued: now.Unix(),
	})
}

// handleIntrospect reports whether a token is active.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not parse form")
		return
	}

	claims, active := s.engine.Introspect(r.FormValue("token"))
	if !active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    true,
		"client_id": claims.ClientID,
		"scope":     claims.Scope,
		"exp":       claims.ExpiresAt.Unix(),
	})
}

// Sweep drops expired authorization codes and pending requests. Safe to call
// periodically from a background routine.
func (s *Server) Sweep() {
	now := s.now()

	s.mu.Lock()
	for value, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, value)
		}
	}
	s.mu.Unlock()

	s.queue.ExpireStale()
}

// PendingCount returns the number of held approval requests.
func (s *Server) PendingCount() int {
	return s.queue.Len()
}

// secureToken generates a cryptographically secure URL-safe token.
func secureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// confirmCode generates the 6-digit code shown on both ends of the approval
// flow so the human can correlate the network request with the prompt.
func confirmCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an OAuth error response.
func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, ErrorResponse{Error: code, ErrorDescription: desc})
}
