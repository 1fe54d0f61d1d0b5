// Package router dispatches the protocol endpoint: JSON-RPC calls over POST,
// a keepalive event stream over GET, and session termination over DELETE.
// Admission control consults the token engine and the session registry;
// executable calls are forwarded to the external action executor.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/mcp-host-bridge/pkg/actions"
	"github.com/hostbridge/mcp-host-bridge/pkg/oauth"
	"github.com/hostbridge/mcp-host-bridge/pkg/session"
	"github.com/hostbridge/mcp-host-bridge/pkg/token"
)

// SessionHeader carries the protocol session id.
const SessionHeader = "Mcp-Session-Id"

// DefaultKeepaliveInterval is the gap between stream keepalive ticks.
const DefaultKeepaliveInterval = 15 * time.Second

// protocolVersion is the advertised protocol revision.
const protocolVersion = "2024-11-05"

// JSON-RPC error codes. Session errors use a code outside the reserved
// -32768..-32000 range's well-known values so clients can tell an invalid
// session apart from an unknown method.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInvalidSession = -32001
)

// rpcRequest is the inbound JSON-RPC envelope. Params stay raw until the
// method handler decodes them into its typed shape.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the outbound JSON-RPC envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// initializeResult is the capability descriptor returned by initialize.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolDescriptor describes one callable tool for tools/list.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

// toolCallParams is the tools/call parameter shape.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// computerArguments is the argument shape of the computer tool.
type computerArguments struct {
	Actions []Action `json:"actions"`
}

// Action is one native action in a tools/call sequence. The wire shape is a
// flat object whose "type" field names the action; the remaining fields are
// the action's parameters.
type Action struct {
	Type   string
	Params map[string]any
}

// UnmarshalJSON splits the tagged wire object into type and parameters.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	actionType, _ := raw["type"].(string)
	if actionType == "" {
		return fmt.Errorf("action is missing a type")
	}
	delete(raw, "type")
	a.Type = actionType
	a.Params = raw
	return nil
}

// callToolResult is the tools/call result payload. Action failures are
// content-level: the call succeeds at the protocol layer and IsError flags
// the embedded failure.
type callToolResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string, isError bool) callToolResult {
	return callToolResult{
		Content: []contentItem{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// Config configures the router.
type Config struct {
	// KeepaliveInterval is the gap between stream keepalive ticks.
	KeepaliveInterval time.Duration

	// PublicURL and TrustForwardedHeaders feed base-URL computation for the
	// 401 challenge's resource-metadata pointer.
	PublicURL             string
	TrustForwardedHeaders bool

	// ServerName and ServerVersion are advertised by initialize.
	ServerName    string
	ServerVersion string
}

// Router serves the /mcp endpoint.
type Router struct {
	config   Config
	engine   *token.Engine
	sessions *session.Registry
	executor actions.Executor
	logger   *slog.Logger
}

// New creates a router. A nil executor falls back to actions.Unsupported.
func New(config Config, engine *token.Engine, sessions *session.Registry, executor actions.Executor, logger *slog.Logger) *Router {
	if config.KeepaliveInterval == 0 {
		config.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if config.ServerName == "" {
		config.ServerName = "mcp-host-bridge"
	}
	if executor == nil {
		executor = actions.Unsupported{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		config:   config,
		engine:   engine,
		sessions: sessions,
		executor: executor,
		logger:   logger,
	}
}

// ServeHTTP dispatches by HTTP method.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.handlePost(w, r)
	case http.MethodGet:
		rt.handleStream(w, r)
	case http.MethodDelete:
		rt.handleTerminate(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:], true
	}
	return "", false
}

// challenge writes the 401 response pointing at the protected-resource
// discovery document.
func (rt *Router) challenge(w http.ResponseWriter, r *http.Request) {
	base := oauth.BaseURL(r, rt.config.PublicURL, rt.config.TrustForwardedHeaders)
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf(`Bearer resource_metadata=%q`, base+"/.well-known/oauth-protected-resource/mcp"))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// handlePost processes one JSON-RPC call.
func (rt *Router) handlePost(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		rt.challenge(w, r)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusBadRequest, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "could not parse request"},
		})
		return
	}
	if req.Method == "" {
		writeRPCError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method is required")
		return
	}

	// Fire-and-forget notifications never touch sessions.
	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// initialize establishes capability, not content access: the bearer must
	// be present but is not validated, and any carried session id is ignored.
	if req.Method == "initialize" {
		rt.handleInitialize(w, req)
		return
	}

	if _, err := rt.engine.Verify(bearer, token.KindAccess); err != nil {
		rt.logger.Debug("bearer rejected", "method", req.Method, "error", err)
		rt.challenge(w, r)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" || !rt.sessions.IsActive(sessionID) {
		writeRPCError(w, http.StatusNotFound, req.ID, codeInvalidSession, "session not found or expired")
		return
	}
	rt.sessions.Touch(sessionID)

	switch req.Method {
	case "ping":
		writeRPC(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		rt.handleToolsList(w, req)
	case "tools/call":
		rt.handleToolCall(w, r, req)
	default:
		writeRPCError(w, http.StatusOK, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// handleInitialize mints and registers a fresh session id.
func (rt *Router) handleInitialize(w http.ResponseWriter, req rpcRequest) {
	sessionID := uuid.NewString()
	rt.sessions.Register(sessionID)
	rt.logger.Info("session initialized", "session_id", sessionID)

	w.Header().Set(SessionHeader, sessionID)
	writeRPC(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo: serverInfo{
				Name:    rt.config.ServerName,
				Version: rt.config.ServerVersion,
			},
		},
	})
}

func (rt *Router) handleToolsList(w http.ResponseWriter, req rpcRequest) {
	writeRPC(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: toolsListResult{
			Tools: []toolDescriptor{{
				Name:        "computer",
				Description: "Perform native actions on the host: mouse, keyboard, screenshots, and shell commands, executed strictly in order.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"actions": map[string]any{
							"type":        "array",
							"description": "Actions to perform in order.",
							"items": map[string]any{
								"type":     "object",
								"required": []string{"type"},
								"properties": map[string]any{
									"type": map[string]any{"type": "string"},
								},
							},
						},
					},
					"required": []string{"actions"},
				},
			}},
		},
	})
}

// handleToolCall runs the named tool. Executor failures are reported inside
// the result payload, never as transport errors.
func (rt *Router) handleToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, http.StatusOK, req.ID, codeInvalidParams, "could not parse tool call params")
		return
	}
	if params.Name != "computer" {
		writeRPCError(w, http.StatusOK, req.ID, codeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	var args computerArguments
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			writeRPCError(w, http.StatusOK, req.ID, codeInvalidParams, "could not parse tool arguments")
			return
		}
	}

	executed := 0
	for _, action := range args.Actions {
		if _, err := rt.executor.Execute(r.Context(), action.Type, action.Params); err != nil {
			rt.logger.Warn("action failed", "action", action.Type, "executed", executed, "error", err)
			writeRPC(w, http.StatusOK, rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Result:  textResult(fmt.Sprintf("Error executing %s: %v", action.Type, err), true),
			})
			return
		}
		executed++
	}

	writeRPC(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  textResult(fmt.Sprintf("Executed %d action(s).", executed), false),
	})
}

// handleStream serves the long-lived keepalive event stream. The handler
// holds no locks between ticks; a write failure is the only termination
// signal besides request cancellation.
func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		rt.challenge(w, r)
		return
	}
	if _, err := rt.engine.Verify(bearer, token.KindAccess); err != nil {
		rt.challenge(w, r)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" || !rt.sessions.IsActive(sessionID) {
		http.Error(w, "session not found or expired", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(rt.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			rt.sessions.Touch(sessionID)
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleTerminate removes the session. Idempotent: terminating an unknown or
// already-gone session still returns 204.
func (rt *Router) handleTerminate(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		rt.challenge(w, r)
		return
	}
	if _, err := rt.engine.Verify(bearer, token.KindAccess); err != nil {
		rt.challenge(w, r)
		return
	}

	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		rt.sessions.Terminate(sessionID)
		rt.logger.Info("session terminated", "session_id", sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeRPC(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeRPC(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
