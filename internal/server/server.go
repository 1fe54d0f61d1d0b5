// Package server wires the bridge together: secret store, token engine,
// approval queue, authorization server, session registry, and protocol
// router, behind a single HTTP handler.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hostbridge/mcp-host-bridge/pkg/actions"
	"github.com/hostbridge/mcp-host-bridge/pkg/approval"
	"github.com/hostbridge/mcp-host-bridge/pkg/config"
	"github.com/hostbridge/mcp-host-bridge/pkg/health"
	"github.com/hostbridge/mcp-host-bridge/pkg/logging"
	"github.com/hostbridge/mcp-host-bridge/pkg/oauth"
	"github.com/hostbridge/mcp-host-bridge/pkg/router"
	"github.com/hostbridge/mcp-host-bridge/pkg/secrets"
	"github.com/hostbridge/mcp-host-bridge/pkg/session"
	"github.com/hostbridge/mcp-host-bridge/pkg/token"
)

// Version is set at build time.
var Version = "dev"

// sweepInterval is how often expired authorization codes and stale pending
// requests are dropped.
const sweepInterval = time.Minute

// Options configures the bridge. Zero-value fields fall back to the
// configuration or sensible defaults.
type Options struct {
	Config config.Config

	// Logger overrides the logger built from Config.Log.
	Logger *slog.Logger

	// Executor performs native actions for tools/call. Nil means every
	// action fails with a plain-language error.
	Executor actions.Executor

	// Store overrides the secret store built from Config.Secrets.
	Store secrets.Store
}

// Bridge is the assembled server.
type Bridge struct {
	config   config.Config
	logger   *slog.Logger
	engine   *token.Engine
	queue    *approval.Queue
	oauth    *oauth.Server
	sessions *session.Registry
	checker  *health.Checker
	mux      *http.ServeMux
}

// New assembles a bridge from options.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.ParseLevel(cfg.Log.Level))
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = newStore(cfg.Secrets)
		if err != nil {
			return nil, err
		}
	}

	engine, err := token.NewEngine(store, logger, cfg.OAuth.AccessTokenTTL.Std(), cfg.OAuth.RefreshTokenTTL.Std())
	if err != nil {
		return nil, fmt.Errorf("creating token engine: %w", err)
	}

	queue := approval.NewQueue(cfg.OAuth.PendingTTL.Std())
	authServer := oauth.NewServer(oauth.ServerConfig{
		PublicURL:             cfg.Server.PublicURL,
		TrustForwardedHeaders: cfg.Server.TrustForwardedHeaders,
		AllowPKCEPlain:        cfg.OAuth.AllowPKCEPlain,
		AuthCodeTTL:           cfg.OAuth.AuthCodeTTL.Std(),
	}, engine, queue, logger)

	registry := session.NewRegistry(cfg.Sessions.TTL.Std())
	protocolRouter := router.New(router.Config{
		KeepaliveInterval:     cfg.Server.KeepaliveInterval.Std(),
		PublicURL:             cfg.Server.PublicURL,
		TrustForwardedHeaders: cfg.Server.TrustForwardedHeaders,
		ServerName:            "mcp-host-bridge",
		ServerVersion:         Version,
	}, engine, registry, opts.Executor, logger)

	b := &Bridge{
		config:   cfg,
		logger:   logger,
		engine:   engine,
		queue:    queue,
		oauth:    authServer,
		sessions: registry,
		checker:  health.NewChecker(),
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", protocolRouter)
	mux.Handle("/oauth/", authServer)
	mux.Handle("/.well-known/", authServer)
	mux.HandleFunc("/healthz", b.checker.LivenessHandler())
	mux.HandleFunc("/readyz", b.checker.ReadinessHandler())
	mux.HandleFunc("/status", b.handleStatus)
	b.mux = mux

	return b, nil
}

// newStore builds the secret store named by configuration.
func newStore(cfg config.SecretsConfig) (secrets.Store, error) {
	switch cfg.Backend {
	case "keyring":
		return secrets.NewKeyringStore(cfg.Service), nil
	case "file":
		return secrets.NewFileStore(cfg.Dir)
	case "memory":
		return secrets.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

// Handler returns the root HTTP handler.
func (b *Bridge) Handler() http.Handler {
	return b.mux
}

// Resolve applies the human decision for a pending authorization request.
// Called by the approval surface, never by network clients.
func (b *Bridge) Resolve(requestID string, approve bool, sessionLabel string) bool {
	return b.oauth.Resolve(requestID, approve, sessionLabel)
}

// NextApproval hands the approval surface the oldest undelivered pending
// request.
func (b *Bridge) NextApproval() (approval.Request, bool) {
	return b.queue.Next()
}

// ApprovalNotify signals when a new authorization request is enqueued.
func (b *Bridge) ApprovalNotify() <-chan struct{} {
	return b.queue.Notify()
}

// RevokeClient revokes one client's tokens until it re-authorizes.
func (b *Bridge) RevokeClient(clientID string) error {
	return b.engine.RevokeClient(clientID)
}

// RevokeAll rotates the signing key, instantly invalidating every issued
// token.
func (b *Bridge) RevokeAll() error {
	return b.engine.RevokeAll()
}

// statusResponse is the /status body.
type statusResponse struct {
	State            string                `json:"state"`
	Version          string                `json:"version"`
	ActiveSessions   int                   `json:"active_sessions"`
	PendingApprovals int                   `json:"pending_approvals"`
	Clients          []token.ClientSession `json:"clients"`
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		State:            b.checker.State(),
		Version:          Version,
		ActiveSessions:   b.sessions.Snapshot(),
		PendingApprovals: b.queue.Len(),
		Clients:          b.engine.Sessions(),
	})
}

// Run serves HTTP until the context is canceled, then drains and shuts down
// gracefully. A background sweep drops expired codes and stale approvals.
func (b *Bridge) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              b.config.Server.Address,
		Handler:           b.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("listening", "address", b.config.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				b.oauth.Sweep()
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		b.checker.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	b.checker.SetReady()
	return g.Wait()
}
