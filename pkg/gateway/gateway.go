package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/primecfo/qbo-connect/pkg/db"
	"github.com/primecfo/qbo-connect/pkg/handlerutils"
	"github.com/primecfo/qbo-connect/pkg/oauth/callback"
	"github.com/primecfo/qbo-connect/pkg/oauth/connect"
	"github.com/primecfo/qbo-connect/pkg/oauth/disconnect"
	"github.com/primecfo/qbo-connect/pkg/qbo"
	"github.com/primecfo/qbo-connect/pkg/ratelimit"
	"github.com/primecfo/qbo-connect/pkg/statetoken"
	"github.com/primecfo/qbo-connect/pkg/status"
	"github.com/primecfo/qbo-connect/pkg/tokens"
	"github.com/primecfo/qbo-connect/pkg/types"
	"github.com/primecfo/qbo-connect/pkg/webhook"
	"github.com/robfig/cron/v3"
)

// Gateway wires the QBO connection endpoints over the shared store
type Gateway struct {
	db           *db.Store
	provider     *qbo.Client
	signer       *statetoken.Signer
	tokenManager *tokens.Manager
	rateLimiter  *ratelimit.RateLimiter
	scheduler    *cron.Cron
	config       *types.Config

	ctx    context.Context
	cancel context.CancelFunc
}

func New(config *types.Config) (*Gateway, error) {
	databaseDSN := config.DatabaseDSN

	// Log database configuration
	if databaseDSN == "" {
		log.Println("DATABASE_DSN not set, using SQLite database at data/qbo_connect.db")
	} else if strings.HasPrefix(databaseDSN, "postgres://") || strings.HasPrefix(databaseDSN, "postgresql://") {
		log.Println("Using PostgreSQL database")
	} else {
		log.Printf("Using SQLite database at: %s", databaseDSN)
	}

	if config.Port == "" {
		config.Port = "8080"
	}

	if config.QBOClientID == "" || config.QBOClientSecret == "" {
		return nil, fmt.Errorf("QuickBooks app credentials are required")
	}
	if config.QBORedirectURL == "" {
		return nil, fmt.Errorf("QuickBooks redirect URL is required")
	}
	if config.StateSigningKey == "" {
		return nil, fmt.Errorf("state signing key is required")
	}

	// Initialize database
	store, err := db.New(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize rate limiter
	rateLimiter := ratelimit.NewRateLimiter(
		time.Duration(15)*time.Minute,
		5000,
	)

	provider := qbo.New(config.QBOClientID, config.QBOClientSecret, config.QBORedirectURL)
	signer := statetoken.NewSigner([]byte(config.StateSigningKey))
	tokenManager := tokens.NewManager(store, provider, qbo.RefreshTokenExpiry)

	return &Gateway{
		db:           store,
		provider:     provider,
		signer:       signer,
		tokenManager: tokenManager,
		rateLimiter:  rateLimiter,
		config:       config,
	}, nil
}

// TokenManager exposes the token manager for collaborators that call the
// QuickBooks API on behalf of a client.
func (g *Gateway) TokenManager() *tokens.Manager {
	return g.tokenManager
}

func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.scheduler != nil {
		g.scheduler.Stop()
	}
	if g.db != nil {
		return g.db.Close()
	}
	return nil
}

// Start launches the background jobs: expired-state cleanup and, when a
// schedule is configured, proactive token refresh.
func (g *Gateway) Start(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	// Cleanup goroutine for expired authorization transactions
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		context.AfterFunc(g.ctx, ticker.Stop)
		for range ticker.C {
			if err := g.db.CleanupExpiredStates(); err != nil {
				log.Printf("Failed to cleanup expired states: %v", err)
			}
			g.rateLimiter.Prune()
		}
	}()

	if g.config.RefreshSchedule != "" {
		g.scheduler = cron.New()
		_, err := g.scheduler.AddFunc(g.config.RefreshSchedule, func() {
			results, err := g.tokenManager.RefreshExpiring(g.ctx)
			if err != nil {
				log.Printf("Scheduled refresh failed: %v", err)
				return
			}
			for _, res := range results {
				if !res.OK {
					log.Printf("Scheduled refresh for client %s failed: %s", res.ClientID, res.Error)
				}
			}
		})
		if err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", g.config.RefreshSchedule, err)
		}
		g.scheduler.Start()
		log.Printf("Proactive token refresh scheduled: %s", g.config.RefreshSchedule)
	}

	return nil
}

func (g *Gateway) SetupRoutes(mux *http.ServeMux) {
	connectHandler := connect.NewHandler(g.db, g.signer, g.provider)
	callbackHandler := callback.NewHandler(g.db, g.signer, g.provider)
	disconnectHandler := disconnect.NewHandler(g.db, g.provider)
	statusHandler := status.NewHandler(g.db)
	webhookHandler := webhook.NewHandler(g.db, g.config.WebhookVerifierToken, g.config.SyncTriggerURL)

	mux.HandleFunc("GET /health", g.withCORS(g.healthHandler))

	// OAuth endpoints
	mux.HandleFunc("GET /connect", g.withCORS(g.withRateLimit(connectHandler)))
	mux.HandleFunc("GET /callback", g.withCORS(g.withRateLimit(callbackHandler)))
	mux.HandleFunc("POST /disconnect", g.withCORS(g.withRateLimit(disconnectHandler)))

	// Dashboard status
	mux.HandleFunc("GET /status", g.withCORS(g.withRateLimit(statusHandler)))

	// Webhook delivery plus Intuit's GET probe
	mux.HandleFunc("POST /webhooks/qbo", g.withRateLimit(webhookHandler))
	mux.HandleFunc("GET /webhooks/qbo", webhookHandler.ServeHTTP)

	// Cron-guarded proactive refresh
	mux.HandleFunc("POST /refresh", g.withCronAuth(g.refreshHandler))
}

// GetHandler returns an http.Handler for the gateway
func (g *Gateway) GetHandler() http.Handler {
	mux := http.NewServeMux()
	g.SetupRoutes(mux)

	// Wrap with logging middleware
	return handlers.LoggingHandler(os.Stdout, mux)
}

// withCORS wraps a handler with CORS headers
func (g *Gateway) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length")
		w.Header().Set("Access-Control-Max-Age", strconv.Itoa(int((12 * time.Hour).Seconds())))

		// Handle preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// withRateLimit wraps a handler with rate limiting
func (g *Gateway) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.rateLimiter != nil {
			clientIP := handlerutils.GetClientIP(r)
			if !g.rateLimiter.Allow(clientIP) {
				handlerutils.JSON(w, http.StatusTooManyRequests, types.APIError{
					Error:            "too_many_requests",
					ErrorDescription: "Rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

// withCronAuth admits only callers presenting the configured cron secret,
// as a bearer token or a query parameter.
func (g *Gateway) withCronAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Fail closed when no secret is configured.
		if g.config.CronSecret == "" {
			handlerutils.JSON(w, http.StatusServiceUnavailable, types.APIError{
				Error:            "not_configured",
				ErrorDescription: "Cron secret is not configured",
			})
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == "" || presented == r.Header.Get("Authorization") {
			presented = r.URL.Query().Get("secret")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.config.CronSecret)) != 1 {
			handlerutils.JSON(w, http.StatusUnauthorized, types.APIError{
				Error:            "unauthorized",
				ErrorDescription: "Invalid or missing cron secret",
			})
			return
		}

		next(w, r)
	}
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) refreshHandler(w http.ResponseWriter, r *http.Request) {
	results, err := g.tokenManager.RefreshExpiring(r.Context())
	if err != nil {
		handlerutils.JSON(w, http.StatusInternalServerError, types.APIError{
			Error:            "state_store_error",
			ErrorDescription: "Failed to scan for expiring tokens",
		})
		return
	}
	handlerutils.JSON(w, http.StatusOK, results)
}
