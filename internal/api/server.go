package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/inspectd/inspectd/internal/fleet"
	"github.com/inspectd/inspectd/internal/gamedata"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/queue"
	"github.com/inspectd/inspectd/internal/store"
)

// Config carries the HTTP-facing settings.
type Config struct {
	ListenAddress string
	Port          int
	MaxBodyBytes  int64

	// Empty keys disable the corresponding check or surface.
	BulkKey  string
	AuthKey  string
	PriceKey string

	MaxSimultaneousRequests int
	MaxQueueSize            int

	AllowedOrigins      []string
	AllowedRegexOrigins []string

	RateLimitCount  int
	RateLimitWindow time.Duration
}

// Deps are the backing components the handlers talk to.
type Deps struct {
	Queue  *queue.Queue
	Fleet  *fleet.Supervisor
	Pool   *proxypool.Pool // nil when running without a pool
	Store  *store.Store
	Tables *gamedata.Tables
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a server wired with all routes.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Tables == nil {
		deps.Tables = gamedata.Empty()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /{$}", HandleInspect(cfg, deps))
	mux.Handle("POST /bulk", HandleBulk(cfg, deps))
	mux.Handle("GET /stats", HandleStats(deps))
	mux.Handle("POST /auth", HandleAuth(cfg, deps.Fleet))
	mux.Handle("GET /pending-auth", HandlePendingAuth(deps.Fleet))
	mux.Handle("GET /status", HandleStatus(deps.Fleet))

	var handler http.Handler = mux
	handler = RequestBodyLimitMiddleware(cfg.MaxBodyBytes, handler)
	handler = CORSMiddleware(cfg.AllowedOrigins, cfg.AllowedRegexOrigins, handler)
	handler = NewRateLimiter(cfg.RateLimitCount, cfg.RateLimitWindow).Middleware(handler)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: handler,
	}
	return &Server{httpServer: srv, handler: handler}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware chain for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HandleHealthz returns a handler for GET /healthz. Always public.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
