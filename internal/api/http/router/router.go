package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crosslink-io/identity-server/internal/api/http/handler"
	"github.com/crosslink-io/identity-server/internal/api/http/middleware"
	"github.com/crosslink-io/identity-server/internal/logger"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router assembles the HTTP routes and middleware for the service.
type Router struct {
	identityService handler.IdentityService
	db              Pinger
	logger          *logger.Logger
}

// New creates a Router instance.
func New(identityService handler.IdentityService, db Pinger, logger *logger.Logger) *Router {
	return &Router{
		identityService: identityService,
		db:              db,
		logger:          logger,
	}
}

// Register builds the chi mux with all middleware and endpoints.
func (r *Router) Register() http.Handler {
	logging := middleware.NewLogging(r.logger)
	identify := handler.NewIdentify(r.identityService, r.logger)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(logging.Handle)

	identify.Register(mux)

	mux.Get("/health", r.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.db != nil {
		if err := r.db.Ping(req.Context()); err != nil {
			r.logger.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
