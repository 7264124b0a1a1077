package routing

import (
	"net/http"

	"verdict/internal/handlers"
	"verdict/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Decisions and event push
	mux.HandleFunc("POST /api/check", h.HandleCheck)
	mux.HandleFunc("POST /api/events", h.HandleIngest)

	// Read-only views of engine state
	mux.HandleFunc("GET /api/reports/{target}", h.HandleReports)
	mux.HandleFunc("GET /api/labels/{target}/{namespace}", h.HandleLabels)
	mux.HandleFunc("GET /api/mutes/{owner}", h.HandleMutes)

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Trace every request
	handler = otelhttp.NewHandler(handler, "verdict.http")

	// 3. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
