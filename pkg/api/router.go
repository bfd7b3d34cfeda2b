package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ServerOptions are shared by the Kernel and Gate servers.
type ServerOptions struct {
	Logger  *slog.Logger
	Limiter *RateLimiter
	Version string
	// AllowSeed enables the Gate's PUT /entities/{id}. Off by default.
	AllowSeed bool
}

func (o ServerOptions) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

func newRouter(opts ServerOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(opts.Limiter.Middleware)
	return r
}

func instrument(service string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, service)
}
