package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"sorafarm/internal/http/handlers"
	"sorafarm/internal/middleware"
)

// Options tunes the outer HTTP surface.
type Options struct {
	AllowedOrigins  []string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Logger,
	)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Get("/{id}", app.GetJob)
	})
	r.Post("/v1/accounts", app.AddAccount)

	return r
}
