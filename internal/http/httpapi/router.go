package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ogimage/internal/http/handlers"
	"ogimage/internal/metrics"
	"ogimage/internal/middleware"
)

// Options carries the cross-cutting pieces the router installs.
type Options struct {
	Logger        zerolog.Logger
	Sessions      *middleware.SessionSigner
	SessionCookie string
	CountryLookup middleware.CountryLookup
	RateLimiter   *middleware.RateLimiter
	CORSOrigins   []string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.AccessLog(opts.Logger),
		metrics.Middleware,
	)
	r.NotFound(app.NotFound)
	r.MethodNotAllowed(app.MethodNotAllowed)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/readyz", app.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.CORS(opts.CORSOrigins),
			opts.RateLimiter.Middleware,
			middleware.Session(opts.Sessions, opts.SessionCookie),
			middleware.Country(opts.CountryLookup),
		)

		r.Get("/og", app.OG)
		r.Head("/og", app.OG)
		r.Post("/og", app.OG)
		r.Options("/og", preflight)

		r.Get("/v1/templates", app.ListTemplates)
		r.Post("/v1/templates", app.PutTemplate)
		r.Options("/v1/templates", preflight)
	})

	return r
}

// preflight answers OPTIONS once CORS has set its headers.
func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
