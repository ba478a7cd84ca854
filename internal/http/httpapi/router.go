package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"productlab/internal/http/handlers"
	"productlab/internal/middleware"
)

type Options struct {
	Logger         zerolog.Logger
	JWTSecret      string
	AllowedOrigins []string
	DefaultLocale  string
	CountryLookup  middleware.CountryLookup
	RateLimit      int
	// StaticDir serves locally stored results under /static when set.
	StaticDir string
	Metrics   stdhttp.Handler
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	if opts.Metrics != nil {
		r.Method(stdhttp.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.StaticDir != "" {
		r.Handle("/static/*", stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(opts.StaticDir))))
	}

	r.Group(func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(middleware.AuthJWT(opts.JWTSecret))
		} else {
			r.Use(middleware.TrustedUserHeader("X-User-ID"))
		}
		r.Use(middleware.RateLimit(opts.RateLimit, time.Minute))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.CreateJob)
			r.Get("/{id}", app.GetJob)
			r.Post("/{id}/nudge", app.NudgeJob)
			r.Get("/{id}/subscribe", app.SubscribeJob)
			r.Get("/{id}/archive", app.ArchiveJob)
		})
		r.Post("/v1/chat/stream", app.ChatStream)
	})

	return r
}
