package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/52poke/hondana/internal/catalog"
	"github.com/52poke/hondana/internal/events"
	"github.com/52poke/hondana/internal/lifecycle"
	"github.com/52poke/hondana/internal/purge"
	"github.com/52poke/hondana/internal/push"
)

func init() {
	chi.RegisterMethod(purge.Method)
}

// WorkerStatus exposes the lifecycle state of the caching worker.
type WorkerStatus interface {
	State() lifecycle.State
	Version() string
}

type Server struct {
	Registry       *push.Registry
	Dispatcher     *push.Dispatcher
	VAPIDPublicKey string
	Poller         *catalog.Poller
	Events         events.Publisher
	Worker         WorkerStatus
	Proxy          http.Handler
	Purge          http.Handler
	CORSOrigins    []string
	Logger         *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		origins := s.CORSOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))

		r.Route("/push", func(r chi.Router) {
			r.Post("/subscribe", s.subscribe)
			r.Post("/unsubscribe", s.unsubscribe)
			r.Post("/send", s.send)
			r.Post("/notify", s.notify)
			r.Get("/vapid-public-key", s.vapidPublicKey)
		})
		r.Get("/books/new", s.newBooks)
		r.Post("/events", s.createEvent)
		r.Get("/worker", s.workerStatus)
	})

	if s.Proxy != nil {
		r.Handle("/*", s.Proxy)
	}
	if s.Purge != nil {
		r.Method(purge.Method, "/*", s.Purge)
	}
	return r
}
