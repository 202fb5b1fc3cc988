package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voicechat-backend/internal/handlers"
	"voicechat-backend/internal/middleware"
	"voicechat-backend/internal/session"
	"voicechat-backend/internal/websocket"
)

type Options struct {
	FrontendURL       string
	TurnRatePerMinute int
	Gatherer          prometheus.Gatherer
	Logger            *zap.Logger
}

func New(
	auth *middleware.SessionAuth,
	sessions *session.Manager,
	sessionHandler *handlers.SessionHandler,
	turnHandler *handlers.TurnHandler,
	feedbackHandler *handlers.FeedbackHandler,
	wsHub *websocket.Hub,
	opts Options,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{opts.FrontendURL},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Sessions (public) ────
		r.With(httprate.LimitByIP(10, time.Minute)).Post("/sessions", sessionHandler.Create)

		// ──── Current Session ────
		r.Route("/session", func(r chi.Router) {
			// WebSocket authenticates with ?token= since browsers cannot set headers on it
			r.Get("/ws", wsHub.HandleWebSocket)

			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware)
				r.Use(middleware.LoadSession(sessions))

				r.Get("/", sessionHandler.Get)
				r.Delete("/", sessionHandler.End)
				r.Get("/audio/{id}", turnHandler.Audio)
				r.Post("/feedback", feedbackHandler.Submit)

				r.Group(func(r chi.Router) {
					if opts.TurnRatePerMinute > 0 {
						r.Use(httprate.LimitByIP(opts.TurnRatePerMinute, time.Minute))
					}
					r.Post("/turns", turnHandler.Submit)
				})
			})
		})
	})

	return r
}
