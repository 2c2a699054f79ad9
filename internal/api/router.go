package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gymbook/session-booking/internal/booking"
	redisclient "github.com/gymbook/session-booking/internal/redis"
)

type RouterConfig struct {
	Service   *booking.Service
	Feed      *redisclient.Feed
	PgPool    *pgxpool.Pool
	Redis     *redis.Client
	JWTSecret string
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	// Health and metrics endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Everything else requires an authenticated caller
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		// Capacity endpoints
		r.Post("/capacities", createCapacityHandler(cfg.Service))
		r.Get("/capacities/{id}", getCapacityHandler(cfg.Service))
		r.Put("/capacities/{id}/approval", setApprovalHandler(cfg.Service))
		r.Get("/trainers/{trainerID}/capacities", listAvailableCapacitiesHandler(cfg.Service))
		r.Get("/trainers/{trainerID}/capacities/watch", watchHandler(cfg.Feed, redisclient.CapacityTopic))

		// Request endpoints
		r.Post("/requests", createRequestHandler(cfg.Service))
		r.Post("/requests/{id}/book", bookHandler(cfg.Service))
		r.Post("/requests/{id}/reject", rejectRequestHandler(cfg.Service))
		r.Get("/trainers/{trainerID}/requests/pending", listPendingRequestsHandler(cfg.Service))
		r.Get("/trainers/{trainerID}/requests/watch", watchHandler(cfg.Feed, redisclient.RequestTopic))
		r.Get("/clients/{clientID}/requests", listClientRequestsHandler(cfg.Service))

		// Appointment endpoints
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Service))
	})

	return r
}
