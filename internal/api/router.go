package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/batch"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/session"
)

// AppointmentService is the scheduling engine as seen by the HTTP layer.
type AppointmentService interface {
	List(ctx context.Context) ([]appointment.Appointment, error)
	ListByDateAndRoom(ctx context.Context, date appointment.Date, room int) ([]appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]appointment.Appointment, error)
	Get(ctx context.Context, id string) (*appointment.Appointment, error)
	Create(ctx context.Context, userID string, a appointment.Appointment) (*appointment.Appointment, error)
	Update(ctx context.Context, userID, id string, p appointment.Patch) (*appointment.Appointment, *batch.Ticket, error)
	Statuses(ctx context.Context, current *appointment.Status) ([]appointment.StatusInfo, error)
	CheckSlot(ctx context.Context, q appointment.SlotQuery) (appointment.Verdict, error)
	Slots(ctx context.Context, req appointment.GridRequest) ([]appointment.Slot, error)
	CacheStats() cache.Stats
	InvalidateCache(ctx context.Context, pattern string) int
	PendingUpdates() int
}

type RouterConfig struct {
	Service  AppointmentService
	Sessions *session.Registry
	Postgres PingFunc
	Redis    PingFunc
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(UserMiddleware)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{svc: cfg.Service, sessions: cfg.Sessions, log: cfg.Logger}

	r.Route("/appointments", func(r chi.Router) {
		r.Get("/", h.listAppointments)
		r.Get("/{id}", h.getAppointment)
		r.Group(func(r chi.Router) {
			r.Use(RequireSession(cfg.Sessions))
			r.Post("/", h.createAppointment)
			r.Patch("/{id}", h.updateAppointment)
		})
	})

	r.Get("/availability", h.checkAvailability)
	r.Get("/slots", h.listSlots)
	r.Get("/statuses", h.listStatuses)

	r.Route("/session", func(r chi.Router) {
		r.Post("/", h.beginSession)
		r.Get("/", h.sessionInfo)
		r.Delete("/", h.endSession)
		r.Post("/activity", h.sessionActivity)
		r.Post("/keepalive", h.sessionKeepAlive)
	})

	r.Get("/cache/stats", h.cacheStats)
	r.Post("/cache/invalidate", h.invalidateCache)

	return r
}
