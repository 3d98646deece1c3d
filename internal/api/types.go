package api

import (
	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/idle"
)

type CreateAppointmentRequest struct {
	PatientID string                `json:"patient_id"`
	Date      string                `json:"date"`
	StartTime appointment.TimeOfDay `json:"start_time"`
	Duration  appointment.Duration  `json:"duration"`
	Room      int                   `json:"room"`
	Status    appointment.Status    `json:"status,omitempty"`
	Reason    string                `json:"reason"`
	Notes     *string               `json:"notes,omitempty"`
	Urgent    bool                  `json:"urgent"`
}

// UpdateAppointmentResponse carries the optimistic result of a queued
// update. Pending is false once the write has been applied.
type UpdateAppointmentResponse struct {
	Appointment *appointment.Appointment `json:"appointment"`
	Pending     bool                     `json:"pending"`
}

type ActivityRequest struct {
	Signal string `json:"signal"`
}

type ActivityResponse struct {
	Accepted bool       `json:"accepted"`
	Idle     idle.State `json:"idle"`
}

type InvalidateRequest struct {
	Pattern string `json:"pattern"`
}

type InvalidateResponse struct {
	Pattern string `json:"pattern"`
	Removed int    `json:"removed"`
}

type CacheStatsResponse struct {
	cache.Stats
	PendingUpdates int `json:"pending_updates"`
}

type ErrorResponse struct {
	Error   string                   `json:"error"`
	Details string                   `json:"details,omitempty"`
	Fields  []appointment.FieldError `json:"fields,omitempty"`
}
