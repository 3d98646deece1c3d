package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/batch"
	"github.com/RCasillasV/clinic-scheduling/internal/idle"
	"github.com/RCasillasV/clinic-scheduling/internal/session"
)

type handlers struct {
	svc      AppointmentService
	sessions *session.Registry
	log      zerolog.Logger
}

// Appointments

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		list []appointment.Appointment
		err  error
	)
	switch {
	case q.Get("date") != "" || q.Get("room") != "":
		date, room, ok := dateAndRoom(w, r)
		if !ok {
			return
		}
		list, err = h.svc.ListByDateAndRoom(r.Context(), date, room)
	case q.Get("patient_id") != "":
		list, err = h.svc.ListByPatient(r.Context(), q.Get("patient_id"))
	default:
		list, err = h.svc.List(r.Context())
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if list == nil {
		list = []appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.Create(r.Context(), GetUserID(r.Context()), appointment.Appointment{
		PatientID: req.PatientID,
		Date:      appointment.Date(req.Date),
		Start:     req.StartTime,
		Duration:  req.Duration,
		Room:      req.Room,
		Status:    req.Status,
		Reason:    req.Reason,
		Notes:     req.Notes,
		Urgent:    req.Urgent,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

// updateAppointment queues a partial update and answers 202 with the
// optimistic result. With ?wait=true it blocks until the batch write
// resolves and reports its outcome instead.
func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	var p appointment.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if p.Date != nil {
		d, err := appointment.ParseDate(string(*p.Date))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
			return
		}
		p.Date = &d
	}

	appt, ticket, err := h.svc.Update(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, UpdateAppointmentResponse{Appointment: appt, Pending: true})
		return
	}

	if err := ticket.Wait(r.Context()); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UpdateAppointmentResponse{Appointment: appt, Pending: false})
}

// Availability

func (h *handlers) checkAvailability(w http.ResponseWriter, r *http.Request) {
	date, room, ok := dateAndRoom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	start, err := appointment.ParseTimeOfDay(q.Get("start_time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", err.Error())
		return
	}
	duration, ok := durationParam(w, r)
	if !ok {
		return
	}

	verdict, err := h.svc.CheckSlot(r.Context(), appointment.SlotQuery{
		Date:     date,
		Room:     room,
		Start:    start,
		Duration: duration,
		Exclude:  q.Get("exclude"),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (h *handlers) listSlots(w http.ResponseWriter, r *http.Request) {
	date, room, ok := dateAndRoom(w, r)
	if !ok {
		return
	}
	duration, ok := durationParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	req := appointment.GridRequest{Date: date, Room: room, Duration: duration, Exclude: q.Get("exclude")}
	if s := q.Get("selected"); s != "" {
		sel, err := appointment.ParseTimeOfDay(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_selected", err.Error())
			return
		}
		req.Selected = &sel
	}

	slots, err := h.svc.Slots(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

// listStatuses returns the statuses a user may pick: the initial ones, or
// the successors of ?current=.
func (h *handlers) listStatuses(w http.ResponseWriter, r *http.Request) {
	var current *appointment.Status
	if c := r.URL.Query().Get("current"); c != "" {
		s := appointment.Status(c)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", c))
			return
		}
		current = &s
	}

	statuses, err := h.svc.Statuses(r.Context(), current)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// Session

func (h *handlers) userOrReject(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "user_required", UserHeader+" header is required")
		return "", false
	}
	return userID, true
}

func (h *handlers) beginSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userOrReject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusCreated, h.sessions.Begin(userID))
}

func (h *handlers) sessionInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userOrReject(w, r)
	if !ok {
		return
	}
	info, err := h.sessions.Info(userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handlers) endSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userOrReject(w, r)
	if !ok {
		return
	}
	if err := h.sessions.End(userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sessionActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userOrReject(w, r)
	if !ok {
		return
	}
	var req ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	sig, err := idle.ParseSignal(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signal", err.Error())
		return
	}

	accepted, err := h.sessions.Activity(userID, sig)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	info, err := h.sessions.Info(userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityResponse{Accepted: accepted, Idle: info.Idle})
}

func (h *handlers) sessionKeepAlive(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userOrReject(w, r)
	if !ok {
		return
	}
	info, err := h.sessions.KeepAlive(userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Cache

func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		Stats:          h.svc.CacheStats(),
		PendingUpdates: h.svc.PendingUpdates(),
	})
}

func (h *handlers) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		writeError(w, http.StatusBadRequest, "pattern_required", "pattern must not be empty")
		return
	}
	n := h.svc.InvalidateCache(r.Context(), req.Pattern)
	writeJSON(w, http.StatusOK, InvalidateResponse{Pattern: req.Pattern, Removed: n})
}

// Helpers

func dateAndRoom(w http.ResponseWriter, r *http.Request) (appointment.Date, int, bool) {
	q := r.URL.Query()
	date, err := appointment.ParseDate(q.Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", err.Error())
		return "", 0, false
	}
	room, err := strconv.Atoi(q.Get("room"))
	if err != nil || room < 1 {
		writeError(w, http.StatusBadRequest, "invalid_room", "room must be a positive number")
		return "", 0, false
	}
	return date, room, true
}

func durationParam(w http.ResponseWriter, r *http.Request) (appointment.Duration, bool) {
	n, err := strconv.Atoi(r.URL.Query().Get("duration"))
	d := appointment.Duration(n)
	if err != nil || !d.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_duration",
			fmt.Sprintf("duration must be one of %v minutes", appointment.AllowedDurations))
		return 0, false
	}
	return d, true
}

func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *appointment.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "validation_failed",
			Details: ve.Error(),
			Fields:  ve.Fields,
		})
	case errors.Is(err, appointment.ErrNoSession),
		errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusUnauthorized, "session_required", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrEmptyPatch):
		writeError(w, http.StatusBadRequest, "empty_patch", err.Error())
	case errors.Is(err, batch.ErrRetriesExhausted):
		writeError(w, http.StatusServiceUnavailable, "update_failed", err.Error())
	case errors.Is(err, batch.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		h.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
