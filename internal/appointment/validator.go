package appointment

import (
	"fmt"
	"strings"
)

// Field error codes.
const (
	CodeRequired           = "required"
	CodeInvalidDate        = "invalid_date"
	CodeInvalidDuration    = "invalid_duration"
	CodeInvalidRoom        = "invalid_room"
	CodeInvalidStatus      = "invalid_status"
	CodePastTime           = "past_time"
	CodeOutsideHours       = "outside_hours"
	CodeSlotConflict       = "slot_conflict"
	CodeSlotTaken          = "slot_taken"
	CodeInvalidTransition  = "invalid_transition"
	CodeStatusNotPermitted = "status_not_permitted"
)

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError carries every rule violation of a rejected create or
// update. It is recoverable: the caller corrects the input and resubmits.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Code)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Has(code string) bool {
	for _, f := range e.Fields {
		if f.Code == code {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, code, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Code: code, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func slotTakenError() *ValidationError {
	ve := &ValidationError{}
	ve.add("start_time", CodeSlotTaken, "the slot was booked by someone else, pick another time")
	return ve
}

// Validator enforces the booking rules before a mutation is accepted.
type Validator struct {
	checker *Checker
}

func NewValidator(checker *Checker) *Validator {
	return &Validator{checker: checker}
}

func (v *Validator) checkShape(a Appointment, ve *ValidationError) {
	if strings.TrimSpace(a.PatientID) == "" {
		ve.add("patient_id", CodeRequired, "patient is required")
	}
	if a.Date == "" {
		ve.add("date", CodeRequired, "date is required")
	} else if _, err := ParseDate(string(a.Date)); err != nil {
		ve.add("date", CodeInvalidDate, err.Error())
	}
	if !a.Duration.Valid() {
		ve.add("duration", CodeInvalidDuration, fmt.Sprintf("duration must be one of %v minutes", AllowedDurations))
	}
	if a.Room < 1 {
		ve.add("room", CodeInvalidRoom, "room must be a positive number")
	}
	if a.Start < 0 || a.Start.Add(a.Duration) > endOfDay {
		ve.add("start_time", CodeOutsideHours, "appointment must end before midnight")
	}
	if !a.Status.Valid() {
		ve.add("status", CodeInvalidStatus, fmt.Sprintf("unknown status %q", a.Status))
	}
}

// checkSlot applies the temporal rules to a candidate slot: not in the past
// and free against existing. Shape errors must have been ruled out.
func (v *Validator) checkSlot(a Appointment, existing []Appointment, ve *ValidationError) {
	q := SlotQuery{Date: a.Date, Room: a.Room, Start: a.Start, Duration: a.Duration, Exclude: a.ID}
	if v.checker.IsPast(a.Date, a.Start) {
		ve.add("start_time", CodePastTime, "the selected time has already passed")
		return
	}
	if v.checker.outsideHours(a.Start, a.Duration) {
		ve.add("start_time", CodeOutsideHours, "the selected time is outside office hours")
		return
	}
	if conflicts := v.checker.Conflicts(q, existing); len(conflicts) > 0 {
		c := conflicts[0]
		ve.add("start_time", CodeSlotConflict,
			fmt.Sprintf("overlaps an appointment from %s to %s", c.Start, c.Start.Add(c.Duration)))
	}
}

// ValidateCreate checks a new appointment against existing, the latest
// known appointments of its date and room. permitted is the initial subset
// of the status catalog.
func (v *Validator) ValidateCreate(a Appointment, existing []Appointment, permitted []StatusInfo) error {
	ve := &ValidationError{}
	v.checkShape(a, ve)
	if len(ve.Fields) > 0 {
		return ve
	}

	if !a.Status.Initial() {
		ve.add("status", CodeInvalidTransition, fmt.Sprintf("a new appointment cannot start as %q", a.Status))
	} else if !containsStatus(permitted, a.Status) {
		ve.add("status", CodeStatusNotPermitted, fmt.Sprintf("status %q is not enabled", a.Status))
	}

	v.checkSlot(a, existing, ve)
	return ve.orNil()
}

// ValidateUpdate checks applying p to cur. existing must hold the latest
// appointments of the target date and room; it is only consulted when the
// patch moves the appointment. permitted is the catalog's successor list
// for cur.Status. A status-only change skips the past-time rule so that
// finished visits can still be closed.
func (v *Validator) ValidateUpdate(cur Appointment, p Patch, existing []Appointment, permitted []StatusInfo) error {
	ve := &ValidationError{}
	if p.IsEmpty() {
		ve.add("patch", CodeRequired, ErrEmptyPatch.Error())
		return ve
	}

	next := p.Apply(cur)
	v.checkShape(next, ve)
	if len(ve.Fields) > 0 {
		return ve
	}

	if p.Status != nil && *p.Status != cur.Status {
		switch {
		case !CanTransition(cur.Status, *p.Status):
			ve.add("status", CodeInvalidTransition,
				fmt.Sprintf("cannot move from %q to %q", cur.Status, *p.Status))
		case !containsStatus(permitted, *p.Status):
			ve.add("status", CodeStatusNotPermitted, fmt.Sprintf("status %q is not enabled", *p.Status))
		}
	}

	if p.StatusOnly() {
		return ve.orNil()
	}
	if cur.Status.Terminal() {
		ve.add("status", CodeInvalidTransition, fmt.Sprintf("a %s appointment cannot be edited", cur.Status))
		return ve
	}

	if p.Reschedules(cur) {
		v.checkSlot(next, existing, ve)
	} else if v.checker.IsPast(next.Date, next.Start) {
		ve.add("start_time", CodePastTime, "the appointment has already started")
	}

	return ve.orNil()
}

// ValidateQueued re-checks the state machine for a patch about to be
// written. cur is the stored appointment at flush time, which may differ
// from the one the patch was validated against when it was queued.
func (v *Validator) ValidateQueued(cur Appointment, p Patch) error {
	ve := &ValidationError{}
	switch {
	case !p.Changes(cur):
		return nil
	case cur.Status.Terminal():
		ve.add("status", CodeInvalidTransition, fmt.Sprintf("a %s appointment cannot be edited", cur.Status))
	case p.Status != nil && *p.Status != cur.Status && !CanTransition(cur.Status, *p.Status):
		ve.add("status", CodeInvalidTransition,
			fmt.Sprintf("cannot move from %q to %q", cur.Status, *p.Status))
	}
	return ve.orNil()
}
