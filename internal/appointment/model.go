package appointment

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day without a time zone, formatted YYYY-MM-DD.
type Date string

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date(t.Format(dateLayout)), nil
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Format(dateLayout))
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(dateLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Date) String() string { return string(d) }

// TimeOfDay is a wall-clock time with minute precision, stored as minutes
// since midnight. It marshals as "HH:MM".
type TimeOfDay int

const endOfDay TimeOfDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) Add(d Duration) TimeOfDay {
	return t + TimeOfDay(d)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Duration is an appointment length in minutes.
type Duration int

var AllowedDurations = []Duration{15, 20, 30, 40, 60}

func (d Duration) Valid() bool {
	return slices.Contains(AllowedDurations, d)
}

func (d Duration) Std() time.Duration {
	return time.Duration(d) * time.Minute
}

type Appointment struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Date      Date      `json:"date"`
	Start     TimeOfDay `json:"start_time"`
	End       TimeOfDay `json:"end_time"`
	Duration  Duration  `json:"duration"`
	Room      int       `json:"room"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	Notes     *string   `json:"notes,omitempty"`
	Urgent    bool      `json:"urgent"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize recomputes the derived end time. It must be called whenever
// the start or the duration changes.
func (a *Appointment) Normalize() {
	a.End = a.Start.Add(a.Duration)
}

// StartsAt is the appointment's start as an instant in loc.
func (a Appointment) StartsAt(loc *time.Location) time.Time {
	day := a.Date.In(loc)
	return time.Date(day.Year(), day.Month(), day.Day(), a.Start.Hour(), a.Start.Minute(), 0, 0, loc)
}

// Blocks reports whether the appointment still holds its slot.
func (a Appointment) Blocks() bool {
	return a.Status != StatusCancelled
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Date     *Date      `json:"date,omitempty"`
	Start    *TimeOfDay `json:"start_time,omitempty"`
	Duration *Duration  `json:"duration,omitempty"`
	Room     *int       `json:"room,omitempty"`
	Status   *Status    `json:"status,omitempty"`
	Reason   *string    `json:"reason,omitempty"`
	Notes    *string    `json:"notes,omitempty"`
	Urgent   *bool      `json:"urgent,omitempty"`
}

var ErrEmptyPatch = errors.New("patch has no fields")

func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Apply returns a copy of a with the patch applied and the end time
// recomputed.
func (p Patch) Apply(a Appointment) Appointment {
	if p.Date != nil {
		a.Date = *p.Date
	}
	if p.Start != nil {
		a.Start = *p.Start
	}
	if p.Duration != nil {
		a.Duration = *p.Duration
	}
	if p.Room != nil {
		a.Room = *p.Room
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Reason != nil {
		a.Reason = *p.Reason
	}
	if p.Notes != nil {
		a.Notes = p.Notes
	}
	if p.Urgent != nil {
		a.Urgent = *p.Urgent
	}
	a.Normalize()
	return a
}

// Reschedules reports whether applying p to cur moves the appointment to a
// different date, room or interval.
func (p Patch) Reschedules(cur Appointment) bool {
	next := p.Apply(cur)
	return next.Date != cur.Date || next.Room != cur.Room ||
		next.Start != cur.Start || next.Duration != cur.Duration
}

// Changes reports whether applying p to cur alters any stored field.
func (p Patch) Changes(cur Appointment) bool {
	next := p.Apply(cur)
	notesChanged := (next.Notes == nil) != (cur.Notes == nil) ||
		(next.Notes != nil && *next.Notes != *cur.Notes)
	return p.Reschedules(cur) || notesChanged || next.Status != cur.Status ||
		next.Reason != cur.Reason || next.Urgent != cur.Urgent
}

// StatusOnly reports whether p changes nothing but the status.
func (p Patch) StatusOnly() bool {
	return p.Status != nil && (Patch{Status: p.Status}) == p
}

// MergePatches folds newer into older; fields set in newer win.
func MergePatches(older, newer Patch) Patch {
	out := older
	if newer.Date != nil {
		out.Date = newer.Date
	}
	if newer.Start != nil {
		out.Start = newer.Start
	}
	if newer.Duration != nil {
		out.Duration = newer.Duration
	}
	if newer.Room != nil {
		out.Room = newer.Room
	}
	if newer.Status != nil {
		out.Status = newer.Status
	}
	if newer.Reason != nil {
		out.Reason = newer.Reason
	}
	if newer.Notes != nil {
		out.Notes = newer.Notes
	}
	if newer.Urgent != nil {
		out.Urgent = newer.Urgent
	}
	return out
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *string
	Payload       []byte
	CreatedAt     time.Time
}
