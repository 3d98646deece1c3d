package appointment

import (
	"slices"
	"sort"
	"time"
)

// referenceDay anchors every time-of-day comparison so that the calendar
// date of the inputs never influences the result.
var referenceDay = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func onReferenceDay(t TimeOfDay) time.Time {
	return referenceDay.Add(time.Duration(t) * time.Minute)
}

// Overlaps is the half-open interval test: [aStart, aEnd) and [bStart, bEnd)
// intersect iff aStart < bEnd and aEnd > bStart. Touching intervals do not
// overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// Reason explains why a slot is not available.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonConflict Reason = "conflict"
	ReasonPast     Reason = "past"
	ReasonClosed   Reason = "closed"
)

type SlotQuery struct {
	Date     Date
	Room     int
	Start    TimeOfDay
	Duration Duration
	Exclude  string // appointment being edited
}

type Verdict struct {
	Free      bool          `json:"free"`
	Reason    Reason        `json:"reason,omitempty"`
	Conflicts []Appointment `json:"conflicts,omitempty"`
}

type Slot struct {
	Start     TimeOfDay `json:"start_time"`
	End       TimeOfDay `json:"end_time"`
	Available bool      `json:"available"`
	Reason    Reason    `json:"reason,omitempty"`
	Selected  bool      `json:"selected,omitempty"`
}

type GridRequest struct {
	Date     Date
	Room     int
	Duration Duration
	Exclude  string
	Selected *TimeOfDay // current form value, kept selected whatever its state
}

type CheckerConfig struct {
	DayStart TimeOfDay
	DayEnd   TimeOfDay
	Step     time.Duration
	Location *time.Location
	Now      func() time.Time
}

// Checker decides whether candidate slots are free against a set of
// existing appointments.
type Checker struct {
	dayStart TimeOfDay
	dayEnd   TimeOfDay
	step     TimeOfDay
	loc      *time.Location
	now      func() time.Time
}

func NewChecker(cfg CheckerConfig) *Checker {
	if cfg.DayEnd <= cfg.DayStart {
		cfg.DayStart, cfg.DayEnd = 0, endOfDay
	}
	step := TimeOfDay(cfg.Step / time.Minute)
	if step <= 0 {
		step = 15
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{
		dayStart: cfg.DayStart,
		dayEnd:   cfg.DayEnd,
		step:     step,
		loc:      cfg.Location,
		now:      cfg.Now,
	}
}

func (c *Checker) Location() *time.Location { return c.loc }

// Conflicts returns the blocking appointments of the same date and room
// whose interval intersects the candidate's. The excluded id never
// conflicts.
func (c *Checker) Conflicts(q SlotQuery, existing []Appointment) []Appointment {
	start := onReferenceDay(q.Start)
	end := onReferenceDay(q.Start.Add(q.Duration))

	var out []Appointment
	for _, a := range existing {
		if a.Date != q.Date || a.Room != q.Room || !a.Blocks() {
			continue
		}
		if q.Exclude != "" && a.ID == q.Exclude {
			continue
		}
		aStart := onReferenceDay(a.Start)
		aEnd := onReferenceDay(a.Start.Add(a.Duration))
		if Overlaps(start, end, aStart, aEnd) {
			out = append(out, a)
		}
	}
	return out
}

// IsPast reports whether the candidate start lies strictly before now, at
// second precision.
func (c *Checker) IsPast(date Date, start TimeOfDay) bool {
	now := c.now().In(c.loc).Truncate(time.Second)
	day := date.In(c.loc)
	at := time.Date(day.Year(), day.Month(), day.Day(), start.Hour(), start.Minute(), 0, 0, c.loc)
	return at.Before(now)
}

func (c *Checker) outsideHours(start TimeOfDay, d Duration) bool {
	return start < c.dayStart || start.Add(d) > c.dayEnd
}

// Check evaluates one candidate. A past start wins over a conflict so the
// grid can explain why a slot is disabled even when it is also taken.
func (c *Checker) Check(q SlotQuery, existing []Appointment) Verdict {
	conflicts := c.Conflicts(q, existing)
	switch {
	case c.IsPast(q.Date, q.Start):
		return Verdict{Reason: ReasonPast, Conflicts: conflicts}
	case c.outsideHours(q.Start, q.Duration):
		return Verdict{Reason: ReasonClosed, Conflicts: conflicts}
	case len(conflicts) > 0:
		return Verdict{Reason: ReasonConflict, Conflicts: conflicts}
	}
	return Verdict{Free: true}
}

func (c *Checker) IsFree(q SlotQuery, existing []Appointment) bool {
	return c.Check(q, existing).Free
}

// Grid renders every start time of the day for the requested duration.
// Unavailable slots are still listed with their reason. The selected slot
// stays selected even when it is unavailable; it is only re-validated at
// submit time.
func (c *Checker) Grid(req GridRequest, existing []Appointment) []Slot {
	starts := make([]TimeOfDay, 0, int((c.dayEnd-c.dayStart)/c.step)+1)
	for t := c.dayStart; t < c.dayEnd; t += c.step {
		starts = append(starts, t)
	}
	if req.Selected != nil && !slices.Contains(starts, *req.Selected) {
		starts = append(starts, *req.Selected)
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	}

	slots := make([]Slot, 0, len(starts))
	for _, t := range starts {
		v := c.Check(SlotQuery{
			Date:     req.Date,
			Room:     req.Room,
			Start:    t,
			Duration: req.Duration,
			Exclude:  req.Exclude,
		}, existing)
		slots = append(slots, Slot{
			Start:     t,
			End:       t.Add(req.Duration),
			Available: v.Free,
			Reason:    v.Reason,
			Selected:  req.Selected != nil && *req.Selected == t,
		})
	}
	return slots
}
