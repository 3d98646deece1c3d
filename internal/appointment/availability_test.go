package appointment

import (
	"math/rand"
	"testing"
	"time"
)

var testNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func newTestChecker(now time.Time) *Checker {
	return NewChecker(CheckerConfig{
		DayStart: NewTimeOfDay(8, 0),
		DayEnd:   NewTimeOfDay(20, 0),
		Step:     15 * time.Minute,
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
}

func appt(id string, date Date, room int, hh, mm int, d Duration, status Status) Appointment {
	a := Appointment{
		ID:        id,
		PatientID: "p-" + id,
		Date:      date,
		Room:      room,
		Start:     NewTimeOfDay(hh, mm),
		Duration:  d,
		Status:    status,
	}
	a.Normalize()
	return a
}

func TestOverlaps_HalfOpen(t *testing.T) {
	at := func(h, m int) time.Time { return onReferenceDay(NewTimeOfDay(h, m)) }

	tests := []struct {
		name string
		a, b [2]time.Time
		want bool
	}{
		{"touching after", [2]time.Time{at(9, 30), at(10, 0)}, [2]time.Time{at(9, 0), at(9, 30)}, false},
		{"touching before", [2]time.Time{at(8, 30), at(9, 0)}, [2]time.Time{at(9, 0), at(9, 30)}, false},
		{"contained", [2]time.Time{at(9, 10), at(9, 20)}, [2]time.Time{at(9, 0), at(9, 30)}, true},
		{"partial", [2]time.Time{at(9, 15), at(9, 45)}, [2]time.Time{at(9, 0), at(9, 30)}, true},
		{"identical", [2]time.Time{at(9, 0), at(9, 30)}, [2]time.Time{at(9, 0), at(9, 30)}, true},
		{"disjoint", [2]time.Time{at(11, 0), at(11, 15)}, [2]time.Time{at(9, 0), at(9, 30)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overlaps(tt.a[0], tt.a[1], tt.b[0], tt.b[1]); got != tt.want {
				t.Errorf("Overlaps = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheck_RoomDayScenario(t *testing.T) {
	c := newTestChecker(testNow)
	existing := []Appointment{appt("a1", "2024-06-10", 1, 10, 0, 30, StatusScheduled)}

	busy := c.Check(SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 15), Duration: 15}, existing)
	if busy.Free || busy.Reason != ReasonConflict {
		t.Errorf("10:15/15 should conflict, got %+v", busy)
	}
	if len(busy.Conflicts) != 1 || busy.Conflicts[0].ID != "a1" {
		t.Errorf("expected a1 as the conflict, got %+v", busy.Conflicts)
	}

	if !c.IsFree(SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 30), Duration: 15}, existing) {
		t.Error("10:30/15 touches the existing appointment and should be free")
	}
}

func TestCheck_TouchingBefore(t *testing.T) {
	c := newTestChecker(testNow)
	existing := []Appointment{appt("a1", "2024-06-10", 1, 9, 30, 30, StatusScheduled)}

	if !c.IsFree(SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(9, 0), Duration: 30}, existing) {
		t.Error("09:00-09:30 ends where 09:30 begins and should be free")
	}
}

func TestCheck_IgnoresOtherScopesCancelledAndSelf(t *testing.T) {
	c := newTestChecker(testNow)
	existing := []Appointment{
		appt("other-room", "2024-06-10", 2, 10, 0, 30, StatusScheduled),
		appt("other-day", "2024-06-11", 1, 10, 0, 30, StatusScheduled),
		appt("cancelled", "2024-06-10", 1, 10, 0, 30, StatusCancelled),
		appt("self", "2024-06-10", 1, 10, 0, 30, StatusConfirmed),
	}

	q := SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Exclude: "self"}
	if !c.IsFree(q, existing) {
		t.Errorf("expected free, conflicts: %+v", c.Conflicts(q, existing))
	}

	q.Exclude = ""
	if c.IsFree(q, existing) {
		t.Error("without exclusion the appointment conflicts with itself")
	}
}

func TestCheck_PastToday(t *testing.T) {
	now := time.Date(2024, 6, 10, 10, 7, 30, 0, time.UTC)
	c := newTestChecker(now)

	past := c.Check(SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 15}, nil)
	if past.Free || past.Reason != ReasonPast {
		t.Errorf("10:00 is before 10:07:30, got %+v", past)
	}
	if !c.IsFree(SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 15), Duration: 15}, nil) {
		t.Error("10:15 is in the future")
	}
	if !c.IsFree(SlotQuery{Date: "2024-06-11", Room: 1, Start: NewTimeOfDay(8, 0), Duration: 15}, nil) {
		t.Error("tomorrow morning is in the future")
	}
}

func TestIsPast_SecondPrecision(t *testing.T) {
	start := NewTimeOfDay(10, 0)

	atStart := newTestChecker(time.Date(2024, 6, 10, 10, 0, 0, 400_000_000, time.UTC))
	if atStart.IsPast("2024-06-10", start) {
		t.Error("a start equal to now (to the second) is valid")
	}

	oneSecondLate := newTestChecker(time.Date(2024, 6, 10, 10, 0, 1, 0, time.UTC))
	if !oneSecondLate.IsPast("2024-06-10", start) {
		t.Error("a start one second before now is invalid")
	}
}

func TestCheck_OutsideHours(t *testing.T) {
	c := newTestChecker(testNow)

	late := c.Check(SlotQuery{Date: "2024-06-11", Room: 1, Start: NewTimeOfDay(19, 45), Duration: 30}, nil)
	if late.Free || late.Reason != ReasonClosed {
		t.Errorf("19:45/30 runs past 20:00, got %+v", late)
	}
	if !c.IsFree(SlotQuery{Date: "2024-06-11", Room: 1, Start: NewTimeOfDay(19, 30), Duration: 30}, nil) {
		t.Error("19:30/30 ends exactly at closing time")
	}
}

func TestGrid(t *testing.T) {
	now := time.Date(2024, 6, 10, 8, 20, 0, 0, time.UTC)
	c := newTestChecker(now)
	existing := []Appointment{appt("a1", "2024-06-10", 1, 10, 0, 30, StatusScheduled)}

	selected := NewTimeOfDay(10, 0)
	slots := c.Grid(GridRequest{Date: "2024-06-10", Room: 1, Duration: 30, Selected: &selected}, existing)

	if len(slots) != 48 {
		t.Fatalf("expected 48 quarter-hour slots between 08:00 and 20:00, got %d", len(slots))
	}

	byStart := map[TimeOfDay]Slot{}
	for _, s := range slots {
		byStart[s.Start] = s
	}

	check := func(hh, mm int, available bool, reason Reason) {
		t.Helper()
		s := byStart[NewTimeOfDay(hh, mm)]
		if s.Available != available || s.Reason != reason {
			t.Errorf("%02d:%02d: available=%v reason=%q, want %v %q", hh, mm, s.Available, s.Reason, available, reason)
		}
	}

	check(8, 0, false, ReasonPast)
	check(8, 30, true, ReasonNone)
	check(9, 30, true, ReasonNone)
	check(9, 45, false, ReasonConflict)
	check(10, 15, false, ReasonConflict)
	check(10, 30, true, ReasonNone)
	check(19, 45, false, ReasonClosed)

	sel := byStart[selected]
	if !sel.Selected {
		t.Error("selected slot must stay selected even though it is taken")
	}
	if sel.Available {
		t.Error("selected slot is still reported as unavailable")
	}
	if sel.End != NewTimeOfDay(10, 30) {
		t.Errorf("slot end = %v", sel.End)
	}
}

func TestGrid_OffGridSelectionIsKept(t *testing.T) {
	c := newTestChecker(testNow)
	selected := NewTimeOfDay(11, 10)

	slots := c.Grid(GridRequest{Date: "2024-06-11", Room: 1, Duration: 20, Selected: &selected}, nil)
	if len(slots) != 49 {
		t.Fatalf("expected the off-grid selection to be added, got %d slots", len(slots))
	}
	for i := 1; i < len(slots); i++ {
		if slots[i].Start <= slots[i-1].Start {
			t.Fatal("slots must stay ordered")
		}
	}
	found := false
	for _, s := range slots {
		if s.Start == selected {
			found = s.Selected
		}
	}
	if !found {
		t.Error("off-grid selection missing or not flagged")
	}
}

// reference is the overlap predicate in minutes, without any time.Time.
func reference(aStart, aDur, bStart, bDur int) bool {
	return aStart < bStart+bDur && aStart+aDur > bStart
}

func TestCheck_PropertyMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := NewChecker(CheckerConfig{
		DayStart: 0,
		DayEnd:   endOfDay,
		Location: time.UTC,
		Now:      func() time.Time { return testNow.AddDate(-1, 0, 0) },
	})

	for i := 0; i < 5000; i++ {
		aDur := AllowedDurations[rng.Intn(len(AllowedDurations))]
		bDur := AllowedDurations[rng.Intn(len(AllowedDurations))]
		aStart := rng.Intn(int(endOfDay) - int(aDur) + 1)
		bStart := rng.Intn(int(endOfDay) - int(bDur) + 1)

		existing := []Appointment{appt("b", "2024-06-10", 3, 0, bStart, bDur, StatusScheduled)}
		q := SlotQuery{Date: "2024-06-10", Room: 3, Start: TimeOfDay(aStart), Duration: aDur}

		want := !reference(aStart, int(aDur), bStart, int(bDur))
		if got := c.IsFree(q, existing); got != want {
			t.Fatalf("a=%d+%d b=%d+%d: IsFree=%v, reference free=%v", aStart, aDur, bStart, bDur, got, want)
		}
	}
}
