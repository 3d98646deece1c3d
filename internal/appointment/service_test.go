package appointment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/batch"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/config"
	redisclient "github.com/RCasillasV/clinic-scheduling/internal/redis"
)

// -- Mock repository --

type mockRepo struct {
	mu          sync.Mutex
	appts       map[string]Appointment
	seq         int
	calls       map[string]int
	events      []EventLog
	failUpdates int
	beforeWrite func(r *mockRepo) // runs inside Create/Update before the overlap check
}

func newMockRepo() *mockRepo {
	return &mockRepo{appts: make(map[string]Appointment), calls: make(map[string]int)}
}

func (r *mockRepo) seed(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.Normalize()
	r.appts[a.ID] = a
}

func (r *mockRepo) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// overlapsLocked mimics the exclusion constraint of the appointments table.
func (r *mockRepo) overlapsLocked(a Appointment) bool {
	if !a.Blocks() {
		return false
	}
	for _, b := range r.appts {
		if b.ID == a.ID || b.Date != a.Date || b.Room != a.Room || !b.Blocks() {
			continue
		}
		if int(a.Start) < int(b.End) && int(a.End) > int(b.Start) {
			return true
		}
	}
	return false
}

func (r *mockRepo) sorted(keep func(Appointment) bool) []Appointment {
	out := []Appointment{}
	for _, a := range r.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Appointment) int { return int(a.Start) - int(b.Start) })
	return out
}

func (r *mockRepo) GetAll(_ context.Context, from Date) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetAll"]++
	return r.sorted(func(a Appointment) bool { return a.Date >= from }), nil
}

func (r *mockRepo) GetByDateAndRoom(_ context.Context, date Date, room int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetByDateAndRoom"]++
	return r.sorted(func(a Appointment) bool { return a.Date == date && a.Room == room }), nil
}

func (r *mockRepo) GetByPatient(_ context.Context, patientID string) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetByPatient"]++
	return r.sorted(func(a Appointment) bool { return a.PatientID == patientID }), nil
}

func (r *mockRepo) GetByID(_ context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetByID"]++
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *mockRepo) Create(_ context.Context, a Appointment) (*Appointment, error) {
	if r.beforeWrite != nil {
		r.beforeWrite(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Create"]++
	r.seq++
	a.ID = fmt.Sprintf("appt-%d", r.seq)
	a.Normalize()
	if r.overlapsLocked(a) {
		return nil, ErrSlotTaken
	}
	r.appts[a.ID] = a
	return &a, nil
}

func (r *mockRepo) Update(_ context.Context, id string, p Patch) (*Appointment, error) {
	if r.beforeWrite != nil {
		r.beforeWrite(r)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Update"]++
	if r.failUpdates > 0 {
		r.failUpdates--
		return nil, errors.New("connection reset")
	}
	cur, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	next := p.Apply(cur)
	if r.overlapsLocked(next) {
		return nil, ErrSlotTaken
	}
	r.appts[id] = next
	return &next, nil
}

func (r *mockRepo) GetStatusCatalog(_ context.Context, current *Status) ([]StatusInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["GetStatusCatalog"]++
	allowedFrom := map[Status][]Status{
		StatusConfirmed:  {StatusScheduled},
		StatusInProgress: {StatusConfirmed},
		StatusCompleted:  {StatusInProgress},
		StatusCancelled:  {StatusScheduled, StatusConfirmed, StatusInProgress},
		"no_show":        {StatusScheduled, StatusConfirmed},
	}
	var out []StatusInfo
	for _, info := range fullCatalog() {
		if current == nil {
			if info.Initial {
				out = append(out, info)
			}
			continue
		}
		if slices.Contains(allowedFrom[info.Code], *current) {
			out = append(out, info)
		}
	}
	return out, nil
}

func (r *mockRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *mockRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type busyLocker struct{}

func (busyLocker) WithRoomDayLock(context.Context, string, int, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// -- Helpers --

var serviceNow = time.Date(2024, 6, 10, 9, 0, 0, 0, time.Local)

func testConfig() config.Config {
	return config.Config{
		CacheTTL:          20 * time.Minute,
		BatchFlushDelay:   time.Hour,
		BatchSize:         10,
		BatchMaxAttempts:  3,
		AppointmentWindow: 7 * 24 * time.Hour,
		DayStart:          "08:00",
		DayEnd:            "20:00",
		SlotStep:          15 * time.Minute,
	}
}

func newTestService(t *testing.T, repo Repository, locker redisclient.Locker) *Service {
	t.Helper()
	c, err := cache.New(nil, cache.Options{
		TTL:           20 * time.Minute,
		Prefix:        "clinic_cache_",
		MemoryEntries: 128,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	svc, err := NewService(context.Background(), repo, locker, c, testConfig(), zerolog.Nop(),
		WithClock(func() time.Time { return serviceNow }))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func booking(hh, mm int, d Duration) Appointment {
	a := Appointment{
		PatientID: "patient-1",
		Date:      "2024-06-10",
		Room:      1,
		Start:     NewTimeOfDay(hh, mm),
		Duration:  d,
		Reason:    "control",
	}
	return a
}

func waitOutcome(t *testing.T, tk *batch.Ticket) error {
	t.Helper()
	select {
	case <-tk.Done():
		return tk.Err()
	case <-time.After(2 * time.Second):
		t.Fatal("update outcome never arrived")
		return nil
	}
}

// -- Tests --

func TestCreate_Books(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	created, err := svc.Create(ctx, "dr-lopez", booking(10, 0, 30))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != StatusScheduled || created.CreatedBy != "dr-lopez" {
		t.Errorf("unexpected appointment %+v", created)
	}
	if created.End != NewTimeOfDay(10, 30) {
		t.Errorf("end = %v", created.End)
	}
	if got := repo.eventTypes(); len(got) != 1 || got[0] != EventAppointmentCreated {
		t.Errorf("expected a creation event, got %v", got)
	}
}

func TestCreate_RequiresSession(t *testing.T) {
	svc := newTestService(t, newMockRepo(), redisclient.NoopLocker{})

	if _, err := svc.Create(context.Background(), "", booking(10, 0, 30)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestCreate_RejectsConflict(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})

	_, err := svc.Create(context.Background(), "dr-lopez", booking(10, 15, 15))
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeSlotConflict) {
		t.Fatalf("expected slot_conflict, got %v", err)
	}
	if repo.count("Create") != 0 {
		t.Error("a rejected booking must not reach the store")
	}

	if _, err := svc.Create(context.Background(), "dr-lopez", booking(10, 30, 15)); err != nil {
		t.Fatalf("touching slot should be bookable: %v", err)
	}
}

func TestCreate_ChecksFreshDayNotCache(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	// Warm the day scope while it is still empty.
	if list, err := svc.ListByDateAndRoom(ctx, "2024-06-10", 1); err != nil || len(list) != 0 {
		t.Fatalf("list: %v %v", list, err)
	}

	// Another engine instance books behind this cache's back.
	repo.seed(Appointment{ID: "remote", PatientID: "p", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 60, Status: StatusConfirmed})

	_, err := svc.Create(ctx, "dr-lopez", booking(10, 30, 30))
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeSlotConflict) {
		t.Fatalf("expected the fresh read to catch the conflict, got %v", err)
	}

	list, _ := svc.ListByDateAndRoom(ctx, "2024-06-10", 1)
	if len(list) != 1 {
		t.Errorf("the refreshed day list should have been cached, got %d entries", len(list))
	}
}

func TestCreate_StoreRejectionIsRecoverable(t *testing.T) {
	repo := newMockRepo()
	repo.beforeWrite = func(r *mockRepo) {
		r.seed(Appointment{ID: "racer", PatientID: "p", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	}
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	_, err := svc.Create(ctx, "dr-lopez", booking(10, 0, 30))
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeSlotTaken) {
		t.Fatalf("expected slot_taken, got %v", err)
	}

	before := repo.count("GetByDateAndRoom")
	slots, err := svc.Slots(ctx, GridRequest{Date: "2024-06-10", Room: 1, Duration: 30})
	if err != nil {
		t.Fatal(err)
	}
	if repo.count("GetByDateAndRoom") != before+1 {
		t.Error("the day scope should have been dropped so the grid is re-fetched")
	}
	for _, s := range slots {
		if s.Start == NewTimeOfDay(10, 0) && s.Available {
			t.Error("the racing booking should now show as taken")
		}
	}
}

func TestCreate_LockContention(t *testing.T) {
	svc := newTestService(t, newMockRepo(), busyLocker{})

	if _, err := svc.Create(context.Background(), "dr-lopez", booking(10, 0, 30)); !errors.Is(err, ErrSlotBeingBooked) {
		t.Fatalf("expected ErrSlotBeingBooked, got %v", err)
	}
}

func TestCreate_InvalidInputSkipsLock(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, busyLocker{})

	a := booking(10, 0, 45)
	_, err := svc.Create(context.Background(), "dr-lopez", a)
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeInvalidDuration) {
		t.Fatalf("expected invalid_duration, got %v", err)
	}
}

func TestCreate_PastSlot(t *testing.T) {
	svc := newTestService(t, newMockRepo(), redisclient.NoopLocker{})

	_, err := svc.Create(context.Background(), "dr-lopez", booking(8, 45, 15))
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodePastTime) {
		t.Fatalf("expected past_time, got %v", err)
	}
}

func TestReads_AreCached(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	repo.seed(Appointment{ID: "old", PatientID: "p1", Date: "2024-05-01", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusCompleted})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.ListByDateAndRoom(ctx, "2024-06-10", 1); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.ListByPatient(ctx, "p1"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Get(ctx, "a1"); err != nil {
			t.Fatal(err)
		}
	}
	if repo.count("GetByDateAndRoom") != 1 || repo.count("GetByPatient") != 1 || repo.count("GetByID") != 1 {
		t.Errorf("expected one backend read per scope, got %v", repo.calls)
	}

	all, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "a1" {
		t.Errorf("rolling window should exclude appointments older than 7 days, got %+v", all)
	}

	if s := svc.CacheStats(); s.Hits == 0 || s.Misses == 0 {
		t.Errorf("expected hits and misses to be recorded, got %+v", s)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc := newTestService(t, newMockRepo(), redisclient.NoopLocker{})

	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestStatuses_FilteredByStateMachine(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	current := StatusScheduled
	got, err := svc.Statuses(ctx, &current)
	if err != nil {
		t.Fatal(err)
	}
	if c := codes(got); len(c) != 2 || c[0] != StatusConfirmed || c[1] != StatusCancelled {
		t.Errorf("catalog-only no_show must be dropped, got %v", c)
	}

	if _, err := svc.Statuses(ctx, &current); err != nil {
		t.Fatal(err)
	}
	if repo.count("GetStatusCatalog") != 1 {
		t.Errorf("catalog should be cached, fetched %d times", repo.count("GetStatusCatalog"))
	}
}

func TestUpdate_QueuesAndApplies(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	// Prime the cache so invalidation is observable.
	if a, _ := svc.Get(ctx, "a1"); a.Status != StatusScheduled {
		t.Fatalf("unexpected status %s", a.Status)
	}

	confirmed := StatusConfirmed
	optimistic, ticket, err := svc.Update(ctx, "dr-lopez", "a1", Patch{Status: &confirmed})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if optimistic.Status != StatusConfirmed {
		t.Errorf("optimistic result should carry the new status, got %s", optimistic.Status)
	}
	if repo.count("Update") != 0 {
		t.Error("update must not be written before the flush")
	}
	if svc.PendingUpdates() != 1 {
		t.Errorf("expected one pending update, got %d", svc.PendingUpdates())
	}

	res := svc.FlushUpdates(ctx)
	if res.Applied != 1 {
		t.Fatalf("flush: %+v", res)
	}
	if err := waitOutcome(t, ticket); err != nil {
		t.Fatalf("outcome: %v", err)
	}

	a, err := svc.Get(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != StatusConfirmed {
		t.Errorf("cached entry should have been invalidated, got %s", a.Status)
	}
	if types := repo.eventTypes(); len(types) != 1 || types[0] != EventStatusChanged {
		t.Errorf("expected a status change event, got %v", types)
	}
}

func TestUpdate_RejectsInvalidWithoutQueueing(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	repo.seed(Appointment{ID: "a2", PatientID: "p2", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(11, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	start := NewTimeOfDay(10, 45)
	_, _, err := svc.Update(ctx, "dr-lopez", "a1", Patch{Start: &start})
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeSlotConflict) {
		t.Fatalf("expected slot_conflict, got %v", err)
	}

	completed := StatusCompleted
	if _, _, err := svc.Update(ctx, "dr-lopez", "a1", Patch{Status: &completed}); !errors.As(err, &ve) || !ve.Has(CodeInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}

	if svc.PendingUpdates() != 0 {
		t.Error("rejected updates must not be queued")
	}
}

func TestUpdate_UnknownAndNoSession(t *testing.T) {
	svc := newTestService(t, newMockRepo(), redisclient.NoopLocker{})
	notes := "x"

	if _, _, err := svc.Update(context.Background(), "", "a1", Patch{Notes: &notes}); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if _, _, err := svc.Update(context.Background(), "dr-lopez", "missing", Patch{Notes: &notes}); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestUpdate_RescheduleRaceResolvesAsSlotTaken(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	start := NewTimeOfDay(14, 0)
	_, ticket, err := svc.Update(ctx, "dr-lopez", "a1", Patch{Start: &start})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// Booked by someone else between validation and flush.
	repo.seed(Appointment{ID: "racer", PatientID: "p2", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(14, 0), Duration: 15, Status: StatusScheduled})

	svc.FlushUpdates(ctx)
	err = waitOutcome(t, ticket)
	var ve *ValidationError
	if !errors.As(err, &ve) || !ve.Has(CodeSlotTaken) {
		t.Fatalf("expected slot_taken, got %v", err)
	}
	if repo.count("Update") != 0 {
		t.Error("the conflicting write must not be attempted")
	}
	if svc.PendingUpdates() != 0 {
		t.Error("a rejected reschedule must not be retried")
	}
}

func TestUpdate_QueuedBehindCancellationIsRejected(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	repo.seed(Appointment{ID: "a2", PatientID: "p2", Date: "2024-06-10", Room: 2, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	cancelled, confirmed := StatusCancelled, StatusConfirmed
	later := NewTimeOfDay(13, 0)

	// Each follow-up was valid against the stored row when it was queued.
	var tickets []*batch.Ticket
	for _, u := range []struct {
		id string
		p  Patch
	}{
		{"a1", Patch{Status: &cancelled}},
		{"a1", Patch{Status: &confirmed}},
		{"a2", Patch{Status: &cancelled}},
		{"a2", Patch{Start: &later}},
	} {
		_, tk, err := svc.Update(ctx, "dr-lopez", u.id, u.p)
		if err != nil {
			t.Fatalf("update %s: %v", u.id, err)
		}
		tickets = append(tickets, tk)
	}

	res := svc.FlushUpdates(ctx)
	if res.Applied != 2 || res.Dropped != 2 {
		t.Fatalf("expected two writes and two rejections, got %+v", res)
	}
	for i, tk := range tickets {
		err := waitOutcome(t, tk)
		if i%2 == 0 {
			if err != nil {
				t.Errorf("cancellation %d: %v", i, err)
			}
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) || !ve.Has(CodeInvalidTransition) {
			t.Errorf("update %d: expected invalid_transition, got %v", i, err)
		}
	}

	a1, _ := repo.GetByID(ctx, "a1")
	a2, _ := repo.GetByID(ctx, "a2")
	if a1.Status != StatusCancelled {
		t.Errorf("a1 left the terminal state: %s", a1.Status)
	}
	if a2.Status != StatusCancelled || a2.Start != NewTimeOfDay(10, 0) {
		t.Errorf("a cancelled appointment was edited: %+v", a2)
	}
	if repo.count("Update") != 2 {
		t.Errorf("expected only the cancellations to be written, got %d", repo.count("Update"))
	}
}

func TestUpdate_TransientFailureIsRetried(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	repo.failUpdates = 1
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	notes := "bring lab results"
	_, ticket, err := svc.Update(ctx, "dr-lopez", "a1", Patch{Notes: &notes})
	if err != nil {
		t.Fatal(err)
	}

	if res := svc.FlushUpdates(ctx); res.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", res)
	}
	if res := svc.FlushUpdates(ctx); res.Applied != 1 {
		t.Fatalf("expected the retry to succeed, got %+v", res)
	}
	if err := waitOutcome(t, ticket); err != nil {
		t.Fatal(err)
	}
	a, _ := repo.GetByID(ctx, "a1")
	if a.Notes == nil || *a.Notes != notes {
		t.Errorf("notes not written: %+v", a)
	}
}

func TestUpdate_SameIDWritesIndependently(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "A", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	repo.seed(Appointment{ID: "B", PatientID: "p2", Date: "2024-06-10", Room: 2, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	n1, n2, n3 := "one", "two", "three"
	for _, u := range []struct {
		id    string
		notes *string
	}{{"A", &n1}, {"B", &n2}, {"A", &n3}} {
		if _, _, err := svc.Update(ctx, "dr-lopez", u.id, Patch{Notes: u.notes}); err != nil {
			t.Fatal(err)
		}
	}

	if res := svc.FlushUpdates(ctx); res.Applied != 3 {
		t.Fatalf("expected three writes, got %+v", res)
	}
	if repo.count("Update") != 3 {
		t.Errorf("expected 3 store writes, got %d", repo.count("Update"))
	}
}

func TestCheckSlotAndWarm(t *testing.T) {
	repo := newMockRepo()
	repo.seed(Appointment{ID: "a1", PatientID: "p1", Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 0), Duration: 30, Status: StatusScheduled})
	svc := newTestService(t, repo, redisclient.NoopLocker{})
	ctx := context.Background()

	v, err := svc.CheckSlot(ctx, SlotQuery{Date: "2024-06-10", Room: 1, Start: NewTimeOfDay(10, 15), Duration: 15})
	if err != nil {
		t.Fatal(err)
	}
	if v.Free || v.Reason != ReasonConflict {
		t.Errorf("expected conflict, got %+v", v)
	}

	n, err := svc.Warm(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("warm loaded %d appointments", n)
	}
	if removed := svc.InvalidateCache(ctx, "appointments"); removed < 2 {
		t.Errorf("expected the day and rolling lists to be invalidated, removed %d", removed)
	}
}
