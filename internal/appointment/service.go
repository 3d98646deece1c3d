package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/batch"
	"github.com/RCasillasV/clinic-scheduling/internal/cache"
	"github.com/RCasillasV/clinic-scheduling/internal/config"
	redisclient "github.com/RCasillasV/clinic-scheduling/internal/redis"
)

const (
	EventAppointmentCreated = "APPOINTMENT_CREATED"
	EventAppointmentUpdated = "APPOINTMENT_UPDATED"
	EventStatusChanged      = "APPOINTMENT_STATUS_CHANGED"
)

var (
	ErrNoSession       = errors.New("no active session")
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")
)

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	cache     *cache.Cache
	lists     cache.Typed[[]Appointment]
	single    cache.Typed[Appointment]
	statuses  cache.Typed[[]StatusInfo]
	queue     *batch.Queue[Patch]
	checker   *Checker
	validator *Validator
	cfg       config.Config
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now for every time-dependent rule.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the engine. ctx bounds the background batch flushes;
// call Close to drain pending updates before cancelling it.
func NewService(ctx context.Context, repo Repository, locker redisclient.Locker, c *cache.Cache, cfg config.Config, log zerolog.Logger, opts ...Option) (*Service, error) {
	dayStart, err := ParseTimeOfDay(cfg.DayStart)
	if err != nil {
		return nil, fmt.Errorf("day start: %w", err)
	}
	dayEnd, err := ParseTimeOfDay(cfg.DayEnd)
	if err != nil {
		return nil, fmt.Errorf("day end: %w", err)
	}

	s := &Service{
		repo:     repo,
		locker:   locker,
		cache:    c,
		lists:    cache.NewTyped[[]Appointment](c, "appointments"),
		single:   cache.NewTyped[Appointment](c, "appointments"),
		statuses: cache.NewTyped[[]StatusInfo](c, "statuses"),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.checker = NewChecker(CheckerConfig{
		DayStart: dayStart,
		DayEnd:   dayEnd,
		Step:     cfg.SlotStep,
		Location: time.Local,
		Now:      s.now,
	})
	s.validator = NewValidator(s.checker)
	s.queue = batch.New(ctx, s.applyUpdate, batch.Options[Patch]{
		Delay:       cfg.BatchFlushDelay,
		Size:        cfg.BatchSize,
		MaxAttempts: cfg.BatchMaxAttempts,
		Coalesce:    cfg.BatchCoalesce,
		Merge:       MergePatches,
		Logger:      log.With().Str("component", "batch").Logger(),
	})

	return s, nil
}

func (s *Service) Checker() *Checker { return s.checker }

// Cache keys

func (s *Service) allKey() string { return s.lists.Key("all") }

func (s *Service) dayKey(date Date, room int) string {
	return s.lists.Key("day", string(date), "room", strconv.Itoa(room))
}

func (s *Service) patientKey(patientID string) string { return s.lists.Key("patient", patientID) }

func (s *Service) idKey(id string) string { return s.single.Key("id", id) }

func (s *Service) statusKey(current *Status) string {
	if current == nil {
		return s.statuses.Key("initial")
	}
	return s.statuses.Key("from", string(*current))
}

// invalidate drops every cached scope a stored appointment belongs to.
func (s *Service) invalidate(ctx context.Context, a Appointment) {
	s.cache.Delete(ctx, s.allKey())
	s.cache.Delete(ctx, s.dayKey(a.Date, a.Room))
	s.cache.Delete(ctx, s.patientKey(a.PatientID))
	if a.ID != "" {
		s.cache.Delete(ctx, s.idKey(a.ID))
	}
}

// Reads

// List returns the rolling window of appointments, from APPOINTMENT_WINDOW
// ago onwards.
func (s *Service) List(ctx context.Context) ([]Appointment, error) {
	from := DateOf(s.now().In(s.checker.Location()).Add(-s.cfg.AppointmentWindow))
	list, err := s.lists.Load(ctx, s.allKey(), func(ctx context.Context) ([]Appointment, error) {
		return s.repo.GetAll(ctx, from)
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

func (s *Service) ListByDateAndRoom(ctx context.Context, date Date, room int) ([]Appointment, error) {
	list, err := s.lists.Load(ctx, s.dayKey(date, room), s.fetchDay(date, room))
	if err != nil {
		return nil, fmt.Errorf("list day appointments: %w", err)
	}
	return list, nil
}

func (s *Service) fetchDay(date Date, room int) func(context.Context) ([]Appointment, error) {
	return func(ctx context.Context) ([]Appointment, error) {
		return s.repo.GetByDateAndRoom(ctx, date, room)
	}
}

// refreshDay bypasses the cache: rule checks before a write run against the
// latest known set.
func (s *Service) refreshDay(ctx context.Context, date Date, room int) ([]Appointment, error) {
	list, err := s.lists.Refresh(ctx, s.dayKey(date, room), s.fetchDay(date, room))
	if err != nil {
		return nil, fmt.Errorf("refresh day appointments: %w", err)
	}
	return list, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	list, err := s.lists.Load(ctx, s.patientKey(patientID), func(ctx context.Context) ([]Appointment, error) {
		return s.repo.GetByPatient(ctx, patientID)
	})
	if err != nil {
		return nil, fmt.Errorf("list patient appointments: %w", err)
	}
	return list, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	a, err := s.single.Load(ctx, s.idKey(id), func(ctx context.Context) (Appointment, error) {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return Appointment{}, err
		}
		return *a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return &a, nil
}

// Statuses returns the statuses a user may pick: the initial ones for a
// new appointment (current == nil) or the legal successors of current.
func (s *Service) Statuses(ctx context.Context, current *Status) ([]StatusInfo, error) {
	catalog, err := s.statuses.Load(ctx, s.statusKey(current), func(ctx context.Context) ([]StatusInfo, error) {
		return s.repo.GetStatusCatalog(ctx, current)
	})
	if err != nil {
		return nil, fmt.Errorf("load status catalog: %w", err)
	}

	permitted := Permitted(current, catalog)
	if len(permitted) < len(catalog) {
		s.log.Debug().Int("catalog", len(catalog)).Int("permitted", len(permitted)).Msg("status catalog narrowed by state machine")
	}
	return permitted, nil
}

// CheckSlot answers whether one candidate slot is free, from the cached
// day list.
func (s *Service) CheckSlot(ctx context.Context, q SlotQuery) (Verdict, error) {
	existing, err := s.ListByDateAndRoom(ctx, q.Date, q.Room)
	if err != nil {
		return Verdict{}, err
	}
	return s.checker.Check(q, existing), nil
}

func (s *Service) Slots(ctx context.Context, req GridRequest) ([]Slot, error) {
	existing, err := s.ListByDateAndRoom(ctx, req.Date, req.Room)
	if err != nil {
		return nil, err
	}
	return s.checker.Grid(req, existing), nil
}

// Writes

// Create books a new appointment. Input and time rules are checked up
// front; the overlap rule runs against a fresh read of the day while the
// room/day lock is held, so two sessions cannot book the same interval.
func (s *Service) Create(ctx context.Context, userID string, a Appointment) (*Appointment, error) {
	if userID == "" {
		return nil, ErrNoSession
	}

	a.ID = ""
	a.CreatedBy = userID
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	a.Normalize()

	permitted, err := s.Statuses(ctx, nil)
	if err != nil {
		return nil, err
	}

	if err := s.validator.ValidateCreate(a, nil, permitted); err != nil {
		return nil, err
	}

	var created *Appointment
	err = s.locker.WithRoomDayLock(ctx, string(a.Date), a.Room, func(lockCtx context.Context) error {
		existing, err := s.refreshDay(lockCtx, a.Date, a.Room)
		if err != nil {
			return err
		}
		if err := s.validator.ValidateCreate(a, existing, permitted); err != nil {
			return err
		}

		appt, err := s.repo.Create(lockCtx, a)
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		created = appt

		s.logEvent(lockCtx, appt.ID, EventAppointmentCreated, map[string]any{
			"date":       appt.Date,
			"room":       appt.Room,
			"start_time": appt.Start.String(),
			"duration":   appt.Duration,
			"created_by": userID,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		if errors.Is(err, ErrSlotTaken) {
			s.cache.Delete(ctx, s.dayKey(a.Date, a.Room))
			return nil, slotTakenError()
		}
		return nil, err
	}

	s.invalidate(ctx, *created)
	return created, nil
}

// Update validates p against the stored appointment and queues it. The
// returned appointment is the optimistic result; the ticket reports the
// outcome of the eventual write.
func (s *Service) Update(ctx context.Context, userID, id string, p Patch) (*Appointment, *batch.Ticket, error) {
	if userID == "" {
		return nil, nil, ErrNoSession
	}

	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}

	var permitted []StatusInfo
	if p.Status != nil && *p.Status != cur.Status {
		if permitted, err = s.Statuses(ctx, &cur.Status); err != nil {
			return nil, nil, err
		}
	}

	next := p.Apply(*cur)
	var existing []Appointment
	if p.Reschedules(*cur) {
		if existing, err = s.refreshDay(ctx, next.Date, next.Room); err != nil {
			return nil, nil, err
		}
	}

	if err := s.validator.ValidateUpdate(*cur, p, existing, permitted); err != nil {
		return nil, nil, err
	}

	ticket := s.queue.Enqueue(id, p)
	return &next, ticket, nil
}

// applyUpdate is the batch queue's write path for one queued patch.
func (s *Service) applyUpdate(ctx context.Context, id string, p Patch) error {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return batch.Permanent(err)
		}
		return fmt.Errorf("load appointment: %w", err)
	}
	if err := s.validator.ValidateQueued(*cur, p); err != nil {
		return batch.Permanent(err)
	}

	next := p.Apply(*cur)
	write := func(ctx context.Context) error {
		updated, err := s.repo.Update(ctx, id, p)
		if err != nil {
			if errors.Is(err, ErrSlotTaken) {
				s.cache.Delete(ctx, s.dayKey(next.Date, next.Room))
				return batch.Permanent(slotTakenError())
			}
			if errors.Is(err, ErrAppointmentNotFound) || errors.Is(err, ErrEmptyPatch) {
				return batch.Permanent(err)
			}
			return fmt.Errorf("update appointment: %w", err)
		}

		s.invalidate(ctx, *cur)
		s.invalidate(ctx, *updated)

		if updated.Status != cur.Status {
			s.logEvent(ctx, id, EventStatusChanged, map[string]any{"from": cur.Status, "to": updated.Status})
		} else {
			s.logEvent(ctx, id, EventAppointmentUpdated, p)
		}
		return nil
	}

	if !p.Reschedules(*cur) {
		return write(ctx)
	}

	err = s.locker.WithRoomDayLock(ctx, string(next.Date), next.Room, func(lockCtx context.Context) error {
		existing, err := s.repo.GetByDateAndRoom(lockCtx, next.Date, next.Room)
		if err != nil {
			return fmt.Errorf("load day appointments: %w", err)
		}
		q := SlotQuery{Date: next.Date, Room: next.Room, Start: next.Start, Duration: next.Duration, Exclude: id}
		if conflicts := s.checker.Conflicts(q, existing); len(conflicts) > 0 {
			s.cache.Delete(lockCtx, s.dayKey(next.Date, next.Room))
			return batch.Permanent(slotTakenError())
		}
		return write(lockCtx)
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBeingBooked
	}
	return err
}

// FlushUpdates applies one batch of queued updates now.
func (s *Service) FlushUpdates(ctx context.Context) batch.FlushResult {
	return s.queue.Flush(ctx)
}

func (s *Service) PendingUpdates() int {
	return s.queue.Len()
}

// Close drains the update queue.
func (s *Service) Close(ctx context.Context) error {
	return s.queue.Close(ctx)
}

// Cache maintenance

func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) InvalidateCache(ctx context.Context, pattern string) int {
	n := s.cache.InvalidatePattern(ctx, pattern)
	s.log.Info().Str("pattern", pattern).Int("removed", n).Msg("cache invalidated")
	return n
}

// Warm reloads the rolling list and the initial status catalog. The status
// scopes are dropped first so catalog edits made outside the engine show up.
func (s *Service) Warm(ctx context.Context) (int, error) {
	s.cache.InvalidatePattern(ctx, s.statuses.Key()+":")

	from := DateOf(s.now().In(s.checker.Location()).Add(-s.cfg.AppointmentWindow))
	list, err := s.lists.Refresh(ctx, s.allKey(), func(ctx context.Context) ([]Appointment, error) {
		return s.repo.GetAll(ctx, from)
	})
	if err != nil {
		return 0, fmt.Errorf("warm appointments: %w", err)
	}
	if _, err := s.Statuses(ctx, nil); err != nil {
		return 0, fmt.Errorf("warm statuses: %w", err)
	}
	return len(list), nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID string, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", appointmentID).Msg("failed to insert event log")
	}
}
