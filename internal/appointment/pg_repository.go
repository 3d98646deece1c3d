package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// exclusion_violation, raised by appointments_no_overlap
const pgExclusionViolation = "23P01"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `
	id::text, patient_id, date, start_minute, duration_minutes, room, status,
	reason, notes, urgent, created_by, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var day time.Time
	var start, duration int

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&day,
		&start,
		&duration,
		&a.Room,
		&a.Status,
		&a.Reason,
		&a.Notes,
		&a.Urgent,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = DateOf(day)
	a.Start = TimeOfDay(start)
	a.Duration = Duration(duration)
	a.Normalize()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	result := []Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return ErrSlotTaken
	}
	return err
}

func dateArg(d Date) time.Time {
	return d.In(time.UTC)
}

// Interface methods

func (r *PgRepository) GetAll(ctx context.Context, from Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE date >= $1
		ORDER BY date, room, start_minute
	`, dateArg(from))
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) GetByDateAndRoom(ctx context.Context, date Date, room int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE date = $1 AND room = $2
		ORDER BY start_minute
	`, dateArg(date), room)
	if err != nil {
		return nil, fmt.Errorf("query day appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) GetByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY date DESC, start_minute DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) GetByID(ctx context.Context, id string) (*Appointment, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrAppointmentNotFound
	}

	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, uid)
	return scanAppointment(row)
}

func (r *PgRepository) Create(ctx context.Context, a Appointment) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_id, date, start_minute, duration_minutes, room, status,
			reason, notes, urgent, created_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, dateArg(a.Date), int(a.Start), int(a.Duration), a.Room, a.Status,
		a.Reason, a.Notes, a.Urgent, a.CreatedBy,
	)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) Update(ctx context.Context, id string, p Patch) (*Appointment, error) {
	if p.IsEmpty() {
		return nil, ErrEmptyPatch
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrAppointmentNotFound
	}

	var sets []string
	args := []any{uid}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if p.Date != nil {
		set("date", dateArg(*p.Date))
	}
	if p.Start != nil {
		set("start_minute", int(*p.Start))
	}
	if p.Duration != nil {
		set("duration_minutes", int(*p.Duration))
	}
	if p.Room != nil {
		set("room", *p.Room)
	}
	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Reason != nil {
		set("reason", *p.Reason)
	}
	if p.Notes != nil {
		set("notes", *p.Notes)
	}
	if p.Urgent != nil {
		set("urgent", *p.Urgent)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET `+strings.Join(sets, ", ")+`,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns, args...)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return updated, nil
}

func (r *PgRepository) GetStatusCatalog(ctx context.Context, current *Status) ([]StatusInfo, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if current == nil {
		rows, err = r.pool.Query(ctx, `
			SELECT code, label, is_initial
			FROM appointment_statuses
			WHERE is_initial
			ORDER BY sort_order
		`)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT code, label, is_initial
			FROM appointment_statuses
			WHERE $1 = ANY(allowed_from)
			ORDER BY sort_order
		`, string(*current))
	}
	if err != nil {
		return nil, fmt.Errorf("query status catalog: %w", err)
	}
	defer rows.Close()

	result := []StatusInfo{}
	for rows.Next() {
		var info StatusInfo
		if err := rows.Scan(&info.Code, &info.Label, &info.Initial); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		if uid, err := uuid.Parse(*ev.AppointmentID); err == nil {
			appID = &uid
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
