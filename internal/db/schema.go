package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The exclusion constraint is the store-side guarantee that two blocking
// appointments of one room never overlap on the same day. Cancelled rows
// are excluded from it.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,

	`CREATE TABLE IF NOT EXISTS appointment_statuses (
		code         text PRIMARY KEY,
		label        text NOT NULL,
		is_initial   boolean NOT NULL DEFAULT false,
		allowed_from text[] NOT NULL DEFAULT '{}',
		sort_order   integer NOT NULL DEFAULT 0
	)`,

	`INSERT INTO appointment_statuses (code, label, is_initial, allowed_from, sort_order) VALUES
		('scheduled',   'Programada',  true,  '{}',                                     1),
		('confirmed',   'Confirmada',  true,  '{scheduled}',                            2),
		('in_progress', 'En consulta', false, '{confirmed}',                            3),
		('completed',   'Atendida',    false, '{in_progress}',                          4),
		('cancelled',   'Cancelada',   false, '{scheduled,confirmed,in_progress}',      5)
	ON CONFLICT (code) DO NOTHING`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		patient_id       text NOT NULL,
		date             date NOT NULL,
		start_minute     integer NOT NULL CHECK (start_minute >= 0 AND start_minute < 1440),
		duration_minutes integer NOT NULL CHECK (duration_minutes IN (15, 20, 30, 40, 60)),
		room             integer NOT NULL CHECK (room > 0),
		status           text NOT NULL REFERENCES appointment_statuses (code),
		reason           text NOT NULL,
		notes            text,
		urgent           boolean NOT NULL DEFAULT false,
		created_by       text NOT NULL,
		created_at       timestamptz NOT NULL DEFAULT now(),
		updated_at       timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT appointments_no_overlap EXCLUDE USING gist (
			room WITH =,
			date WITH =,
			int4range(start_minute, start_minute + duration_minutes) WITH &&
		) WHERE (status <> 'cancelled')
	)`,

	`CREATE INDEX IF NOT EXISTS idx_appointments_date_room ON appointments (date, room)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id)`,

	`CREATE TABLE IF NOT EXISTS event_logs (
		id             bigserial PRIMARY KEY,
		event_type     text NOT NULL,
		appointment_id uuid,
		payload        jsonb,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_event_logs_appointment ON event_logs (appointment_id)`,
}

// EnsureSchema creates the tables, constraints and status catalog if they
// do not exist yet. It is safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
