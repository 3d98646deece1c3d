package appointment

import (
	"context"
	"errors"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrSlotTaken is returned by the store when an insert or update would
	// overlap another appointment in the same room on the same day.
	ErrSlotTaken = errors.New("slot already taken")
)

// Repository is the data-access interface the engine reads and writes
// appointments through.
type Repository interface {
	// GetAll returns appointments dated on or after from.
	GetAll(ctx context.Context, from Date) ([]Appointment, error)
	GetByDateAndRoom(ctx context.Context, date Date, room int) ([]Appointment, error)
	GetByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	GetByID(ctx context.Context, id string) (*Appointment, error)

	Create(ctx context.Context, a Appointment) (*Appointment, error)
	Update(ctx context.Context, id string, p Patch) (*Appointment, error)

	// GetStatusCatalog returns the statuses the catalog allows after
	// current, or the initial ones when current is nil.
	GetStatusCatalog(ctx context.Context, current *Status) ([]StatusInfo, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
