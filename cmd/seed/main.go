package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/appointment"
	"github.com/RCasillasV/clinic-scheduling/internal/config"
	"github.com/RCasillasV/clinic-scheduling/internal/db"
	"github.com/RCasillasV/clinic-scheduling/internal/logging"
)

var reasons = []string{
	"Consulta general",
	"Control de presion",
	"Revision de estudios",
	"Seguimiento",
	"Vacunacion",
	"Curacion",
	"Certificado medico",
	"Dolor abdominal",
	"Control prenatal",
	"Retiro de puntos",
}

type seedConfig struct {
	Patients   int
	Rooms      int
	DaysBack   int
	DaysAhead  int
	PerRoomDay int
}

func main() {
	var sc seedConfig
	flag.IntVar(&sc.Patients, "patients", 300, "distinct patient ids")
	flag.IntVar(&sc.Rooms, "rooms", 4, "consulting rooms")
	flag.IntVar(&sc.DaysBack, "days-back", 7, "days of history to generate")
	flag.IntVar(&sc.DaysAhead, "days-ahead", 14, "days of future bookings to generate")
	flag.IntVar(&sc.PerRoomDay, "per-room-day", 12, "booking attempts per room and day")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("dev", "info")
		fallback.Fatal().Err(err).Msg("config load error")
	}
	log := logging.Component(logging.New(cfg.Env, cfg.LogLevel), "seed")
	log.Info().Interface("options", sc).Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	dayStart, err := appointment.ParseTimeOfDay(cfg.DayStart)
	if err != nil {
		log.Fatal().Err(err).Msg("day start")
	}
	dayEnd, err := appointment.ParseTimeOfDay(cfg.DayEnd)
	if err != nil {
		log.Fatal().Err(err).Msg("day end")
	}

	gofakeit.Seed(time.Now().UnixNano())

	repo := appointment.NewPgRepository(pool)
	created, taken, err := seedAppointments(context.Background(), repo, sc, dayStart, dayEnd, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Int("created", created).Int("skipped_taken", taken).Msg("seed complete")
}

func seedAppointments(ctx context.Context, repo appointment.Repository, sc seedConfig, dayStart, dayEnd appointment.TimeOfDay, log zerolog.Logger) (created, taken int, err error) {
	patients := make([]string, sc.Patients)
	for i := range patients {
		patients[i] = uuid.NewString()
	}
	staff := []string{gofakeit.Name(), gofakeit.Name(), gofakeit.Name()}

	today := time.Now()
	for offset := -sc.DaysBack; offset <= sc.DaysAhead; offset++ {
		day := today.AddDate(0, 0, offset)
		if day.Weekday() == time.Sunday {
			continue
		}
		date := appointment.DateOf(day)

		for room := 1; room <= sc.Rooms; room++ {
			for i := 0; i < sc.PerRoomDay; i++ {
				a := randomAppointment(date, room, offset, dayStart, dayEnd, patients, staff)

				_, err := repo.Create(ctx, a)
				switch {
				case err == nil:
					created++
				case errors.Is(err, appointment.ErrSlotTaken):
					taken++
				default:
					return created, taken, err
				}
			}
		}
		log.Info().Str("date", string(date)).Int("created", created).Msg("day seeded")
	}
	return created, taken, nil
}

// randomAppointment picks a slot on the 15 minute grid. Past days get
// terminal statuses, future days initial ones.
func randomAppointment(date appointment.Date, room, offset int, dayStart, dayEnd appointment.TimeOfDay, patients, staff []string) appointment.Appointment {
	d := appointment.AllowedDurations[gofakeit.Number(0, len(appointment.AllowedDurations)-1)]
	last := int(dayEnd) - int(d)
	steps := (last - int(dayStart)) / 15
	start := dayStart + appointment.TimeOfDay(gofakeit.Number(0, max(steps, 0))*15)

	var status appointment.Status
	switch {
	case offset < 0 && gofakeit.Number(0, 9) == 0:
		status = appointment.StatusCancelled
	case offset < 0:
		status = appointment.StatusCompleted
	case gofakeit.Number(0, 2) == 0:
		status = appointment.StatusConfirmed
	default:
		status = appointment.StatusScheduled
	}

	a := appointment.Appointment{
		PatientID: patients[gofakeit.Number(0, len(patients)-1)],
		Date:      date,
		Start:     start,
		Duration:  d,
		Room:      room,
		Status:    status,
		Reason:    reasons[gofakeit.Number(0, len(reasons)-1)],
		Urgent:    gofakeit.Number(0, 19) == 0,
		CreatedBy: staff[gofakeit.Number(0, len(staff)-1)],
	}
	if gofakeit.Number(0, 3) == 0 {
		notes := gofakeit.Name() + " acompana al paciente"
		a.Notes = &notes
	}
	a.Normalize()
	return a
}
