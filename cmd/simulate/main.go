package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/RCasillasV/clinic-scheduling/internal/logging"
)

// simulate drives a running api-server with concurrent front-desk users
// who book, reschedule, confirm and browse appointments, then prints a
// per-operation report and the server's cache statistics.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	RatePerSec   float64
	BookingRatio float64
	UpdateRatio  float64
	ReadRatio    float64
	Rooms        int
	Days         int
	Patients     int
}

var durations = []int{15, 20, 30, 40, 60}

var reasons = []string{
	"Consulta general",
	"Control de presion",
	"Revision de estudios",
	"Seguimiento",
	"Vacunacion",
	"Curacion",
}

type DataPool struct {
	Patients []string

	mu           sync.RWMutex
	appointments []string
}

func (dp *DataPool) AddAppointment(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return "", false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	limiter *rate.Limiter
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	_ = godotenv.Load()
	log := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("rate", cfg.RatePerSec).
		Float64("booking", cfg.BookingRatio).
		Float64("update", cfg.UpdateRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config:  cfg,
		pool:    newDataPool(cfg.Patients),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Workers),
		log:     log,
	}

	if err := sim.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}

	sim.PrintReport(context.Background())
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		RatePerSec:   getFloat("SIM_RATE", 50),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.4),
		UpdateRatio:  getFloat("SIM_UPDATE_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.4),
		Rooms:        getInt("SIM_ROOMS", 4),
		Days:         getInt("SIM_DAYS", 5),
		Patients:     getInt("SIM_PATIENTS", 500),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.UpdateRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.UpdateRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.RatePerSec <= 0 {
		return errors.New("SIM_RATE must be > 0")
	}
	if cfg.Rooms <= 0 || cfg.Days <= 0 || cfg.Patients <= 0 {
		return errors.New("SIM_ROOMS, SIM_DAYS and SIM_PATIENTS must be > 0")
	}
	return nil
}

func newDataPool(patients int) *DataPool {
	dp := &DataPool{Patients: make([]string, patients)}
	for i := range dp.Patients {
		dp.Patients[i] = uuid.NewString()
	}
	return dp
}

// Run starts one session per worker and lets the workers loop until the
// configured duration elapses.
func (s *Simulator) Run(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.config.Duration)
	defer cancel()

	s.log.Info().Msg("starting simulation")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		i := i
		userID := fmt.Sprintf("sim-%02d-%s", i, strings.ToLower(gofakeit.FirstName()))
		g.Go(func() error {
			if err := s.beginSession(ctx, userID); err != nil {
				return fmt.Errorf("begin session for %s: %w", userID, err)
			}
			s.worker(ctx, userID, int64(i))
			return nil
		})
	}

	err := g.Wait()
	s.log.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, userID string, seed int64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + seed))

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, userID, rng)
		case r < s.config.BookingRatio+s.config.UpdateRatio:
			s.doUpdate(ctx, userID, rng)
		default:
			// Read operations - distribute evenly, with an occasional keep-alive
			switch rng.Intn(5) {
			case 0:
				s.doSlots(ctx, rng)
			case 1:
				s.doAvailability(ctx, rng)
			case 2:
				s.doReadByID(ctx, rng)
			case 3:
				s.doListDay(ctx, rng)
			case 4:
				s.doKeepAlive(ctx, userID)
			}
		}
	}
}

// Requests

func (s *Simulator) request(ctx context.Context, method, path, userID string, body any) (*http.Response, time.Duration, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rdr)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	return resp, time.Since(start), err
}

// classify maps a response to an outcome; 409 and 422 are the expected
// answers to losing a race for a slot.
func classify(resp *http.Response, err error, ok ...int) outcome {
	if err != nil {
		return outcomeError
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return outcomeSuccess
		}
	}
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return outcomeConflict
	}
	return outcomeError
}

func drain(resp *http.Response) {
	if resp != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}

func (s *Simulator) beginSession(ctx context.Context, userID string) error {
	resp, _, err := s.request(ctx, http.MethodPost, "/session", userID, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *Simulator) randomDate(rng *rand.Rand) string {
	return time.Now().AddDate(0, 0, 1+rng.Intn(s.config.Days)).Format("2006-01-02")
}

func randomStart(rng *rand.Rand) string {
	minute := 8*60 + rng.Intn(11*4)*15
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

func (s *Simulator) doBooking(ctx context.Context, userID string, rng *rand.Rand) {
	body := map[string]any{
		"patient_id": s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		"date":       s.randomDate(rng),
		"start_time": randomStart(rng),
		"duration":   durations[rng.Intn(len(durations))],
		"room":       1 + rng.Intn(s.config.Rooms),
		"reason":     reasons[gofakeit.Number(0, len(reasons)-1)],
		"urgent":     rng.Intn(10) == 0,
	}

	resp, latency, err := s.request(ctx, http.MethodPost, "/appointments", userID, body)
	o := classify(resp, err, http.StatusCreated)
	if o == outcomeSuccess {
		var created struct {
			ID string `json:"id"`
		}
		if json.NewDecoder(resp.Body).Decode(&created) == nil && created.ID != "" {
			s.pool.AddAppointment(created.ID)
		}
	}
	drain(resp)
	s.record(ctx, &s.metrics.Booking, latency, o)
}

// doUpdate either walks the appointment one step along the status
// lifecycle or moves it to another time.
func (s *Simulator) doUpdate(ctx context.Context, userID string, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	var patch map[string]any
	if rng.Intn(2) == 0 {
		next := []string{"confirmed", "in_progress", "completed", "cancelled"}
		patch = map[string]any{"status": next[rng.Intn(len(next))]}
	} else {
		patch = map[string]any{"start_time": randomStart(rng)}
	}

	resp, latency, err := s.request(ctx, http.MethodPatch, "/appointments/"+url.PathEscape(id), userID, patch)
	drain(resp)
	s.record(ctx, &s.metrics.Update, latency, classify(resp, err, http.StatusAccepted))
}

func (s *Simulator) doSlots(ctx context.Context, rng *rand.Rand) {
	q := url.Values{}
	q.Set("date", s.randomDate(rng))
	q.Set("room", strconv.Itoa(1+rng.Intn(s.config.Rooms)))
	q.Set("duration", strconv.Itoa(durations[rng.Intn(len(durations))]))

	resp, latency, err := s.request(ctx, http.MethodGet, "/slots?"+q.Encode(), "", nil)
	drain(resp)
	s.record(ctx, &s.metrics.Slots, latency, classify(resp, err, http.StatusOK))
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	q := url.Values{}
	q.Set("date", s.randomDate(rng))
	q.Set("room", strconv.Itoa(1+rng.Intn(s.config.Rooms)))
	q.Set("start_time", randomStart(rng))
	q.Set("duration", strconv.Itoa(durations[rng.Intn(len(durations))]))

	resp, latency, err := s.request(ctx, http.MethodGet, "/availability?"+q.Encode(), "", nil)
	drain(resp)
	s.record(ctx, &s.metrics.Availability, latency, classify(resp, err, http.StatusOK))
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	resp, latency, err := s.request(ctx, http.MethodGet, "/appointments/"+url.PathEscape(id), "", nil)
	drain(resp)
	s.record(ctx, &s.metrics.ReadByID, latency, classify(resp, err, http.StatusOK))
}

func (s *Simulator) doListDay(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/appointments?date=%s&room=%d", s.randomDate(rng), 1+rng.Intn(s.config.Rooms))
	resp, latency, err := s.request(ctx, http.MethodGet, path, "", nil)
	drain(resp)
	s.record(ctx, &s.metrics.ListDay, latency, classify(resp, err, http.StatusOK))
}

func (s *Simulator) doKeepAlive(ctx context.Context, userID string) {
	resp, latency, err := s.request(ctx, http.MethodPost, "/session/keepalive", userID, nil)
	drain(resp)
	s.record(ctx, &s.metrics.KeepAlive, latency, classify(resp, err, http.StatusOK))
}

// record skips requests cut short by the end of the run.
func (s *Simulator) record(ctx context.Context, om *OperationMetrics, latency time.Duration, o outcome) {
	if ctx.Err() != nil {
		return
	}
	om.Record(latency, o)
}

// Report

func (s *Simulator) PrintReport(ctx context.Context) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Rate limit: %.0f req/s\n", s.config.RatePerSec)
	fmt.Println()

	s.metrics.each(func(name string, om *OperationMetrics) {
		if report := formatOperationReport(name, om); report != "" {
			fmt.Println(report)
		}
	})

	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, _, err := s.request(statsCtx, http.MethodGet, "/cache/stats", "", nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not fetch cache stats")
		return
	}
	defer drain(resp)

	var stats struct {
		Hits           uint64 `json:"hits"`
		Misses         uint64 `json:"misses"`
		StoreErrors    uint64 `json:"store_errors"`
		PendingUpdates int    `json:"pending_updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		s.log.Warn().Err(err).Msg("could not decode cache stats")
		return
	}
	ratio := 0.0
	if total := stats.Hits + stats.Misses; total > 0 {
		ratio = float64(stats.Hits) / float64(total) * 100
	}
	fmt.Printf("Cache: hits=%d misses=%d hit_ratio=%.1f%% store_errors=%d pending_updates=%d\n",
		stats.Hits, stats.Misses, ratio, stats.StoreErrors, stats.PendingUpdates)
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
