// Package session tracks signed-in users and their inactivity timers.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/idle"
)

var ErrNoSession = errors.New("session: not found")

type Config struct {
	IdleTimeout time.Duration
	Countdown   time.Duration
	Tick        time.Duration

	// OnExpire runs after an expired session has been dropped. The user
	// must begin a new session before mutating anything.
	OnExpire func(userID string)
}

type session struct {
	timer   *idle.Timer
	started time.Time
}

type Info struct {
	UserID  string     `json:"user_id"`
	Started time.Time  `json:"started_at"`
	Idle    idle.State `json:"idle"`
}

type Registry struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Begin opens a session for userID, or keeps an existing one alive.
func (r *Registry) Begin(userID string) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok {
		s.timer.KeepAlive()
		return r.infoLocked(userID, s)
	}

	s := &session{started: time.Now()}
	s.timer = idle.Start(idle.Config{
		Timeout:   r.cfg.IdleTimeout,
		Countdown: r.cfg.Countdown,
		Tick:      r.cfg.Tick,
		OnTick: func(remaining time.Duration) {
			r.log.Debug().Str("user_id", userID).Dur("remaining", remaining).Msg("session countdown")
		},
		OnExpire: func() { r.expire(userID, s) },
	})
	r.sessions[userID] = s

	r.log.Info().Str("user_id", userID).Msg("session started")
	return r.infoLocked(userID, s)
}

func (r *Registry) expire(userID string, s *session) {
	r.mu.Lock()
	if cur, ok := r.sessions[userID]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	r.log.Info().Str("user_id", userID).Msg("session expired after inactivity, forcing reload")
	if r.cfg.OnExpire != nil {
		r.cfg.OnExpire(userID)
	}
}

func (r *Registry) get(userID string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

func (r *Registry) infoLocked(userID string, s *session) Info {
	return Info{UserID: userID, Started: s.started, Idle: s.timer.State()}
}

func (r *Registry) Active(userID string) bool {
	_, err := r.get(userID)
	return err == nil
}

// Activity forwards an activity signal. accepted is false when the signal
// was ignored because the countdown is running.
func (r *Registry) Activity(userID string, sig idle.Signal) (accepted bool, err error) {
	s, err := r.get(userID)
	if err != nil {
		return false, err
	}
	return s.timer.Activity(sig), nil
}

func (r *Registry) KeepAlive(userID string) (Info, error) {
	s, err := r.get(userID)
	if err != nil {
		return Info{}, err
	}
	s.timer.KeepAlive()
	return Info{UserID: userID, Started: s.started, Idle: s.timer.State()}, nil
}

func (r *Registry) Info(userID string) (Info, error) {
	s, err := r.get(userID)
	if err != nil {
		return Info{}, err
	}
	return Info{UserID: userID, Started: s.started, Idle: s.timer.State()}, nil
}

func (r *Registry) End(userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	s.timer.Stop()
	r.log.Info().Str("user_id", userID).Msg("session ended")
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every timer.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.timer.Stop()
		delete(r.sessions, id)
	}
}
