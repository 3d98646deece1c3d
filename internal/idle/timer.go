// Package idle implements the two-phase inactivity timer that forces a
// reload when a workstation is left unattended.
//
// Phase one watches for activity: every signal pushes the idle deadline
// back. Once the deadline passes the timer enters a visible countdown that
// ticks at a fixed interval and calls OnExpire when it reaches zero. A
// safety timer armed for the whole countdown fires OnExpire even when ticks
// are delayed. Activity during the countdown is ignored; only KeepAlive
// cancels it.
package idle

import (
	"fmt"
	"sync"
	"time"
)

type Signal string

const (
	SignalPointerMove Signal = "pointer_move"
	SignalKeyPress    Signal = "key_press"
	SignalScroll      Signal = "scroll"
	SignalTouch       Signal = "touch"
	SignalClick       Signal = "click"
)

var signals = map[Signal]struct{}{
	SignalPointerMove: {},
	SignalKeyPress:    {},
	SignalScroll:      {},
	SignalTouch:       {},
	SignalClick:       {},
}

func ParseSignal(s string) (Signal, error) {
	sig := Signal(s)
	if _, ok := signals[sig]; !ok {
		return "", fmt.Errorf("unknown activity signal %q", s)
	}
	return sig, nil
}

type Phase string

const (
	PhaseWatching     Phase = "watching"
	PhaseCountingDown Phase = "counting_down"
	PhaseExpired      Phase = "expired"
	PhaseStopped      Phase = "stopped"
)

type State struct {
	Phase            Phase         `json:"phase"`
	CountingDown     bool          `json:"counting_down"`
	Remaining        time.Duration `json:"-"`
	RemainingSeconds int           `json:"remaining_seconds"`
	LastActivity     time.Time     `json:"last_activity"`
}

type Config struct {
	Timeout   time.Duration // inactivity before the countdown starts
	Countdown time.Duration // countdown length
	Tick      time.Duration // countdown resolution, default 1s

	OnTick   func(remaining time.Duration)
	OnExpire func()
}

type Timer struct {
	cfg Config

	mu           sync.Mutex
	phase        Phase
	gen          uint64 // bumped on every phase change; stale callbacks compare against it
	remaining    time.Duration
	lastActivity time.Time
	idle         *time.Timer
	safety       *time.Timer
	stopTick     chan struct{}
}

// Start creates a timer already in the watching phase.
func Start(cfg Config) *Timer {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Countdown < cfg.Tick {
		cfg.Countdown = cfg.Tick
	}
	t := &Timer{cfg: cfg}

	t.mu.Lock()
	t.watchLocked()
	t.mu.Unlock()
	return t
}

func (t *Timer) stopAllLocked() {
	t.gen++
	if t.idle != nil {
		t.idle.Stop()
		t.idle = nil
	}
	if t.safety != nil {
		t.safety.Stop()
		t.safety = nil
	}
	if t.stopTick != nil {
		close(t.stopTick)
		t.stopTick = nil
	}
}

func (t *Timer) watchLocked() {
	t.stopAllLocked()
	t.phase = PhaseWatching
	t.remaining = t.cfg.Countdown
	t.lastActivity = time.Now()

	gen := t.gen
	t.idle = time.AfterFunc(t.cfg.Timeout, func() { t.beginCountdown(gen) })
}

func (t *Timer) beginCountdown(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.phase != PhaseWatching {
		t.mu.Unlock()
		return
	}
	t.stopAllLocked()
	t.phase = PhaseCountingDown
	t.remaining = t.cfg.Countdown

	gen = t.gen
	done := make(chan struct{})
	t.stopTick = done
	t.safety = time.AfterFunc(t.cfg.Countdown, func() { t.expire(gen) })
	ticker := time.NewTicker(t.cfg.Tick)
	remaining := t.remaining
	t.mu.Unlock()

	if t.cfg.OnTick != nil {
		t.cfg.OnTick(remaining)
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !t.tick(gen) {
					return
				}
			}
		}
	}()
}

// tick reports whether the countdown is still running.
func (t *Timer) tick(gen uint64) bool {
	t.mu.Lock()
	if gen != t.gen || t.phase != PhaseCountingDown {
		t.mu.Unlock()
		return false
	}
	t.remaining -= t.cfg.Tick
	remaining := t.remaining
	t.mu.Unlock()

	if remaining <= 0 {
		t.expire(gen)
		return false
	}
	if t.cfg.OnTick != nil {
		t.cfg.OnTick(remaining)
	}
	return true
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.phase != PhaseCountingDown {
		t.mu.Unlock()
		return
	}
	t.stopAllLocked()
	t.phase = PhaseExpired
	t.remaining = 0
	t.mu.Unlock()

	if t.cfg.OnExpire != nil {
		t.cfg.OnExpire()
	}
}

// Activity records a user activity signal. It resets the idle deadline while
// watching and is ignored otherwise; the return value says which.
func (t *Timer) Activity(sig Signal) bool {
	if _, ok := signals[sig]; !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseWatching {
		return false
	}
	t.watchLocked()
	return true
}

// KeepAlive cancels a running countdown and restarts the idle watch from
// zero. It has no effect once the timer expired or was stopped.
func (t *Timer) KeepAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseExpired || t.phase == PhaseStopped {
		return false
	}
	t.watchLocked()
	return true
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseStopped {
		return
	}
	t.stopAllLocked()
	t.phase = PhaseStopped
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Phase:            t.phase,
		CountingDown:     t.phase == PhaseCountingDown,
		Remaining:        t.remaining,
		RemainingSeconds: int((t.remaining + time.Second - 1) / time.Second),
		LastActivity:     t.lastActivity,
	}
}
