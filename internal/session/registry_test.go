package session

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCasillasV/clinic-scheduling/internal/idle"
)

func newTestRegistry(timeout, countdown time.Duration, onExpire func(string)) *Registry {
	return NewRegistry(Config{
		IdleTimeout: timeout,
		Countdown:   countdown,
		Tick:        10 * time.Millisecond,
		OnExpire:    onExpire,
	}, zerolog.Nop())
}

func TestRegistry_BeginAndEnd(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute, nil)
	defer r.Close()

	info := r.Begin("dr-lopez")
	if info.UserID != "dr-lopez" || info.Idle.Phase != idle.PhaseWatching {
		t.Fatalf("unexpected info %+v", info)
	}
	if !r.Active("dr-lopez") || r.Len() != 1 {
		t.Fatal("session should be active")
	}

	again := r.Begin("dr-lopez")
	if !again.Started.Equal(info.Started) || r.Len() != 1 {
		t.Error("beginning twice must reuse the session")
	}

	if err := r.End("dr-lopez"); err != nil {
		t.Fatal(err)
	}
	if r.Active("dr-lopez") {
		t.Error("ended session must be inactive")
	}
	if err := r.End("dr-lopez"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestRegistry_UnknownUser(t *testing.T) {
	r := newTestRegistry(time.Minute, time.Minute, nil)

	if _, err := r.Activity("ghost", idle.SignalClick); !errors.Is(err, ErrNoSession) {
		t.Errorf("Activity: %v", err)
	}
	if _, err := r.KeepAlive("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("KeepAlive: %v", err)
	}
	if _, err := r.Info("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Info: %v", err)
	}
}

func TestRegistry_ExpiryDropsSession(t *testing.T) {
	expired := make(chan string, 1)
	r := newTestRegistry(20*time.Millisecond, 30*time.Millisecond, func(id string) { expired <- id })
	defer r.Close()

	r.Begin("dr-lopez")
	r.Begin("dr-ruiz")

	// Keep the second user busy while the first one goes idle.
	stop := make(chan struct{})
	go func() {
		tk := time.NewTicker(5 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				_, _ = r.Activity("dr-ruiz", idle.SignalKeyPress)
			}
		}
	}()
	defer close(stop)

	select {
	case id := <-expired:
		if id != "dr-lopez" {
			t.Fatalf("unexpected expiry for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("idle session never expired")
	}

	if r.Active("dr-lopez") {
		t.Error("expired session must be dropped")
	}
	if !r.Active("dr-ruiz") {
		t.Error("active user must keep the session")
	}
}

func TestRegistry_KeepAliveDuringCountdown(t *testing.T) {
	r := newTestRegistry(10*time.Millisecond, 500*time.Millisecond, nil)
	defer r.Close()

	r.Begin("dr-lopez")

	deadline := time.Now().Add(time.Second)
	for {
		info, err := r.Info("dr-lopez")
		if err != nil {
			t.Fatal(err)
		}
		if info.Idle.CountingDown {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("countdown never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	accepted, err := r.Activity("dr-lopez", idle.SignalPointerMove)
	if err != nil || accepted {
		t.Errorf("activity during countdown should be ignored, accepted=%v err=%v", accepted, err)
	}

	info, err := r.KeepAlive("dr-lopez")
	if err != nil {
		t.Fatal(err)
	}
	if info.Idle.CountingDown {
		t.Error("keep-alive should have cancelled the countdown")
	}
}
