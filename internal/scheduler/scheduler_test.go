package scheduler

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/registry"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

func (n *recordingNotifier) Notify(_ string, ev models.LifecycleEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(t models.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == t {
			c++
		}
	}
	return c
}

func scheduledSession(participant string, departure time.Time) *models.SearchSession {
	return &models.SearchSession{
		ParticipantID: participant,
		Role:          models.RoleSeeker,
		Mode:          models.ModeScheduled,
		Route:         models.Route{{Lat: 9.03, Lng: 38.76}, {Lat: 8.55, Lng: 39.27}},
		SeatsNeeded:   1,
		Departure:     departure,
	}
}

func setup(t *testing.T, departure time.Time) (*registry.Registry, *Sweeper, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	reg := registry.New(registry.Config{}, nil, slog.Default())
	sw := New(reg, n, Config{ActivationLead: 30 * time.Minute, FinalWindow: 5 * time.Minute}, slog.Default())
	if _, err := reg.Register(scheduledSession("p1", departure)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, sw, n
}

func status(t *testing.T, reg *registry.Registry) models.SessionStatus {
	t.Helper()
	s, ok := reg.Get("p1", models.ModeScheduled)
	if !ok {
		t.Fatal("session missing")
	}
	return s.Status
}

func TestNoTransitionBeforeLead(t *testing.T) {
	departure := time.Now().Add(2 * time.Hour)
	reg, sw, _ := setup(t, departure)
	sw.RunSweep(departure.Add(-90 * time.Minute))
	if got := status(t, reg); got != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got)
	}
}

func TestScheduledBecomesActivatingInsideLead(t *testing.T) {
	departure := time.Now().Add(2 * time.Hour)
	reg, sw, n := setup(t, departure)
	sw.RunSweep(departure.Add(-20 * time.Minute))
	if got := status(t, reg); got != models.StatusActivating {
		t.Fatalf("expected activating, got %s", got)
	}
	if n.count(models.EventScheduledActivated) != 1 {
		t.Fatal("expected one activation notification")
	}
}

func TestNeverJumpsDirectlyToActive(t *testing.T) {
	departure := time.Now().Add(2 * time.Hour)
	reg, sw, _ := setup(t, departure)
	// inside both the lead and the final window at once
	sw.RunSweep(departure.Add(-2 * time.Minute))
	if got := status(t, reg); got != models.StatusActivating {
		t.Fatalf("expected activating after first sweep, got %s", got)
	}
	sw.RunSweep(departure.Add(-1 * time.Minute))
	if got := status(t, reg); got != models.StatusActive {
		t.Fatalf("expected active after second sweep, got %s", got)
	}
}

func TestActivatingHoldsUntilFinalWindow(t *testing.T) {
	departure := time.Now().Add(2 * time.Hour)
	reg, sw, _ := setup(t, departure)
	sw.RunSweep(departure.Add(-25 * time.Minute))
	sw.RunSweep(departure.Add(-10 * time.Minute))
	if got := status(t, reg); got != models.StatusActivating {
		t.Fatalf("expected activating outside final window, got %s", got)
	}
	sw.RunSweep(departure.Add(-4 * time.Minute))
	if got := status(t, reg); got != models.StatusActive {
		t.Fatalf("expected active inside final window, got %s", got)
	}
}

func TestSweepIgnoresImmediateSessions(t *testing.T) {
	n := &recordingNotifier{}
	reg := registry.New(registry.Config{}, nil, slog.Default())
	sw := New(reg, n, Config{}, slog.Default())
	if _, err := reg.Register(&models.SearchSession{
		ParticipantID: "imm",
		Role:          models.RoleSeeker,
		Mode:          models.ModeImmediate,
		Route:         models.Route{{Lat: 1, Lng: 1}},
		SeatsNeeded:   1,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sw.RunSweep(time.Now())
	s, _ := reg.Get("imm", models.ModeImmediate)
	if s.Status != models.StatusActive {
		t.Fatalf("immediate session touched by scheduler: %s", s.Status)
	}
}
