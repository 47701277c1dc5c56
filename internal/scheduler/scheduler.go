package scheduler

import (
	"log/slog"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/registry"
)

type Config struct {
	// ActivationLead is how long before departure a scheduled search
	// becomes matching-eligible.
	ActivationLead time.Duration
	// FinalWindow is the time-to-departure inside which an activating
	// search becomes fully active.
	FinalWindow time.Duration
	// Tick is the sweep cadence, independent of the matching cycle.
	Tick time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActivationLead <= 0 {
		c.ActivationLead = 30 * time.Minute
	}
	if c.FinalWindow <= 0 {
		c.FinalWindow = 5 * time.Minute
	}
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	return c
}

// Sweeper advances scheduled searches through the activation states. It
// never skips activating: a session within both windows is advanced one
// step per sweep.
type Sweeper struct {
	reg      *registry.Registry
	notifier registry.Notifier
	cfg      Config
	log      *slog.Logger
	done     chan struct{}
}

func New(reg *registry.Registry, notifier registry.Notifier, cfg Config, log *slog.Logger) *Sweeper {
	return &Sweeper{reg: reg, notifier: notifier, cfg: cfg.withDefaults(), log: log, done: make(chan struct{})}
}

// RunSweep evaluates every non-terminal scheduled session once.
func (s *Sweeper) RunSweep(now time.Time) {
	for _, role := range []models.Role{models.RoleProvider, models.RoleSeeker} {
		for _, sess := range s.reg.ListByRole(role, models.StatusScheduled, models.StatusActivating) {
			if sess.Mode != models.ModeScheduled {
				continue
			}
			s.advance(sess, now)
		}
	}
}

func (s *Sweeper) advance(sess *models.SearchSession, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("activation sweep panic", "session", sess.ID, "error", rec)
		}
	}()

	switch sess.Status {
	case models.StatusScheduled:
		if now.Before(sess.Departure.Add(-s.cfg.ActivationLead)) {
			return
		}
		if err := s.reg.UpdateStatus(sess.ParticipantID, sess.Mode, models.StatusActivating); err != nil {
			s.log.Warn("activation transition failed", "session", sess.ID, "error", err)
			return
		}
		observability.ScheduledActivations.Inc()
		if s.notifier != nil {
			s.notifier.Notify(sess.ParticipantID, models.LifecycleEvent{
				Type: models.EventScheduledActivated, ParticipantID: sess.ParticipantID,
				SessionID: sess.ID, Mode: sess.Mode, Timestamp: now,
			})
		}
	case models.StatusActivating:
		if now.Before(sess.Departure.Add(-s.cfg.FinalWindow)) {
			return
		}
		if err := s.reg.UpdateStatus(sess.ParticipantID, sess.Mode, models.StatusActive); err != nil {
			s.log.Warn("final activation failed", "session", sess.ID, "error", err)
		}
	}
}

// Start runs the sweep on its own cadence until Close.
func (s *Sweeper) Start() {
	go func() {
		t := time.NewTicker(s.cfg.Tick)
		defer t.Stop()
		for {
			select {
			case <-s.done:
				return
			case now := <-t.C:
				s.RunSweep(now)
			}
		}
	}()
}

func (s *Sweeper) Close() { close(s.done) }
