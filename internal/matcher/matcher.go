package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/guard"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

var (
	ErrNotParty = errors.New("participant is not a party to this match")
	ErrResolved = errors.New("match already resolved")
)

type Config struct {
	// Interval is the sweep cadence.
	Interval time.Duration
	// ImmediateThreshold and ScheduledThreshold are the minimum
	// similarity per mode. Immediate is stricter: scheduled rides
	// tolerate larger detours.
	ImmediateThreshold float64
	ScheduledThreshold float64
	// DepartureFlex is the maximum departure-time spread for pairing two
	// scheduled searches.
	DepartureFlex time.Duration
	// ProposalTTL bounds how long a proposal awaits accept/reject.
	ProposalTTL time.Duration
	// ThresholdOverride, when positive, replaces both thresholds. Only
	// set from explicit test or bootstrap configuration.
	ThresholdOverride float64

	Scorer geo.ScorerConfig
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.ImmediateThreshold <= 0 {
		c.ImmediateThreshold = 0.6
	}
	if c.ScheduledThreshold <= 0 {
		c.ScheduledThreshold = 0.45
	}
	if c.DepartureFlex <= 0 {
		c.DepartureFlex = 30 * time.Minute
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = 5 * time.Minute
	}
	return c
}

func (c Config) threshold(mode models.RideMode) float64 {
	if c.ThresholdOverride > 0 {
		return c.ThresholdOverride
	}
	if mode == models.ModeScheduled {
		return c.ScheduledThreshold
	}
	return c.ImmediateThreshold
}

// Coordinator runs the periodic pairing sweep: score candidate pairs, apply
// the guard, create and persist proposals, dispatch notifications, auto-stop.
type Coordinator struct {
	reg   *registry.Registry
	guard *guard.Guard
	store storage.Store
	disp  *dispatch.Dispatcher
	live  geo.LiveIndex
	cfg   Config
	log   *slog.Logger
	done  chan struct{}
}

func New(reg *registry.Registry, g *guard.Guard, store storage.Store, disp *dispatch.Dispatcher, live geo.LiveIndex, cfg Config, log *slog.Logger) *Coordinator {
	return &Coordinator{reg: reg, guard: g, store: store, disp: disp, live: live, cfg: cfg.withDefaults(), log: log, done: make(chan struct{})}
}

// RunCycle performs one full pairing pass over a point-in-time registry
// snapshot. Pair failures are isolated: logged and skipped, never fatal to
// the cycle.
func (c *Coordinator) RunCycle(ctx context.Context, now time.Time) int {
	start := time.Now()
	observability.MatchCycles.Inc()
	defer func() {
		observability.CycleLatency.Observe(time.Since(start).Seconds())
	}()

	providers := c.reg.ListByRole(models.RoleProvider, models.StatusActivating, models.StatusActive)
	seekers := c.seekerCandidates(ctx, now)

	proposals := 0
	proposed := make(map[string]bool)
	matchedSeekers := make(map[string]bool)

	for _, p := range providers {
		if p.FreeSeats() <= 0 {
			continue
		}
		freeSeats := p.FreeSeats()
		for _, s := range seekers {
			if matchedSeekers[s.ID] || freeSeats <= 0 {
				continue
			}
			pairID := p.ParticipantID + "|" + s.ParticipantID
			if proposed[pairID] {
				continue
			}
			ok, err := c.evaluatePair(ctx, p, s, freeSeats, now)
			if err != nil {
				observability.MatchCycleErrors.Inc()
				c.log.Error("pair evaluation failed", "provider", p.ParticipantID, "seeker", s.ParticipantID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			proposals++
			proposed[pairID] = true
			matchedSeekers[s.ID] = true
			freeSeats -= s.SeatsNeeded
		}
	}
	return proposals
}

// seekerCandidates returns the matchable seekers: registered, in a
// match-eligible status, and holding no open proposal. A seeker who restarts
// a search while an earlier proposal is still awaiting accept/reject stays
// registered but is not handed a second provider.
func (c *Coordinator) seekerCandidates(ctx context.Context, now time.Time) []*models.SearchSession {
	all := c.reg.ListByRole(models.RoleSeeker, models.StatusActivating, models.StatusActive)
	out := all[:0]
	for _, s := range all {
		open, err := c.store.HasOpenProposalForSeeker(ctx, s.ParticipantID, now.Add(-c.cfg.ProposalTTL))
		if err != nil {
			observability.MatchCycleErrors.Inc()
			c.log.Error("seeker proposal check failed", "seeker", s.ParticipantID, "error", err)
			continue
		}
		if open {
			continue
		}
		out = append(out, s)
	}
	return out
}

// evaluatePair scores one (provider, seeker) pair and, when everything
// passes, creates the proposal and applies auto-stop. Returns whether a
// proposal was created.
func (c *Coordinator) evaluatePair(ctx context.Context, p, s *models.SearchSession, freeSeats int, now time.Time) (created bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if len(p.Route) == 0 || len(s.Route) == 0 {
		return false, nil
	}
	if p.Mode != s.Mode {
		return false, nil
	}
	if freeSeats < s.SeatsNeeded {
		return false, nil
	}
	if p.Mode == models.ModeScheduled {
		gap := p.Departure.Sub(s.Departure)
		if gap < 0 {
			gap = -gap
		}
		if gap > c.cfg.DepartureFlex {
			return false, nil
		}
	}

	var live *models.Coord
	if c.live != nil {
		if loc, ok := c.live.Lookup(ctx, p.ParticipantID); ok {
			live = loc
		}
	}
	score := geo.Similarity(c.cfg.Scorer, s.Route, p.Route, live)
	if score < c.cfg.threshold(p.Mode) {
		return false, nil
	}

	allowed, err := c.guard.Allow(ctx, p.ParticipantID, s.ParticipantID, now)
	if err != nil || !allowed {
		return false, err
	}

	proposal := &models.MatchProposal{
		ID:            uuid.NewString(),
		ProviderID:    p.ParticipantID,
		SeekerID:      s.ParticipantID,
		Score:         score,
		Tier:          models.TierForScore(score),
		Status:        models.ProposalProposed,
		Mode:          s.Mode,
		SeekerRoute:   s.Route,
		ProviderRoute: p.Route,
		PickupName:    s.PickupName,
		DropName:      s.DropName,
		Pickup:        s.Pickup,
		Drop:          s.Drop,
		Seats:         s.SeatsNeeded,
		CreatedAt:     now,
		ExpiresAt:     now.Add(c.cfg.ProposalTTL),
	}

	// persist first: if this fails, nothing was deregistered and the pair
	// is simply re-evaluated next cycle
	if err := c.store.SaveProposal(ctx, proposal); err != nil {
		if err2 := c.store.SaveProposal(ctx, proposal); err2 != nil {
			return false, fmt.Errorf("persist proposal: %w", err2)
		}
	}
	observability.ProposalsCreated.Inc()

	// registry mutations ahead of the slower dispatch path so the next
	// sweep observes consistent seat availability
	c.reg.Deregister(s.ParticipantID, s.Mode, registry.ReasonMatched)
	remaining, err := c.reg.AddClaimed(p.ParticipantID, p.Mode, s.SeatsNeeded)
	if err != nil {
		c.log.Warn("seat claim failed", "provider", p.ParticipantID, "error", err)
	} else if remaining == 0 && !p.Unlimited {
		c.reg.Deregister(p.ParticipantID, p.Mode, registry.ReasonMatched)
	}

	c.disp.MatchProposed(ctx, proposal)
	c.log.Info("match proposed", "match", proposal.ID, "provider", p.ParticipantID, "seeker", s.ParticipantID,
		"score", score, "tier", proposal.Tier, "mode", proposal.Mode)
	return true, nil
}

// ExpireStale transitions timed-out proposals and releases their seats.
func (c *Coordinator) ExpireStale(ctx context.Context, now time.Time) {
	stale, err := c.store.ExpireProposals(ctx, now)
	if err != nil {
		c.log.Error("proposal expiry failed", "error", err)
		return
	}
	for _, p := range stale {
		c.reg.ReleaseClaimed(p.ProviderID, p.Mode, p.Seats)
		c.disp.MatchResolved(ctx, p, models.EventMatchExpired)
	}
}

// Respond applies an accept or reject decision from one of the parties.
func (c *Coordinator) Respond(ctx context.Context, matchID, participantID string, accept bool) (*models.MatchProposal, error) {
	p, err := c.store.GetProposal(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if participantID != p.ProviderID && participantID != p.SeekerID {
		return nil, ErrNotParty
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrResolved, p.Status)
	}

	status := models.ProposalRejected
	event := models.EventMatchRejected
	if accept {
		status = models.ProposalAccepted
		event = models.EventMatchAccepted
	}
	if err := c.store.UpdateProposalStatus(ctx, matchID, status); err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}
	p.Status = status

	if accept {
		c.reg.IncrementAccepted(p.ProviderID, p.Mode)
	} else {
		// rejected seats go back on offer if the provider is still searching
		c.reg.ReleaseClaimed(p.ProviderID, p.Mode, p.Seats)
	}
	c.disp.MatchResolved(ctx, p, event)
	return p, nil
}

// Start runs the matching sweep and proposal expiry until Close.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(c.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case now := <-t.C:
				c.RunCycle(ctx, now)
				c.ExpireStale(ctx, now)
			}
		}
	}()
}

func (c *Coordinator) Close() { close(c.done) }
