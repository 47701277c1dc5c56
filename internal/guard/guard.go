package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ridepool/internal/observability"
)

// RecentProposalChecker is the durable-store side of the guard.
type RecentProposalChecker interface {
	HasOpenProposal(ctx context.Context, providerID, seekerID string, since time.Time) (bool, error)
}

type Config struct {
	// CooldownWindow blocks re-proposal of a pair after any attempt.
	CooldownWindow time.Duration
	// RecentWindow is how far back the durable store is consulted for an
	// open proposal on the pair.
	RecentWindow time.Duration
	// MaxEntries triggers lazy eviction of the cooldown map.
	MaxEntries int
	// Bypass disables both checks. Only set from explicit test or
	// bootstrap configuration.
	Bypass bool
}

func (c Config) withDefaults() Config {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 2 * time.Minute
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 5 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	return c
}

// Guard gates proposal creation per (provider, seeker) pair: an in-memory
// cooldown plus a durable recency check, both of which must pass.
type Guard struct {
	mu       sync.Mutex
	attempts map[string]time.Time
	cfg      Config
	store    RecentProposalChecker
}

func New(cfg Config, store RecentProposalChecker) *Guard {
	return &Guard{attempts: make(map[string]time.Time), cfg: cfg.withDefaults(), store: store}
}

func pairKey(providerID, seekerID string) string { return providerID + "|" + seekerID }

// Allow reports whether a proposal for the pair may be created now. A
// positive answer records the attempt, starting the cooldown.
func (g *Guard) Allow(ctx context.Context, providerID, seekerID string, now time.Time) (bool, error) {
	if g.cfg.Bypass {
		return true, nil
	}

	k := pairKey(providerID, seekerID)
	g.mu.Lock()
	if last, ok := g.attempts[k]; ok && now.Sub(last) < g.cfg.CooldownWindow {
		g.mu.Unlock()
		observability.CooldownBlocks.Inc()
		return false, nil
	}
	g.mu.Unlock()

	open, err := g.store.HasOpenProposal(ctx, providerID, seekerID, now.Add(-g.cfg.RecentWindow))
	if err != nil {
		return false, fmt.Errorf("recent-proposal check: %w", err)
	}
	if open {
		observability.DedupBlocks.Inc()
		return false, nil
	}

	g.mu.Lock()
	g.attempts[k] = now
	if len(g.attempts) > g.cfg.MaxEntries {
		g.evict(now)
	}
	g.mu.Unlock()
	return true, nil
}

// evict drops entries older than twice the cooldown window. Caller holds the lock.
func (g *Guard) evict(now time.Time) {
	cutoff := now.Add(-2 * g.cfg.CooldownWindow)
	for k, ts := range g.attempts {
		if ts.Before(cutoff) {
			delete(g.attempts, k)
		}
	}
}

// Size reports the cooldown map population.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attempts)
}
