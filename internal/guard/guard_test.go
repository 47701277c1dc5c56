package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/ridepool/internal/storage"
)

func allow(t *testing.T, g *Guard, provider, seeker string, now time.Time) bool {
	t.Helper()
	ok, err := g.Allow(context.Background(), provider, seeker, now)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	return ok
}

func TestCooldownBlocksSecondAttempt(t *testing.T) {
	g := New(Config{CooldownWindow: 2 * time.Minute}, storage.NewMemoryStore())
	now := time.Now()
	if !allow(t, g, "p", "s", now) {
		t.Fatal("first attempt must pass")
	}
	if allow(t, g, "p", "s", now.Add(30*time.Second)) {
		t.Fatal("second attempt inside cooldown must be blocked")
	}
	if !allow(t, g, "p", "s", now.Add(3*time.Minute)) {
		t.Fatal("attempt after cooldown must pass")
	}
}

func TestCooldownIsPerPair(t *testing.T) {
	g := New(Config{CooldownWindow: 2 * time.Minute}, storage.NewMemoryStore())
	now := time.Now()
	if !allow(t, g, "p1", "s1", now) {
		t.Fatal("first pair must pass")
	}
	if !allow(t, g, "p1", "s2", now) {
		t.Fatal("different seeker must pass")
	}
	if !allow(t, g, "p2", "s1", now) {
		t.Fatal("different provider must pass")
	}
}

type fakeChecker struct {
	open bool
	err  error
}

func (f *fakeChecker) HasOpenProposal(_ context.Context, _, _ string, _ time.Time) (bool, error) {
	return f.open, f.err
}

func TestDurableCheckBlocksOpenProposal(t *testing.T) {
	g := New(Config{}, &fakeChecker{open: true})
	if allow(t, g, "p", "s", time.Now()) {
		t.Fatal("open durable proposal must block")
	}
}

func TestDurableCheckErrorPropagates(t *testing.T) {
	g := New(Config{}, &fakeChecker{err: errors.New("store down")})
	if _, err := g.Allow(context.Background(), "p", "s", time.Now()); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestBypassSkipsBothChecks(t *testing.T) {
	g := New(Config{Bypass: true}, &fakeChecker{open: true, err: errors.New("unreachable")})
	now := time.Now()
	if !allow(t, g, "p", "s", now) || !allow(t, g, "p", "s", now) {
		t.Fatal("bypass must allow repeated attempts")
	}
}

func TestLazyEvictionBoundsTheMap(t *testing.T) {
	g := New(Config{CooldownWindow: time.Minute, MaxEntries: 10}, storage.NewMemoryStore())
	base := time.Now()
	for i := 0; i < 10; i++ {
		allow(t, g, fmt.Sprintf("p%d", i), "s", base)
	}
	// entries above are now older than twice the window; the next insert
	// crosses the threshold and triggers eviction
	allow(t, g, "fresh", "s", base.Add(3*time.Minute))
	if got := g.Size(); got != 1 {
		t.Fatalf("expected only the fresh entry to survive, got %d", got)
	}
}
