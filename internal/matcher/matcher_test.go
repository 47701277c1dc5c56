package matcher

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/guard"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

type offlineChannel struct{ sent []interface{} }

func (c *offlineChannel) Send(string, interface{}) error { return dispatch.ErrNoSession }

var (
	seekerRoute   = models.Route{{Lat: 9.033, Lng: 38.760}, {Lat: 8.546, Lng: 39.268}}
	providerRoute = models.Route{{Lat: 9.030, Lng: 38.758}, {Lat: 8.550, Lng: 39.270}}
	farRoute      = models.Route{{Lat: -33.9, Lng: 18.4}, {Lat: -34.0, Lng: 18.5}}
)

type harness struct {
	reg   *registry.Registry
	store storage.Store
	coord *Coordinator
}

func newHarness(t *testing.T, store storage.Store, cfg Config) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	log := slog.Default()
	reg := registry.New(registry.Config{}, nil, log)
	disp := dispatch.New(&offlineChannel{}, store, log)
	g := guard.New(guard.Config{}, store)
	return &harness{reg: reg, store: store, coord: New(reg, g, store, disp, nil, cfg, log)}
}

func (h *harness) addProvider(t *testing.T, id string, capacity int, route models.Route) {
	t.Helper()
	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: id, Role: models.RoleProvider, Mode: models.ModeImmediate,
		Route: route, SeatsCapacity: capacity,
	}); err != nil {
		t.Fatalf("register provider %s: %v", id, err)
	}
}

func (h *harness) addSeeker(t *testing.T, id string, seats int, route models.Route) {
	t.Helper()
	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: id, Role: models.RoleSeeker, Mode: models.ModeImmediate,
		Route: route, SeatsNeeded: seats,
	}); err != nil {
		t.Fatalf("register seeker %s: %v", id, err)
	}
}

func TestOverlappingPairProducesProposal(t *testing.T) {
	h := newHarness(t, nil, Config{ImmediateThreshold: 0.6})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)

	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 1 {
		t.Fatalf("expected 1 proposal, got %d", got)
	}
	// single-match policy: seeker leaves the registry
	if _, ok := h.reg.Get("seek", models.ModeImmediate); ok {
		t.Fatal("seeker must be deregistered after a proposal")
	}
	// provider keeps searching with one seat claimed
	p, ok := h.reg.Get("prov", models.ModeImmediate)
	if !ok {
		t.Fatal("provider with free seats must stay registered")
	}
	if p.SeatsClaimed != 1 {
		t.Fatalf("expected 1 claimed seat, got %d", p.SeatsClaimed)
	}
}

func TestDissimilarRoutesNotMatched(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 4, farRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 0 {
		t.Fatalf("expected no proposals, got %d", got)
	}
}

type countingChecker struct{ calls int }

func (c *countingChecker) HasOpenProposal(context.Context, string, string, time.Time) (bool, error) {
	c.calls++
	return false, nil
}

func TestProviderAtCapacitySkippedBeforeGuard(t *testing.T) {
	store := storage.NewMemoryStore()
	checker := &countingChecker{}
	log := slog.Default()
	reg := registry.New(registry.Config{}, nil, log)
	coord := New(reg, guard.New(guard.Config{}, checker), store, dispatch.New(&offlineChannel{}, store, log), nil, Config{}, log)

	if _, err := reg.Register(&models.SearchSession{
		ParticipantID: "prov", Role: models.RoleProvider, Mode: models.ModeImmediate,
		Route: providerRoute, SeatsCapacity: 4,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if _, err := reg.AddClaimed("prov", models.ModeImmediate, 4); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := reg.Register(&models.SearchSession{
		ParticipantID: "seek", Role: models.RoleSeeker, Mode: models.ModeImmediate,
		Route: seekerRoute, SeatsNeeded: 1,
	}); err != nil {
		t.Fatalf("register seeker: %v", err)
	}

	if got := coord.RunCycle(context.Background(), time.Now()); got != 0 {
		t.Fatalf("full provider must be skipped, got %d proposals", got)
	}
	if checker.calls != 0 {
		t.Fatalf("candidate rejected on seats must never reach the guard, got %d calls", checker.calls)
	}
}

func TestSeatShortageSkipsPair(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 2, providerRoute)
	h.addSeeker(t, "greedy", 3, seekerRoute)
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 0 {
		t.Fatalf("expected no proposals, got %d", got)
	}
}

func TestProviderAutoStopsWhenCapacityExhausted(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 1, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 1 {
		t.Fatalf("expected 1 proposal, got %d", got)
	}
	if _, ok := h.reg.Get("prov", models.ModeImmediate); ok {
		t.Fatal("provider at capacity must be deregistered")
	}
}

func TestUnlimitedProviderNeverAutoStops(t *testing.T) {
	h := newHarness(t, nil, Config{})
	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: "bus", Role: models.RoleProvider, Mode: models.ModeImmediate,
		Route: providerRoute, Unlimited: true,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	for _, id := range []string{"s1", "s2", "s3"} {
		h.addSeeker(t, id, 1, seekerRoute)
	}
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 3 {
		t.Fatalf("expected 3 proposals, got %d", got)
	}
	if _, ok := h.reg.Get("bus", models.ModeImmediate); !ok {
		t.Fatal("unlimited provider must stay registered")
	}
}

func TestScheduledPairRequiresDepartureOverlap(t *testing.T) {
	h := newHarness(t, nil, Config{DepartureFlex: 30 * time.Minute, ScheduledThreshold: 0.4})
	dep := time.Now().Add(2 * time.Hour)

	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: "prov", Role: models.RoleProvider, Mode: models.ModeScheduled,
		Route: providerRoute, SeatsCapacity: 4, Departure: dep,
	}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: "late", Role: models.RoleSeeker, Mode: models.ModeScheduled,
		Route: seekerRoute, SeatsNeeded: 1, Departure: dep.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("register seeker: %v", err)
	}
	// activating sessions are already matching-eligible
	for _, p := range []string{"prov", "late"} {
		if err := h.reg.UpdateStatus(p, models.ModeScheduled, models.StatusActivating); err != nil {
			t.Fatalf("activate %s: %v", p, err)
		}
	}
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 0 {
		t.Fatalf("departure gap beyond flexibility must not match, got %d", got)
	}

	if _, err := h.reg.Register(&models.SearchSession{
		ParticipantID: "near", Role: models.RoleSeeker, Mode: models.ModeScheduled,
		Route: seekerRoute, SeatsNeeded: 1, Departure: dep.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("register seeker: %v", err)
	}
	if err := h.reg.UpdateStatus("near", models.ModeScheduled, models.StatusActivating); err != nil {
		t.Fatalf("activate near: %v", err)
	}
	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 1 {
		t.Fatalf("expected 1 proposal for overlapping departures, got %d", got)
	}
}

type flakyStore struct {
	*storage.MemoryStore
	failSeeker string
}

func (f *flakyStore) SaveProposal(ctx context.Context, p *models.MatchProposal) error {
	if p.SeekerID == f.failSeeker {
		return errors.New("write failed")
	}
	return f.MemoryStore.SaveProposal(ctx, p)
}

func TestPairFailureDoesNotAbortCycle(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failSeeker: "bad"}
	h := newHarness(t, store, Config{})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "bad", 1, seekerRoute)
	h.addSeeker(t, "good", 1, seekerRoute)

	if got := h.coord.RunCycle(context.Background(), time.Now()); got != 1 {
		t.Fatalf("expected the healthy pair to proceed, got %d", got)
	}
	// the failed seeker was not deregistered and is retried next cycle
	if _, ok := h.reg.Get("bad", models.ModeImmediate); !ok {
		t.Fatal("failed pair must leave the seeker registered")
	}
}

func TestRespondLifecycle(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	h.coord.RunCycle(context.Background(), time.Now())

	var matchID string
	// recover the id from the provider's durable notification
	pending, err := h.store.ListUndelivered(context.Background(), "prov")
	if err != nil || len(pending) == 0 {
		t.Fatalf("expected durable match notification: %v", err)
	}
	matchID = pending[0].Event.MatchID

	if _, err := h.coord.Respond(context.Background(), matchID, "stranger", true); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	p, err := h.coord.Respond(context.Background(), matchID, "seek", true)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if p.Status != models.ProposalAccepted {
		t.Fatalf("expected accepted, got %s", p.Status)
	}
	prov, _ := h.reg.Get("prov", models.ModeImmediate)
	if prov.AcceptedCount != 1 {
		t.Fatalf("expected accepted count 1, got %d", prov.AcceptedCount)
	}

	if _, err := h.coord.Respond(context.Background(), matchID, "prov", false); !errors.Is(err, ErrResolved) {
		t.Fatalf("expected ErrResolved on second response, got %v", err)
	}
}

func TestRejectReleasesClaimedSeats(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	h.coord.RunCycle(context.Background(), time.Now())

	pending, _ := h.store.ListUndelivered(context.Background(), "prov")
	if len(pending) == 0 {
		t.Fatal("expected durable match notification")
	}
	if _, err := h.coord.Respond(context.Background(), pending[0].Event.MatchID, "prov", false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	prov, _ := h.reg.Get("prov", models.ModeImmediate)
	if prov.SeatsClaimed != 0 {
		t.Fatalf("rejected seats must be released, got %d claimed", prov.SeatsClaimed)
	}
}

func TestExpireStaleReleasesSeatsAndNotifies(t *testing.T) {
	h := newHarness(t, nil, Config{ProposalTTL: time.Minute})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	now := time.Now()
	h.coord.RunCycle(context.Background(), now)

	h.coord.ExpireStale(context.Background(), now.Add(2*time.Minute))

	prov, _ := h.reg.Get("prov", models.ModeImmediate)
	if prov.SeatsClaimed != 0 {
		t.Fatalf("expired proposal must release seats, got %d claimed", prov.SeatsClaimed)
	}
	var sawExpired bool
	pending, _ := h.store.ListUndelivered(context.Background(), "seek")
	for _, n := range pending {
		if n.Event.Type == models.EventMatchExpired {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Fatal("expected a match_expired notification for the seeker")
	}
}

func TestSeekerWithOpenProposalExcludedFromCycle(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov1", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	now := time.Now()
	if got := h.coord.RunCycle(context.Background(), now); got != 1 {
		t.Fatalf("expected 1 proposal, got %d", got)
	}

	// the seeker restarts its search while the first proposal is still
	// awaiting a response; a fresh provider must not produce a second one
	h.addSeeker(t, "seek", 1, seekerRoute)
	h.addProvider(t, "prov2", 4, providerRoute)
	if got := h.coord.RunCycle(context.Background(), now.Add(5*time.Minute)); got != 0 {
		t.Fatalf("seeker with an open proposal must be excluded, got %d proposals", got)
	}

	// once the proposal resolves the seeker is a candidate again
	pending, _ := h.store.ListUndelivered(context.Background(), "seek")
	if len(pending) == 0 {
		t.Fatal("expected durable match notification")
	}
	if _, err := h.coord.Respond(context.Background(), pending[0].Event.MatchID, "seek", false); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := h.coord.RunCycle(context.Background(), now.Add(10*time.Minute)); got != 1 {
		t.Fatalf("resolved seeker must match again, got %d proposals", got)
	}
}

func TestCooldownPreventsImmediateReproposal(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.addProvider(t, "prov", 4, providerRoute)
	h.addSeeker(t, "seek", 1, seekerRoute)
	now := time.Now()
	if got := h.coord.RunCycle(context.Background(), now); got != 1 {
		t.Fatalf("expected 1 proposal, got %d", got)
	}
	// the seeker comes straight back; the open proposal and the pair
	// cooldown must both keep the pair from re-proposing
	h.addSeeker(t, "seek", 1, seekerRoute)
	if got := h.coord.RunCycle(context.Background(), now.Add(10*time.Second)); got != 0 {
		t.Fatalf("re-proposal within cooldown must be blocked, got %d", got)
	}
}
