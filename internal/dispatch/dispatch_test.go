package dispatch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/storage"
)

// fakeChannel is connected only for ids in online.
type fakeChannel struct {
	online map[string]bool
	sent   []interface{}
}

func (f *fakeChannel) Send(participantID string, v interface{}) error {
	if !f.online[participantID] {
		return ErrNoSession
	}
	f.sent = append(f.sent, v)
	return nil
}

func proposal() *models.MatchProposal {
	return &models.MatchProposal{
		ID:         "m1",
		ProviderID: "prov",
		SeekerID:   "seek",
		Score:      0.8,
		Tier:       models.TierGood,
		Status:     models.ProposalProposed,
		Mode:       models.ModeImmediate,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}
}

func TestNotifyFallsBackToDurableRecord(t *testing.T) {
	st := storage.NewMemoryStore()
	d := New(&fakeChannel{online: map[string]bool{}}, st, slog.Default())
	d.Notify("p1", models.LifecycleEvent{Type: models.EventSearchStopped, ParticipantID: "p1"})

	pending, err := st.ListUndelivered(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].Event.Type != models.EventSearchStopped {
		t.Fatalf("expected one undelivered record, got %+v", pending)
	}
}

func TestNotifyDeliveredLeavesNoRecord(t *testing.T) {
	st := storage.NewMemoryStore()
	ch := &fakeChannel{online: map[string]bool{"p1": true}}
	d := New(ch, st, slog.Default())
	d.Notify("p1", models.LifecycleEvent{Type: models.EventSearchStopped, ParticipantID: "p1"})

	if len(ch.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(ch.sent))
	}
	if pending, _ := st.ListUndelivered(context.Background(), "p1"); len(pending) != 0 {
		t.Fatalf("delivered event must not leave an undelivered record: %d", len(pending))
	}
}

func TestMatchProposedAlwaysPersisted(t *testing.T) {
	st := storage.NewMemoryStore()
	// seeker online, provider offline
	ch := &fakeChannel{online: map[string]bool{"seek": true}}
	d := New(ch, st, slog.Default())
	d.MatchProposed(context.Background(), proposal())

	if len(ch.sent) != 1 {
		t.Fatalf("expected one realtime delivery, got %d", len(ch.sent))
	}
	// offline provider keeps an undelivered record for replay
	pending, _ := st.ListUndelivered(context.Background(), "prov")
	if len(pending) != 1 {
		t.Fatalf("expected undelivered record for offline provider, got %d", len(pending))
	}
	// online seeker's record exists but is already delivered
	if pending, _ := st.ListUndelivered(context.Background(), "seek"); len(pending) != 0 {
		t.Fatalf("seeker record should be marked delivered, got %d undelivered", len(pending))
	}
}

func TestReplayDeliversAndMarks(t *testing.T) {
	st := storage.NewMemoryStore()
	ch := &fakeChannel{online: map[string]bool{}}
	d := New(ch, st, slog.Default())
	d.Notify("p1", models.LifecycleEvent{Type: models.EventMatchExpired, ParticipantID: "p1"})
	d.Notify("p1", models.LifecycleEvent{Type: models.EventSearchTimeout, ParticipantID: "p1"})

	ch.online["p1"] = true
	d.Replay(context.Background(), "p1")

	if len(ch.sent) != 2 {
		t.Fatalf("expected two replayed events, got %d", len(ch.sent))
	}
	if pending, _ := st.ListUndelivered(context.Background(), "p1"); len(pending) != 0 {
		t.Fatalf("replayed events must be marked delivered, got %d", len(pending))
	}
}
