package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/storage"
)

// Channel is the realtime delivery path, usually the WSRegistry.
type Channel interface {
	Send(participantID string, v interface{}) error
}

// Dispatcher delivers lifecycle events over the realtime channel and falls
// back to durable persistence when the channel is closed, uniformly for all
// event types. Match proposals are persisted regardless of delivery outcome
// so a disconnected client can recover them.
type Dispatcher struct {
	ch    Channel
	store storage.Store
	log   *slog.Logger
}

func New(ch Channel, store storage.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{ch: ch, store: store, log: log}
}

// Notify implements registry.Notifier.
func (d *Dispatcher) Notify(participantID string, ev models.LifecycleEvent) {
	if err := d.ch.Send(participantID, ev); err == nil {
		observability.WSDeliveries.Inc()
		return
	}
	observability.WSDeliveryFailures.Inc()
	d.persist(context.Background(), participantID, ev, false)
}

// MatchProposed informs both parties of a new proposal. The durable record
// is written first; realtime delivery is best-effort on top of it.
func (d *Dispatcher) MatchProposed(ctx context.Context, p *models.MatchProposal) {
	for _, participantID := range []string{p.SeekerID, p.ProviderID} {
		ev := models.LifecycleEvent{
			Type: models.EventMatchProposed, ParticipantID: participantID,
			MatchID: p.ID, Mode: p.Mode, Match: p, Timestamp: time.Now(),
		}
		delivered := d.ch.Send(participantID, ev) == nil
		if delivered {
			observability.WSDeliveries.Inc()
		} else {
			observability.WSDeliveryFailures.Inc()
		}
		d.persist(ctx, participantID, ev, delivered)
	}
}

// MatchResolved informs both parties of an accept/reject/expiry outcome.
func (d *Dispatcher) MatchResolved(ctx context.Context, p *models.MatchProposal, t models.EventType) {
	for _, participantID := range []string{p.SeekerID, p.ProviderID} {
		ev := models.LifecycleEvent{
			Type: t, ParticipantID: participantID,
			MatchID: p.ID, Mode: p.Mode, Timestamp: time.Now(),
		}
		if err := d.ch.Send(participantID, ev); err == nil {
			observability.WSDeliveries.Inc()
			continue
		}
		observability.WSDeliveryFailures.Inc()
		d.persist(ctx, participantID, ev, false)
	}
}

// Replay sends every undelivered notification for a freshly connected
// participant and marks it delivered.
func (d *Dispatcher) Replay(ctx context.Context, participantID string) {
	pending, err := d.store.ListUndelivered(ctx, participantID)
	if err != nil {
		d.log.Error("replay lookup failed", "participant", participantID, "error", err)
		return
	}
	for _, n := range pending {
		if err := d.ch.Send(participantID, n.Event); err != nil {
			return // connection dropped again; keep the rest pending
		}
		observability.WSDeliveries.Inc()
		if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
			d.log.Error("mark delivered failed", "notification", n.ID, "error", err)
		}
	}
}

func (d *Dispatcher) persist(ctx context.Context, participantID string, ev models.LifecycleEvent, delivered bool) {
	n := &models.Notification{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Event:         ev,
		Delivered:     delivered,
		CreatedAt:     time.Now(),
	}
	if err := d.store.SaveNotification(ctx, n); err != nil {
		d.log.Error("notification persist failed", "participant", participantID, "type", ev.Type, "error", err)
	}
}
