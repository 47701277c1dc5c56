package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ridepool/internal/models"
)

// PostgresStore is the relational backend. Routes and event payloads are
// stored as JSON columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) SaveProposal(ctx context.Context, m *models.MatchProposal) error {
	seekerRoute, _ := json.Marshal(m.SeekerRoute)
	providerRoute, _ := json.Marshal(m.ProviderRoute)
	_, err := p.db.ExecContext(ctx, `INSERT INTO match_proposals
		(id, provider_id, seeker_id, score, tier, status, mode, seats,
		 pickup_lat, pickup_lng, drop_lat, drop_lng, seeker_route, provider_route, created_at, expires_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.ProviderID, m.SeekerID, m.Score, m.Tier, m.Status, m.Mode, m.Seats,
		m.Pickup.Lat, m.Pickup.Lng, m.Drop.Lat, m.Drop.Lng, seekerRoute, providerRoute, m.CreatedAt, m.ExpiresAt)
	return err
}

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*models.MatchProposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, provider_id, seeker_id, score, tier, status, mode, seats,
		pickup_lat, pickup_lng, drop_lat, drop_lng, seeker_route, provider_route, created_at, expires_at
		FROM match_proposals WHERE id=$1`, id)
	return scanProposal(row)
}

func (p *PostgresStore) UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE match_proposals SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) HasOpenProposal(ctx context.Context, providerID, seekerID string, since time.Time) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM match_proposals
		WHERE provider_id=$1 AND seeker_id=$2 AND status=$3 AND created_at >= $4`,
		providerID, seekerID, models.ProposalProposed, since).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) HasOpenProposalForSeeker(ctx context.Context, seekerID string, since time.Time) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM match_proposals
		WHERE seeker_id=$1 AND status=$2 AND created_at >= $3`,
		seekerID, models.ProposalProposed, since).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) ExpireProposals(ctx context.Context, now time.Time) ([]*models.MatchProposal, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE match_proposals SET status=$1
		WHERE status=$2 AND expires_at < $3
		RETURNING id, provider_id, seeker_id, score, tier, status, mode, seats,
		pickup_lat, pickup_lng, drop_lat, drop_lng, seeker_route, provider_route, created_at, expires_at`,
		models.ProposalExpired, models.ProposalProposed, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.MatchProposal
	for rows.Next() {
		m, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveSession(ctx context.Context, s *models.SearchSession) error {
	route, _ := json.Marshal(s.Route)
	_, err := p.db.ExecContext(ctx, `INSERT INTO search_sessions
		(id, participant_id, role, mode, route, status, seats_needed, seats_capacity, seats_claimed, departure, created_at, last_updated)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, seats_claimed=EXCLUDED.seats_claimed, last_updated=EXCLUDED.last_updated`,
		s.ID, s.ParticipantID, s.Role, s.Mode, route, s.Status, s.SeatsNeeded, s.SeatsCapacity, s.SeatsClaimed, s.Departure, s.CreatedAt, s.LastUpdated)
	return err
}

func (p *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE search_sessions SET status=$1, last_updated=$2 WHERE id=$3`, status, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	event, _ := json.Marshal(n.Event)
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications(id, participant_id, event, delivered, created_at)
		VALUES($1,$2,$3,$4,$5)`, n.ID, n.ParticipantID, event, n.Delivered, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListUndelivered(ctx context.Context, participantID string) ([]*models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, participant_id, event, delivered, created_at
		FROM notifications WHERE participant_id=$1 AND delivered=false ORDER BY created_at`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		var event []byte
		if err := rows.Scan(&n.ID, &n.ParticipantID, &event, &n.Delivered, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(event, &n.Event); err != nil {
			return nil, fmt.Errorf("decode notification event: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET delivered=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (*models.MatchProposal, error) {
	var m models.MatchProposal
	var seekerRoute, providerRoute []byte
	err := row.Scan(&m.ID, &m.ProviderID, &m.SeekerID, &m.Score, &m.Tier, &m.Status, &m.Mode, &m.Seats,
		&m.Pickup.Lat, &m.Pickup.Lng, &m.Drop.Lat, &m.Drop.Lng, &seekerRoute, &providerRoute, &m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(seekerRoute, &m.SeekerRoute)
	_ = json.Unmarshal(providerRoute, &m.ProviderRoute)
	return &m, nil
}
