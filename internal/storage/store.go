package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ridepool/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store defines the durability contract for proposals, session snapshots and
// the notification outbox. Backends: memory (tests/local), Mongo, Postgres.
type Store interface {
	SaveProposal(ctx context.Context, p *models.MatchProposal) error
	GetProposal(ctx context.Context, id string) (*models.MatchProposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error
	// HasOpenProposal reports whether a non-terminal proposal for the pair
	// was created at or after since. Used by the dedup guard.
	HasOpenProposal(ctx context.Context, providerID, seekerID string, since time.Time) (bool, error)
	// HasOpenProposalForSeeker reports whether the seeker holds any
	// non-terminal proposal created at or after since. A seeker holds at
	// most one open proposal at a time; the matching sweep checks this
	// before admitting the seeker as a candidate.
	HasOpenProposalForSeeker(ctx context.Context, seekerID string, since time.Time) (bool, error)
	// ExpireProposals transitions stale proposed records to expired and
	// returns the affected proposals.
	ExpireProposals(ctx context.Context, now time.Time) ([]*models.MatchProposal, error)

	SaveSession(ctx context.Context, s *models.SearchSession) error
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error

	SaveNotification(ctx context.Context, n *models.Notification) error
	ListUndelivered(ctx context.Context, participantID string) ([]*models.Notification, error)
	MarkDelivered(ctx context.Context, id string) error
}

type MemoryStore struct {
	mu            sync.RWMutex
	proposals     map[string]*models.MatchProposal
	sessions      map[string]*models.SearchSession
	notifications map[string]*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:     make(map[string]*models.MatchProposal),
		sessions:      make(map[string]*models.SearchSession),
		notifications: make(map[string]*models.Notification),
	}
}

func (m *MemoryStore) SaveProposal(_ context.Context, p *models.MatchProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProposal(_ context.Context, id string) (*models.MatchProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateProposalStatus(_ context.Context, id string, status models.ProposalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *MemoryStore) HasOpenProposal(_ context.Context, providerID, seekerID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proposals {
		if p.ProviderID == providerID && p.SeekerID == seekerID && !p.Status.Terminal() && !p.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) HasOpenProposalForSeeker(_ context.Context, seekerID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.proposals {
		if p.SeekerID == seekerID && !p.Status.Terminal() && !p.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ExpireProposals(_ context.Context, now time.Time) ([]*models.MatchProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MatchProposal
	for _, p := range m.proposals {
		if p.Status == models.ProposalProposed && p.ExpiresAt.Before(now) {
			p.Status = models.ProposalExpired
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *models.SearchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSessionStatus(_ context.Context, id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.LastUpdated = time.Now()
	return nil
}

func (m *MemoryStore) SaveNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListUndelivered(_ context.Context, participantID string) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if n.ParticipantID == participantID && !n.Delivered {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Delivered = true
	return nil
}
