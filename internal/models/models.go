package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Route is an ordered travel path. Routes are given by clients, never computed.
type Route []Coord

type Role string

const (
	RoleProvider Role = "provider"
	RoleSeeker   Role = "seeker"
)

type RideMode string

const (
	ModeImmediate RideMode = "immediate"
	ModeScheduled RideMode = "scheduled"
)

type SessionStatus string

const (
	StatusScheduled  SessionStatus = "scheduled"
	StatusActivating SessionStatus = "activating"
	StatusActive     SessionStatus = "active"
	StatusStopped    SessionStatus = "stopped"
	StatusExpired    SessionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusExpired
}

// MatchEligible reports whether a session in this status may enter the
// matching sweep. Activating sessions are provisional candidates so
// pre-matches can form before the final activation window.
func (s SessionStatus) MatchEligible() bool {
	return s == StatusActivating || s == StatusActive
}

// SearchSession is a live search intent, one per (participant, mode).
// Owned exclusively by the registry; snapshots handed out elsewhere are copies.
type SearchSession struct {
	ID            string        `json:"id" bson:"_id" validate:"required"`
	ParticipantID string        `json:"participant_id" bson:"participant_id" validate:"required"`
	Role          Role          `json:"role" bson:"role" validate:"required,oneof=provider seeker"`
	Mode          RideMode      `json:"mode" bson:"mode" validate:"required,oneof=immediate scheduled"`
	Route         Route         `json:"route" bson:"route" validate:"required,min=1"`
	PickupName    string        `json:"pickup_name,omitempty" bson:"pickup_name,omitempty"`
	DropName      string        `json:"drop_name,omitempty" bson:"drop_name,omitempty"`
	Pickup        Coord         `json:"pickup" bson:"pickup"`
	Drop          Coord         `json:"drop" bson:"drop"`
	SeatsNeeded   int           `json:"seats_needed,omitempty" bson:"seats_needed,omitempty"`
	SeatsCapacity int           `json:"seats_capacity,omitempty" bson:"seats_capacity,omitempty"`
	SeatsClaimed  int           `json:"seats_claimed" bson:"seats_claimed"`
	Unlimited     bool          `json:"unlimited,omitempty" bson:"unlimited,omitempty"`
	Departure     time.Time     `json:"departure,omitempty" bson:"departure,omitempty"`
	Status        SessionStatus `json:"status" bson:"status"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
	LastUpdated   time.Time     `json:"last_updated" bson:"last_updated"`
	AcceptedCount int           `json:"accepted_count" bson:"accepted_count"`
}

// FreeSeats is the capacity still open for proposals. Unlimited providers
// always report at least one free seat.
func (s *SearchSession) FreeSeats() int {
	if s.Unlimited {
		return 1 << 20
	}
	n := s.SeatsCapacity - s.SeatsClaimed
	if n < 0 {
		return 0
	}
	return n
}

type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

func (p ProposalStatus) Terminal() bool {
	return p == ProposalAccepted || p == ProposalRejected || p == ProposalExpired
}

type QualityTier string

const (
	TierExcellent QualityTier = "excellent"
	TierGood      QualityTier = "good"
	TierFair      QualityTier = "fair"
)

// TierForScore maps a similarity score onto a coarse quality band.
func TierForScore(score float64) QualityTier {
	switch {
	case score >= 0.85:
		return TierExcellent
	case score >= 0.7:
		return TierGood
	default:
		return TierFair
	}
}

// MatchProposal is a tentative pairing awaiting accept/reject. Immutable
// after creation except for status transitions.
type MatchProposal struct {
	ID            string         `json:"id" bson:"_id"`
	ProviderID    string         `json:"provider_id" bson:"provider_id"`
	SeekerID      string         `json:"seeker_id" bson:"seeker_id"`
	Score         float64        `json:"score" bson:"score"`
	Tier          QualityTier    `json:"tier" bson:"tier"`
	Status        ProposalStatus `json:"status" bson:"status"`
	Mode          RideMode       `json:"mode" bson:"mode"`
	SeekerRoute   Route          `json:"seeker_route" bson:"seeker_route"`
	ProviderRoute Route          `json:"provider_route" bson:"provider_route"`
	PickupName    string         `json:"pickup_name,omitempty" bson:"pickup_name,omitempty"`
	DropName      string         `json:"drop_name,omitempty" bson:"drop_name,omitempty"`
	Pickup        Coord          `json:"pickup" bson:"pickup"`
	Drop          Coord          `json:"drop" bson:"drop"`
	Seats         int            `json:"seats" bson:"seats"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at" bson:"expires_at"`
}

type EventType string

const (
	EventSearchStarted      EventType = "search_started"
	EventSearchStopped      EventType = "search_stopped"
	EventSearchTimeout      EventType = "search_timeout"
	EventScheduledActivated EventType = "scheduled_activated"
	EventMatchProposed      EventType = "match_proposed"
	EventMatchAccepted      EventType = "match_accepted"
	EventMatchRejected      EventType = "match_rejected"
	EventMatchExpired       EventType = "match_expired"
)

// LifecycleEvent is what the dispatcher delivers to a participant.
type LifecycleEvent struct {
	Type          EventType      `json:"type" bson:"type"`
	ParticipantID string         `json:"participant_id" bson:"participant_id"`
	SessionID     string         `json:"session_id,omitempty" bson:"session_id,omitempty"`
	MatchID       string         `json:"match_id,omitempty" bson:"match_id,omitempty"`
	Mode          RideMode       `json:"mode,omitempty" bson:"mode,omitempty"`
	Match         *MatchProposal `json:"match,omitempty" bson:"match,omitempty"`
	Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
}

// Notification is the durable record of an event, persisted when the
// real-time channel is closed (or always, for match_proposed) so a
// disconnected client can recover it later.
type Notification struct {
	ID            string         `json:"id" bson:"_id"`
	ParticipantID string         `json:"participant_id" bson:"participant_id"`
	Event         LifecycleEvent `json:"event" bson:"event"`
	Delivered     bool           `json:"delivered" bson:"delivered"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
}

// ProviderLocation is a live position report flowing through the
// ingest pipeline (HTTP -> Kafka -> consumer -> Redis).
type ProviderLocation struct {
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	Updated    time.Time `json:"updated"`
}
