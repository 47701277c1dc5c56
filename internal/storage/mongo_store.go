package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ridepool/internal/models"
)

const (
	proposalCollection     = "match_proposals"
	sessionCollection      = "search_sessions"
	notificationCollection = "notifications"
)

// MongoStore backs the Store contract with a document database.
type MongoStore struct {
	client        *mongo.Client
	proposals     *mongo.Collection
	sessions      *mongo.Collection
	notifications *mongo.Collection
	opTimeout     time.Duration
}

func NewMongoStore(ctx context.Context, uri, database string, opTimeout time.Duration) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &MongoStore{
		client:        client,
		proposals:     db.Collection(proposalCollection),
		sessions:      db.Collection(sessionCollection),
		notifications: db.Collection(notificationCollection),
		opTimeout:     opTimeout,
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *MongoStore) SaveProposal(ctx context.Context, p *models.MatchProposal) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.proposals.InsertOne(ctx, p)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *MongoStore) GetProposal(ctx context.Context, id string) (*models.MatchProposal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var p models.MatchProposal
	err := s.proposals.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) UpdateProposalStatus(ctx context.Context, id string, status models.ProposalStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.proposals.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) HasOpenProposal(ctx context.Context, providerID, seekerID string, since time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"provider_id": providerID,
		"seeker_id":   seekerID,
		"status":      models.ProposalProposed,
		"created_at":  bson.M{"$gte": since},
	}
	n, err := s.proposals.CountDocuments(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("count open proposals: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) HasOpenProposalForSeeker(ctx context.Context, seekerID string, since time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"seeker_id":  seekerID,
		"status":     models.ProposalProposed,
		"created_at": bson.M{"$gte": since},
	}
	n, err := s.proposals.CountDocuments(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("count seeker proposals: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) ExpireProposals(ctx context.Context, now time.Time) ([]*models.MatchProposal, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": models.ProposalProposed, "expires_at": bson.M{"$lt": now}}
	cur, err := s.proposals.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find stale proposals: %w", err)
	}
	var stale []*models.MatchProposal
	if err := cur.All(ctx, &stale); err != nil {
		return nil, fmt.Errorf("decode stale proposals: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if _, err := s.proposals.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": models.ProposalExpired}}); err != nil {
		return nil, fmt.Errorf("expire proposals: %w", err)
	}
	for _, p := range stale {
		p.Status = models.ProposalExpired
	}
	return stale, nil
}

func (s *MongoStore) SaveSession(ctx context.Context, sess *models.SearchSession) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Replace().SetUpsert(true)
	_, err := s.sessions.ReplaceOne(ctx, bson.M{"_id": sess.ID}, sess, opts)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status, "last_updated": time.Now()}})
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.notifications.InsertOne(ctx, n); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

func (s *MongoStore) ListUndelivered(ctx context.Context, participantID string) ([]*models.Notification, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.notifications.Find(ctx, bson.M{"participant_id": participantID, "delivered": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	var out []*models.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode undelivered: %w", err)
	}
	return out, nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"delivered": true}})
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
