package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridepool/internal/models"
)

// LiveIndex resolves a provider's last reported position. The matcher treats
// a miss as "no live location" and renormalizes scorer weights.
type LiveIndex interface {
	Lookup(ctx context.Context, providerID string) (*models.Coord, bool)
}

// RedisLive reads provider positions maintained by the location consumer.
type RedisLive struct {
	client *redis.Client
	key    string
}

func NewRedisLive(addr, password, key string) *RedisLive {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisLive{client: c, key: key}
}

func (r *RedisLive) Upsert(ctx context.Context, loc models.ProviderLocation) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lng, Latitude: loc.Loc.Lat, Name: loc.ProviderID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.ProviderID), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisLive) Lookup(ctx context.Context, providerID string) (*models.Coord, bool) {
	pos, err := r.client.GeoPos(ctx, r.key, providerID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return nil, false
	}
	return &models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true
}

func (r *RedisLive) Close() error { return r.client.Close() }

func metaKey(id string) string { return "provider:meta:" + id }
