// README: Matching store backed by Redis: per-ride owner lock and offered-driver log.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ridecore/internal/types"
)

const (
	ownerKeyPattern   = "matching:ride:%d:owner"
	offeredKeyPattern = "matching:ride:%d:offered"
	// offered sets outlive any pending ride comfortably.
	offeredTTL = 24 * time.Hour
)

// releaseScript deletes the owner key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) Claim(ctx context.Context, rideID int64, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, ownerKey(rideID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (s *Store) Release(ctx context.Context, rideID int64, token string) error {
	return releaseScript.Run(ctx, s.redis, []string{ownerKey(rideID)}, token).Err()
}

// RecordOffer appends driverID to the ride's offered set.
func (s *Store) RecordOffer(ctx context.Context, rideID int64, driverID types.ID) error {
	key := offeredKey(rideID)
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, string(driverID))
	pipe.Expire(ctx, key, offeredTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Offered lists the drivers a ride has been offered to.
func (s *Store) Offered(ctx context.Context, rideID int64) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, offeredKey(rideID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(members))
	for i, m := range members {
		out[i] = types.ID(m)
	}
	return out, nil
}

func ownerKey(rideID int64) string {
	return fmt.Sprintf(ownerKeyPattern, rideID)
}

func offeredKey(rideID int64) string {
	return fmt.Sprintf(offeredKeyPattern, rideID)
}
