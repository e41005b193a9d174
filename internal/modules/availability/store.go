// README: Driver pool backed by Redis GEO and sets. SMOVE between the
// available and busy sets is the atomic claim primitive.
package availability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const (
	geoKey       = "dispatch:drivers:geo"
	availableKey = "dispatch:drivers:available"
	busyKey      = "dispatch:drivers:busy"

	driverKeyPrefix = "dispatch:driver:%s"
	// Driver hashes expire on their own if heartbeats stop entirely.
	driverKeyTTL = 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func driverKey(id types.ID) string {
	return fmt.Sprintf(driverKeyPrefix, string(id))
}

// UpsertLocation writes the driver's position and refreshes the heartbeat.
func (s *Store) UpsertLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error {
	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	})
	pipe.HSet(ctx, driverKey(id), "lat", p.Lat, "lng", p.Lng, "last_seen", at.Unix())
	pipe.Expire(ctx, driverKey(id), driverKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetAvailable moves the driver into the available set; the busy marker is
// cleared so a stuck claim cannot survive a re-register.
func (s *Store) SetAvailable(ctx context.Context, id types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.SRem(ctx, busyKey, string(id))
	pipe.SAdd(ctx, availableKey, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes the driver from both sets and from the geo index.
func (s *Store) SetOffline(ctx context.Context, id types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.SRem(ctx, availableKey, string(id))
	pipe.SRem(ctx, busyKey, string(id))
	pipe.ZRem(ctx, geoKey, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Claim atomically moves the driver from available to busy. Exactly one
// concurrent caller observes true.
func (s *Store) Claim(ctx context.Context, id types.ID) (bool, error) {
	return s.redis.SMove(ctx, availableKey, busyKey, string(id)).Result()
}

// Release moves the driver back from busy to available.
func (s *Store) Release(ctx context.Context, id types.ID) (bool, error) {
	return s.redis.SMove(ctx, busyKey, availableKey, string(id)).Result()
}

// Nearby returns available drivers within radiusKm of the origin, closest
// first, with their last heartbeat attached.
func (s *Store) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]Candidate, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(locs))
	for i, l := range locs {
		members[i] = l.Name
	}
	avail, err := s.redis.SMIsMember(ctx, availableKey, members...).Result()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for i, l := range locs {
		if !avail[i] {
			continue
		}
		c := Candidate{DriverID: types.ID(l.Name), DistanceKm: l.Dist}
		if raw, err := s.redis.HGet(ctx, driverKey(c.DriverID), "last_seen").Result(); err == nil {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				c.LastSeen = time.Unix(unix, 0).UTC()
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// GetRecord reads the driver's last known state.
func (s *Store) GetRecord(ctx context.Context, id types.ID) (*Record, error) {
	vals, err := s.redis.HGetAll(ctx, driverKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	rec := &Record{DriverID: id}
	if v, err := strconv.ParseFloat(vals["lat"], 64); err == nil {
		rec.Position.Lat = v
	}
	if v, err := strconv.ParseFloat(vals["lng"], 64); err == nil {
		rec.Position.Lng = v
	}
	if v, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.Unix(v, 0).UTC()
	}
	rec.Available, err = s.redis.SIsMember(ctx, availableKey, string(id)).Result()
	if err != nil {
		return nil, err
	}
	return rec, nil
}
