package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-live/internal/models"
	"github.com/example/ride-live/internal/realtime"
)

const DefaultLocationKey = "ride_driver_geo"

// LocationUpdater is the subset of redis writes the location mirror needs.
type LocationUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// RedisLocationStore mirrors driver positions into redis: one GEO set of
// rides keyed by ride id plus a hash per ride with the full reading.
type RedisLocationStore struct {
	client   *redis.Client
	updater  LocationUpdater
	key      string
	attempts int
	delay    time.Duration
}

func NewRedisLocationStore(client *redis.Client, key string) *RedisLocationStore {
	if key == "" {
		key = DefaultLocationKey
	}
	return &RedisLocationStore{
		client:   client,
		updater:  &redisAdapter{c: client},
		key:      key,
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
}

// Observe records driver location events.
func (s *RedisLocationStore) Observe(ctx context.Context, ev realtime.Event) error {
	e, ok := ev.(realtime.DriverLocationUpdated)
	if !ok {
		return nil
	}
	return updateWithRetry(ctx, s.updater, s.key, e.Location, s.attempts, s.delay)
}

// Last reads back the most recent reading mirrored for rideID.
func (s *RedisLocationStore) Last(ctx context.Context, rideID int64) (models.DriverLocation, bool, error) {
	m, err := s.client.HGetAll(ctx, locationKey(rideID)).Result()
	if err != nil {
		return models.DriverLocation{}, false, err
	}
	if len(m) == 0 {
		return models.DriverLocation{}, false, nil
	}
	d := models.DriverLocation{RideID: rideID}
	d.DriverID, _ = strconv.ParseInt(m["driver_id"], 10, 64)
	d.Location.Latitude, _ = strconv.ParseFloat(m["lat"], 64)
	d.Location.Longitude, _ = strconv.ParseFloat(m["lon"], 64)
	d.Location.Timestamp, _ = strconv.ParseInt(m["timestamp"], 10, 64)
	d.Location.Heading = optFloat(m, "heading")
	d.Location.Speed = optFloat(m, "speed")
	d.Location.Accuracy = optFloat(m, "accuracy")
	return d, true, nil
}

// updateWithRetry writes the GEO member and the hash, retrying the pair
// with a doubling delay.
func updateWithRetry(ctx context.Context, u LocationUpdater, key string, d models.DriverLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = writeLocation(ctx, u, key, d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("mirror location ride %d: %w", d.RideID, err)
}

func writeLocation(ctx context.Context, u LocationUpdater, key string, d models.DriverLocation) error {
	member := strconv.FormatInt(d.RideID, 10)
	if err := u.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: d.Location.Longitude, Latitude: d.Location.Latitude, Name: member}); err != nil {
		return err
	}
	values := map[string]interface{}{
		"driver_id": d.DriverID,
		"lat":       d.Location.Latitude,
		"lon":       d.Location.Longitude,
		"timestamp": d.Location.Timestamp,
	}
	for name, v := range map[string]*float64{"heading": d.Location.Heading, "speed": d.Location.Speed, "accuracy": d.Location.Accuracy} {
		if v != nil {
			values[name] = *v
		} else {
			values[name] = ""
		}
	}
	return u.HSet(ctx, locationKey(d.RideID), values)
}

func optFloat(m map[string]string, field string) *float64 {
	v, ok := m[field]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func locationKey(rideID int64) string { return "ride:location:" + strconv.FormatInt(rideID, 10) }
