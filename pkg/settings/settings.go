package settings

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/evtrack/evtrack/pkg/geofence"
	"github.com/evtrack/evtrack/pkg/redis_client"
	"github.com/evtrack/evtrack/pkg/tesla"
)

const geofencesKey = "evtrack:geofences"
const geofencesChannel = "evtrack:geofences:updated"
const trackingChannel = "evtrack:tracking:updated"

const vehicleKeyPrefix = "evtrack:vehicle:"

// Tracking holds the per-vehicle polling & trip settings. Intervals follow the
// units the settings UI exposes: location intervals in seconds, the battery
// interval in minutes.
type Tracking struct {
	LocationPolling         bool `json:"locationPolling"`
	LocationIntervalDriving int  `json:"locationIntervalDriving"`
	LocationIntervalParked  int  `json:"locationIntervalParked"`

	BatteryPolling  bool `json:"batteryPolling"`
	BatteryInterval int  `json:"batteryInterval"`

	// Significant movement events are suppressed until the vehicle moved
	// further than RetriggerRestrictDistance meters and
	// RetriggerRestrictTime seconds passed since the previous one.
	RetriggerRestrictDistance float64 `json:"retriggerRestrictDistance"`
	RetriggerRestrictTime     int     `json:"retriggerRestrictTime"`

	TripTracking bool `json:"tripTracking"`

	ErrorThreshold int `json:"errorThreshold"`
	RetryInterval  int `json:"retryInterval"`
}

func DefaultTracking() Tracking {
	return Tracking{
		LocationPolling:         true,
		LocationIntervalDriving: 15,
		LocationIntervalParked:  300,

		BatteryPolling:  true,
		BatteryInterval: 60,

		RetriggerRestrictDistance: 500,
		RetriggerRestrictTime:     60,

		TripTracking: true,

		ErrorThreshold: 5,
		RetryInterval:  300,
	}
}

func GetGeofences(ctx context.Context) ([]geofence.Geofence, error) {
	value, err := redis_client.Client.Get(ctx, geofencesKey).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var geofences []geofence.Geofence
	if err := json.Unmarshal([]byte(value), &geofences); err != nil {
		return nil, err
	}

	return geofences, nil
}

// SetGeofences stores the full geofence list and notifies every running
// tracker over pub/sub.
func SetGeofences(ctx context.Context, geofences []geofence.Geofence) error {
	encoded, err := json.Marshal(geofences)
	if err != nil {
		return err
	}

	if err := redis_client.Client.Set(ctx, geofencesKey, encoded, 0).Err(); err != nil {
		return err
	}

	return redis_client.Client.Publish(ctx, geofencesChannel, "updated").Err()
}

// EnsureDefaultGeofence seeds a home circle around the given coordinate when
// no geofences were configured yet.
func EnsureDefaultGeofence(ctx context.Context, latitude float64, longitude float64) error {
	existing, err := GetGeofences(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	return SetGeofences(ctx, []geofence.Geofence{
		{
			ID:     "home",
			Name:   "Home",
			Type:   geofence.ShapeCircle,
			Circle: &geofence.Circle{Center: geofence.Point{Lat: latitude, Lng: longitude}, Radius: 50},
			Active: latitude != 0,
			IsHome: true,
		},
	})
}

// WatchGeofences reloads the geofence list on every update notification and
// hands it to the callback. It blocks until the context is cancelled, callers
// run it on its own goroutine.
func WatchGeofences(ctx context.Context, onChange func([]geofence.Geofence)) {
	pubsub := redis_client.Client.Subscribe(ctx, geofencesChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pubsub.Channel():
			geofences, err := GetGeofences(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to reload geofences")
				continue
			}

			onChange(geofences)
		}
	}
}

// VehicleStore persists the durable per-vehicle fields as a Redis hash.
type VehicleStore struct {
	Key string
}

func (s *VehicleStore) hashKey() string {
	return vehicleKeyPrefix + s.Key
}

func (s *VehicleStore) GetVehicleID(ctx context.Context) (string, error) {
	value, err := redis_client.Client.HGet(ctx, s.hashKey(), "vehicleId").Result()
	if err == redis.Nil {
		return "", nil
	}

	return value, err
}

func (s *VehicleStore) SetVehicleID(ctx context.Context, vehicleID string) error {
	return redis_client.Client.HSet(ctx, s.hashKey(), "vehicleId", vehicleID).Err()
}

func (s *VehicleStore) GetTripCounter(ctx context.Context) (int, error) {
	value, err := redis_client.Client.HGet(ctx, s.hashKey(), "tripCounter").Int()
	if err == redis.Nil {
		return 0, nil
	}

	return value, err
}

func (s *VehicleStore) SetTripCounter(ctx context.Context, counter int) error {
	return redis_client.Client.HSet(ctx, s.hashKey(), "tripCounter", counter).Err()
}

func (s *VehicleStore) GetGrant(ctx context.Context) (*tesla.Grant, error) {
	value, err := redis_client.Client.HGet(ctx, s.hashKey(), "grant").Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var grant tesla.Grant
	if err := json.Unmarshal([]byte(value), &grant); err != nil {
		return nil, err
	}

	return &grant, nil
}

func (s *VehicleStore) SetGrant(ctx context.Context, grant *tesla.Grant) error {
	encoded, err := json.Marshal(grant)
	if err != nil {
		return err
	}

	return redis_client.Client.HSet(ctx, s.hashKey(), "grant", encoded).Err()
}

// GetTracking returns the stored tracking settings, falling back to defaults
// when the vehicle has none yet.
func (s *VehicleStore) GetTracking(ctx context.Context) (Tracking, error) {
	tracking := DefaultTracking()

	value, err := redis_client.Client.HGet(ctx, s.hashKey(), "settings").Result()
	if err == redis.Nil {
		return tracking, nil
	} else if err != nil {
		return tracking, err
	}

	err = json.Unmarshal([]byte(value), &tracking)

	return tracking, err
}

// SetTracking stores new tracking settings and notifies the running tracker
// for this vehicle over pub/sub.
func (s *VehicleStore) SetTracking(ctx context.Context, tracking Tracking) error {
	encoded, err := json.Marshal(tracking)
	if err != nil {
		return err
	}

	if err := redis_client.Client.HSet(ctx, s.hashKey(), "settings", encoded).Err(); err != nil {
		return err
	}

	return redis_client.Client.Publish(ctx, trackingChannel, s.Key).Err()
}

// WatchTracking delivers the vehicle key of every tracking settings update.
// It blocks until the context is cancelled, callers run it on its own
// goroutine.
func WatchTracking(ctx context.Context, onChange func(vehicleKey string)) {
	pubsub := redis_client.Client.Subscribe(ctx, trackingChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case message := <-pubsub.Channel():
			if message != nil {
				onChange(message.Payload)
			}
		}
	}
}
