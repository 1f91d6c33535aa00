package tracker

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/evtrack/evtrack/pkg/database"
)

// Persisted trip history keeps the most recent entries only, oldest evicted
// first.
const tripHistoryLimit = 100

type TripStore interface {
	Append(ctx context.Context, vehicleKey string, trip Trip) error
	Load(ctx context.Context, vehicleKey string) ([]Trip, error)
}

type tripDocument struct {
	VehicleKey string `bson:"vehiclekey"`
	Trips      []Trip `bson:"trips"`
}

// MongoTripStore keeps one document per vehicle, the trips array is capped
// server-side on every append.
type MongoTripStore struct{}

func (s *MongoTripStore) Append(ctx context.Context, vehicleKey string, trip Trip) error {
	collection := database.GetCollection("trips")

	opts := options.Update().SetUpsert(true)
	_, err := collection.UpdateOne(ctx,
		bson.M{"vehiclekey": vehicleKey},
		bson.M{
			"$push": bson.M{
				"trips": bson.M{
					"$each":  bson.A{trip},
					"$slice": -tripHistoryLimit,
				},
			},
		},
		opts,
	)

	return err
}

func (s *MongoTripStore) Load(ctx context.Context, vehicleKey string) ([]Trip, error) {
	collection := database.GetCollection("trips")

	var document tripDocument
	err := collection.FindOne(ctx, bson.M{"vehiclekey": vehicleKey}).Decode(&document)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return document.Trips, nil
}

// MemoryTripStore backs controllers in tests and the diagnostics CLI.
type MemoryTripStore struct {
	mu    sync.Mutex
	trips map[string][]Trip
}

func NewMemoryTripStore() *MemoryTripStore {
	return &MemoryTripStore{trips: map[string][]Trip{}}
}

func (s *MemoryTripStore) Append(ctx context.Context, vehicleKey string, trip Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trips := append(s.trips[vehicleKey], trip)
	if len(trips) > tripHistoryLimit {
		trips = trips[len(trips)-tripHistoryLimit:]
	}
	s.trips[vehicleKey] = trips

	return nil
}

func (s *MemoryTripStore) Load(ctx context.Context, vehicleKey string) ([]Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Trip{}, s.trips[vehicleKey]...), nil
}
