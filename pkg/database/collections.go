package database

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func createIndexes() {
	tripsCollection := GetCollection("trips")
	tripsIndex := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "vehiclekey", Value: 1}},
		},
	}

	opts := options.CreateIndexes()
	_, err := tripsCollection.Indexes().CreateMany(context.Background(), tripsIndex, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create indexes on trips")
	}

	eventsCollection := GetCollection("flow_events")
	eventsIndex := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "vehiclekey", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "creationdatetime", Value: -1}},
		},
	}

	_, err = eventsCollection.Indexes().CreateMany(context.Background(), eventsIndex, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create indexes on flow_events")
	}
}
