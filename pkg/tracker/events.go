package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"

	"github.com/evtrack/evtrack/pkg/elastic_client"
	"github.com/evtrack/evtrack/pkg/redis_client"
)

const (
	EventVehicleMoved           = "vehicleMoved"
	EventVehicleStartMoving     = "vehicleStartMoving"
	EventVehicleStoptMoving     = "vehicleStoptMoving"
	EventVehicleGeofenceEntered = "vehicleGeofenceEntered"
	EventVehicleGeofenceLeft    = "vehicleGeofenceLeft"
)

// FlowEvent is a named trigger with a token payload, queued for downstream
// automation consumers.
type FlowEvent struct {
	Event      string `json:"event" bson:"event"`
	VehicleKey string `json:"vehicleKey" bson:"vehiclekey"`

	CreationDateTime time.Time `json:"creationDateTime" bson:"creationdatetime"`

	Tokens map[string]interface{} `json:"tokens" bson:"tokens"`
}

// EventEmitter delivers flow events. Delivery failures are logged, never
// retried.
type EventEmitter interface {
	Emit(event FlowEvent)
}

// CapabilitySink publishes current vehicle capability values for observers.
type CapabilitySink interface {
	Publish(vehicleKey string, capability string, value interface{})
}

// QueueEmitter publishes flow events onto the flow-events queue and indexes
// a copy into Elasticsearch for auditing.
type QueueEmitter struct {
	Queue rmq.Queue
}

func NewQueueEmitter() (*QueueEmitter, error) {
	queue, err := redis_client.QueueConnection.OpenQueue("flow-events")
	if err != nil {
		return nil, err
	}

	return &QueueEmitter{Queue: queue}, nil
}

func (e *QueueEmitter) Emit(event FlowEvent) {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal flow event")
		return
	}

	if err := e.Queue.PublishBytes(eventBytes); err != nil {
		log.Error().Err(err).Str("event", event.Event).Msg("Failed to publish flow event")
	}

	elastic_client.IndexRequest("flow-events-1", bytes.NewReader(eventBytes))
}

// RedisCapabilityPublisher stores the latest capability values in a per
// vehicle hash so API surfaces can read them without touching the controller.
type RedisCapabilityPublisher struct{}

func (p *RedisCapabilityPublisher) Publish(vehicleKey string, capability string, value interface{}) {
	encoded, err := json.Marshal(value)
	if err != nil {
		log.Error().Err(err).Str("capability", capability).Msg("Failed to marshal capability value")
		return
	}

	hashKey := fmt.Sprintf("evtrack:capabilities:%s", vehicleKey)
	if err := redis_client.Client.HSet(context.Background(), hashKey, capability, encoded).Err(); err != nil {
		log.Error().Err(err).Str("capability", capability).Msg("Failed to publish capability value")
	}
}
