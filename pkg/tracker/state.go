package tracker

import (
	"time"

	"github.com/evtrack/evtrack/pkg/util"
)

// Vendor odometers report miles
const milesToMeters = 1.609344 * 1000

type Movement int

const (
	// MovementUnknown only exists between controller startup and the first
	// successful location sample.
	MovementUnknown Movement = iota
	MovementParked
	MovementMoving
)

func (m Movement) String() string {
	switch m {
	case MovementParked:
		return "parked"
	case MovementMoving:
		return "moving"
	}

	return "unknown"
}

func (m Movement) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func movementFromShiftState(shiftState *string) Movement {
	if shiftState != nil && *shiftState != "P" {
		return MovementMoving
	}

	return MovementParked
}

type Location struct {
	Latitude  float64 `json:"latitude" groups:"basic,detailed"`
	Longitude float64 `json:"longitude" groups:"basic,detailed"`
	Place     string  `json:"place" groups:"basic,detailed"`
	City      string  `json:"city" groups:"basic,detailed"`

	// OdometerMeters only advances on fresh vehicle state samples, it is
	// carried forward otherwise.
	OdometerMeters float64 `json:"odometerMeters" groups:"detailed"`
}

// Description renders the location for capability values & event tokens.
func (l Location) Description() string {
	return util.AddressDescription(l.Place, l.City)
}

type TripPoint struct {
	Location `bson:",inline" groups:"basic,detailed"`
	Time     time.Time `json:"time" groups:"basic,detailed"`
}

type Trip struct {
	SequenceID int        `json:"sequenceId" groups:"basic,detailed"`
	Start      TripPoint  `json:"start" groups:"basic,detailed"`
	End        *TripPoint `json:"end,omitempty" groups:"basic,detailed"`
}

// Distance is end odometer minus start odometer in meters, rounded to one
// decimal. An unknown odometer on either side reports 0.
func (t *Trip) Distance() float64 {
	if t == nil || t.End == nil {
		return 0
	}
	if t.Start.OdometerMeters == 0 || t.End.OdometerMeters == 0 {
		return 0
	}

	return util.FormatValue(t.End.OdometerMeters - t.Start.OdometerMeters)
}

// VehicleState is the authoritative in-memory record for one tracked vehicle,
// owned exclusively by its controller.
type VehicleState struct {
	Key       string `json:"key" groups:"basic,detailed"`
	VehicleID string `json:"vehicleId" groups:"detailed"`
	Name      string `json:"name" groups:"basic,detailed"`

	Movement Movement `json:"movement" groups:"basic,detailed"`
	Location Location `json:"location" groups:"basic,detailed"`

	BatteryLevel *int `json:"batteryLevel,omitempty" groups:"basic,detailed"`

	Available         bool   `json:"available" groups:"basic,detailed"`
	UnavailableReason string `json:"unavailableReason,omitempty" groups:"basic,detailed"`
	ConsecutiveErrors int    `json:"consecutiveErrors" groups:"detailed"`

	LastUpdateAt time.Time `json:"lastUpdateAt" groups:"basic,detailed"`

	LastSignificantMoveAt       time.Time `json:"lastSignificantMoveAt" groups:"detailed"`
	LastSignificantMoveOdometer float64   `json:"lastSignificantMoveOdometer" groups:"detailed"`

	ActiveGeofenceIDs []string `json:"activeGeofenceIds" groups:"basic,detailed"`

	CurrentTrip *Trip `json:"currentTrip,omitempty" groups:"detailed"`
	TripCounter int   `json:"tripCounter" groups:"detailed"`
}
