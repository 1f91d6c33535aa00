package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/evtrack/evtrack/pkg/settings"
	"github.com/evtrack/evtrack/pkg/tesla"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeAPI struct {
	mu sync.Mutex

	shiftState    *string
	latitude      float64
	longitude     float64
	place         string
	city          string
	odometerMiles float64
	batteryLevel  int

	driveErr   error
	vehicleErr error
	chargeErr  error

	driveCalls   int
	vehicleCalls int
	chargeCalls  int
}

func (a *fakeAPI) setShift(shift string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if shift == "" {
		a.shiftState = nil
		return
	}
	a.shiftState = &shift
}

func (a *fakeAPI) setOdometerMeters(meters float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.odometerMiles = meters / milesToMeters
}

func (a *fakeAPI) setPosition(latitude float64, longitude float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latitude = latitude
	a.longitude = longitude
}

func (a *fakeAPI) ValidateGrant() error { return nil }

func (a *fakeAPI) GetVehicles() ([]tesla.Vehicle, error) {
	return []tesla.Vehicle{{IDString: "1001", VIN: "VIN1"}}, nil
}

func (a *fakeAPI) GetVehicleIDByVIN(vin string) (string, error) {
	return "1001", nil
}

func (a *fakeAPI) GetDriveState(vehicleID string) (*tesla.DriveState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.driveCalls++
	if a.driveErr != nil {
		return nil, a.driveErr
	}

	return &tesla.DriveState{
		ShiftState: a.shiftState,
		Latitude:   a.latitude,
		Longitude:  a.longitude,
		Place:      a.place,
		City:       a.city,
	}, nil
}

func (a *fakeAPI) GetVehicleState(vehicleID string) (*tesla.VehicleState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.vehicleCalls++
	if a.vehicleErr != nil {
		return nil, a.vehicleErr
	}

	return &tesla.VehicleState{Odometer: a.odometerMiles}, nil
}

func (a *fakeAPI) GetChargeState(vehicleID string) (*tesla.ChargeState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.chargeCalls++
	if a.chargeErr != nil {
		return nil, a.chargeErr
	}

	return &tesla.ChargeState{BatteryLevel: a.batteryLevel}, nil
}

func (a *fakeAPI) GetClimateState(vehicleID string) (*tesla.ClimateState, error) {
	return &tesla.ClimateState{}, nil
}

func (a *fakeAPI) GetGuiSettings(vehicleID string) (*tesla.GuiSettings, error) {
	return &tesla.GuiSettings{}, nil
}

func (a *fakeAPI) GetMobileAccess(vehicleID string) (bool, error) {
	return true, nil
}

type fakeStore struct {
	mu sync.Mutex

	vehicleID     string
	tripCounter   int
	counterWrites int
	tracking      settings.Tracking
}

func (s *fakeStore) GetVehicleID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.vehicleID, nil
}

func (s *fakeStore) SetVehicleID(ctx context.Context, vehicleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vehicleID = vehicleID
	return nil
}

func (s *fakeStore) GetTripCounter(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tripCounter, nil
}

func (s *fakeStore) SetTripCounter(ctx context.Context, counter int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tripCounter = counter
	s.counterWrites++
	return nil
}

func (s *fakeStore) GetTracking(ctx context.Context) (settings.Tracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tracking, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []FlowEvent
}

func (e *fakeEmitter) Emit(event FlowEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, event)
}

func (e *fakeEmitter) named(name string) []FlowEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []FlowEvent
	for _, event := range e.events {
		if event.Event == name {
			matched = append(matched, event)
		}
	}

	return matched
}

type fakeSink struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{values: map[string]interface{}{}}
}

func (s *fakeSink) Publish(vehicleKey string, capability string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[capability] = value
}

func (s *fakeSink) get(capability string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.values[capability]
}
