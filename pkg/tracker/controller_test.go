package tracker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/evtrack/evtrack/pkg/geofence"
	"github.com/evtrack/evtrack/pkg/settings"
	"github.com/evtrack/evtrack/pkg/tesla"
)

type harness struct {
	api     *fakeAPI
	store   *fakeStore
	emitter *fakeEmitter
	sink    *fakeSink
	trips   *MemoryTripStore
	clock   *fakeClock

	controller *Controller
}

func newHarness(t *testing.T, geofences ...geofence.Geofence) *harness {
	t.Helper()

	h := &harness{
		api: &fakeAPI{
			latitude:      52.0,
			longitude:     5.0,
			place:         "Main Street",
			city:          "Utrecht",
			odometerMiles: 1000 / milesToMeters,
			batteryLevel:  80,
		},
		store:   &fakeStore{tracking: settings.DefaultTracking()},
		emitter: &fakeEmitter{},
		sink:    newFakeSink(),
		trips:   NewMemoryTripStore(),
		clock:   newFakeClock(),
	}

	h.controller = NewController(ControllerOptions{
		Key:          "VIN1",
		Name:         "test car",
		VehicleID:    "1001",
		API:          h.api,
		Store:        h.store,
		Trips:        h.trips,
		Emitter:      h.emitter,
		Capabilities: h.sink,
		Geofences:    geofences,
		Now:          h.clock.Now,
	})
	t.Cleanup(h.controller.Teardown)

	return h
}

func (h *harness) sample() {
	h.controller.trackLocation(false)
}

func TestMovementScenario(t *testing.T) {
	h := newHarness(t)

	// parked at odometer 1000m
	h.sample()

	snapshot := h.controller.Snapshot()
	if snapshot.Movement != MovementParked {
		t.Fatalf("movement = %v, expected parked", snapshot.Movement)
	}
	if snapshot.Location.OdometerMeters != 1000 {
		t.Fatalf("odometer = %v, expected 1000", snapshot.Location.OdometerMeters)
	}
	if len(h.emitter.named(EventVehicleStartMoving)) != 0 {
		t.Error("no start event expected on first parked sample")
	}

	// shift into drive
	h.clock.Advance(2 * time.Minute)
	h.api.setShift("D")
	h.sample()

	snapshot = h.controller.Snapshot()
	if snapshot.Movement != MovementMoving {
		t.Fatalf("movement = %v, expected moving", snapshot.Movement)
	}
	if snapshot.CurrentTrip == nil {
		t.Fatal("expected an open trip")
	}
	if snapshot.CurrentTrip.SequenceID != 1 {
		t.Errorf("trip sequence = %d, expected 1", snapshot.CurrentTrip.SequenceID)
	}
	if snapshot.CurrentTrip.Start.OdometerMeters != 1000 {
		t.Errorf("trip start odometer = %v, expected 1000", snapshot.CurrentTrip.Start.OdometerMeters)
	}
	if got := len(h.emitter.named(EventVehicleStartMoving)); got != 1 {
		t.Errorf("start events = %d, expected 1", got)
	}

	// park again 2000m later
	h.clock.Advance(10 * time.Minute)
	h.api.setShift("P")
	h.api.setOdometerMeters(3000)
	h.sample()

	snapshot = h.controller.Snapshot()
	if snapshot.Movement != MovementParked {
		t.Fatalf("movement = %v, expected parked", snapshot.Movement)
	}
	if snapshot.CurrentTrip != nil {
		t.Error("trip should be closed")
	}
	if snapshot.TripCounter != 1 {
		t.Errorf("trip counter = %d, expected 1", snapshot.TripCounter)
	}
	if h.store.tripCounter != 1 {
		t.Errorf("persisted trip counter = %d, expected 1", h.store.tripCounter)
	}

	stops := h.emitter.named(EventVehicleStoptMoving)
	if len(stops) != 1 {
		t.Fatalf("stop events = %d, expected 1", len(stops))
	}
	if got := stops[0].Tokens["distanceTraveled"]; got != 2000.0 {
		t.Errorf("distanceTraveled = %v, expected 2000", got)
	}
	if got := stops[0].Tokens["locationStop"]; got != "Main Street, Utrecht" {
		t.Errorf("locationStop = %v", got)
	}

	trips, _ := h.trips.Load(context.Background(), "VIN1")
	if len(trips) != 1 {
		t.Fatalf("persisted trips = %d, expected 1", len(trips))
	}
	if trips[0].Distance() != 2000 {
		t.Errorf("trip distance = %v, expected 2000", trips[0].Distance())
	}
}

func TestRepeatedSamplesAreIdempotent(t *testing.T) {
	h := newHarness(t)

	h.api.setShift("D")
	for i := 0; i < 3; i++ {
		h.clock.Advance(15 * time.Second)
		h.sample()
	}

	if got := len(h.emitter.named(EventVehicleStartMoving)); got != 1 {
		t.Errorf("start events = %d, expected 1", got)
	}

	snapshot := h.controller.Snapshot()
	if snapshot.CurrentTrip == nil {
		t.Fatal("expected one open trip")
	}

	h.api.setShift("P")
	for i := 0; i < 2; i++ {
		h.clock.Advance(15 * time.Second)
		h.sample()
	}

	if got := len(h.emitter.named(EventVehicleStoptMoving)); got != 1 {
		t.Errorf("stop events = %d, expected 1", got)
	}
}

func TestVehicleStateFetchGating(t *testing.T) {
	h := newHarness(t)

	// first sample always fetches the odometer
	h.sample()
	if h.api.vehicleCalls != 1 {
		t.Fatalf("vehicle state calls = %d, expected 1", h.api.vehicleCalls)
	}

	// parked samples skip it, the odometer carries forward
	h.api.setOdometerMeters(9999)
	h.sample()
	if h.api.vehicleCalls != 1 {
		t.Errorf("vehicle state calls = %d, expected still 1", h.api.vehicleCalls)
	}
	if got := h.controller.Snapshot().Location.OdometerMeters; got != 1000 {
		t.Errorf("odometer = %v, expected carried forward 1000", got)
	}

	// moving samples fetch it again
	h.api.setShift("D")
	h.sample()
	if h.api.vehicleCalls != 2 {
		t.Errorf("vehicle state calls = %d, expected 2", h.api.vehicleCalls)
	}
}

func TestSignificantMoveRateLimiting(t *testing.T) {
	h := newHarness(t)

	h.sample()

	h.api.setShift("D")
	h.clock.Advance(2 * time.Minute)
	h.api.setOdometerMeters(2000)
	h.sample()

	if got := len(h.emitter.named(EventVehicleMoved)); got != 1 {
		t.Fatalf("moved events = %d, expected 1", got)
	}

	// moved only 100m and 15s since the trigger, both below the thresholds
	h.clock.Advance(15 * time.Second)
	h.api.setOdometerMeters(2100)
	h.sample()

	if got := len(h.emitter.named(EventVehicleMoved)); got != 1 {
		t.Errorf("moved events = %d, expected still 1", got)
	}

	// both thresholds exceeded again
	h.clock.Advance(5 * time.Minute)
	h.api.setOdometerMeters(4000)
	h.sample()

	if got := len(h.emitter.named(EventVehicleMoved)); got != 2 {
		t.Errorf("moved events = %d, expected 2", got)
	}
}

func TestGeofenceFirstSampleSuppression(t *testing.T) {
	home := geofence.Geofence{
		ID:     "home",
		Name:   "Home",
		Type:   geofence.ShapeCircle,
		Circle: &geofence.Circle{Center: geofence.Point{Lat: 52.0, Lng: 5.0}, Radius: 50},
		Active: true,
		IsHome: true,
	}

	h := newHarness(t, home)

	// vehicle starts inside the fence, membership recorded but silent
	h.sample()

	snapshot := h.controller.Snapshot()
	if len(snapshot.ActiveGeofenceIDs) != 1 || snapshot.ActiveGeofenceIDs[0] != "home" {
		t.Fatalf("active geofences = %v, expected [home]", snapshot.ActiveGeofenceIDs)
	}
	if got := len(h.emitter.named(EventVehicleGeofenceEntered)); got != 0 {
		t.Errorf("entered events on first sample = %d, expected 0", got)
	}
	if got := h.sink.get("geofences"); got != "Home" {
		t.Errorf("geofences capability = %v, expected Home", got)
	}

	// 200m away, one left event
	h.clock.Advance(time.Minute)
	h.api.setPosition(52.0018, 5.0)
	h.sample()

	if got := len(h.emitter.named(EventVehicleGeofenceLeft)); got != 1 {
		t.Errorf("left events = %d, expected 1", got)
	}
	if got := h.sink.get("geofences"); got != "-" {
		t.Errorf("geofences capability = %v, expected -", got)
	}

	// back inside, now it announces
	h.clock.Advance(time.Minute)
	h.api.setPosition(52.0, 5.0)
	h.sample()

	if got := len(h.emitter.named(EventVehicleGeofenceEntered)); got != 1 {
		t.Errorf("entered events = %d, expected 1", got)
	}
}

func TestBackoffThreshold(t *testing.T) {
	h := newHarness(t)

	h.api.driveErr = &tesla.TransientError{Op: "drive_state", Err: context.DeadlineExceeded}

	for i := 0; i < 4; i++ {
		h.sample()
	}

	snapshot := h.controller.Snapshot()
	if !snapshot.Available {
		t.Fatal("vehicle must stay available below the threshold")
	}
	if snapshot.ConsecutiveErrors != 4 {
		t.Fatalf("consecutive errors = %d, expected 4", snapshot.ConsecutiveErrors)
	}

	// fifth error breaks the threshold
	h.sample()

	snapshot = h.controller.Snapshot()
	if snapshot.Available {
		t.Fatal("vehicle must be unavailable at the threshold")
	}
	if !strings.Contains(snapshot.UnavailableReason, "5 errors") {
		t.Errorf("reason = %q, expected error count", snapshot.UnavailableReason)
	}
	if !strings.Contains(snapshot.UnavailableReason, "300 seconds") {
		t.Errorf("reason = %q, expected backoff duration", snapshot.UnavailableReason)
	}
	if !h.controller.timers.retryPending() {
		t.Error("expected a pending retry timer")
	}

	// further errors count but never spawn a second transition
	reason := snapshot.UnavailableReason
	h.sample()

	snapshot = h.controller.Snapshot()
	if snapshot.ConsecutiveErrors != 6 {
		t.Errorf("consecutive errors = %d, expected 6", snapshot.ConsecutiveErrors)
	}
	if snapshot.UnavailableReason != reason {
		t.Errorf("reason changed while retry pending: %q", snapshot.UnavailableReason)
	}
}

func TestSuccessResetsErrorCounter(t *testing.T) {
	h := newHarness(t)

	h.api.driveErr = &tesla.TransientError{Op: "drive_state", Err: context.DeadlineExceeded}
	h.sample()
	h.sample()

	h.api.mu.Lock()
	h.api.driveErr = nil
	h.api.mu.Unlock()
	h.sample()

	snapshot := h.controller.Snapshot()
	if snapshot.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, expected 0", snapshot.ConsecutiveErrors)
	}
	if !snapshot.Available {
		t.Error("vehicle must never have become unavailable")
	}
	if h.controller.timers.retryPending() {
		t.Error("no retry timer expected")
	}
}

func TestAuthErrorBypassesCounter(t *testing.T) {
	h := newHarness(t)

	h.api.driveErr = &tesla.AuthError{Reason: "token revoked"}
	h.sample()

	snapshot := h.controller.Snapshot()
	if snapshot.Available {
		t.Fatal("auth failure must immediately mark the vehicle unavailable")
	}
	if !strings.Contains(snapshot.UnavailableReason, "account access") {
		t.Errorf("reason = %q, expected account access message", snapshot.UnavailableReason)
	}
	if snapshot.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, auth failures bypass the counter", snapshot.ConsecutiveErrors)
	}
	if !h.controller.timers.retryPending() {
		t.Error("expected a pending retry timer")
	}
}

func TestRetryProbeRestoresAvailability(t *testing.T) {
	h := newHarness(t)

	h.api.driveErr = &tesla.TransientError{Op: "drive_state", Err: context.DeadlineExceeded}
	for i := 0; i < 5; i++ {
		h.sample()
	}
	if h.controller.Snapshot().Available {
		t.Fatal("expected unavailable")
	}

	h.api.mu.Lock()
	h.api.driveErr = nil
	h.api.mu.Unlock()

	h.controller.retryProbe()

	snapshot := h.controller.Snapshot()
	if !snapshot.Available {
		t.Error("retry probe must restore availability")
	}
	if snapshot.ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors = %d, expected 0", snapshot.ConsecutiveErrors)
	}
}

func TestArmIsNoopWhileUnavailable(t *testing.T) {
	h := newHarness(t)

	h.api.driveErr = &tesla.AuthError{Reason: "token revoked"}
	h.sample()

	h.api.mu.Lock()
	h.api.driveErr = nil
	before := h.api.driveCalls + h.api.chargeCalls
	h.api.mu.Unlock()

	h.controller.Arm()

	h.api.mu.Lock()
	after := h.api.driveCalls + h.api.chargeCalls
	h.api.mu.Unlock()

	if after != before {
		t.Errorf("Arm fetched %d times while unavailable", after-before)
	}
}

func TestSettingsChangeDuringBackoffKeepsRetry(t *testing.T) {
	h := newHarness(t)
	h.controller.rearmDelay = 5 * time.Millisecond

	h.api.driveErr = &tesla.TransientError{Op: "drive_state", Err: context.DeadlineExceeded}
	for i := 0; i < 5; i++ {
		h.sample()
	}
	if !h.controller.timers.retryPending() {
		t.Fatal("expected a pending retry timer")
	}

	// a settings update lands while the vehicle is in backoff
	h.controller.UpdateTracking(settings.DefaultTracking())
	time.Sleep(50 * time.Millisecond) // let the debounced re-arm fire

	snapshot := h.controller.Snapshot()
	if snapshot.Available {
		t.Fatal("vehicle must stay unavailable until the retry probe fires")
	}
	if !h.controller.timers.retryPending() {
		t.Fatal("re-arm during backoff must leave the retry probe pending")
	}

	// the probe must still recover the vehicle afterwards
	h.api.mu.Lock()
	h.api.driveErr = nil
	h.api.mu.Unlock()

	h.controller.retryProbe()
	if !h.controller.Snapshot().Available {
		t.Error("retry probe must restore availability")
	}
}

func TestArmAfterTeardownDoesNotRearm(t *testing.T) {
	h := newHarness(t)

	h.controller.Teardown()

	// stand-ins for timer callbacks already in flight when Teardown ran
	h.controller.Arm()
	h.controller.retryProbe()

	h.api.mu.Lock()
	calls := h.api.driveCalls + h.api.chargeCalls
	h.api.mu.Unlock()
	if calls != 0 {
		t.Errorf("fetched %d times after teardown", calls)
	}

	h.controller.timers.mu.Lock()
	defer h.controller.timers.mu.Unlock()
	if h.controller.timers.location != nil || h.controller.timers.battery != nil || h.controller.timers.retry != nil {
		t.Error("no timers may be armed after teardown")
	}
}

func TestTripHistoryDisabledStillTracksCurrentTrip(t *testing.T) {
	h := newHarness(t)
	h.controller.mu.Lock()
	h.controller.tracking.TripTracking = false
	h.controller.mu.Unlock()

	h.sample()
	h.api.setShift("D")
	h.clock.Advance(time.Minute)
	h.sample()

	if h.controller.Snapshot().CurrentTrip == nil {
		t.Fatal("current trip must be tracked in memory")
	}

	h.api.setShift("P")
	h.api.setOdometerMeters(5000)
	h.clock.Advance(time.Minute)
	h.sample()

	if got := len(h.emitter.named(EventVehicleStoptMoving)); got != 1 {
		t.Errorf("stop events = %d, expected 1", got)
	}
	if h.store.tripCounter != 1 {
		t.Errorf("trip counter = %d, expected 1", h.store.tripCounter)
	}

	trips, _ := h.trips.Load(context.Background(), "VIN1")
	if len(trips) != 0 {
		t.Errorf("persisted trips = %d, expected none", len(trips))
	}
}

func TestBatterySample(t *testing.T) {
	h := newHarness(t)

	h.controller.trackBattery()

	snapshot := h.controller.Snapshot()
	if snapshot.BatteryLevel == nil || *snapshot.BatteryLevel != 80 {
		t.Errorf("battery level = %v, expected 80", snapshot.BatteryLevel)
	}
	if got := h.sink.get("measure_battery"); got != 80 {
		t.Errorf("measure_battery capability = %v, expected 80", got)
	}
}

func TestStartResolvesVehicleID(t *testing.T) {
	h := newHarness(t)

	if err := h.controller.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.controller.Teardown()

	if h.store.vehicleID != "1001" {
		t.Errorf("persisted vehicle id = %q, expected 1001", h.store.vehicleID)
	}
	if got := h.controller.Snapshot().VehicleID; got != "1001" {
		t.Errorf("vehicle id = %q, expected 1001", got)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.controller.Arm()
	h.controller.Teardown()
	h.controller.Teardown()

	h.controller.timers.mu.Lock()
	defer h.controller.timers.mu.Unlock()
	if h.controller.timers.location != nil || h.controller.timers.battery != nil || h.controller.timers.retry != nil {
		t.Error("timers must all be cancelled after teardown")
	}
}
