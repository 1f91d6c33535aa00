package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/evtrack/evtrack/pkg/geo"
	"github.com/evtrack/evtrack/pkg/geofence"
	"github.com/evtrack/evtrack/pkg/settings"
	"github.com/evtrack/evtrack/pkg/tesla"
	"github.com/evtrack/evtrack/pkg/util"
)

const defaultRearmDelay = 1 * time.Second

// TelemetryAPI is the slice of the vehicle API the controller polls.
type TelemetryAPI interface {
	ValidateGrant() error
	GetVehicles() ([]tesla.Vehicle, error)
	GetVehicleIDByVIN(vin string) (string, error)
	GetDriveState(vehicleID string) (*tesla.DriveState, error)
	GetVehicleState(vehicleID string) (*tesla.VehicleState, error)
	GetChargeState(vehicleID string) (*tesla.ChargeState, error)
	GetClimateState(vehicleID string) (*tesla.ClimateState, error)
	GetGuiSettings(vehicleID string) (*tesla.GuiSettings, error)
	GetMobileAccess(vehicleID string) (bool, error)
}

// SettingsStore persists the durable per-vehicle fields across restarts.
type SettingsStore interface {
	GetVehicleID(ctx context.Context) (string, error)
	SetVehicleID(ctx context.Context, vehicleID string) error
	GetTripCounter(ctx context.Context) (int, error)
	SetTripCounter(ctx context.Context, counter int) error
	GetTracking(ctx context.Context) (settings.Tracking, error)
}

type ControllerOptions struct {
	Key  string // stable external identifier, the VIN
	Name string

	// VehicleID presets the telemetry api identifier, skipping resolution
	// in Start. Mostly useful for diagnostics.
	VehicleID string

	API          TelemetryAPI
	Store        SettingsStore
	Trips        TripStore
	Emitter      EventEmitter
	Capabilities CapabilitySink

	Geofences []geofence.Geofence

	// RearmDelay debounces scheduler re-arms after settings & movement
	// changes, defaults to one second.
	RearmDelay time.Duration

	Now func() time.Time
}

// Controller owns the full tracking state of one vehicle. Vehicles never
// share a controller, geofence configuration is the only shared input.
type Controller struct {
	key  string
	name string

	api          TelemetryAPI
	store        SettingsStore
	trips        TripStore
	emitter      EventEmitter
	capabilities CapabilitySink

	rearmDelay time.Duration
	now        func() time.Time

	timers timerSet

	mu               sync.Mutex
	state            VehicleState
	tracking         settings.Tracking
	geofences        []geofence.Geofence
	locationInFlight bool
	batteryInFlight  bool
	rearmTimer       *time.Timer
	torndown         bool
}

func NewController(options ControllerOptions) *Controller {
	rearmDelay := options.RearmDelay
	if rearmDelay == 0 {
		rearmDelay = defaultRearmDelay
	}

	nowFunc := options.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Controller{
		key:  options.Key,
		name: options.Name,

		api:          options.API,
		store:        options.Store,
		trips:        options.Trips,
		emitter:      options.Emitter,
		capabilities: options.Capabilities,

		rearmDelay: rearmDelay,
		now:        nowFunc,

		geofences: options.Geofences,
		tracking:  settings.DefaultTracking(),

		state: VehicleState{
			Key:       options.Key,
			VehicleID: options.VehicleID,
			Name:      options.Name,
			Movement:  MovementUnknown,
			Available: true,
		},
	}
}

// Start loads the persisted fields, resolves the telemetry vehicle id and
// arms the polling timers.
func (c *Controller) Start(ctx context.Context) error {
	tracking, err := c.store.GetTracking(ctx)
	if err != nil {
		log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to load tracking settings, using defaults")
	}

	tripCounter, err := c.store.GetTripCounter(ctx)
	if err != nil {
		log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to load trip counter")
	}

	c.mu.Lock()
	c.tracking = tracking
	c.state.TripCounter = tripCounter
	c.mu.Unlock()

	vehicleID, err := c.api.GetVehicleIDByVIN(c.key)
	if err != nil {
		// fall back to the id persisted by a previous run
		log.Warn().Err(err).Str("vehicle", c.key).Msg("Failed to resolve vehicle id, trying stored value")

		vehicleID, err = c.store.GetVehicleID(ctx)
		if err != nil {
			return err
		}
		if vehicleID == "" {
			return fmt.Errorf("no vehicle id available for %s", c.key)
		}
	} else {
		if err := c.store.SetVehicleID(ctx, vehicleID); err != nil {
			log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to persist vehicle id")
		}
	}

	c.mu.Lock()
	c.state.VehicleID = vehicleID
	c.mu.Unlock()

	log.Info().Str("vehicle", c.key).Str("vehicleId", vehicleID).Msg("Controller started")

	c.Arm()

	return nil
}

// Arm cancels the pending polling timers, performs one immediate battery and
// location fetch, then re-arms both timers from the current settings &
// movement state. It is a no-op while the vehicle is unavailable or torn
// down, leaving a pending retry probe untouched so the vehicle can still
// recover.
func (c *Controller) Arm() {
	c.mu.Lock()
	available := c.state.Available
	torndown := c.torndown
	c.mu.Unlock()

	if torndown || !available {
		return
	}

	c.timers.cancelRetry()
	c.timers.cancelLocation()
	c.timers.cancelBattery()

	c.trackBattery()
	c.trackLocation(false)

	c.mu.Lock()
	tracking := c.tracking
	moving := c.state.Movement == MovementMoving
	c.mu.Unlock()

	var locationPeriod time.Duration
	if tracking.LocationPolling {
		if moving {
			locationPeriod = time.Duration(tracking.LocationIntervalDriving) * time.Second
		} else {
			locationPeriod = time.Duration(tracking.LocationIntervalParked) * time.Second
		}
	}

	var batteryPeriod time.Duration
	if tracking.BatteryPolling {
		batteryPeriod = time.Duration(tracking.BatteryInterval) * time.Minute
	}

	log.Debug().Str("vehicle", c.key).Dur("location", locationPeriod).Dur("battery", batteryPeriod).Msg("Polling timers armed")

	c.timers.armLocation(locationPeriod, func() { c.trackLocation(true) })
	c.timers.armBattery(batteryPeriod, c.trackBattery)
}

func (c *Controller) trackBattery() {
	c.mu.Lock()
	if c.batteryInFlight {
		c.mu.Unlock()
		return
	}
	c.batteryInFlight = true
	vehicleID := c.state.VehicleID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.batteryInFlight = false
		c.mu.Unlock()
	}()

	chargeState, err := c.api.GetChargeState(vehicleID)
	if err != nil {
		c.onAPIError(err)
		return
	}

	level := chargeState.BatteryLevel

	c.mu.Lock()
	c.state.BatteryLevel = &level
	c.state.LastUpdateAt = c.now()
	c.mu.Unlock()

	c.onAPISuccess()
	c.publish("measure_battery", level)
}

func (c *Controller) trackLocation(rescheduleOnChange bool) {
	c.mu.Lock()
	if c.locationInFlight {
		c.mu.Unlock()
		return
	}
	c.locationInFlight = true
	vehicleID := c.state.VehicleID
	wasMoving := c.state.Movement
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.locationInFlight = false
		c.mu.Unlock()
	}()

	driveState, err := c.api.GetDriveState(vehicleID)
	if err != nil {
		c.onAPIError(err)
		return
	}

	isMoving := movementFromShiftState(driveState.ShiftState)

	// The odometer is only worth a second API call when the vehicle is or
	// was recently moving, or nothing was sampled yet.
	var vehicleState *tesla.VehicleState
	if isMoving == MovementMoving || wasMoving == MovementMoving || wasMoving == MovementUnknown {
		vehicleState, err = c.api.GetVehicleState(vehicleID)
		if err != nil {
			c.onAPIError(err)
			return
		}
	}

	now := c.now()

	c.mu.Lock()
	previousLocation := c.state.Location

	newOdometer := previousLocation.OdometerMeters
	if vehicleState != nil {
		newOdometer = vehicleState.Odometer * milesToMeters
	}

	newLocation := Location{
		Latitude:       driveState.Latitude,
		Longitude:      driveState.Longitude,
		Place:          driveState.Place,
		City:           driveState.City,
		OdometerMeters: newOdometer,
	}

	// A trip cannot start from an unknown origin, seed it with the first
	// sample.
	if wasMoving == MovementUnknown {
		previousLocation = newLocation
	}

	c.state.Location = newLocation
	c.state.Movement = isMoving
	c.state.LastUpdateAt = now

	distanceMoved := util.FormatValue(newOdometer - previousLocation.OdometerMeters)
	distanceMovedSinceTrigger := util.FormatValue(newOdometer - c.state.LastSignificantMoveOdometer)
	timeSinceTrigger := now.Sub(c.state.LastSignificantMoveAt)

	tracking := c.tracking
	geofences := c.geofences

	distanceTraveled := 0.0
	if c.state.CurrentTrip != nil && newOdometer > 0 {
		distanceTraveled = util.FormatValue(newOdometer - c.state.CurrentTrip.Start.OdometerMeters)
	}
	c.mu.Unlock()

	c.onAPISuccess()

	c.publish("location_human", newLocation.Description())
	c.publish("moving", isMoving == MovementMoving)

	homeDistance := c.homeDistance(newLocation, geofences)
	c.publish("distance", util.FormatDistance(homeDistance))
	c.publish("distance_nr", util.FormatValue(homeDistance))

	c.updateGeofences(newLocation, geofences, wasMoving == MovementUnknown)
	c.publishSnapshot()

	if (isMoving == MovementMoving || wasMoving == MovementMoving) &&
		distanceMovedSinceTrigger > tracking.RetriggerRestrictDistance &&
		timeSinceTrigger > time.Duration(tracking.RetriggerRestrictTime)*time.Second {
		c.emit(EventVehicleMoved, map[string]interface{}{
			"distanceMoved":    distanceMovedSinceTrigger,
			"distanceTraveled": distanceTraveled,
		})

		c.mu.Lock()
		c.state.LastSignificantMoveOdometer = newOdometer
		c.state.LastSignificantMoveAt = now
		c.mu.Unlock()
	}

	if isMoving != wasMoving {
		switch {
		case isMoving == MovementMoving:
			c.openTrip(previousLocation, now, distanceMoved)
		case wasMoving == MovementMoving:
			c.closeTrip(newLocation, now, distanceMoved)
		}

		if wasMoving != MovementUnknown && rescheduleOnChange {
			c.scheduleRearm()
		}
	}
}

func (c *Controller) openTrip(start Location, now time.Time, distanceMoved float64) {
	c.emit(EventVehicleStartMoving, map[string]interface{}{
		"distanceMoved": distanceMoved,
	})

	c.mu.Lock()
	c.state.CurrentTrip = &Trip{
		SequenceID: c.state.TripCounter + 1,
		Start:      TripPoint{Location: start, Time: now},
	}
	c.mu.Unlock()

	log.Info().Str("vehicle", c.key).Msg("Vehicle started moving")
}

func (c *Controller) closeTrip(end Location, now time.Time, distanceMoved float64) {
	c.mu.Lock()
	trip := c.state.CurrentTrip
	if trip == nil {
		c.mu.Unlock()
		return
	}

	trip.End = &TripPoint{Location: end, Time: now}
	c.state.CurrentTrip = nil
	c.state.TripCounter++

	counter := c.state.TripCounter
	tripTracking := c.tracking.TripTracking
	closed := *trip
	c.mu.Unlock()

	c.emit(EventVehicleStoptMoving, map[string]interface{}{
		"distanceMoved":    distanceMoved,
		"distanceTraveled": closed.Distance(),
		"locationStart":    closed.Start.Description(),
		"locationStop":     closed.End.Description(),
	})

	if err := c.store.SetTripCounter(context.Background(), counter); err != nil {
		log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to persist trip counter")
	}

	// currentTrip is tracked in memory either way, persistence is what the
	// setting disables
	if tripTracking {
		if err := c.trips.Append(context.Background(), c.key, closed); err != nil {
			log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to persist trip")
		}
	}

	log.Info().Str("vehicle", c.key).Float64("distance", closed.Distance()).Msg("Vehicle stopped moving")
}

// updateGeofences recomputes membership and emits one entered/left event per
// geofence transition. The very first sample records membership without
// announcing it.
func (c *Controller) updateGeofences(location Location, geofences []geofence.Geofence, firstSample bool) {
	matched := geofence.Match(location.Latitude, location.Longitude, geofences)

	c.mu.Lock()
	previous := c.state.ActiveGeofenceIDs
	c.state.ActiveGeofenceIDs = matched
	c.mu.Unlock()

	c.publish("geofences", geofenceNames(matched, geofences))

	if firstSample {
		return
	}

	for _, id := range matched {
		if !slices.Contains(previous, id) {
			c.emit(EventVehicleGeofenceEntered, map[string]interface{}{"geofenceId": id})
		}
	}
	for _, id := range previous {
		if !slices.Contains(matched, id) {
			c.emit(EventVehicleGeofenceLeft, map[string]interface{}{"geofenceId": id})
		}
	}
}

func geofenceNames(ids []string, geofences []geofence.Geofence) string {
	if len(ids) == 0 {
		return "-"
	}

	var names []string
	for _, fence := range geofences {
		if slices.Contains(ids, fence.ID) {
			names = append(names, fence.Name)
		}
	}
	slices.Sort(names)

	result := ""
	for i, name := range names {
		if i > 0 {
			result += ", "
		}
		result += name
	}

	return result
}

func (c *Controller) homeDistance(location Location, geofences []geofence.Geofence) float64 {
	for _, fence := range geofences {
		if fence.IsHome && fence.Circle != nil {
			distance := geo.Distance(location.Latitude, location.Longitude, fence.Circle.Center.Lat, fence.Circle.Center.Lng)
			if distance < 1 {
				return 0
			}
			return distance
		}
	}

	return 0
}

func (c *Controller) onAPIError(err error) {
	if tesla.IsAuthError(err) {
		log.Warn().Err(err).Str("vehicle", c.key).Msg("Vehicle account access rejected")

		c.mu.Lock()
		c.state.Available = false
		c.state.UnavailableReason = "Vehicle account access rejected. Re-enter the account credentials."
		retryInterval := time.Duration(c.tracking.RetryInterval) * time.Second
		c.mu.Unlock()

		c.timers.cancelLocation()
		c.timers.cancelBattery()
		c.timers.armRetry(retryInterval, c.retryProbe)

		return
	}

	c.mu.Lock()
	c.state.ConsecutiveErrors++
	count := c.state.ConsecutiveErrors
	threshold := c.tracking.ErrorThreshold
	retryInterval := time.Duration(c.tracking.RetryInterval) * time.Second
	c.mu.Unlock()

	log.Info().Err(err).Str("vehicle", c.key).Int("count", count).Int("threshold", threshold).Msg("Telemetry call failed")

	if c.timers.retryPending() {
		return
	}
	if count < threshold {
		return
	}

	c.mu.Lock()
	c.state.Available = false
	c.state.UnavailableReason = fmt.Sprintf("Counted %d errors on api calls to vehicle. Timeout for %.0f seconds.", count, retryInterval.Seconds())
	c.mu.Unlock()

	log.Error().Str("vehicle", c.key).Dur("backoff", retryInterval).Msg("Error counter broke threshold, backing off")

	c.timers.cancelLocation()
	c.timers.cancelBattery()
	c.timers.armRetry(retryInterval, c.retryProbe)
}

// retryProbe fires once per backoff, restores availability and issues a
// fresh arm as the single probe.
func (c *Controller) retryProbe() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.state.Available = true
	c.state.UnavailableReason = ""
	c.state.ConsecutiveErrors = 0
	c.mu.Unlock()

	log.Info().Str("vehicle", c.key).Msg("Restart tracking after backoff")

	c.Arm()
}

func (c *Controller) onAPISuccess() {
	c.mu.Lock()
	c.state.ConsecutiveErrors = 0

	restored := false
	if !c.state.Available {
		c.state.Available = true
		c.state.UnavailableReason = ""
		restored = true
	}
	c.mu.Unlock()

	if restored {
		c.scheduleRearm()
	}
}

// scheduleRearm debounces Arm so a burst of settings changes or a movement
// transition only re-arms once.
func (c *Controller) scheduleRearm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torndown {
		return
	}
	if c.rearmTimer != nil {
		c.rearmTimer.Stop()
	}
	c.rearmTimer = time.AfterFunc(c.rearmDelay, c.Arm)
}

// UpdateTracking applies new polling settings, taking effect on the next
// debounced re-arm.
func (c *Controller) UpdateTracking(tracking settings.Tracking) {
	c.mu.Lock()
	c.tracking = tracking
	c.mu.Unlock()

	c.scheduleRearm()
}

// SetGeofences swaps the geofence configuration. Membership is recomputed on
// the next location sample rather than immediately.
func (c *Controller) SetGeofences(geofences []geofence.Geofence) {
	c.mu.Lock()
	c.geofences = geofences
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the vehicle state for query surfaces.
func (c *Controller) Snapshot() VehicleState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snapshot VehicleState
	copier.CopyWithOption(&snapshot, &c.state, copier.Option{DeepCopy: true})

	return snapshot
}

// publishSnapshot pushes the basic projection of the vehicle state so query
// surfaces in other processes can read it without touching the controller.
func (c *Controller) publishSnapshot() {
	snapshot := c.Snapshot()

	reduced, err := sheriff.Marshal(&sheriff.Options{
		Groups: []string{"basic"},
	}, &snapshot)
	if err != nil {
		log.Error().Err(err).Str("vehicle", c.key).Msg("Failed to reduce snapshot")
		return
	}

	c.publish("snapshot", reduced)
}

func (c *Controller) Key() string {
	return c.key
}

// Teardown cancels every pending timer. Safe to call more than once.
func (c *Controller) Teardown() {
	c.mu.Lock()
	c.torndown = true
	if c.rearmTimer != nil {
		c.rearmTimer.Stop()
		c.rearmTimer = nil
	}
	c.mu.Unlock()

	c.timers.cancelAll()
}

type TestResult struct {
	Call  string
	OK    bool
	Error string
}

// TestSequence exercises every telemetry call in order, tolerating failures
// so a partially working account still shows which calls succeed.
func (c *Controller) TestSequence() []TestResult {
	c.mu.Lock()
	vehicleID := c.state.VehicleID
	c.mu.Unlock()

	var results []TestResult
	run := func(call string, fn func() error) {
		err := fn()
		if err != nil {
			log.Error().Err(err).Str("vehicle", c.key).Str("call", call).Msg("Test call failed")
			results = append(results, TestResult{Call: call, Error: err.Error()})
			return
		}

		log.Info().Str("vehicle", c.key).Str("call", call).Msg("Test call ok")
		results = append(results, TestResult{Call: call, OK: true})
	}

	run("validateGrant", c.api.ValidateGrant)
	run("getVehicles", func() error { _, err := c.api.GetVehicles(); return err })
	run("getVehicleState", func() error { _, err := c.api.GetVehicleState(vehicleID); return err })
	run("getDriveState", func() error { _, err := c.api.GetDriveState(vehicleID); return err })
	run("getClimateState", func() error { _, err := c.api.GetClimateState(vehicleID); return err })
	run("getGuiSettings", func() error { _, err := c.api.GetGuiSettings(vehicleID); return err })
	run("getChargeState", func() error { _, err := c.api.GetChargeState(vehicleID); return err })
	run("getMobileAccess", func() error { _, err := c.api.GetMobileAccess(vehicleID); return err })

	return results
}

func (c *Controller) emit(event string, tokens map[string]interface{}) {
	if c.emitter == nil {
		return
	}

	c.emitter.Emit(FlowEvent{
		Event:            event,
		VehicleKey:       c.key,
		CreationDateTime: c.now(),
		Tokens:           tokens,
	})
}

func (c *Controller) publish(capability string, value interface{}) {
	if c.capabilities == nil {
		return
	}

	c.capabilities.Publish(c.key, capability, value)
}
