package tracker

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/evtrack/evtrack/pkg/geofence"
	"github.com/evtrack/evtrack/pkg/settings"
)

// Coordinator owns the controller registry. It is the only place controllers
// are created & destroyed, and it fans geofence updates out to all of them.
type Coordinator struct {
	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		controllers: map[string]*Controller{},
	}
}

func (c *Coordinator) Add(controller *Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing := c.controllers[controller.Key()]; existing != nil {
		existing.Teardown()
	}

	c.controllers[controller.Key()] = controller
}

// Remove tears the controller down and drops it from the registry.
func (c *Coordinator) Remove(key string) {
	c.mu.Lock()
	controller := c.controllers[key]
	delete(c.controllers, key)
	c.mu.Unlock()

	if controller != nil {
		controller.Teardown()
	}
}

func (c *Coordinator) Get(key string) *Controller {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.controllers[key]
}

func (c *Coordinator) List() []*Controller {
	c.mu.Lock()
	defer c.mu.Unlock()

	controllers := make([]*Controller, 0, len(c.controllers))
	for _, controller := range c.controllers {
		controllers = append(controllers, controller)
	}

	return controllers
}

// Run starts every registered controller in parallel and then watches for
// geofence configuration changes until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var startGroup conc.WaitGroup
	for _, controller := range c.List() {
		controller := controller
		startGroup.Go(func() {
			if err := controller.Start(ctx); err != nil {
				log.Error().Err(err).Str("vehicle", controller.Key()).Msg("Failed to start controller")
			}
		})
	}
	startGroup.Wait()

	var watchGroup conc.WaitGroup
	watchGroup.Go(func() {
		settings.WatchGeofences(ctx, func(geofences []geofence.Geofence) {
			log.Info().Int("geofences", len(geofences)).Msg("Geofence configuration updated")
			for _, controller := range c.List() {
				controller.SetGeofences(geofences)
			}
		})
	})
	watchGroup.Go(func() {
		settings.WatchTracking(ctx, func(vehicleKey string) {
			controller := c.Get(vehicleKey)
			if controller == nil {
				return
			}

			store := &settings.VehicleStore{Key: vehicleKey}
			tracking, err := store.GetTracking(ctx)
			if err != nil {
				log.Error().Err(err).Str("vehicle", vehicleKey).Msg("Failed to reload tracking settings")
				return
			}

			log.Info().Str("vehicle", vehicleKey).Msg("Tracking settings updated")
			controller.UpdateTracking(tracking)
		})
	})
	watchGroup.Wait()

	for _, controller := range c.List() {
		controller.Teardown()
	}
}
