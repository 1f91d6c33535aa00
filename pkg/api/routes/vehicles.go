package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/evtrack/evtrack/pkg/redis_client"
	"github.com/evtrack/evtrack/pkg/settings"
	"github.com/evtrack/evtrack/pkg/tracker"
	"github.com/evtrack/evtrack/pkg/util"
)

func VehiclesRouter(router fiber.Router) {
	router.Get("/", listVehicles)
	router.Get("/:vin", getVehicle)
	router.Get("/:vin/trips", getVehicleTrips)
	router.Get("/:vin/settings", getVehicleSettings)
	router.Put("/:vin/settings", updateVehicleSettings)
	router.Post("/:vin/test-api", testVehicleAPI)
}

func configuredVINs() []string {
	env := util.GetEnvironmentVariables()

	var vins []string
	for _, vin := range strings.Split(env["EVTRACK_TESLA_VINS"], ",") {
		if vin = strings.TrimSpace(vin); vin != "" {
			vins = append(vins, vin)
		}
	}

	return vins
}

func vehicleSnapshot(ctx context.Context, vin string) (json.RawMessage, error) {
	value, err := redis_client.Client.HGet(ctx, fmt.Sprintf("evtrack:capabilities:%s", vin), "snapshot").Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return json.RawMessage(value), nil
}

func listVehicles(c *fiber.Ctx) error {
	vehicles := []fiber.Map{}

	for _, vin := range configuredVINs() {
		snapshot, err := vehicleSnapshot(c.Context(), vin)
		if err != nil {
			log.Error().Err(err).Str("vehicle", vin).Msg("Failed to read snapshot")
			continue
		}

		vehicles = append(vehicles, fiber.Map{
			"vin":      vin,
			"snapshot": snapshot,
		})
	}

	return c.JSON(vehicles)
}

func getVehicle(c *fiber.Ctx) error {
	vin := c.Params("vin")

	capabilities, err := redis_client.Client.HGetAll(c.Context(), fmt.Sprintf("evtrack:capabilities:%s", vin)).Result()
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to read vehicle capabilities",
		})
	}
	if len(capabilities) == 0 {
		c.SendStatus(fiber.StatusNotFound)
		return c.JSON(fiber.Map{
			"error": "Vehicle not found",
		})
	}

	decoded := fiber.Map{}
	for capability, value := range capabilities {
		decoded[capability] = json.RawMessage(value)
	}

	store := &settings.VehicleStore{Key: vin}
	tripCounter, _ := store.GetTripCounter(c.Context())

	return c.JSON(fiber.Map{
		"vin":          vin,
		"capabilities": decoded,
		"tripCounter":  tripCounter,
	})
}

func getVehicleTrips(c *fiber.Ctx) error {
	vin := c.Params("vin")

	tripStore := &tracker.MongoTripStore{}
	trips, err := tripStore.Load(c.Context(), vin)
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to load trips",
		})
	}

	tripsReduced, err := sheriff.Marshal(&sheriff.Options{
		Groups: []string{"basic"},
	}, trips)
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Sherrif could not reduce trips",
		})
	}

	return c.JSON(tripsReduced)
}

func getVehicleSettings(c *fiber.Ctx) error {
	store := &settings.VehicleStore{Key: c.Params("vin")}

	tracking, err := store.GetTracking(c.Context())
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to load tracking settings",
		})
	}

	return c.JSON(tracking)
}

// updateVehicleSettings stores new tracking settings. The running tracker
// picks the change up over pub/sub and re-arms its timers.
func updateVehicleSettings(c *fiber.Ctx) error {
	tracking := settings.DefaultTracking()
	if err := c.BodyParser(&tracking); err != nil {
		c.SendStatus(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"error": "Body must be a tracking settings object",
		})
	}

	store := &settings.VehicleStore{Key: c.Params("vin")}
	if err := store.SetTracking(c.Context(), tracking); err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to store tracking settings",
		})
	}

	return c.JSON(tracking)
}

// testVehicleAPI runs the diagnostics sequence synchronously against the
// vendor api and reports per-call results.
func testVehicleAPI(c *fiber.Ctx) error {
	vin := c.Params("vin")

	store := &settings.VehicleStore{Key: vin}
	client, err := tracker.SetupTelemetryClient(store)
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to setup telemetry client",
		})
	}

	vehicleID, err := client.GetVehicleIDByVIN(vin)
	if err != nil {
		vehicleID, _ = store.GetVehicleID(c.Context())
	}

	controller := tracker.NewController(tracker.ControllerOptions{
		Key:       vin,
		VehicleID: vehicleID,
		API:       client,
		Store:     store,
		Trips:     tracker.NewMemoryTripStore(),
	})

	return c.JSON(controller.TestSequence())
}
