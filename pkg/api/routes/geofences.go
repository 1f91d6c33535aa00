package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/evtrack/evtrack/pkg/geofence"
	"github.com/evtrack/evtrack/pkg/settings"
)

func GeofencesRouter(router fiber.Router) {
	router.Get("/", listGeofences)
	router.Put("/", updateGeofences)
}

func listGeofences(c *fiber.Ctx) error {
	geofences, err := settings.GetGeofences(c.Context())
	if err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to load geofences",
		})
	}
	if geofences == nil {
		geofences = []geofence.Geofence{}
	}

	return c.JSON(geofences)
}

// updateGeofences replaces the full geofence list. Running trackers pick the
// change up over pub/sub.
func updateGeofences(c *fiber.Ctx) error {
	var geofences []geofence.Geofence
	if err := c.BodyParser(&geofences); err != nil {
		c.SendStatus(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"error": "Body must be a geofence array",
		})
	}

	if err := settings.SetGeofences(c.Context(), geofences); err != nil {
		c.SendStatus(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Failed to store geofences",
		})
	}

	return c.JSON(fiber.Map{
		"updated": len(geofences),
	})
}
