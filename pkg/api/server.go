package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/evtrack/evtrack/pkg/api/routes"
)

func SetupServer(listen string) error {
	webApp := fiber.New()
	webApp.Use(NewLogger())

	webApp.Get("/health", routes.Health)

	routes.VehiclesRouter(webApp.Group("/vehicles"))
	routes.GeofencesRouter(webApp.Group("/geofences"))

	return webApp.Listen(listen)
}
