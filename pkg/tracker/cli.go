package tracker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/evtrack/evtrack/pkg/database"
	"github.com/evtrack/evtrack/pkg/elastic_client"
	"github.com/evtrack/evtrack/pkg/geocode"
	"github.com/evtrack/evtrack/pkg/redis_client"
	"github.com/evtrack/evtrack/pkg/settings"
	"github.com/evtrack/evtrack/pkg/tesla"
	"github.com/evtrack/evtrack/pkg/util"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "tracker",
		Usage: "Track vehicle movement, trips & geofences from the telemetry api",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run tracking controllers for the configured vehicles",
				Action: func(c *cli.Context) error {
					if err := database.Connect(); err != nil {
						return err
					}
					if err := elastic_client.Connect(false); err != nil {
						return err
					}
					if err := redis_client.Connect(); err != nil {
						return err
					}

					emitter, err := NewQueueEmitter()
					if err != nil {
						return err
					}

					coordinator, err := setupCoordinator(emitter)
					if err != nil {
						return err
					}

					ctx, cancel := context.WithCancel(context.Background())
					go coordinator.Run(ctx)

					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT)
					defer signal.Stop(signals)

					<-signals // wait for signal
					cancel()
					go func() {
						<-signals // hard exit on second signal (in case shutdown gets stuck)
						os.Exit(1)
					}()

					elastic_client.WaitUntilQueueEmpty()

					return nil
				},
			},
			{
				Name:  "test-api",
				Usage: "exercise every telemetry call for one vehicle",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "vin",
						Usage:    "VIN of the vehicle to test",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := redis_client.Connect(); err != nil {
						return err
					}

					vin := c.String("vin")

					store := &settings.VehicleStore{Key: vin}
					client, err := SetupTelemetryClient(store)
					if err != nil {
						return err
					}

					vehicleID, err := client.GetVehicleIDByVIN(vin)
					if err != nil {
						log.Warn().Err(err).Msg("Failed to resolve vehicle id, trying stored value")
						vehicleID, _ = store.GetVehicleID(context.Background())
					}

					controller := NewController(ControllerOptions{
						Key:       vin,
						VehicleID: vehicleID,
						API:       client,
						Store:     store,
						Trips:     NewMemoryTripStore(),
					})

					pretty.Println(controller.TestSequence())

					return nil
				},
			},
		},
	}
}

func setupCoordinator(emitter EventEmitter) (*Coordinator, error) {
	env := util.GetEnvironmentVariables()
	ctx := context.Background()

	vins := []string{}
	for _, vin := range strings.Split(env["EVTRACK_TESLA_VINS"], ",") {
		if vin = strings.TrimSpace(vin); vin != "" {
			vins = append(vins, vin)
		}
	}
	if len(vins) == 0 {
		return nil, errors.New("EVTRACK_TESLA_VINS not set")
	}

	if latitude, err := strconv.ParseFloat(env["EVTRACK_HOME_LATITUDE"], 64); err == nil {
		longitude, _ := strconv.ParseFloat(env["EVTRACK_HOME_LONGITUDE"], 64)
		if err := settings.EnsureDefaultGeofence(ctx, latitude, longitude); err != nil {
			return nil, err
		}
	}

	geofences, err := settings.GetGeofences(ctx)
	if err != nil {
		return nil, err
	}

	coordinator := NewCoordinator()
	tripStore := &MongoTripStore{}
	capabilities := &RedisCapabilityPublisher{}

	for _, vin := range vins {
		store := &settings.VehicleStore{Key: vin}

		client, err := SetupTelemetryClient(store)
		if err != nil {
			return nil, err
		}

		coordinator.Add(NewController(ControllerOptions{
			Key:          vin,
			Name:         vin,
			API:          client,
			Store:        store,
			Trips:        tripStore,
			Emitter:      emitter,
			Capabilities: capabilities,
			Geofences:    geofences,
		}))
	}

	return coordinator, nil
}

// SetupTelemetryClient builds an api client from the persisted grant, seeded
// from the environment on first run.
func SetupTelemetryClient(store *settings.VehicleStore) (*tesla.Client, error) {
	ctx := context.Background()
	env := util.GetEnvironmentVariables()

	grant, err := store.GetGrant(ctx)
	if err != nil {
		return nil, err
	}

	if grant == nil && env["EVTRACK_TESLA_ACCESS_TOKEN"] != "" {
		grant = &tesla.Grant{
			AccessToken:  env["EVTRACK_TESLA_ACCESS_TOKEN"],
			RefreshToken: env["EVTRACK_TESLA_REFRESH_TOKEN"],
			TokenType:    "Bearer",
			CreatedAt:    time.Now().Unix(),
			ExpiresIn:    8 * 3600,
		}
		if err := store.SetGrant(ctx, grant); err != nil {
			return nil, err
		}
	}

	return tesla.NewClient(tesla.ClientOptions{
		Grant:    grant,
		Geocoder: geocode.NewNominatim(),
		OnGrantRefresh: func(newGrant *tesla.Grant) {
			if err := store.SetGrant(context.Background(), newGrant); err != nil {
				log.Error().Err(err).Msg("Failed to persist refreshed grant")
			}
		},
	}), nil
}
