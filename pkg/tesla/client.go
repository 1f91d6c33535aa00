package tesla

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/evtrack/evtrack/pkg/util"
)

const defaultAPIEndpoint = "https://owner-api.teslamotors.com"
const requestTimeout = 30 * time.Second

// Coordinates closer together than this are considered unchanged and skip
// the reverse geocode lookup.
const geocodeEpsilon = 0.00001

// Geocoder resolves a coordinate to a place & city description. Lookups are
// cache-aside and only issued when the coordinate actually moved.
type Geocoder interface {
	ReverseGeocode(latitude float64, longitude float64) (place string, city string, err error)
}

type lastKnownAddress struct {
	Latitude  float64
	Longitude float64
	Place     string
	City      string
}

// Client talks to the vehicle owner API using an OAuth grant. It is safe for
// use from multiple vehicle controllers.
type Client struct {
	httpClient *http.Client
	endpoint   string
	geocoder   Geocoder

	mu           sync.Mutex
	grant        *Grant
	onGrant      func(*Grant)
	lastLocation map[string]*lastKnownAddress
}

type ClientOptions struct {
	Endpoint string
	Grant    *Grant
	Geocoder Geocoder

	// OnGrantRefresh is called with every new grant so the caller can
	// persist it
	OnGrantRefresh func(*Grant)
}

func NewClient(options ClientOptions) *Client {
	endpoint := options.Endpoint
	if endpoint == "" {
		endpoint = util.GetEnvDefault("EVTRACK_TESLA_API_ENDPOINT", defaultAPIEndpoint)
	}

	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		endpoint:     endpoint,
		geocoder:     options.Geocoder,
		grant:        options.Grant,
		onGrant:      options.OnGrantRefresh,
		lastLocation: map[string]*lastKnownAddress{},
	}
}

// ValidateGrant checks the stored grant and refreshes it when expired.
func (c *Client) ValidateGrant() error {
	c.mu.Lock()
	grant := c.grant
	c.mu.Unlock()

	if grant == nil || grant.AccessToken == "" {
		return &AuthError{Reason: "no grant configured"}
	}

	if !grant.Expired(time.Now().Unix()) {
		return nil
	}

	newGrant, err := c.refreshGrant(grant.RefreshToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.grant = newGrant
	c.mu.Unlock()

	if c.onGrant != nil {
		c.onGrant(newGrant)
	}

	return nil
}

func (c *Client) refreshGrant(refreshToken string) (*Grant, error) {
	if refreshToken == "" {
		return nil, &AuthError{Reason: "no refresh token"}
	}

	requestBody, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     util.GetEnvDefault("EVTRACK_TESLA_CLIENT_ID", "ownerapi"),
		"refresh_token": refreshToken,
		"scope":         "openid email offline_access",
	})

	request, err := http.NewRequest("POST", fmt.Sprintf("%s/oauth/token", c.endpoint), bytes.NewReader(requestBody))
	if err != nil {
		return nil, &TransientError{Op: "refresh grant", Err: err}
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &TransientError{Op: "refresh grant", Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: "refresh token rejected"}
	}
	if response.StatusCode != http.StatusOK {
		return nil, &TransientError{Op: "refresh grant", Err: fmt.Errorf("HTTP %d", response.StatusCode)}
	}

	var grant Grant
	if err := json.NewDecoder(response.Body).Decode(&grant); err != nil {
		return nil, &TransientError{Op: "refresh grant", Err: err}
	}
	if grant.AccessToken == "" {
		return nil, &AuthError{Reason: "refresh returned no token"}
	}
	if grant.CreatedAt == 0 {
		grant.CreatedAt = time.Now().Unix()
	}

	return &grant, nil
}

// getJSON performs an authorized GET and unmarshals the "response" envelope
// into out. Transient failures are retried with a short exponential backoff
// inside this single poll; an exhausted retry surfaces one TransientError.
func (c *Client) getJSON(path string, out any) error {
	if err := c.ValidateGrant(); err != nil {
		return err
	}

	c.mu.Lock()
	token := c.grant.AccessToken
	c.mu.Unlock()

	requestBackoff := backoff.NewExponentialBackOff()
	requestBackoff.MaxElapsedTime = 20 * time.Second

	operation := func() error {
		request, err := http.NewRequest("GET", c.endpoint+path, nil)
		if err != nil {
			return backoff.Permanent(&TransientError{Op: path, Err: err})
		}
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

		response, err := c.httpClient.Do(request)
		if err != nil {
			return &TransientError{Op: path, Err: err}
		}
		defer response.Body.Close()

		switch {
		case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
			return backoff.Permanent(&AuthError{Reason: fmt.Sprintf("HTTP %d on %s", response.StatusCode, path)})
		case response.StatusCode != http.StatusOK:
			return &TransientError{Op: path, Err: fmt.Errorf("HTTP %d", response.StatusCode)}
		}

		body, err := io.ReadAll(response.Body)
		if err != nil {
			return &TransientError{Op: path, Err: err}
		}

		var envelope struct {
			Response json.RawMessage `json:"response"`
			Error    string          `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return backoff.Permanent(&TransientError{Op: path, Err: err})
		}
		if envelope.Response == nil {
			return backoff.Permanent(&TransientError{Op: path, Err: fmt.Errorf("api error: %s", envelope.Error)})
		}

		return json.Unmarshal(envelope.Response, out)
	}

	return backoff.Retry(operation, requestBackoff)
}

func (c *Client) GetVehicles() ([]Vehicle, error) {
	var vehicles []Vehicle
	if err := c.getJSON("/api/1/vehicles", &vehicles); err != nil {
		return nil, err
	}

	return vehicles, nil
}

// GetVehicleIDByVIN resolves the telemetry API identifier for a VIN.
func (c *Client) GetVehicleIDByVIN(vin string) (string, error) {
	vehicles, err := c.GetVehicles()
	if err != nil {
		return "", err
	}

	for _, vehicle := range vehicles {
		if vehicle.VIN == vin {
			return vehicle.IDString, nil
		}
	}

	return "", &TransientError{Op: "resolve vehicle id", Err: fmt.Errorf("no vehicle with VIN %s on account", vin)}
}

// GetDriveState fetches the drive state and enriches it with a reverse
// geocoded place & city. The geocoder is only consulted when the coordinate
// moved beyond a small epsilon since the previous call for this vehicle.
func (c *Client) GetDriveState(vehicleID string) (*DriveState, error) {
	var driveState DriveState
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/data_request/drive_state", vehicleID), &driveState); err != nil {
		return nil, err
	}

	c.mu.Lock()
	last := c.lastLocation[vehicleID]
	if last == nil {
		last = &lastKnownAddress{}
		c.lastLocation[vehicleID] = last
	}
	moved := absFloat(driveState.Latitude-last.Latitude) > geocodeEpsilon ||
		absFloat(driveState.Longitude-last.Longitude) > geocodeEpsilon
	c.mu.Unlock()

	if moved && c.geocoder != nil {
		place, city, err := c.geocoder.ReverseGeocode(driveState.Latitude, driveState.Longitude)
		if err != nil {
			// stale place & city are kept, a failed lookup never fails the poll
			log.Debug().Err(err).Msg("Reverse geocode failed")
		} else {
			c.mu.Lock()
			last.Place = place
			last.City = city
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	last.Latitude = driveState.Latitude
	last.Longitude = driveState.Longitude
	driveState.Place = last.Place
	driveState.City = last.City
	c.mu.Unlock()

	return &driveState, nil
}

func (c *Client) GetVehicleState(vehicleID string) (*VehicleState, error) {
	var vehicleState VehicleState
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/data_request/vehicle_state", vehicleID), &vehicleState); err != nil {
		return nil, err
	}

	return &vehicleState, nil
}

func (c *Client) GetChargeState(vehicleID string) (*ChargeState, error) {
	var chargeState ChargeState
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/data_request/charge_state", vehicleID), &chargeState); err != nil {
		return nil, err
	}

	return &chargeState, nil
}

func (c *Client) GetClimateState(vehicleID string) (*ClimateState, error) {
	var climateState ClimateState
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/data_request/climate_state", vehicleID), &climateState); err != nil {
		return nil, err
	}

	return &climateState, nil
}

func (c *Client) GetGuiSettings(vehicleID string) (*GuiSettings, error) {
	var guiSettings GuiSettings
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/data_request/gui_settings", vehicleID), &guiSettings); err != nil {
		return nil, err
	}

	return &guiSettings, nil
}

func (c *Client) GetMobileAccess(vehicleID string) (bool, error) {
	var enabled bool
	if err := c.getJSON(fmt.Sprintf("/api/1/vehicles/%s/mobile_enabled", vehicleID), &enabled); err != nil {
		return false, err
	}

	return enabled, nil
}

func absFloat(value float64) float64 {
	if value < 0 {
		return -value
	}

	return value
}
