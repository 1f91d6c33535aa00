package tesla

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"golang.org/x/exp/slices"
)

var pinFormat = regexp.MustCompile(`^\d{4}$`)

var panoRoofStates = []string{"open", "close", "comfort", "vent"}
var chargeModes = []string{"standard", "max_range"}

// postCommand performs an authorized POST against a vehicle command path.
// Commands are not retried, re-issuing a command the vehicle already acted
// on is worse than reporting the failure.
func (c *Client) postCommand(vehicleID string, command string, body any) error {
	if err := c.ValidateGrant(); err != nil {
		return err
	}

	c.mu.Lock()
	token := c.grant.AccessToken
	c.mu.Unlock()

	var requestBody []byte
	if body != nil {
		requestBody, _ = json.Marshal(body)
	}

	path := fmt.Sprintf("%s/api/1/vehicles/%s/%s", c.endpoint, vehicleID, command)
	request, err := http.NewRequest("POST", path, bytes.NewReader(requestBody))
	if err != nil {
		return &TransientError{Op: command, Err: err}
	}
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return &TransientError{Op: command, Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("HTTP %d on %s", response.StatusCode, command)}
	case response.StatusCode != http.StatusOK:
		return &TransientError{Op: command, Err: fmt.Errorf("HTTP %d", response.StatusCode)}
	}

	var envelope struct {
		Response commandResponse `json:"response"`
	}
	if err := json.NewDecoder(response.Body).Decode(&envelope); err != nil {
		return &TransientError{Op: command, Err: err}
	}
	if !envelope.Response.Result {
		return &TransientError{Op: command, Err: fmt.Errorf("command rejected: %s", envelope.Response.Reason)}
	}

	return nil
}

func (c *Client) ControlAutoConditioning(vehicleID string, on bool) error {
	command := "command/auto_conditioning_stop"
	if on {
		command = "command/auto_conditioning_start"
	}

	return c.postCommand(vehicleID, command, nil)
}

func (c *Client) SetAutoConditioningTemperatures(vehicleID string, driver float64, passenger float64) error {
	return c.postCommand(vehicleID, "command/set_temps", map[string]float64{
		"driver_temp":    driver,
		"passenger_temp": passenger,
	})
}

func (c *Client) ControlCharging(vehicleID string, on bool) error {
	command := "command/charge_stop"
	if on {
		command = "command/charge_start"
	}

	return c.postCommand(vehicleID, command, nil)
}

// ControlChargePort opens the charge port. Closing is not supported by the
// vendor API.
func (c *Client) ControlChargePort(vehicleID string, open bool) error {
	if !open {
		return &ConfigurationError{Reason: "closing the charge port is not supported"}
	}

	return c.postCommand(vehicleID, "command/charge_port_door_open", nil)
}

func (c *Client) SetChargeLimit(vehicleID string, limitPercent int) error {
	if limitPercent < 1 || limitPercent > 100 {
		return &ConfigurationError{Reason: fmt.Sprintf("charge limit %d%% outside 1-100", limitPercent)}
	}

	return c.postCommand(vehicleID, "command/set_charge_limit", map[string]int{"percent": limitPercent})
}

func (c *Client) SetChargeMode(vehicleID string, mode string) error {
	if !slices.Contains(chargeModes, mode) {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid charge mode %q", mode)}
	}

	return c.postCommand(vehicleID, fmt.Sprintf("command/charge_%s", mode), nil)
}

func (c *Client) ControlDoorLock(vehicleID string, lock bool) error {
	command := "command/door_unlock"
	if lock {
		command = "command/door_lock"
	}

	return c.postCommand(vehicleID, command, nil)
}

func (c *Client) ControlPanoRoof(vehicleID string, state string) error {
	if !slices.Contains(panoRoofStates, state) {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid roof state %q", state)}
	}

	return c.postCommand(vehicleID, "command/sun_roof_control", map[string]string{"state": state})
}

func (c *Client) ControlPanoRoofPercentage(vehicleID string, percent int) error {
	if percent < 0 || percent > 100 {
		return &ConfigurationError{Reason: fmt.Sprintf("roof percentage %d outside 0-100", percent)}
	}

	return c.postCommand(vehicleID, "command/sun_roof_control", map[string]any{
		"state":   "move",
		"percent": percent,
	})
}

// ControlValetMode toggles valet mode, optionally setting a 4 digit pin.
func (c *Client) ControlValetMode(vehicleID string, on bool, pin string) error {
	body := map[string]any{"on": on}
	if pin != "" {
		if !pinFormat.MatchString(pin) {
			return &ConfigurationError{Reason: "valet pin must be exactly 4 digits"}
		}
		body["password"] = pin
	}

	return c.postCommand(vehicleID, "command/set_valet_mode", body)
}

func (c *Client) ResetValetPin(vehicleID string) error {
	return c.postCommand(vehicleID, "command/reset_valet_pin", nil)
}

func (c *Client) FlashLights(vehicleID string) error {
	return c.postCommand(vehicleID, "command/flash_lights", nil)
}

func (c *Client) HonkHorn(vehicleID string) error {
	return c.postCommand(vehicleID, "command/honk_horn", nil)
}

func (c *Client) WakeUp(vehicleID string) error {
	return c.postCommand(vehicleID, "wake_up", nil)
}

func (c *Client) RemoteStart(vehicleID string, password string) error {
	if password == "" {
		return &ConfigurationError{Reason: "remote start requires the account password"}
	}

	return c.postCommand(vehicleID, "command/remote_start_drive", map[string]string{"password": password})
}
