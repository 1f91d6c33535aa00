package tesla

type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Expired reports whether the access token has passed its expiry time.
func (g *Grant) Expired(nowEpoch int64) bool {
	if g == nil || g.AccessToken == "" {
		return true
	}

	return (g.CreatedAt + g.ExpiresIn) < nowEpoch
}

type Vehicle struct {
	ID          int64  `json:"id"`
	IDString    string `json:"id_s"`
	VehicleID   int64  `json:"vehicle_id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// DriveState is the drive_state response enriched with the reverse geocoded
// place & city of the coordinate.
type DriveState struct {
	ShiftState *string `json:"shift_state"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Heading    int     `json:"heading"`
	Speed      *int    `json:"speed"`
	GpsAsOf    int64   `json:"gps_as_of"`

	Place string `json:"place,omitempty"`
	City  string `json:"city,omitempty"`
}

type VehicleState struct {
	// Odometer in vendor units (miles)
	Odometer        float64 `json:"odometer"`
	Locked          bool    `json:"locked"`
	SentryMode      bool    `json:"sentry_mode"`
	CarVersion      string  `json:"car_version"`
	VehicleName     string  `json:"vehicle_name"`
	IsUserPresent   bool    `json:"is_user_present"`
	CenterDisplayOn int     `json:"center_display_state"`
}

type ChargeState struct {
	BatteryLevel       int     `json:"battery_level"`
	UsableBatteryLevel int     `json:"usable_battery_level"`
	BatteryRange       float64 `json:"battery_range"`
	ChargingState      string  `json:"charging_state"`
	ChargeLimitSoc     int     `json:"charge_limit_soc"`
	ChargeRate         float64 `json:"charge_rate"`
	TimeToFullCharge   float64 `json:"time_to_full_charge"`
	ChargePortDoorOpen bool    `json:"charge_port_door_open"`
}

type ClimateState struct {
	InsideTemp        float64 `json:"inside_temp"`
	OutsideTemp       float64 `json:"outside_temp"`
	DriverTempSetting float64 `json:"driver_temp_setting"`
	IsClimateOn       bool    `json:"is_climate_on"`
}

type GuiSettings struct {
	GuiDistanceUnits    string `json:"gui_distance_units"`
	GuiTemperatureUnits string `json:"gui_temperature_units"`
	Gui24HourTime       bool   `json:"gui_24_hour_time"`
}

type commandResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}
