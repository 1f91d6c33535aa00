package util

import (
	"fmt"
	"math"
)

// FormatValue rounds to one decimal place. All distance values pass through
// this before being compared against previously formatted values, otherwise
// floating point noise causes threshold oscillation.
func FormatValue(value float64) float64 {
	return math.Round(value*10) / 10
}

// FormatDistance renders a distance in meters as a human readable string,
// switching to kilometers from 1000m.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.1f m", FormatValue(meters))
	}

	return fmt.Sprintf("%.1f km", FormatValue(meters/1000))
}

// AddressDescription builds the "place, city" description used in capability
// values and trip start/stop tokens.
func AddressDescription(place string, city string) string {
	if place != "" && city != "" {
		return fmt.Sprintf("%s, %s", place, city)
	} else if city != "" {
		return city
	} else if place != "" {
		return place
	}

	return "position unknown"
}
