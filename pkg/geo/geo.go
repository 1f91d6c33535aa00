package geo

import "math"

// Distance returns the great-circle distance between two coordinates in
// meters, on a spherical approximation of the earth.
// Based on https://www.geodatasource.com/developers/javascript
//
// A zero latitude or longitude is treated as "not yet known" rather than a
// real position on the equator/prime-meridian, and yields 0.
func Distance(lat1 float64, lon1 float64, lat2 float64, lon2 float64) float64 {
	if lat1 == 0 || lon1 == 0 || lat2 == 0 || lon2 == 0 {
		return 0
	}

	radlat1 := math.Pi * lat1 / 180
	radlat2 := math.Pi * lat2 / 180
	radtheta := math.Pi * (lon1 - lon2) / 180

	dist := math.Sin(radlat1)*math.Sin(radlat2) + math.Cos(radlat1)*math.Cos(radlat2)*math.Cos(radtheta)

	// Keep acos in its domain, identical coordinates can land just above 1
	if dist > 1 {
		dist = 1
	} else if dist < -1 {
		dist = -1
	}

	dist = math.Acos(dist)
	dist = dist * 180 / math.Pi
	dist = dist * 60 * 1.1515 // miles

	return dist * 1.609344 * 1000 // meters
}

// PointInPolygon reports whether the point lies inside the closed vertex
// path, using a standard ray casting test over [lat, lng] pairs treated as
// 2D points. The path is implicitly closed.
func PointInPolygon(lat float64, lng float64, path [][2]float64) bool {
	if len(path) < 3 {
		return false
	}

	inside := false
	j := len(path) - 1

	for i := 0; i < len(path); i++ {
		xi := path[i][0]
		yi := path[i][1]
		xj := path[j][0]
		yj := path[j][1]

		intersect := ((yi > lng) != (yj > lng)) &&
			(lat < (xj-xi)*(lng-yi)/(yj-yi)+xi)
		if intersect {
			inside = !inside
		}

		j = i
	}

	return inside
}
