package geofence

import (
	"github.com/evtrack/evtrack/pkg/geo"
)

type ShapeType string

const (
	ShapeCircle    ShapeType = "CIRCLE"
	ShapePolygon   ShapeType = "POLYGON"
	ShapeRectangle ShapeType = "RECTANGLE"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Circle struct {
	Center Point `json:"center"`
	// Radius in meters
	Radius float64 `json:"radius"`
}

// Path is an ordered vertex list of at least 3 points, implicitly closed.
// A rectangle is carried as an explicit 4 point path in clockwise order
// derived from its bounds.
type Path struct {
	Path []Point `json:"path"`
}

type Geofence struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Version int       `json:"version,omitempty"`
	Source  string    `json:"source,omitempty"`
	Type    ShapeType `json:"type"`

	Circle    *Circle `json:"circle,omitempty"`
	Polygon   *Path   `json:"polygon,omitempty"`
	Rectangle *Path   `json:"rectangle,omitempty"`

	Active bool `json:"active"`
	IsHome bool `json:"isHome,omitempty"`
}

// Contains reports whether the geofence contains the coordinate.
func (g *Geofence) Contains(latitude float64, longitude float64) bool {
	switch g.Type {
	case ShapeCircle:
		if g.Circle == nil {
			return false
		}
		distance := geo.Distance(latitude, longitude, g.Circle.Center.Lat, g.Circle.Center.Lng)
		return distance < g.Circle.Radius
	case ShapePolygon:
		if g.Polygon == nil {
			return false
		}
		return geo.PointInPolygon(latitude, longitude, pathToPairs(g.Polygon.Path))
	case ShapeRectangle:
		if g.Rectangle == nil {
			return false
		}
		return geo.PointInPolygon(latitude, longitude, pathToPairs(g.Rectangle.Path))
	}

	return false
}

// Match returns the IDs of every active geofence containing the coordinate.
// It is a pure function, diffing against previous membership is owned by the
// caller. A zero latitude means the position was never sampled and matches
// nothing.
func Match(latitude float64, longitude float64, geofences []Geofence) []string {
	var matched []string

	if latitude == 0 {
		return matched
	}

	for _, fence := range geofences {
		if !fence.Active {
			continue
		}

		if fence.Contains(latitude, longitude) {
			matched = append(matched, fence.ID)
		}
	}

	return matched
}

func pathToPairs(path []Point) [][2]float64 {
	pairs := make([][2]float64, len(path))
	for i, point := range path {
		pairs[i] = [2]float64{point.Lat, point.Lng}
	}

	return pairs
}
