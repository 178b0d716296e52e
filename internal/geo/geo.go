package geo

import (
	"errors"
	"fmt"
	"math"

	h3 "github.com/uber/h3-go/v4"
)

// Resolution is the fixed H3 resolution for zone cells (~0.1 km² hexagons).
const Resolution = 9

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Cell is an opaque geocell index rendered as a hex string.
type Cell string

// CellOf maps a coordinate pair to its geocell at the service resolution.
func CellOf(lat, lon float64) (Cell, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || math.IsNaN(lat) || math.IsNaN(lon) {
		return "", ErrInvalidCoordinates
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), Resolution)
	if err != nil {
		return "", fmt.Errorf("geocell lookup: %w", err)
	}
	return Cell(cell.String()), nil
}

// DistanceMeters computes the haversine distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
