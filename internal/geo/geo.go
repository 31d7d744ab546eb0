// Package geo holds the great-circle math and campus boundary checks used by
// matching and ride validation.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"

	"campusride/internal/domain"
)

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine distance between a and b.
func DistanceMeters(a, b domain.Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

const maxPrecision = 8

// cellSizeMeters returns the width and height in meters of a geohash cell
// of the given precision at latitude lat. Cells narrow towards the poles.
func cellSizeMeters(precision uint, lat float64) (width, height float64) {
	bits := 5 * precision
	lngBits := (bits + 1) / 2
	latBits := bits / 2
	metersPerDegree := earthRadiusMeters * math.Pi / 180

	width = 360 / math.Exp2(float64(lngBits)) * metersPerDegree * math.Cos(toRad(lat))
	height = 180 / math.Exp2(float64(latBits)) * metersPerDegree
	return width, height
}

// PrecisionForRadius picks the finest geohash precision whose cell at lat is
// still at least radiusMeters wide and tall, so that a cell plus its 8
// neighbours covers the full search circle.
func PrecisionForRadius(radiusMeters, lat float64) uint {
	for p := uint(maxPrecision); p >= 1; p-- {
		w, h := cellSizeMeters(p, lat)
		if w >= radiusMeters && h >= radiusMeters {
			return p
		}
	}
	return 1
}

// CoveringCells returns the geohash of center at the given precision and its
// eight neighbours.
func CoveringCells(center domain.Point, precision uint) []string {
	cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, precision)
	return append([]string{cell}, geohash.Neighbors(cell)...)
}

// Encode returns the geohash of p at precision.
func Encode(p domain.Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
}

// ServiceArea is a closed polygon of permitted pickup/dropoff points.
type ServiceArea struct {
	vertices []domain.Point
}

// ErrInvalidPolygon is returned when a polygon has fewer than three vertices
// or an invalid coordinate.
var ErrInvalidPolygon = errors.New("service area polygon needs at least 3 valid vertices")

// NewServiceArea builds a service area from its vertices in order.
func NewServiceArea(vertices []domain.Point) (*ServiceArea, error) {
	if len(vertices) < 3 {
		return nil, ErrInvalidPolygon
	}
	for _, v := range vertices {
		if !v.IsValid() {
			return nil, ErrInvalidPolygon
		}
	}
	vs := make([]domain.Point, len(vertices))
	copy(vs, vertices)
	return &ServiceArea{vertices: vs}, nil
}

// ParsePolygon parses "lat,lng;lat,lng;..." into vertices.
func ParsePolygon(s string) ([]domain.Point, error) {
	var out []domain.Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid vertex %q", pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in %q: %w", pair, err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in %q: %w", pair, err)
		}
		out = append(out, domain.Point{Lat: lat, Lng: lng})
	}
	return out, nil
}

// Contains reports whether p lies inside the polygon (ray casting; points
// exactly on an edge may fall either way).
func (a *ServiceArea) Contains(p domain.Point) bool {
	if a == nil || !p.IsValid() {
		return false
	}
	inside := false
	n := len(a.vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := a.vertices[i], a.vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			crossLng := (vj.Lng-vi.Lng)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if p.Lng < crossLng {
				inside = !inside
			}
		}
	}
	return inside
}

// Vertices returns a copy of the polygon vertices.
func (a *ServiceArea) Vertices() []domain.Point {
	out := make([]domain.Point, len(a.vertices))
	copy(out, a.vertices)
	return out
}

// BearingDegrees returns the initial compass bearing from a to b in [0, 360).
func BearingDegrees(a, b domain.Point) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLng := toRad(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Interpolate returns the point a fraction f of the way from a to b. Linear
// in degrees, which is accurate enough across a campus.
func Interpolate(a, b domain.Point, f float64) domain.Point {
	return domain.Point{Lat: a.Lat + (b.Lat-a.Lat)*f, Lng: a.Lng + (b.Lng-a.Lng)*f}
}
