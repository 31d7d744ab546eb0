package domain

import (
	"fmt"
	"math"
	"time"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// IsValid reports whether p is a finite coordinate within WGS84 bounds.
func (p Point) IsValid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// String formats p as "lat,lng" with six decimals.
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// DriverLocationRecord is the latest reported position of one driver.
type DriverLocationRecord struct {
	DriverID  string
	Point     Point
	Heading   float64 // degrees from north
	Speed     float64 // meters per second
	IsOnline  bool
	IsActive  bool // accepting rides
	UpdatedAt time.Time
}

// StudentLocationRecord is the latest reported position of one student.
type StudentLocationRecord struct {
	StudentID string
	Point     Point
	UpdatedAt time.Time
}

// MatchCandidate is a driver eligible for a pickup, produced by a proximity
// query. It is never persisted.
type MatchCandidate struct {
	DriverID       string
	DistanceMeters float64
	IsOnline       bool
	UpdatedAt      time.Time
}

// ActorRole distinguishes students from drivers.
type ActorRole string

const (
	ActorRoleStudent ActorRole = "student"
	ActorRoleDriver  ActorRole = "driver"
)

// Principal is an authenticated actor as supplied by the identity provider.
type Principal struct {
	ID   string
	Role ActorRole
}

// Landmark is a named campus reference point used for address labels.
type Landmark struct {
	Name  string
	Point Point
}

// AddressReference is the nearest landmark to a coordinate.
type AddressReference struct {
	Name           string
	DistanceMeters float64
}
