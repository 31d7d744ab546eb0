// Package api holds the JSON bodies exchanged between the HTTP handlers and
// the Go client.
package api

import (
	"time"

	"campusride/internal/domain"
	"campusride/internal/feed"
)

// Ride is the wire shape of a ride request.
type Ride = feed.RideJSON

// Point is a coordinate in a request body. Pointers distinguish a missing
// coordinate from zero.
type Point struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// NewPoint converts a domain point.
func NewPoint(p domain.Point) Point {
	lat, lng := p.Lat, p.Lng
	return Point{Lat: &lat, Lng: &lng}
}

// Domain returns the coordinate and whether both halves were present.
func (p Point) Domain() (domain.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return domain.Point{}, false
	}
	return domain.Point{Lat: *p.Lat, Lng: *p.Lng}, true
}

// CreateRideBody is the body of POST /v1/rides.
type CreateRideBody struct {
	Pickup              Point  `json:"pickup"`
	Dropoff             Point  `json:"dropoff"`
	Notes               string `json:"notes,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
}

// CancelRideBody is the body of POST /v1/rides/:id/cancel.
type CancelRideBody struct {
	ExpectedStatus string `json:"expected_status,omitempty"`
}

// AdvanceStatusBody is the body of POST /v1/rides/:id/status.
type AdvanceStatusBody struct {
	Status string `json:"status"`
}

// RideResponse wraps a single ride. Ride is null when there is none.
type RideResponse struct {
	Ride *Ride `json:"ride"`
}

// RidesResponse wraps a list of rides.
type RidesResponse struct {
	Rides []*Ride `json:"rides"`
}

// DriverLocationBody is the body of POST /v1/drivers/location.
type DriverLocationBody struct {
	Point
	Heading   float64 `json:"heading"`
	Speed     float64 `json:"speed"`
	Accepting *bool   `json:"accepting,omitempty"` // defaults to true
}

// StudentLocationBody is the body of POST /v1/students/location.
type StudentLocationBody struct {
	Point
}

// StudentLocationResponse answers a student location report.
type StudentLocationResponse struct {
	InServiceArea bool `json:"in_service_area"`
}

// Candidate is one nearby driver.
type Candidate struct {
	DriverID       string    `json:"driver_id"`
	DistanceMeters float64   `json:"distance_meters"`
	IsOnline       bool      `json:"is_online"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NearbyResponse is the body of GET /v1/drivers/nearby.
type NearbyResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// ErrorBody is the body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewRide converts a domain ride.
func NewRide(r *domain.RideRequest) *Ride {
	return feed.NewRideJSON(r)
}

// NewRides converts a slice of domain rides.
func NewRides(rides []*domain.RideRequest) []*Ride {
	out := make([]*Ride, 0, len(rides))
	for _, r := range rides {
		out = append(out, NewRide(r))
	}
	return out
}

// FeedCloseLagged is the WebSocket close code sent when a feed subscriber
// fell behind and was disconnected.
const FeedCloseLagged = 4000
