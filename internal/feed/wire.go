package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"campusride/internal/domain"
)

// RideJSON is the snake_case row shape shared by database notifications,
// the WebSocket transport, and Kafka messages.
type RideJSON struct {
	ID                  string     `json:"id"`
	StudentID           string     `json:"student_id"`
	DriverID            *string    `json:"driver_id"`
	PickupLat           float64    `json:"pickup_lat"`
	PickupLng           float64    `json:"pickup_lng"`
	DropoffLat          float64    `json:"dropoff_lat"`
	DropoffLng          float64    `json:"dropoff_lng"`
	PickupAddress       string     `json:"pickup_address"`
	DropoffAddress      string     `json:"dropoff_address"`
	Status              string     `json:"status"`
	Notes               string     `json:"notes"`
	SpecialRequirements string     `json:"special_requirements"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CancelledAt         *time.Time `json:"cancelled_at"`
}

// NewRideJSON converts a ride to its wire shape.
func NewRideJSON(r *domain.RideRequest) *RideJSON {
	if r == nil {
		return nil
	}
	out := &RideJSON{
		ID:                  r.ID,
		StudentID:           r.StudentID,
		PickupLat:           r.Pickup.Lat,
		PickupLng:           r.Pickup.Lng,
		DropoffLat:          r.Dropoff.Lat,
		DropoffLng:          r.Dropoff.Lng,
		PickupAddress:       r.PickupAddress,
		DropoffAddress:      r.DropoffAddress,
		Status:              string(r.Status),
		Notes:               r.Notes,
		SpecialRequirements: r.SpecialRequirements,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.DriverID != "" {
		id := r.DriverID
		out.DriverID = &id
	}
	if !r.CancelledAt.IsZero() {
		t := r.CancelledAt
		out.CancelledAt = &t
	}
	return out
}

// Ride converts the wire shape back to a domain ride.
func (j *RideJSON) Ride() *domain.RideRequest {
	if j == nil {
		return nil
	}
	r := &domain.RideRequest{
		ID:                  j.ID,
		StudentID:           j.StudentID,
		Pickup:              domain.Point{Lat: j.PickupLat, Lng: j.PickupLng},
		Dropoff:             domain.Point{Lat: j.DropoffLat, Lng: j.DropoffLng},
		PickupAddress:       j.PickupAddress,
		DropoffAddress:      j.DropoffAddress,
		Status:              domain.RideStatus(j.Status),
		Notes:               j.Notes,
		SpecialRequirements: j.SpecialRequirements,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
	}
	if j.DriverID != nil {
		r.DriverID = *j.DriverID
	}
	if j.CancelledAt != nil {
		r.CancelledAt = *j.CancelledAt
	}
	return r
}

type eventJSON struct {
	ID  string    `json:"id,omitempty"`
	Op  Op        `json:"op"`
	At  time.Time `json:"at,omitempty"`
	Row *RideJSON `json:"row,omitempty"`
}

// MarshalEvent encodes ev as JSON.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(eventJSON{ID: ev.ID, Op: ev.Op, At: ev.At, Row: NewRideJSON(ev.Ride)})
}

// UnmarshalEvent decodes an event produced by MarshalEvent or by the
// database change trigger.
func UnmarshalEvent(data []byte) (Event, error) {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("decode change event: %w", err)
	}

	switch raw.Op {
	case OpInsert, OpUpdate:
		if raw.Row == nil || raw.Row.ID == "" {
			return Event{}, fmt.Errorf("decode change event: %s without row", raw.Op)
		}
		if !domain.RideStatus(raw.Row.Status).IsValid() {
			return Event{}, fmt.Errorf("decode change event: unknown status %q", raw.Row.Status)
		}
	case OpResync:
	default:
		return Event{}, fmt.Errorf("decode change event: unknown op %q", raw.Op)
	}

	return Event{ID: raw.ID, Op: raw.Op, At: raw.At, Ride: raw.Row.Ride()}, nil
}
