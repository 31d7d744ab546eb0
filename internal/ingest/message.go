// Package ingest moves driver location samples through Kafka: a producer
// for clients that publish to the topic instead of calling the API, and a
// consumer that applies them to the location store.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campusride/internal/domain"
	"campusride/internal/service"
)

// ErrInvalidMessage is returned for a message that can never be applied.
var ErrInvalidMessage = errors.New("invalid location message")

// LocationMessage is the JSON value of a driver-locations record. The
// record key is the driver id.
type LocationMessage struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	Accepting  *bool     `json:"accepting,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}

// Decode parses and validates a message value.
func Decode(data []byte) (LocationMessage, error) {
	var m LocationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return LocationMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if m.DriverID == "" {
		return LocationMessage{}, fmt.Errorf("%w: missing driver_id", ErrInvalidMessage)
	}
	if !(domain.Point{Lat: m.Lat, Lng: m.Lng}).IsValid() {
		return LocationMessage{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidMessage)
	}
	return m, nil
}

// Report converts the message into a location report. A missing accepting
// flag means the driver takes rides.
func (m LocationMessage) Report() service.DriverLocationReport {
	accepting := true
	if m.Accepting != nil {
		accepting = *m.Accepting
	}
	return service.DriverLocationReport{
		DriverID:   m.DriverID,
		Point:      domain.Point{Lat: m.Lat, Lng: m.Lng},
		Heading:    m.Heading,
		Speed:      m.Speed,
		Accepting:  accepting,
		ReportedAt: m.ReportedAt,
	}
}
