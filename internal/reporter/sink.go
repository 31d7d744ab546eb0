package reporter

import (
	"context"
	"sync/atomic"

	"campusride/internal/apiclient"
)

// DriverSink reports driver positions through the API. Accepting controls
// whether the driver is offered new rides.
type DriverSink struct {
	client    *apiclient.Client
	accepting atomic.Bool
}

// NewDriverSink creates a DriverSink that starts out accepting rides.
func NewDriverSink(client *apiclient.Client) *DriverSink {
	s := &DriverSink{client: client}
	s.accepting.Store(true)
	return s
}

// SetAccepting changes the availability sent with the next report.
func (s *DriverSink) SetAccepting(accepting bool) {
	s.accepting.Store(accepting)
}

// Report implements Sink.
func (s *DriverSink) Report(ctx context.Context, p Position) error {
	return s.client.ReportDriverLocation(ctx, apiclient.DriverLocation{
		Point:     p.Point,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Accepting: s.accepting.Load(),
	})
}

// Offline implements Sink.
func (s *DriverSink) Offline(ctx context.Context) error {
	return s.client.GoOffline(ctx)
}

// StudentSink reports student positions through the API and remembers
// whether the last one was on campus.
type StudentSink struct {
	client   *apiclient.Client
	onCampus atomic.Bool
}

// NewStudentSink creates a StudentSink.
func NewStudentSink(client *apiclient.Client) *StudentSink {
	return &StudentSink{client: client}
}

// OnCampus reports whether the last accepted position was inside the
// service area.
func (s *StudentSink) OnCampus() bool {
	return s.onCampus.Load()
}

// Report implements Sink.
func (s *StudentSink) Report(ctx context.Context, p Position) error {
	inside, err := s.client.ReportStudentLocation(ctx, p.Point)
	if err != nil {
		return err
	}
	s.onCampus.Store(inside)
	return nil
}

// Offline implements Sink. Students have no online state.
func (s *StudentSink) Offline(context.Context) error {
	return nil
}
