package tests

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"campusride/internal/domain"
	"campusride/internal/geocode"
	"campusride/internal/repository"
	"campusride/internal/service"
)

// ──────────────────────────────────────────────
// 1. RIDE CREATION
// ──────────────────────────────────────────────

func TestCreateRequest_ValidInput_Succeeds(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	ride, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID:           "student-1",
		Pickup:              campusPickup,
		Dropoff:             campusDropoff,
		Notes:               "  by the gate  ",
		SpecialRequirements: "wheelchair",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ride.ID == "" {
		t.Error("expected ride ID to be generated")
	}
	if ride.Status != domain.RideStatusRequested {
		t.Errorf("expected status requested, got %s", ride.Status)
	}
	if ride.HasDriver() {
		t.Errorf("expected no driver, got %s", ride.DriverID)
	}
	if ride.Notes != "by the gate" {
		t.Errorf("expected trimmed notes, got %q", ride.Notes)
	}
	if !ride.CreatedAt.Equal(fx.clock.Now()) || !ride.UpdatedAt.Equal(fx.clock.Now()) {
		t.Errorf("expected timestamps at %v, got %v / %v", fx.clock.Now(), ride.CreatedAt, ride.UpdatedAt)
	}
	if ride.PickupAddress != campusPickup.String() {
		t.Errorf("expected coordinate label without a resolver, got %q", ride.PickupAddress)
	}
	if fx.rides.Count() != 1 {
		t.Errorf("expected 1 stored ride, got %d", fx.rides.Count())
	}
}

func TestCreateRequest_InvalidInput_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     service.CreateRideRequest
		wantErr error
	}{
		{
			name:    "missing student",
			req:     service.CreateRideRequest{Pickup: campusPickup, Dropoff: campusDropoff},
			wantErr: service.ErrInvalidStudentID,
		},
		{
			name:    "NaN pickup",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: domain.Point{Lat: math.NaN(), Lng: 3.72}, Dropoff: campusDropoff},
			wantErr: service.ErrInvalidPickupLocation,
		},
		{
			name:    "pickup latitude out of range",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: domain.Point{Lat: 91, Lng: 3.72}, Dropoff: campusDropoff},
			wantErr: service.ErrInvalidPickupLocation,
		},
		{
			name:    "dropoff longitude out of range",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: campusPickup, Dropoff: domain.Point{Lat: 6.89, Lng: 181}},
			wantErr: service.ErrInvalidDropoffLocation,
		},
		{
			name:    "pickup off campus",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: offCampus, Dropoff: campusDropoff},
			wantErr: service.ErrOutOfServiceArea,
		},
		{
			name:    "dropoff off campus",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: campusPickup, Dropoff: offCampus},
			wantErr: service.ErrOutOfServiceArea,
		},
		{
			name:    "notes too long",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: campusPickup, Dropoff: campusDropoff, Notes: strings.Repeat("n", service.MaxNotesLength+1)},
			wantErr: service.ErrNotesTooLong,
		},
		{
			name:    "special requirements too long",
			req:     service.CreateRideRequest{StudentID: "s", Pickup: campusPickup, Dropoff: campusDropoff, SpecialRequirements: strings.Repeat("w", service.MaxSpecialRequirementsLength+1)},
			wantErr: service.ErrSpecialRequirementsTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			_, err := fx.coordinator.CreateRequest(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if fx.rides.InsertCallCount != 0 {
				t.Errorf("expected no insert, got %d", fx.rides.InsertCallCount)
			}
		})
	}
}

func TestCreateRequest_TextFieldsAtLimit_Accepted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	// Limits count runes, not bytes.
	notes := strings.Repeat("é", service.MaxNotesLength)
	special := strings.Repeat("♿", service.MaxSpecialRequirementsLength)
	ride, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID:           "student-1",
		Pickup:              campusPickup,
		Dropoff:             campusDropoff,
		Notes:               notes,
		SpecialRequirements: special,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ride.Notes != notes || ride.SpecialRequirements != special {
		t.Error("expected notes and special requirements stored unchanged")
	}
}

func TestCreateRequest_SecondActiveRequest_Rejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	first := fx.createRide(t, "student-1")

	_, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID: "student-1",
		Pickup:    campusPickup,
		Dropoff:   campusDropoff,
	})
	if !errors.Is(err, service.ErrActiveRequestExists) {
		t.Fatalf("expected ErrActiveRequestExists, got %v", err)
	}

	// Another student is unaffected.
	fx.createRide(t, "student-2")

	// Once the first ride is terminal the student may request again.
	if _, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{RideID: first.ID, StudentID: "student-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	fx.createRide(t, "student-1")

	if n := fx.rides.CountActiveForStudent("student-1"); n != 1 {
		t.Errorf("expected 1 active ride, got %d", n)
	}
}

func TestCreateRequest_StoreRejectsRacingInsert(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.rides.InsertError = repository.ErrActiveRequestExists

	_, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID: "student-1",
		Pickup:    campusPickup,
		Dropoff:   campusDropoff,
	})
	if !errors.Is(err, service.ErrActiveRequestExists) {
		t.Errorf("expected ErrActiveRequestExists, got %v", err)
	}
	if errors.Is(err, service.ErrUpstreamUnavailable) {
		t.Error("a constraint violation is not an upstream failure")
	}
}

func TestCreateRequest_StoreFailure_IsUpstream(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.rides.FindActiveError = errors.New("connection refused")

	_, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID: "student-1",
		Pickup:    campusPickup,
		Dropoff:   campusDropoff,
	})
	if !errors.Is(err, service.ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

type failingResolver struct{}

func (failingResolver) ResolveNearestReference(ctx context.Context, p domain.Point) (*domain.AddressReference, error) {
	return nil, errors.New("geocoder down")
}

func TestCreateRequest_AddressLabels(t *testing.T) {
	t.Parallel()

	t.Run("landmarks", func(t *testing.T) {
		cache := NewMockCacheStore()
		resolver := geocode.NewLandmarkResolver([]domain.Landmark{{Name: "Main Gate", Point: campusPickup}}, cache, nil)
		coordinator := service.NewCoordinator(NewMockRideRepository(), campusArea(t), resolver, nil, service.CoordinatorConfig{}, nil)

		ride, err := coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
			StudentID: "student-1",
			Pickup:    campusPickup,
			Dropoff:   campusDropoff,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ride.PickupAddress != "Main Gate" {
			t.Errorf("expected pickup at the landmark, got %q", ride.PickupAddress)
		}
		if !strings.HasSuffix(ride.DropoffAddress, "m from Main Gate") {
			t.Errorf("expected dropoff relative to the landmark, got %q", ride.DropoffAddress)
		}
		if cache.SetCallCount != 2 {
			t.Errorf("expected both cells cached, got %d writes", cache.SetCallCount)
		}
	})

	t.Run("resolver failure falls back to coordinates", func(t *testing.T) {
		coordinator := service.NewCoordinator(NewMockRideRepository(), campusArea(t), failingResolver{}, nil, service.CoordinatorConfig{}, nil)

		ride, err := coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
			StudentID: "student-1",
			Pickup:    campusPickup,
			Dropoff:   campusDropoff,
		})
		if err != nil {
			t.Fatalf("resolver failure must not fail the request: %v", err)
		}
		if ride.PickupAddress != campusPickup.String() || ride.DropoffAddress != campusDropoff.String() {
			t.Errorf("expected coordinate labels, got %q / %q", ride.PickupAddress, ride.DropoffAddress)
		}
	})
}

// ──────────────────────────────────────────────
// 2. CANCELLATION
// ──────────────────────────────────────────────

func TestCancel_FromCancellableStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range domain.CancellableStatuses() {
		t.Run(string(status), func(t *testing.T) {
			fx := newFixture(t)
			driverID := ""
			if status == domain.RideStatusDriverAssigned {
				driverID = "driver-1"
			}
			seeded := fx.seedRide("student-1", status, driverID)
			fx.clock.Advance(time.Minute)

			ride, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{RideID: seeded.ID, StudentID: "student-1"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ride.Status != domain.RideStatusCancelled {
				t.Errorf("expected cancelled, got %s", ride.Status)
			}
			if !ride.CancelledAt.Equal(fx.clock.Now()) {
				t.Errorf("expected cancelled_at %v, got %v", fx.clock.Now(), ride.CancelledAt)
			}
		})
	}
}

func TestCancel_AfterPickup_InvalidTransition(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.RideStatus{
		domain.RideStatusArrivedAtPickup,
		domain.RideStatusInProgress,
		domain.RideStatusCompleted,
		domain.RideStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", status, "driver-1")

			_, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{RideID: seeded.ID, StudentID: "student-1"})
			if !errors.Is(err, service.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if errors.Is(err, service.ErrStaleData) {
				t.Error("a refused cancel is not stale")
			}
			if got := fx.status(t, seeded.ID); got != status {
				t.Errorf("expected status unchanged at %s, got %s", status, got)
			}
		})
	}
}

func TestCancel_StaleExpectedStatus_ReportsStaleData(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	seeded := fx.seedRide("student-1", domain.RideStatusDriverAssigned, "driver-1")

	current, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{
		RideID:         seeded.ID,
		StudentID:      "student-1",
		ExpectedStatus: domain.RideStatusRequested,
	})
	if !errors.Is(err, service.ErrInvalidTransition) || !errors.Is(err, service.ErrStaleData) {
		t.Fatalf("expected ErrInvalidTransition and ErrStaleData, got %v", err)
	}
	if current == nil || current.Status != domain.RideStatusDriverAssigned {
		t.Errorf("expected the current ride to be returned, got %+v", current)
	}
	if got := fx.status(t, seeded.ID); got != domain.RideStatusDriverAssigned {
		t.Errorf("expected the accept to stand, got %s", got)
	}
}

func TestCancel_ExpectedStatusNotCancellable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	seeded := fx.seedRide("student-1", domain.RideStatusInProgress, "driver-1")

	_, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{
		RideID:         seeded.ID,
		StudentID:      "student-1",
		ExpectedStatus: domain.RideStatusInProgress,
	})
	if !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if fx.rides.ConditionalUpdateCallCount != 0 {
		t.Error("expected no write attempt")
	}
}

func TestCancel_OtherStudent_Forbidden(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	seeded := fx.seedRide("student-1", domain.RideStatusRequested, "")

	_, err := fx.coordinator.Cancel(context.Background(), service.CancelRideRequest{RideID: seeded.ID, StudentID: "student-2"})
	if !errors.Is(err, service.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if got := fx.status(t, seeded.ID); got != domain.RideStatusRequested {
		t.Errorf("expected requested, got %s", got)
	}
}

func TestCancel_InvalidInput(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	tests := []struct {
		name    string
		req     service.CancelRideRequest
		wantErr error
	}{
		{"missing ride", service.CancelRideRequest{StudentID: "s"}, service.ErrInvalidRideID},
		{"missing student", service.CancelRideRequest{RideID: "r"}, service.ErrInvalidStudentID},
		{"unknown ride", service.CancelRideRequest{RideID: "nope", StudentID: "s"}, service.ErrNotFound},
	}
	for _, tt := range tests {
		_, err := fx.coordinator.Cancel(context.Background(), tt.req)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}
}

// ──────────────────────────────────────────────
// 3. ACCEPT AND DECLINE
// ──────────────────────────────────────────────

func TestAccept_AssignsDriver(t *testing.T) {
	t.Parallel()

	for _, status := range domain.AcceptableStatuses() {
		t.Run(string(status), func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", status, "")

			ride, err := fx.coordinator.Accept(context.Background(), seeded.ID, "driver-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ride.Status != domain.RideStatusDriverAssigned || ride.DriverID != "driver-1" {
				t.Errorf("expected driver_assigned to driver-1, got %s / %q", ride.Status, ride.DriverID)
			}
		})
	}
}

func TestAccept_SecondDriver_AlreadyAssigned(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ride := fx.createRide(t, "student-1")

	if _, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-2")
	if !errors.Is(err, service.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}

	current, _ := fx.rides.FindByID(context.Background(), ride.ID)
	if current.DriverID != "driver-1" {
		t.Errorf("expected driver-1 to keep the ride, got %q", current.DriverID)
	}
}

func TestAccept_RepeatedByWinner_IsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ride := fx.createRide(t, "student-1")

	first, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-1")
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	fx.clock.Advance(time.Second)

	second, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-1")
	if err != nil {
		t.Fatalf("repeated accept: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("expected the repeated accept to leave the ride untouched")
	}
}

func TestAccept_RefusedStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   domain.RideStatus
		driverID string
		wantErr  error
	}{
		{"cancelled", domain.RideStatusCancelled, "", service.ErrInvalidTransition},
		{"completed", domain.RideStatusCompleted, "driver-9", service.ErrInvalidTransition},
		{"in progress with another driver", domain.RideStatusInProgress, "driver-9", service.ErrAlreadyAssigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", tt.status, tt.driverID)

			_, err := fx.coordinator.Accept(context.Background(), seeded.ID, "driver-1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAccept_UnknownRide_NotFound(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	_, err := fx.coordinator.Accept(context.Background(), "missing", "driver-1")
	if !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDecline_AssignedRide_ReturnsToMatching(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ride := fx.createRide(t, "student-1")
	if _, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	declined, err := fx.coordinator.Decline(context.Background(), ride.ID, "driver-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if declined.Status != domain.RideStatusFindingDriver || declined.HasDriver() {
		t.Errorf("expected finding_driver without a driver, got %s / %q", declined.Status, declined.DriverID)
	}

	// The decliner is excluded; everyone else may still accept.
	_, err = fx.coordinator.Accept(context.Background(), ride.ID, "driver-1")
	if !errors.Is(err, service.ErrForbidden) {
		t.Errorf("expected decliner to be refused, got %v", err)
	}
	if _, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-2"); err != nil {
		t.Errorf("expected another driver to accept, got %v", err)
	}
}

func TestDecline_OpenOffer_KeepsRideOpen(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	seeded := fx.seedRide("student-1", domain.RideStatusFindingDriver, "")

	ride, err := fx.coordinator.Decline(context.Background(), seeded.ID, "driver-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ride.Status != domain.RideStatusFindingDriver {
		t.Errorf("expected finding_driver, got %s", ride.Status)
	}
	declined, _ := fx.exclusions.IsDeclined(context.Background(), seeded.ID, "driver-1")
	if !declined {
		t.Error("expected driver-1 to be excluded")
	}
}

func TestDecline_Refused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   domain.RideStatus
		driverID string
		wantErr  error
	}{
		{"assigned to another driver", domain.RideStatusDriverAssigned, "driver-2", service.ErrForbidden},
		{"in progress", domain.RideStatusInProgress, "driver-1", service.ErrInvalidTransition},
		{"completed", domain.RideStatusCompleted, "driver-1", service.ErrInvalidTransition},
		{"cancelled", domain.RideStatusCancelled, "", service.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", tt.status, tt.driverID)

			_, err := fx.coordinator.Decline(context.Background(), seeded.ID, "driver-1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if got := fx.status(t, seeded.ID); got != tt.status {
				t.Errorf("expected status unchanged, got %s", got)
			}
		})
	}
}

// ──────────────────────────────────────────────
// 4. DRIVER PROGRESS
// ──────────────────────────────────────────────

func TestAdvanceStatus_FullTrip(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ride := fx.createRide(t, "student-1")
	if _, err := fx.coordinator.Accept(context.Background(), ride.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	for _, target := range []domain.RideStatus{
		domain.RideStatusArrivedAtPickup,
		domain.RideStatusInProgress,
		domain.RideStatusCompleted,
	} {
		fx.clock.Advance(time.Minute)
		updated, err := fx.coordinator.AdvanceStatus(context.Background(), ride.ID, "driver-1", target)
		if err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
		if updated.Status != target {
			t.Errorf("expected %s, got %s", target, updated.Status)
		}
		if !updated.UpdatedAt.Equal(fx.clock.Now()) {
			t.Errorf("expected updated_at to move with %s", target)
		}
	}

	active, err := fx.coordinator.GetActiveRide(context.Background(), "student-1")
	if err != nil || active != nil {
		t.Errorf("expected no active ride after completion, got %+v / %v", active, err)
	}
}

func TestAdvanceStatus_Refused(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   domain.RideStatus
		driverID string
		actor    string
		target   domain.RideStatus
		wantErr  error
	}{
		{"skips a step", domain.RideStatusDriverAssigned, "driver-1", "driver-1", domain.RideStatusInProgress, service.ErrInvalidTransition},
		{"not a progress status", domain.RideStatusDriverAssigned, "driver-1", "driver-1", domain.RideStatusCancelled, service.ErrInvalidTransition},
		{"back to requested", domain.RideStatusArrivedAtPickup, "driver-1", "driver-1", domain.RideStatusRequested, service.ErrInvalidTransition},
		{"another driver", domain.RideStatusDriverAssigned, "driver-1", "driver-2", domain.RideStatusArrivedAtPickup, service.ErrForbidden},
		{"unassigned ride", domain.RideStatusRequested, "", "driver-1", domain.RideStatusArrivedAtPickup, service.ErrForbidden},
		{"already completed", domain.RideStatusCompleted, "driver-1", "driver-1", domain.RideStatusCompleted, service.ErrInvalidTransition},
		{"cancelled", domain.RideStatusCancelled, "driver-1", "driver-1", domain.RideStatusArrivedAtPickup, service.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", tt.status, tt.driverID)

			_, err := fx.coordinator.AdvanceStatus(context.Background(), seeded.ID, tt.actor, tt.target)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if got := fx.status(t, seeded.ID); got != tt.status {
				t.Errorf("expected status unchanged at %s, got %s", tt.status, got)
			}
		})
	}
}

func TestTerminalStatus_NeverLeft(t *testing.T) {
	t.Parallel()

	for _, terminal := range []domain.RideStatus{domain.RideStatusCompleted, domain.RideStatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			fx := newFixture(t)
			seeded := fx.seedRide("student-1", terminal, "driver-1")
			ctx := context.Background()

			attempts := []func() error{
				func() error {
					_, err := fx.coordinator.Cancel(ctx, service.CancelRideRequest{RideID: seeded.ID, StudentID: "student-1"})
					return err
				},
				func() error { _, err := fx.coordinator.Accept(ctx, seeded.ID, "driver-2"); return err },
				func() error { _, err := fx.coordinator.Decline(ctx, seeded.ID, "driver-1"); return err },
				func() error { _, err := fx.coordinator.BeginMatching(ctx, seeded.ID); return err },
				func() error {
					_, err := fx.coordinator.AdvanceStatus(ctx, seeded.ID, "driver-1", domain.RideStatusArrivedAtPickup)
					return err
				},
			}
			for i, attempt := range attempts {
				if err := attempt(); err == nil {
					t.Errorf("attempt %d: expected an error", i)
				}
			}
			if got := fx.status(t, seeded.ID); got != terminal {
				t.Errorf("expected %s to stick, got %s", terminal, got)
			}
		})
	}
}

// ──────────────────────────────────────────────
// 5. QUERIES
// ──────────────────────────────────────────────

func TestGetRide_Visibility(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	open := fx.seedRide("student-1", domain.RideStatusFindingDriver, "")
	assigned := fx.seedRide("student-2", domain.RideStatusDriverAssigned, "driver-1")

	student := func(id string) domain.Principal { return domain.Principal{ID: id, Role: domain.ActorRoleStudent} }
	driver := func(id string) domain.Principal { return domain.Principal{ID: id, Role: domain.ActorRoleDriver} }

	tests := []struct {
		name    string
		rideID  string
		actor   domain.Principal
		allowed bool
	}{
		{"owner of open ride", open.ID, student("student-1"), true},
		{"other student", open.ID, student("student-2"), false},
		{"any driver on open ride", open.ID, driver("driver-7"), true},
		{"assigned driver", assigned.ID, driver("driver-1"), true},
		{"other driver on assigned ride", assigned.ID, driver("driver-7"), false},
		{"student id used as driver", assigned.ID, driver("student-2"), false},
	}

	for _, tt := range tests {
		_, err := fx.coordinator.GetRide(context.Background(), tt.rideID, tt.actor)
		if tt.allowed && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.allowed && !errors.Is(err, service.ErrForbidden) {
			t.Errorf("%s: expected ErrForbidden, got %v", tt.name, err)
		}
	}

	if _, err := fx.coordinator.GetRide(context.Background(), "missing", student("student-1")); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveAndAssignedRide_NilWhenNone(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedRide("student-1", domain.RideStatusCompleted, "driver-1")

	active, err := fx.coordinator.GetActiveRide(context.Background(), "student-1")
	if err != nil || active != nil {
		t.Errorf("expected no active ride, got %+v / %v", active, err)
	}
	assigned, err := fx.coordinator.GetAssignedRide(context.Background(), "driver-1")
	if err != nil || assigned != nil {
		t.Errorf("expected no assigned ride, got %+v / %v", assigned, err)
	}

	current := fx.seedRide("student-1", domain.RideStatusInProgress, "driver-1")
	assigned, err = fx.coordinator.GetAssignedRide(context.Background(), "driver-1")
	if err != nil || assigned == nil || assigned.ID != current.ID {
		t.Errorf("expected ride %s, got %+v / %v", current.ID, assigned, err)
	}
}

func TestListOpenRides_OldestFirstWithoutDeclined(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	first := fx.seedRide("student-1", domain.RideStatusRequested, "")
	fx.clock.Advance(time.Second)
	second := fx.seedRide("student-2", domain.RideStatusFindingDriver, "")
	fx.clock.Advance(time.Second)
	declined := fx.seedRide("student-3", domain.RideStatusFindingDriver, "")
	fx.seedRide("student-4", domain.RideStatusDriverAssigned, "driver-2")
	fx.seedRide("student-5", domain.RideStatusCancelled, "")

	if _, err := fx.coordinator.Decline(context.Background(), declined.ID, "driver-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	open, err := fx.coordinator.ListOpenRides(context.Background(), "driver-1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 2 || open[0].ID != first.ID || open[1].ID != second.ID {
		ids := make([]string, 0, len(open))
		for _, r := range open {
			ids = append(ids, r.ID)
		}
		t.Errorf("expected [%s %s], got %v", first.ID, second.ID, ids)
	}

	others, _ := fx.coordinator.ListOpenRides(context.Background(), "driver-2", 10)
	if len(others) != 3 {
		t.Errorf("expected 3 open rides for driver-2, got %d", len(others))
	}
}

// ──────────────────────────────────────────────
// 6. MATCHING HAND-OFF AND EXPIRY
// ──────────────────────────────────────────────

func TestBeginMatching_OnlyFromRequested(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ride := fx.createRide(t, "student-1")

	updated, err := fx.coordinator.BeginMatching(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != domain.RideStatusFindingDriver {
		t.Errorf("expected finding_driver, got %s", updated.Status)
	}

	_, err = fx.coordinator.BeginMatching(context.Background(), ride.ID)
	if !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on repeat, got %v", err)
	}
}

func TestExpireStale_CancelsUnmatchedRequests(t *testing.T) {
	t.Parallel()
	fx := newFixtureWithTTL(t, 5*time.Minute)

	stale := fx.seedRide("student-1", domain.RideStatusFindingDriver, "")
	assigned := fx.seedRide("student-2", domain.RideStatusDriverAssigned, "driver-1")
	fx.clock.Advance(6 * time.Minute)
	fresh := fx.seedRide("student-3", domain.RideStatusRequested, "")

	expired, err := fx.coordinator.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 1 {
		t.Errorf("expected 1 expired ride, got %d", expired)
	}
	if got := fx.status(t, stale.ID); got != domain.RideStatusCancelled {
		t.Errorf("expected stale ride cancelled, got %s", got)
	}
	if got := fx.status(t, assigned.ID); got != domain.RideStatusDriverAssigned {
		t.Errorf("expected assigned ride untouched, got %s", got)
	}
	if got := fx.status(t, fresh.ID); got != domain.RideStatusRequested {
		t.Errorf("expected fresh ride untouched, got %s", got)
	}
}

func TestExpireStale_DisabledWithoutTTL(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.seedRide("student-1", domain.RideStatusRequested, "")
	fx.clock.Advance(24 * time.Hour)

	expired, err := fx.coordinator.ExpireStale(context.Background())
	if err != nil || expired != 0 {
		t.Errorf("expected nothing expired, got %d / %v", expired, err)
	}
}
