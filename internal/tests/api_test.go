package tests

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"campusride/internal/api"
	"campusride/internal/apiclient"
	"campusride/internal/app"
	"campusride/internal/controller"
	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/handler"
	"campusride/internal/middleware"
	"campusride/internal/service"
)

// ──────────────────────────────────────────────
// 12. HTTP API AND CLIENTS
// ──────────────────────────────────────────────

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	rides  *MockRideRepository
	hub    *feed.Hub
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	rides := NewMockRideRepository()
	hub := feed.NewHub(0, nil)
	rides.Publisher = hub
	locations := NewMockLocationStore()
	exclusions := NewMockExclusionStore()
	area := campusArea(t)

	coordinator := service.NewCoordinator(rides, area, nil, exclusions, service.CoordinatorConfig{}, nil)
	matcher := service.NewMatchingService(locations, exclusions, service.MatchingConfig{}, nil)
	location := service.NewLocationService(locations, area, nil)

	router := app.NewRouter(app.RouterDeps{
		RideHandler:    handler.NewRideHandler(coordinator),
		DriverHandler:  handler.NewDriverHandler(location, matcher, coordinator),
		StudentHandler: handler.NewStudentHandler(location),
		FeedHandler:    handler.NewFeedHandler(hub, time.Second, 30*time.Second, nil),
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &apiFixture{rides: rides, hub: hub, server: server}
}

func (af *apiFixture) client(id string, role domain.ActorRole) *apiclient.Client {
	return apiclient.New(af.server.URL, domain.Principal{ID: id, Role: role},
		apiclient.WithReadBackoff(10*time.Millisecond, 50*time.Millisecond))
}

func (af *apiFixture) feedClient(id string, role domain.ActorRole) *apiclient.FeedClient {
	return apiclient.NewFeedClient(af.server.URL, domain.Principal{ID: id, Role: role}, time.Minute, nil)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAPI_RideLifecycleThroughClient(t *testing.T) {
	t.Parallel()
	af := newAPIFixture(t)
	ctx := context.Background()

	student := af.client("student-1", domain.ActorRoleStudent)
	driver1 := af.client("driver-1", domain.ActorRoleDriver)
	driver2 := af.client("driver-2", domain.ActorRoleDriver)

	ride, err := student.CreateRide(ctx, apiclient.CreateRideInput{Pickup: campusPickup, Dropoff: campusDropoff, Notes: "blue bag"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.Status != domain.RideStatusRequested || ride.Notes != "blue bag" {
		t.Fatalf("unexpected ride %+v", ride)
	}

	err = driver1.ReportDriverLocation(ctx, apiclient.DriverLocation{Point: nearPickup, Heading: 45, Accepting: true})
	if err != nil {
		t.Fatalf("report location: %v", err)
	}
	candidates, err := student.Nearby(ctx, campusPickup, 1000, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(candidates) != 1 || candidates[0].DriverID != "driver-1" {
		t.Fatalf("expected driver-1 nearby, got %+v", candidates)
	}

	open, err := driver1.ListOpenRides(ctx, 10)
	if err != nil || len(open) != 1 || open[0].ID != ride.ID {
		t.Fatalf("expected the ride to be open, got %+v / %v", open, err)
	}

	if _, err := driver1.AcceptRide(ctx, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := driver2.AcceptRide(ctx, ride.ID); !errors.Is(err, service.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if _, err := driver2.GetRide(ctx, ride.ID); !errors.Is(err, service.ErrForbidden) {
		t.Errorf("expected another driver to lose sight of the ride, got %v", err)
	}

	assigned, err := driver1.GetAssignedRide(ctx)
	if err != nil || assigned == nil || assigned.ID != ride.ID {
		t.Fatalf("expected the assigned ride, got %+v / %v", assigned, err)
	}

	for _, target := range []domain.RideStatus{
		domain.RideStatusArrivedAtPickup,
		domain.RideStatusInProgress,
		domain.RideStatusCompleted,
	} {
		updated, err := driver1.AdvanceStatus(ctx, ride.ID, target)
		if err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
		if updated.Status != target {
			t.Errorf("expected %s, got %s", target, updated.Status)
		}
	}

	active, err := student.GetActiveRide(ctx)
	if err != nil || active != nil {
		t.Errorf("expected no active ride, got %+v / %v", active, err)
	}
	final, err := student.GetRide(ctx, ride.ID)
	if err != nil || final.Status != domain.RideStatusCompleted || final.DriverID != "driver-1" {
		t.Errorf("expected completed ride by driver-1, got %+v / %v", final, err)
	}
}

func TestAPI_ClientErrorsKeepSentinels(t *testing.T) {
	t.Parallel()
	af := newAPIFixture(t)
	ctx := context.Background()

	student := af.client("student-1", domain.ActorRoleStudent)
	driver := af.client("driver-1", domain.ActorRoleDriver)

	ride, err := student.CreateRide(ctx, apiclient.CreateRideInput{Pickup: campusPickup, Dropoff: campusDropoff})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := student.CreateRide(ctx, apiclient.CreateRideInput{Pickup: campusPickup, Dropoff: campusDropoff}); !errors.Is(err, service.ErrActiveRequestExists) {
		t.Errorf("expected ErrActiveRequestExists, got %v", err)
	}
	if _, err := driver.AcceptRide(ctx, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_, err = student.CancelRide(ctx, ride.ID, domain.RideStatusRequested)
	if !errors.Is(err, service.ErrStaleData) || !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("expected a stale cancel, got %v", err)
	}
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected a 409 API error, got %v", err)
	}

	cancelled, err := student.CancelRide(ctx, ride.ID, domain.RideStatusDriverAssigned)
	if err != nil || cancelled.Status != domain.RideStatusCancelled {
		t.Errorf("expected cancel against the fresh status to succeed, got %+v / %v", cancelled, err)
	}

	if _, err := student.CreateRide(ctx, apiclient.CreateRideInput{Pickup: offCampus, Dropoff: campusDropoff}); !errors.Is(err, service.ErrOutOfServiceArea) {
		t.Errorf("expected ErrOutOfServiceArea, got %v", err)
	}
	if _, err := student.GetRide(ctx, "missing"); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	inArea, err := student.ReportStudentLocation(ctx, offCampus)
	if err != nil || inArea {
		t.Errorf("expected off-campus report outside the area, got %v / %v", inArea, err)
	}
}

func TestAPI_ErrorResponses(t *testing.T) {
	t.Parallel()
	af := newAPIFixture(t)

	tests := []struct {
		name     string
		method   string
		path     string
		role     domain.ActorRole
		body     string
		wantCode int
		wantBody string
	}{
		{"no principal", http.MethodGet, "/v1/rides/active", "", "", http.StatusUnauthorized, "unauthenticated"},
		{"driver creating a ride", http.MethodPost, "/v1/rides", domain.ActorRoleDriver, `{}`, http.StatusForbidden, service.CodeForbidden},
		{"student accepting", http.MethodPost, "/v1/rides/x/accept", domain.ActorRoleStudent, "", http.StatusForbidden, service.CodeForbidden},
		{"malformed body", http.MethodPost, "/v1/rides", domain.ActorRoleStudent, `{`, http.StatusBadRequest, service.CodeInvalidRequest},
		{"missing pickup", http.MethodPost, "/v1/rides", domain.ActorRoleStudent, `{"dropoff":{"lat":6.893,"lng":3.725}}`, http.StatusBadRequest, service.CodeInvalidRequest},
		{"off campus", http.MethodPost, "/v1/rides", domain.ActorRoleStudent, `{"pickup":{"lat":6.5244,"lng":3.3792},"dropoff":{"lat":6.893,"lng":3.725}}`, http.StatusUnprocessableEntity, service.CodeOutOfServiceArea},
		{"oversized notes", http.MethodPost, "/v1/rides", domain.ActorRoleStudent, `{"pickup":{"lat":6.8901,"lng":3.72},"dropoff":{"lat":6.893,"lng":3.725},"notes":"` + strings.Repeat("x", service.MaxNotesLength+1) + `"}`, http.StatusBadRequest, service.CodeInvalidRequest},
		{"unknown ride", http.MethodGet, "/v1/rides/missing", domain.ActorRoleStudent, "", http.StatusNotFound, service.CodeNotFound},
		{"bad radius", http.MethodGet, "/v1/drivers/nearby?lat=6.89&lng=3.72&radius=-1", domain.ActorRoleStudent, "", http.StatusBadRequest, service.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, af.server.URL+tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.role != "" {
				req.Header.Set(middleware.ActorIDHeader, "actor-1")
				req.Header.Set(middleware.ActorRoleHeader, string(tt.role))
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, resp.StatusCode)
			}
			var errBody api.ErrorBody
			if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if errBody.Code != tt.wantBody {
				t.Errorf("expected code %q, got %q", tt.wantBody, errBody.Code)
			}
		})
	}
}

func TestAPI_ControllersFollowFeed(t *testing.T) {
	t.Parallel()
	af := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := controller.Config{CallTimeout: 2 * time.Second, MinBackoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}

	studentAPI := af.client("student-1", domain.ActorRoleStudent)
	driverAPI := af.client("driver-1", domain.ActorRoleDriver)
	student := controller.NewStudentController("student-1", studentAPI,
		af.feedClient("student-1", domain.ActorRoleStudent), nil, cfg, nil)
	driver := controller.NewDriverController("driver-1", driverAPI,
		af.feedClient("driver-1", domain.ActorRoleDriver), nil, cfg, nil)

	done := make(chan struct{}, 2)
	go func() { _ = student.Run(ctx); done <- struct{}{} }()
	go func() { _ = driver.Run(ctx); done <- struct{}{} }()
	eventually(t, "both feed subscriptions", func() bool { return af.hub.Subscribers() == 2 })

	ride, err := student.RequestRide(ctx, apiclient.CreateRideInput{Pickup: campusPickup, Dropoff: campusDropoff})
	if err != nil {
		t.Fatalf("request ride: %v", err)
	}

	eventually(t, "the driver to see the offer", func() bool {
		for _, offer := range driver.Offers() {
			if offer.ID == ride.ID {
				return true
			}
		}
		return false
	})

	if _, err := driver.Accept(ctx, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	eventually(t, "the student to see the assignment", func() bool {
		cur := student.Current()
		return cur != nil && cur.Status == domain.RideStatusDriverAssigned && cur.DriverID == "driver-1"
	})

	if _, err := driver.Advance(ctx, domain.RideStatusArrivedAtPickup); err != nil {
		t.Fatalf("advance: %v", err)
	}
	eventually(t, "the student to see the arrival", func() bool {
		cur := student.Current()
		return cur != nil && cur.Status == domain.RideStatusArrivedAtPickup
	})

	history := student.History()
	if len(history) < 3 {
		t.Errorf("expected requested, assigned and arrived in history, got %+v", history)
	}
	for i := 1; i < len(history); i++ {
		if history[i].From == history[i].To {
			t.Errorf("history entry %d repeats status %s", i, history[i].To)
		}
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("controllers did not stop")
		}
	}
}
