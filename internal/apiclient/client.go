// Package apiclient is the Go client for the campusride HTTP API and its
// WebSocket change feed. Each Client acts for one principal.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"campusride/internal/api"
	"campusride/internal/domain"
	"campusride/internal/middleware"
	"campusride/internal/retry"
	"campusride/internal/service"
)

const (
	defaultTimeout   = 10 * time.Second
	readAttempts     = 3
	idempotencyKeyHd = "Idempotency-Key"
)

// Client calls the API on behalf of one student or driver.
type Client struct {
	baseURL   string
	principal domain.Principal
	http      *http.Client
	backoff   retry.Backoff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithReadBackoff sets the delays between read retries.
func WithReadBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.backoff = retry.Backoff{Min: min, Max: max, Jitter: 0.2} }
}

// New creates a Client for baseURL (e.g. "http://localhost:8080").
func New(baseURL string, principal domain.Principal, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		principal: principal,
		http:      &http.Client{Timeout: defaultTimeout},
		backoff:   retry.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Principal returns the actor this client acts for.
func (c *Client) Principal() domain.Principal {
	return c.principal
}

// CreateRideInput holds the fields of a new ride request.
type CreateRideInput struct {
	Pickup              domain.Point
	Dropoff             domain.Point
	Notes               string
	SpecialRequirements string
}

// CreateRide requests a ride for the student.
func (c *Client) CreateRide(ctx context.Context, in CreateRideInput) (*domain.RideRequest, error) {
	body := api.CreateRideBody{
		Pickup:              api.NewPoint(in.Pickup),
		Dropoff:             api.NewPoint(in.Dropoff),
		Notes:               in.Notes,
		SpecialRequirements: in.SpecialRequirements,
	}
	return c.rideCall(ctx, http.MethodPost, "/v1/rides", body)
}

// GetActiveRide returns the student's non-terminal ride, or nil.
func (c *Client) GetActiveRide(ctx context.Context) (*domain.RideRequest, error) {
	return c.rideRead(ctx, "/v1/rides/active")
}

// GetRide returns one ride the actor participates in.
func (c *Client) GetRide(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	return c.rideRead(ctx, "/v1/rides/"+url.PathEscape(rideID))
}

// CancelRide cancels the student's ride. A non-empty expected status makes
// the cancel fail with a stale-data error if the ride has moved on.
func (c *Client) CancelRide(ctx context.Context, rideID string, expected domain.RideStatus) (*domain.RideRequest, error) {
	return c.rideCall(ctx, http.MethodPost, "/v1/rides/"+url.PathEscape(rideID)+"/cancel",
		api.CancelRideBody{ExpectedStatus: string(expected)})
}

// ListOpenRides returns rides waiting for a driver, excluding ones this
// driver declined.
func (c *Client) ListOpenRides(ctx context.Context, limit int) ([]*domain.RideRequest, error) {
	path := "/v1/rides/open"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.RidesResponse
	if err := c.read(ctx, path, &out); err != nil {
		return nil, err
	}
	rides := make([]*domain.RideRequest, 0, len(out.Rides))
	for _, r := range out.Rides {
		rides = append(rides, r.Ride())
	}
	return rides, nil
}

// GetAssignedRide returns the driver's current ride, or nil.
func (c *Client) GetAssignedRide(ctx context.Context) (*domain.RideRequest, error) {
	return c.rideRead(ctx, "/v1/drivers/ride")
}

// AcceptRide claims an open ride for the driver.
func (c *Client) AcceptRide(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	return c.rideCall(ctx, http.MethodPost, "/v1/rides/"+url.PathEscape(rideID)+"/accept", nil)
}

// DeclineRide releases or refuses a ride.
func (c *Client) DeclineRide(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	return c.rideCall(ctx, http.MethodPost, "/v1/rides/"+url.PathEscape(rideID)+"/decline", nil)
}

// AdvanceStatus moves the driver's ride to target.
func (c *Client) AdvanceStatus(ctx context.Context, rideID string, target domain.RideStatus) (*domain.RideRequest, error) {
	return c.rideCall(ctx, http.MethodPost, "/v1/rides/"+url.PathEscape(rideID)+"/status",
		api.AdvanceStatusBody{Status: string(target)})
}

// DriverLocation is one driver position report.
type DriverLocation struct {
	Point     domain.Point
	Heading   float64
	Speed     float64
	Accepting bool
}

// ReportDriverLocation publishes the driver's position.
func (c *Client) ReportDriverLocation(ctx context.Context, loc DriverLocation) error {
	accepting := loc.Accepting
	body := api.DriverLocationBody{
		Point:     api.NewPoint(loc.Point),
		Heading:   loc.Heading,
		Speed:     loc.Speed,
		Accepting: &accepting,
	}
	return c.do(ctx, http.MethodPost, "/v1/drivers/location", body, nil)
}

// GoOffline marks the driver offline.
func (c *Client) GoOffline(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/drivers/offline", nil, nil)
}

// ReportStudentLocation publishes the student's position and reports
// whether it lies inside the service area.
func (c *Client) ReportStudentLocation(ctx context.Context, p domain.Point) (bool, error) {
	var out api.StudentLocationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/students/location", api.StudentLocationBody{Point: api.NewPoint(p)}, &out); err != nil {
		return false, err
	}
	return out.InServiceArea, nil
}

// Nearby lists online drivers around p.
func (c *Client) Nearby(ctx context.Context, p domain.Point, radiusMeters float64, limit int) ([]domain.MatchCandidate, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(p.Lng, 'f', -1, 64))
	if radiusMeters > 0 {
		q.Set("radius", strconv.FormatFloat(radiusMeters, 'f', -1, 64))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var out api.NearbyResponse
	if err := c.read(ctx, "/v1/drivers/nearby?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	candidates := make([]domain.MatchCandidate, 0, len(out.Candidates))
	for _, cand := range out.Candidates {
		candidates = append(candidates, domain.MatchCandidate{
			DriverID:       cand.DriverID,
			DistanceMeters: cand.DistanceMeters,
			IsOnline:       cand.IsOnline,
			UpdatedAt:      cand.UpdatedAt,
		})
	}
	return candidates, nil
}

func (c *Client) rideRead(ctx context.Context, path string) (*domain.RideRequest, error) {
	var out api.RideResponse
	if err := c.read(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Ride.Ride(), nil
}

func (c *Client) rideCall(ctx context.Context, method, path string, body any) (*domain.RideRequest, error) {
	var out api.RideResponse
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	if out.Ride == nil {
		return nil, ErrBadResponse
	}
	return out.Ride.Ride(), nil
}

// read issues an idempotent GET, retrying upstream failures with backoff.
func (c *Client) read(ctx context.Context, path string, out any) error {
	b := c.backoff
	return retry.Do(ctx, &b, readAttempts, isRetryable, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

func isRetryable(err error) bool {
	return errors.Is(err, service.ErrUpstreamUnavailable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// do performs one request. Mutations carry a fresh Idempotency-Key so a
// request replayed by a proxy is applied once; the client itself never
// retries them.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(middleware.ActorIDHeader, c.principal.ID)
	req.Header.Set(middleware.ActorRoleHeader, string(c.principal.Role))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set(idempotencyKeyHd, uuid.NewString())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	var body api.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
