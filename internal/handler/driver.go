package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusride/internal/api"
	"campusride/internal/domain"
	"campusride/internal/middleware"
	"campusride/internal/service"
)

// DriverHandler handles HTTP requests for drivers.
type DriverHandler struct {
	locations   *service.LocationService
	matcher     *service.MatchingService
	coordinator *service.Coordinator
}

// NewDriverHandler creates a new DriverHandler.
func NewDriverHandler(locations *service.LocationService, matcher *service.MatchingService, coordinator *service.Coordinator) *DriverHandler {
	return &DriverHandler{
		locations:   locations,
		matcher:     matcher,
		coordinator: coordinator,
	}
}

// UpdateLocation handles POST /v1/drivers/location
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var req api.DriverLocationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}
	point, ok := req.Point.Domain()
	if !ok {
		respondError(c, service.ErrInvalidLocation)
		return
	}

	accepting := true
	if req.Accepting != nil {
		accepting = *req.Accepting
	}

	err := h.locations.ReportDriverLocation(c.Request.Context(), service.DriverLocationReport{
		DriverID:  p.ID,
		Point:     point,
		Heading:   req.Heading,
		Speed:     req.Speed,
		Accepting: accepting,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GoOffline handles POST /v1/drivers/offline
func (h *DriverHandler) GoOffline(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	if err := h.locations.SetDriverOffline(c.Request.Context(), p.ID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetAssignedRide handles GET /v1/drivers/ride
func (h *DriverHandler) GetAssignedRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	ride, err := h.coordinator.GetAssignedRide(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// Nearby handles GET /v1/drivers/nearby?lat=&lng=&radius=&limit=
func (h *DriverHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		respondError(c, service.ErrInvalidPickupLocation)
		return
	}

	radius := 1000.0
	if raw := c.Query("radius"); raw != "" {
		r, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(c, service.ErrInvalidRadius)
			return
		}
		radius = r
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondBadRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	candidates, err := h.matcher.FindNearby(c.Request.Context(), domain.Point{Lat: lat, Lng: lng}, radius, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]api.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, api.Candidate{
			DriverID:       cand.DriverID,
			DistanceMeters: cand.DistanceMeters,
			IsOnline:       cand.IsOnline,
			UpdatedAt:      cand.UpdatedAt,
		})
	}
	respondJSON(c, http.StatusOK, api.NearbyResponse{Candidates: out})
}
