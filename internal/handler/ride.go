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

const defaultOpenRidesLimit = 20

// RideHandler handles HTTP requests for rides.
type RideHandler struct {
	coordinator *service.Coordinator
}

// NewRideHandler creates a new RideHandler.
func NewRideHandler(coordinator *service.Coordinator) *RideHandler {
	return &RideHandler{coordinator: coordinator}
}

// CreateRide handles POST /v1/rides
func (h *RideHandler) CreateRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var req api.CreateRideBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}

	pickup, ok := req.Pickup.Domain()
	if !ok {
		respondError(c, service.ErrInvalidPickupLocation)
		return
	}
	dropoff, ok := req.Dropoff.Domain()
	if !ok {
		respondError(c, service.ErrInvalidDropoffLocation)
		return
	}

	ride, err := h.coordinator.CreateRequest(c.Request.Context(), service.CreateRideRequest{
		StudentID:           p.ID,
		Pickup:              pickup,
		Dropoff:             dropoff,
		Notes:               req.Notes,
		SpecialRequirements: req.SpecialRequirements,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusCreated, api.RideResponse{Ride: api.NewRide(ride)})
}

// GetActiveRide handles GET /v1/rides/active
func (h *RideHandler) GetActiveRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	ride, err := h.coordinator.GetActiveRide(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// ListOpenRides handles GET /v1/rides/open
func (h *RideHandler) ListOpenRides(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	limit := defaultOpenRidesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rides, err := h.coordinator.ListOpenRides(c.Request.Context(), p.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RidesResponse{Rides: api.NewRides(rides)})
}

// GetRide handles GET /v1/rides/:id
func (h *RideHandler) GetRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	ride, err := h.coordinator.GetRide(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// CancelRide handles POST /v1/rides/:id/cancel
func (h *RideHandler) CancelRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var req api.CancelRideBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid request body")
			return
		}
	}

	ride, err := h.coordinator.Cancel(c.Request.Context(), service.CancelRideRequest{
		RideID:         c.Param("id"),
		StudentID:      p.ID,
		ExpectedStatus: domain.RideStatus(req.ExpectedStatus),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// AcceptRide handles POST /v1/rides/:id/accept
func (h *RideHandler) AcceptRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	ride, err := h.coordinator.Accept(c.Request.Context(), c.Param("id"), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// DeclineRide handles POST /v1/rides/:id/decline
func (h *RideHandler) DeclineRide(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	ride, err := h.coordinator.Decline(c.Request.Context(), c.Param("id"), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}

// AdvanceStatus handles POST /v1/rides/:id/status
func (h *RideHandler) AdvanceStatus(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var req api.AdvanceStatusBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		respondBadRequest(c, "status is required")
		return
	}

	ride, err := h.coordinator.AdvanceStatus(c.Request.Context(), c.Param("id"), p.ID, domain.RideStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.RideResponse{Ride: api.NewRide(ride)})
}
