package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/api"
	"campusride/internal/middleware"
	"campusride/internal/service"
)

// StudentHandler handles HTTP requests for students.
type StudentHandler struct {
	locations *service.LocationService
}

// NewStudentHandler creates a new StudentHandler.
func NewStudentHandler(locations *service.LocationService) *StudentHandler {
	return &StudentHandler{locations: locations}
}

// UpdateLocation handles POST /v1/students/location
func (h *StudentHandler) UpdateLocation(c *gin.Context) {
	p, _ := middleware.PrincipalFrom(c)

	var req api.StudentLocationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body")
		return
	}
	point, ok := req.Point.Domain()
	if !ok {
		respondError(c, service.ErrInvalidLocation)
		return
	}

	result, err := h.locations.ReportStudentLocation(c.Request.Context(), p.ID, point)
	if err != nil {
		respondError(c, err)
		return
	}

	respondJSON(c, http.StatusOK, api.StudentLocationResponse{InServiceArea: result.InServiceArea})
}
