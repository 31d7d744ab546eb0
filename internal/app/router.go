package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusride/internal/domain"
	"campusride/internal/handler"
	"campusride/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	RideHandler    *handler.RideHandler
	DriverHandler  *handler.DriverHandler
	StudentHandler *handler.StudentHandler
	FeedHandler    *handler.FeedHandler
	ResponseCache  middleware.ResponseCache // nil disables idempotency replay
	NewRelicApp    *newrelic.Application
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware.
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.Metrics())

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes. Every route needs a principal from the gateway.
	v1 := router.Group("/v1", middleware.Principal())
	if deps.ResponseCache != nil {
		v1.Use(middleware.IdempotencyMiddleware(deps.ResponseCache))
	}
	{
		v1.GET("/feed", deps.FeedHandler.Subscribe)
		v1.GET("/drivers/nearby", deps.DriverHandler.Nearby)

		// Ride routes shared by both roles.
		rides := v1.Group("/rides")
		{
			rides.GET("/:id", deps.RideHandler.GetRide)
		}

		// Student ride routes.
		studentRides := rides.Group("", middleware.RequireRole(domain.ActorRoleStudent))
		{
			studentRides.POST("", deps.RideHandler.CreateRide)
			studentRides.GET("/active", deps.RideHandler.GetActiveRide)
			studentRides.POST("/:id/cancel", deps.RideHandler.CancelRide)
		}

		// Driver ride routes.
		driverRides := rides.Group("", middleware.RequireRole(domain.ActorRoleDriver))
		{
			driverRides.GET("/open", deps.RideHandler.ListOpenRides)
			driverRides.POST("/:id/accept", deps.RideHandler.AcceptRide)
			driverRides.POST("/:id/decline", deps.RideHandler.DeclineRide)
			driverRides.POST("/:id/status", deps.RideHandler.AdvanceStatus)
		}

		// Driver routes.
		drivers := v1.Group("/drivers", middleware.RequireRole(domain.ActorRoleDriver))
		{
			drivers.POST("/location", deps.DriverHandler.UpdateLocation)
			drivers.POST("/offline", deps.DriverHandler.GoOffline)
			drivers.GET("/ride", deps.DriverHandler.GetAssignedRide)
		}

		// Student routes.
		students := v1.Group("/students", middleware.RequireRole(domain.ActorRoleStudent))
		{
			students.POST("/location", deps.StudentHandler.UpdateLocation)
		}
	}

	return router
}
