// README: HTTP router registration.
package http

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridecore/internal/http/handlers"
	"ridecore/internal/http/middleware"
	"ridecore/internal/infra"
)

func corsFor(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", infra.CorrelationHeader},
		ExposeHeaders: []string{"Content-Length", infra.CorrelationHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func NewRouter(deps ServerDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Tracing(), middleware.Logging(log))
	if len(deps.AllowedOrigins) > 0 {
		r.Use(corsFor(deps.AllowedOrigins))
	}
	if deps.Registry != nil {
		r.Use(middleware.Metrics(deps.Registry))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}
	r.GET("/health", handlers.Health)
	r.GET("/ready", handlers.Ready(deps.Checks))

	auth := middleware.Auth(deps.Verifier)
	passenger := middleware.RequireRole(middleware.RolePassenger)
	driverOnly := middleware.RequireRole(middleware.RoleDriver)
	admin := middleware.RequireRole(middleware.RoleAdmin)

	if deps.Realtime != nil {
		r.GET("/ws", auth, handlers.WS(deps.Realtime))
	}

	api := r.Group("/api", auth)

	rides := handlers.NewRideHandler(deps.Rides, deps.Profiles)
	api.POST("/rides", passenger, rides.Create)
	api.POST("/rides/driver-initiated", driverOnly, rides.CreateByDriver)
	api.GET("/rides/:id", rides.Get)
	api.GET("/rides/:id/events", rides.Events)
	api.POST("/rides/:id/cancel", passenger, rides.Cancel)

	drivers := handlers.NewDriverHandler(deps.Rides, deps.Decliner)
	api.POST("/rides/:id/accept", driverOnly, drivers.Accept)
	api.POST("/rides/:id/decline", driverOnly, drivers.Decline)
	api.POST("/rides/:id/arrive", driverOnly, drivers.Arrive)
	api.POST("/rides/:id/start", driverOnly, drivers.Start)
	api.POST("/rides/:id/complete", driverOnly, drivers.Complete)

	loc := handlers.NewLocationHandler(deps.Locations)
	api.PUT("/drivers/me/line", driverOnly, loc.SetLine)
	api.PUT("/drivers/me/location", driverOnly, loc.Update)

	prices := handlers.NewPricingHandler(deps.Pricing, deps.Routes)
	api.POST("/quotes", prices.Quote)

	tariffs := api.Group("/admin/tariffs", admin)
	tariffs.POST("", prices.Create)
	tariffs.GET("/:city/:class", prices.Get)
	tariffs.PUT("/:city/:class/base", prices.UpdateBaseFare)
	tariffs.PUT("/:city/:class/hourly/:hour", prices.SetHourly)
	tariffs.PUT("/:city/:class/monthly/:month", prices.SetMonthly)
	tariffs.POST("/:city/:class/holidays", prices.AddHoliday)
	tariffs.PUT("/:city/:class/holidays/:month/:day", prices.UpdateHoliday)
	tariffs.DELETE("/:city/:class/holidays/:month/:day", prices.DeleteHoliday)
	tariffs.GET("/:city/:class/history", prices.History)
	return r
}
