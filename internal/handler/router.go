package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/clefhq/lesson-engine/internal/middleware"
	"github.com/clefhq/lesson-engine/internal/service"
)

// Handlers bundles the route handlers for registration.
type Handlers struct {
	Availability *AvailabilityHandler
	Booking      *BookingHandler
	Series       *SeriesHandler
	Auth         *service.AuthService
}

// RegisterRoutes mounts the API under prefix with JWT and role enforcement.
// Teachers manage their own availability; admins manage everyone's. Booking
// actions are open to any authenticated caller, with the finish and payment
// endpoints restricted to teachers and admins.
func RegisterRoutes(r *gin.Engine, prefix string, h Handlers) {
	api := r.Group(prefix)
	api.Use(middleware.JWT(h.Auth))

	teachers := api.Group("/teachers/:id/availability")
	{
		teachers.GET("", h.Availability.Effective)
		teachers.POST("/rules", middleware.RBAC("ADMIN", "SELF"), h.Availability.CreateRule)
		teachers.DELETE("/rules/:ruleId", middleware.RBAC("ADMIN", "SELF"), h.Availability.DeleteRule)
		teachers.POST("/exceptions", middleware.RBAC("ADMIN", "SELF"), h.Availability.CreateException)
	}

	bookings := api.Group("/bookings")
	{
		bookings.POST("", h.Booking.Request)
		bookings.GET("", h.Booking.List)
		bookings.GET("/:id", h.Booking.Get)
		bookings.POST("/:id/confirm", middleware.RBAC("ADMIN", "TEACHER"), h.Booking.Confirm)
		bookings.POST("/:id/cancel", h.Booking.Cancel)
		bookings.POST("/:id/reschedule", h.Booking.Reschedule)
		bookings.POST("/:id/complete", middleware.RBAC("ADMIN", "TEACHER"), h.Booking.Complete)
		bookings.POST("/:id/no-show", middleware.RBAC("ADMIN", "TEACHER"), h.Booking.NoShow)
		bookings.POST("/:id/payment", middleware.RBAC("ADMIN"), h.Booking.Payment)
	}

	series := api.Group("/series")
	{
		series.POST("", h.Series.Create)
		series.GET("/:id", h.Series.Get)
		series.GET("/:id/occurrences", h.Series.Occurrences)
		series.PATCH("/:id/occurrences/:date", h.Series.EditOccurrence)
		series.POST("/:id/occurrences/:date/materialize", h.Series.Materialize)
	}
}
