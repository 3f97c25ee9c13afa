package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clefhq/lesson-engine/internal/service"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
	"github.com/clefhq/lesson-engine/pkg/response"
)

// SeriesHandler manages recurrence series endpoints.
type SeriesHandler struct {
	service *service.SeriesService
}

// NewSeriesHandler constructs handler.
func NewSeriesHandler(svc *service.SeriesService) *SeriesHandler {
	return &SeriesHandler{service: svc}
}

// Create godoc
// @Summary Create a recurrence series
// @Tags Series
// @Accept json
// @Produce json
// @Param payload body service.CreateSeriesRequest true "Series payload"
// @Success 201 {object} response.Envelope
// @Router /series [post]
func (h *SeriesHandler) Create(c *gin.Context) {
	var req service.CreateSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	series, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, series)
}

// Get godoc
// @Summary Fetch one series
// @Tags Series
// @Produce json
// @Param id path string true "Series ID"
// @Success 200 {object} response.Envelope
// @Router /series/{id} [get]
func (h *SeriesHandler) Get(c *gin.Context) {
	series, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, series, nil)
}

// Occurrences godoc
// @Summary Expand a series into its occurrences
// @Tags Series
// @Produce json
// @Param id path string true "Series ID"
// @Param until query string false "Expansion limit (RFC3339)"
// @Success 200 {object} response.Envelope
// @Router /series/{id}/occurrences [get]
func (h *SeriesHandler) Occurrences(c *gin.Context) {
	var until *time.Time
	if raw := c.Query("until"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "until must be RFC3339"))
			return
		}
		until = &parsed
	}
	occurrences, err := h.service.Occurrences(c.Request.Context(), c.Param("id"), until)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, occurrences, nil)
}

// EditOccurrence godoc
// @Summary Override one occurrence of a series
// @Tags Series
// @Accept json
// @Produce json
// @Param id path string true "Series ID"
// @Param date path string true "Occurrence date (YYYY-MM-DD)"
// @Param payload body service.EditOccurrenceRequest true "Override payload"
// @Success 200 {object} response.Envelope
// @Router /series/{id}/occurrences/{date} [patch]
func (h *SeriesHandler) EditOccurrence(c *gin.Context) {
	var req service.EditOccurrenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	ex, err := h.service.EditOccurrence(c.Request.Context(), c.Param("id"), c.Param("date"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, ex, nil)
}

// Materialize godoc
// @Summary Turn one occurrence into a pending booking
// @Tags Series
// @Produce json
// @Param id path string true "Series ID"
// @Param date path string true "Occurrence date (YYYY-MM-DD)"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /series/{id}/occurrences/{date}/materialize [post]
func (h *SeriesHandler) Materialize(c *gin.Context) {
	lesson, err := h.service.Materialize(c.Request.Context(), c.Param("id"), c.Param("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, lesson)
}
