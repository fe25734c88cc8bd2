package review

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the review queue over HTTP for the analyst tooling.
type Handler struct {
	service *Service
}

// NewHandler creates a review handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the review endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reviews", h.list)
	r.GET("/reviews/:id", h.get)
	r.POST("/reviews/:id/assign", h.assign)
	r.POST("/reviews/:id/complete", h.complete)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := Status(c.Query("status"))

	switch status {
	case "", StatusPending, StatusInReview, StatusCompleted:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
		return
	}

	items, err := h.service.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reviews"})
		return
	}
	if items == nil {
		items = []*Item{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": items, "count": len(items)})
}

func (h *Handler) get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrItemNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

// AssignRequest is the body for POST /reviews/:id/assign.
type AssignRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

func (h *Handler) assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reviewer is required"})
		return
	}

	item, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

// CompleteRequest is the body for POST /reviews/:id/complete.
type CompleteRequest struct {
	Decision string `json:"decision" binding:"required"`
	Notes    string `json:"notes"`
}

func (h *Handler) complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision is required"})
		return
	}

	item, err := h.service.Complete(c.Request.Context(), c.Param("id"), req.Decision, req.Notes)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, item)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadTransition):
		return http.StatusConflict
	case errors.Is(err, ErrEmptyReviewer), errors.Is(err, ErrEmptyDecision):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
