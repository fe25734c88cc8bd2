package blacklist

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides admin CRUD endpoints for blacklist entries.
type Handler struct {
	service *Service
}

// NewHandler creates a blacklist admin handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up blacklist admin endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/blacklist", h.AddEntry)
	r.GET("/blacklist", h.ListEntries)
	r.DELETE("/blacklist/:type/:value", h.RemoveEntry)
	r.PUT("/blacklist/:type/:value/ttl", h.UpdateTTL)
}

// AddRequest is the body for creating a blacklist entry.
type AddRequest struct {
	Type       string `json:"entryType" binding:"required"`
	Value      string `json:"value" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	AddedBy    string `json:"addedBy" binding:"required"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// AddEntry creates or overwrites an entry.
// POST /v1/admin/blacklist
func (h *Handler) AddEntry(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "entryType, value, reason, and addedBy are required",
		})
		return
	}

	entry, err := h.service.Add(c.Request.Context(), EntryType(req.Type), req.Value,
		req.Reason, req.AddedBy, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		status := http.StatusBadRequest
		if err != ErrInvalidType && err != ErrEmptyValue {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "add_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// ListEntries lists entries, optionally filtered by ?type=.
// GET /v1/admin/blacklist?type=ip&limit=50&offset=0
func (h *Handler) ListEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.service.List(c.Request.Context(), EntryType(c.Query("type")), limit, offset)
	if err != nil {
		if err == ErrInvalidType {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"limit":   limit,
		"offset":  offset,
	})
}

// RemoveEntry deletes an entry.
// DELETE /v1/admin/blacklist/:type/:value
func (h *Handler) RemoveEntry(c *gin.Context) {
	removed, err := h.service.Remove(c.Request.Context(), EntryType(c.Param("type")), c.Param("value"))
	if err != nil {
		if err == ErrInvalidType {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_failed", "message": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such blacklist entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// TTLRequest is the body for updating an entry's TTL.
type TTLRequest struct {
	TTLSeconds int64 `json:"ttlSeconds" binding:"required"`
}

// UpdateTTL resets an entry's expiry.
// PUT /v1/admin/blacklist/:type/:value/ttl
func (h *Handler) UpdateTTL(c *gin.Context) {
	var req TTLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ttlSeconds is required",
		})
		return
	}

	ok, err := h.service.UpdateTTL(c.Request.Context(), EntryType(c.Param("type")),
		c.Param("value"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if err == ErrInvalidType {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_type", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed", "message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such blacklist entry"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
