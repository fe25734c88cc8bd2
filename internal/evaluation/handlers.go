package evaluation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/logging"
)

// Handler exposes the evaluation engine at the service boundary.
type Handler struct {
	engine *Engine
	audit  Store
}

// NewHandler creates an evaluation handler. audit may be nil, in which case
// result lookups return 404.
func NewHandler(engine *Engine, audit Store) *Handler {
	return &Handler{engine: engine, audit: audit}
}

// RegisterRoutes mounts the evaluation endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.evaluate)
	r.GET("/evaluations/:id", h.getEvaluation)
}

func (h *Handler) evaluate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	ctx := logging.WithTransactionID(c.Request.Context(), req.TransactionID)

	result, err := h.engine.Evaluate(ctx, &req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		// Evaluate only fails on validation; anything else is a bug worth
		// surfacing loudly.
		logging.L(ctx).Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "evaluation failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) getEvaluation(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
		return
	}

	id := c.Param("id")
	result, err := h.audit.Get(c.Request.Context(), id)
	if errors.Is(err, ErrResultNotFound) {
		// Fall back to transaction ID lookup for caller convenience.
		result, err = h.audit.GetByTransaction(c.Request.Context(), id)
	}
	if errors.Is(err, ErrResultNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "evaluation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}
