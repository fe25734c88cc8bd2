package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/metrics"
)

// VelocityTracker counts recent transactions per user in the external
// key-value store, so the count is shared across instances.
type VelocityTracker struct {
	store  kvstore.Store
	window time.Duration
	logger *slog.Logger
}

// NewVelocityTracker creates a tracker with the given window.
func NewVelocityTracker(store kvstore.Store, window time.Duration, logger *slog.Logger) *VelocityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VelocityTracker{store: store, window: window, logger: logger}
}

// Observe records one transaction for userID and returns the count inside
// the current window, including this one. Store failure degrades to a count
// of 1 so an outage never blocks legitimate traffic.
func (v *VelocityTracker) Observe(ctx context.Context, userID string) int64 {
	if userID == "" {
		return 1
	}
	count, err := v.store.Incr(ctx, fmt.Sprintf("vel:user:%s", userID), v.window)
	if err != nil {
		v.logger.Warn("velocity counter unavailable", "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues("velocity_store").Inc()
		return 1
	}
	return count
}
