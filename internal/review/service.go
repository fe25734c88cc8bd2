package review

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
)

// Service enforces the review lifecycle: pending → in_review → completed.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a review service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Add enqueues a transaction for manual review. Idempotent: if the
// transaction already has an open item, that item is returned and existed is
// true — evaluation retries never produce duplicate work.
func (s *Service) Add(ctx context.Context, transactionID, userID string, riskScore int, reason string) (*Item, bool, error) {
	if existing, err := s.store.GetOpenByTransaction(ctx, transactionID); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, ErrItemNotFound) {
		return nil, false, err
	}

	item := &Item{
		ID:            idgen.ReviewItemID(),
		TransactionID: transactionID,
		UserID:        userID,
		RiskScore:     riskScore,
		Reason:        reason,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	err := s.store.Create(ctx, item)
	if errors.Is(err, ErrDuplicateOpen) {
		// Lost a race with a concurrent Add for the same transaction.
		existing, gerr := s.store.GetOpenByTransaction(ctx, transactionID)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.updateDepth(ctx)
	s.logger.Info("transaction queued for review",
		"review_id", item.ID, "transaction_id", transactionID, "risk_score", riskScore)
	return item, false, nil
}

// Assign moves a pending item to in_review for the given reviewer.
func (s *Service) Assign(ctx context.Context, id, reviewer string) (*Item, error) {
	if reviewer == "" {
		return nil, ErrEmptyReviewer
	}

	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, ErrBadTransition
	}

	now := time.Now().UTC()
	item.Status = StatusInReview
	item.AssignedTo = reviewer
	item.AssignedAt = &now

	if err := s.store.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Complete finishes an in_review item with the reviewer's decision.
func (s *Service) Complete(ctx context.Context, id, decision, notes string) (*Item, error) {
	if decision == "" {
		return nil, ErrEmptyDecision
	}

	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusInReview {
		return nil, ErrBadTransition
	}

	now := time.Now().UTC()
	item.Status = StatusCompleted
	item.Decision = decision
	item.Notes = notes
	item.CompletedAt = &now

	if err := s.store.Update(ctx, item); err != nil {
		return nil, err
	}

	s.updateDepth(ctx)
	s.logger.Info("review completed",
		"review_id", item.ID, "decision", decision,
		"review_time_seconds", item.ReviewTimeSeconds())
	return item, nil
}

// Get returns one item by ID.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// List returns items filtered by status (empty = all), oldest first.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Item, error) {
	return s.store.List(ctx, status, limit, offset)
}

func (s *Service) updateDepth(ctx context.Context) {
	if n, err := s.store.CountOpen(ctx); err == nil {
		metrics.ReviewQueueDepth.Set(float64(n))
	}
}
