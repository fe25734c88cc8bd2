// Package review implements the manual review queue for transactions the
// evaluation engine refuses to auto-decide.
package review

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a review item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusCompleted Status = "completed"
)

// Item is one transaction awaiting (or finished with) manual review.
type Item struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transactionId"`
	UserID        string     `json:"userId"`
	RiskScore     int        `json:"riskScore"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Decision      string     `json:"decision,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Open reports whether the item still needs attention.
func (i *Item) Open() bool {
	return i.Status == StatusPending || i.Status == StatusInReview
}

// ReviewTimeSeconds is how long the item sat in review, zero until completed.
func (i *Item) ReviewTimeSeconds() float64 {
	if i.AssignedAt == nil || i.CompletedAt == nil {
		return 0
	}
	return i.CompletedAt.Sub(*i.AssignedAt).Seconds()
}

var (
	ErrItemNotFound   = errors.New("review item not found")
	ErrBadTransition  = errors.New("invalid review status transition")
	ErrDuplicateOpen  = errors.New("transaction already has an open review item")
	ErrEmptyReviewer  = errors.New("reviewer must not be empty")
	ErrEmptyDecision  = errors.New("decision must not be empty")
)

// Store persists review items. At most one open item may exist per
// transaction; Create returns ErrDuplicateOpen when a second is attempted.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	GetOpenByTransaction(ctx context.Context, transactionID string) (*Item, error)
	Update(ctx context.Context, item *Item) error
	List(ctx context.Context, status Status, limit, offset int) ([]*Item, error)
	CountOpen(ctx context.Context) (int, error)
}
