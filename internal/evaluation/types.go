// Package evaluation orchestrates the fraud engines into a single decision
// per transaction.
package evaluation

import (
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/validation"
)

// Request is one inbound transaction to evaluate. Immutable once validated.
type Request struct {
	TransactionID     string          `json:"transactionId" binding:"required"`
	UserID            string          `json:"userId" binding:"required"`
	OrderID           string          `json:"orderId"`
	AmountCents       int64           `json:"amountCents" binding:"required"`
	Currency          string          `json:"currency" binding:"required"`
	IPAddress         string          `json:"ipAddress"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
	Shipping          *ShippingInfo   `json:"shipping,omitempty"`
	Payment           *PaymentInfo    `json:"payment,omitempty"`
	Session           *SessionContext `json:"session,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// ShippingInfo is the destination the order ships to.
type ShippingInfo struct {
	Country    string `json:"country"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
}

// PaymentInfo identifies the instrument without carrying PAN data.
type PaymentInfo struct {
	CardBIN        string `json:"cardBin"`
	CardLast4      string `json:"cardLast4"`
	BillingCountry string `json:"billingCountry"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
}

// SessionContext carries client-side session attributes.
type SessionContext struct {
	UserAgent   string `json:"userAgent"`
	AcceptLang  string `json:"acceptLang"`
	SessionAge  int64  `json:"sessionAgeSeconds"`
	PageViews   int    `json:"pageViews"`
	IsReturning bool   `json:"isReturning"`
}

// ValidationError is the only per-request error Evaluate returns. Anything
// else degrades the score instead of failing the call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Validate checks the request before any engine runs.
func (r *Request) Validate() error {
	if r.TransactionID == "" {
		return &ValidationError{Field: "transactionId", Reason: "is required"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if r.AmountCents <= 0 {
		return &ValidationError{Field: "amountCents", Reason: "must be positive"}
	}
	if !validation.IsValidCurrency(r.Currency) {
		return &ValidationError{Field: "currency", Reason: "must be a three-letter code"}
	}
	if r.IPAddress != "" && !validation.IsValidIP(r.IPAddress) {
		return &ValidationError{Field: "ipAddress", Reason: "is not a valid IP address"}
	}
	if r.Payment != nil {
		if r.Payment.Email != "" && !validation.IsValidEmail(r.Payment.Email) {
			return &ValidationError{Field: "payment.email", Reason: "is not a valid email"}
		}
		if r.Payment.CardBIN != "" && !validation.IsValidCardBIN(r.Payment.CardBIN) {
			return &ValidationError{Field: "payment.cardBin", Reason: "must be 6-8 digits"}
		}
	}
	return nil
}

// email returns the payment email, empty when absent.
func (r *Request) email() string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.Email
}

func (r *Request) phone() string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.Phone
}

func (r *Request) cardBIN() string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.CardBIN
}

func (r *Request) billingCountry() string {
	if r.Payment == nil {
		return ""
	}
	return r.Payment.BillingCountry
}

// RiskLevel buckets the numeric score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision is the action the platform takes on the transaction.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionAdditionalAuth Decision = "additional_auth"
	DecisionManualReview   Decision = "manual_review"
	DecisionBlock          Decision = "block"
)

// Signal is one engine's contribution to the score, kept for audit/XAI.
type Signal struct {
	SourceEngine string `json:"sourceEngine"`
	ScoreDelta   int    `json:"scoreDelta"`
	Rationale    string `json:"rationale"`
}

// RecommendedAction spells out what the caller should do next.
type RecommendedAction struct {
	Action                 Decision `json:"action"`
	AdditionalAuthRequired bool     `json:"additionalAuthRequired"`
	ManualReviewRequired   bool     `json:"manualReviewRequired"`
}

// Metadata carries evaluation timing for SLA tracking.
type Metadata struct {
	TotalTimeMS     float64            `json:"totalTimeMs"`
	EngineTimingsMS map[string]float64 `json:"engineTimingsMs"`
	TimedOutEngines []string           `json:"timedOutEngines,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Result is the evaluation outcome. Produced exactly once per request and
// never mutated after return.
type Result struct {
	ID                string            `json:"id"`
	TransactionID     string            `json:"transactionId"`
	UserID            string            `json:"userId"`
	RiskScore         int               `json:"riskScore"`
	RiskLevel         RiskLevel         `json:"riskLevel"`
	Decision          Decision          `json:"decision"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	Signals           []Signal          `json:"signals"`
	Metadata          Metadata          `json:"metadata"`
}
