// Package blacklist manages denylisted identifiers used by the evaluation core.
//
// Entries are unique per (type, value) and live in the external key-value
// store; Add is last-write-wins and resets the TTL, and entries auto-expire
// via the store's TTL. Lookups that fail against the store degrade to "no
// match" — a blacklist outage must never fail or block a request.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/metrics"
)

// EntryType classifies what kind of identifier an entry denylists.
type EntryType string

const (
	TypeIP          EntryType = "ip"
	TypeEmailDomain EntryType = "email_domain"
	TypeCardBIN     EntryType = "card_bin"
	TypeUserID      EntryType = "user_id"
	TypePhone       EntryType = "phone"
)

// ValidType reports whether t is a known entry type.
func ValidType(t EntryType) bool {
	switch t {
	case TypeIP, TypeEmailDomain, TypeCardBIN, TypeUserID, TypePhone:
		return true
	}
	return false
}

var (
	ErrInvalidType = errors.New("invalid blacklist entry type")
	ErrEmptyValue  = errors.New("blacklist value must not be empty")
)

// Entry is a single denylisted identifier.
type Entry struct {
	ID        string            `json:"id"`
	Type      EntryType         `json:"entryType"`
	Value     string            `json:"value"`
	Reason    string            `json:"reason"`
	AddedBy   string            `json:"addedBy"`
	AddedAt   time.Time         `json:"addedAt"`
	ExpiresAt *time.Time        `json:"expiresAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MatchRequest carries the identifiers of one transaction for MatchAll.
// Empty fields are skipped.
type MatchRequest struct {
	IP      string
	Email   string
	CardBIN string
	UserID  string
	Phone   string
}

// Service provides blacklist operations over the backing store.
type Service struct {
	store  kvstore.Store
	logger *slog.Logger
}

// NewService creates a blacklist service.
func NewService(store kvstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Add creates or overwrites the entry for (entryType, value). Overwriting
// resets the TTL (last-write-wins). A zero ttl means the entry never expires.
func (s *Service) Add(ctx context.Context, entryType EntryType, value, reason, addedBy string, ttl time.Duration) (*Entry, error) {
	if !ValidType(entryType) {
		return nil, ErrInvalidType
	}
	value = normalizeValue(entryType, value)
	if value == "" {
		return nil, ErrEmptyValue
	}

	entry := &Entry{
		ID:      idgen.BlacklistEntryID(),
		Type:    entryType,
		Value:   value,
		Reason:  reason,
		AddedBy: addedBy,
		AddedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		expires := entry.AddedAt.Add(ttl)
		entry.ExpiresAt = &expires
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal blacklist entry: %w", err)
	}
	if err := s.store.Set(ctx, entryKey(entryType, value), raw, ttl); err != nil {
		return nil, fmt.Errorf("store blacklist entry: %w", err)
	}
	return entry, nil
}

// Check returns the entry for (entryType, value), or nil when absent.
// Email values are normalized to their domain before lookup.
// Store errors degrade to "no match" with a warning.
func (s *Service) Check(ctx context.Context, entryType EntryType, value string) *Entry {
	if !ValidType(entryType) {
		return nil
	}
	value = normalizeValue(entryType, value)
	if value == "" {
		return nil
	}

	raw, ok, err := s.store.Get(ctx, entryKey(entryType, value))
	if err != nil {
		s.logger.Warn("blacklist store unavailable, treating as no match",
			"type", entryType, "error", err)
		metrics.DependencyErrorsTotal.WithLabelValues("blacklist_store").Inc()
		return nil
	}
	if !ok {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Warn("corrupt blacklist entry", "type", entryType, "error", err)
		return nil
	}
	metrics.BlacklistHitsTotal.WithLabelValues(string(entryType)).Inc()
	return &entry
}

// Remove deletes the entry for (entryType, value), reporting whether one existed.
func (s *Service) Remove(ctx context.Context, entryType EntryType, value string) (bool, error) {
	if !ValidType(entryType) {
		return false, ErrInvalidType
	}
	value = normalizeValue(entryType, value)
	return s.store.Delete(ctx, entryKey(entryType, value))
}

// List returns entries, optionally filtered by type, ordered by key.
func (s *Service) List(ctx context.Context, entryType EntryType, limit, offset int) ([]*Entry, error) {
	prefix := "bl:"
	if entryType != "" {
		if !ValidType(entryType) {
			return nil, ErrInvalidType
		}
		prefix = fmt.Sprintf("bl:%s:", entryType)
	}

	kvs, err := s.store.Scan(ctx, prefix, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("scan blacklist entries: %w", err)
	}

	entries := make([]*Entry, 0, len(kvs))
	for _, kv := range kvs {
		var entry Entry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// UpdateTTL resets the expiry of an existing entry, reporting whether it existed.
func (s *Service) UpdateTTL(ctx context.Context, entryType EntryType, value string, ttl time.Duration) (bool, error) {
	if !ValidType(entryType) {
		return false, ErrInvalidType
	}
	value = normalizeValue(entryType, value)

	key := entryKey(entryType, value)
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}

	// Keep the stored expiry in sync with the store TTL.
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err == nil {
		if ttl > 0 {
			expires := time.Now().UTC().Add(ttl)
			entry.ExpiresAt = &expires
		} else {
			entry.ExpiresAt = nil
		}
		if updated, err := json.Marshal(&entry); err == nil {
			return true, s.store.Set(ctx, key, updated, ttl)
		}
	}
	return s.store.Expire(ctx, key, ttl)
}

// MatchAll checks every populated field of req in one call and returns the
// matches keyed by field name ("ip", "email", "card_bin", "user_id", "phone").
// Absent fields and store failures simply produce no match.
func (s *Service) MatchAll(ctx context.Context, req MatchRequest) map[string]*Entry {
	matches := make(map[string]*Entry)

	if req.IP != "" {
		if e := s.Check(ctx, TypeIP, req.IP); e != nil {
			matches["ip"] = e
		}
	}
	if req.Email != "" {
		if e := s.Check(ctx, TypeEmailDomain, req.Email); e != nil {
			matches["email"] = e
		}
	}
	if req.CardBIN != "" {
		if e := s.Check(ctx, TypeCardBIN, req.CardBIN); e != nil {
			matches["card_bin"] = e
		}
	}
	if req.UserID != "" {
		if e := s.Check(ctx, TypeUserID, req.UserID); e != nil {
			matches["user_id"] = e
		}
	}
	if req.Phone != "" {
		if e := s.Check(ctx, TypePhone, req.Phone); e != nil {
			matches["phone"] = e
		}
	}
	return matches
}

// EmailDomain extracts the lowercased domain from an email address.
// Inputs that are already bare domains pass through unchanged.
func EmailDomain(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.LastIndex(email, "@"); at >= 0 {
		return email[at+1:]
	}
	return email
}

func normalizeValue(entryType EntryType, value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if entryType == TypeEmailDomain {
		return EmailDomain(value)
	}
	return value
}

func entryKey(entryType EntryType, value string) string {
	return fmt.Sprintf("bl:%s:%s", entryType, value)
}
