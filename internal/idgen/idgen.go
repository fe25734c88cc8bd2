// Package idgen mints the service's entity identifiers. Every ID is a
// domain prefix plus 24 hex characters of crypto/rand, so an identifier is
// recognizable in logs without a lookup.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// ID prefixes, one per entity the service persists.
const (
	PrefixEvaluation     = "eval_"
	PrefixBlacklistEntry = "bl_"
	PrefixReviewItem     = "rev_"
)

// EvaluationID mints an identifier for an evaluation result.
func EvaluationID() string {
	return PrefixEvaluation + randHex()
}

// BlacklistEntryID mints an identifier for a blacklist entry.
func BlacklistEntryID() string {
	return PrefixBlacklistEntry + randHex()
}

// ReviewItemID mints an identifier for a manual review queue item.
func ReviewItemID() string {
	return PrefixReviewItem + randHex()
}

func randHex() string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
