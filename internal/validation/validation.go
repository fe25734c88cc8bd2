// Package validation provides input validation helpers and middleware for
// the evaluation API.
package validation

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// currencyRegex validates ISO 4217 alphabetic currency codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// emailRegex is a permissive shape check; deliverability is not our job
	emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	// cardBINRegex validates the 6-8 digit bank identification prefix
	cardBINRegex = regexp.MustCompile(`^[0-9]{6,8}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIP checks if a string parses as an IPv4 or IPv6 address.
func IsValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsValidCurrency checks if a string is a three-letter currency code.
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// IsValidEmail checks basic email shape.
func IsValidEmail(s string) bool {
	return len(s) <= 254 && emailRegex.MatchString(s)
}

// IsValidCardBIN checks a bank identification number prefix.
func IsValidCardBIN(s string) bool {
	return cardBINRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
