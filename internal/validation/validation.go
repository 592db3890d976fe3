// Package validation provides input validation helpers and middleware for the
// Veloracoin API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/veloraapp/veloracoin/internal/coin"
)

// MaxRequestSize caps request bodies at 1MB. Every payload the API accepts
// is a small JSON document.
const MaxRequestSize = 1 << 20

// userIDRegex matches app user identifiers: 1-64 chars of letters, digits,
// underscore, hyphen, or dot.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)

// RequestSizeMiddleware rejects request bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID reports whether id is an acceptable user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes, and caps length. Used
// on free-text fields (notes, dispute reasons) before they reach a store.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError describes a single failed field check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects failed checks for a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs each check and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when the field is empty or whitespace.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID fails when a non-empty value is not an acceptable user
// identifier. Empty values pass; pair with Required where the field is
// mandatory.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 chars of letters, digits, '_', '-', or '.'"}
		}
		return nil
	}
}

// ValidAmount fails when a non-empty value is not a positive coin amount.
// The lexical check is stricter than coin.Parse: both sides of a decimal
// point must be present, so ".5" and "5." are rejected at the API edge, and
// more fractional digits than coins carry are rejected rather than silently
// truncated by the parser.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		whole, frac, dotted := strings.Cut(value, ".")
		if !digits(whole) || (dotted && !digits(frac)) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if len(frac) > coin.Decimals {
			return &ValidationError{Field: field, Message: "amount supports at most 2 decimal places"}
		}
		if !coin.IsPositive(value) {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// UserParamMiddleware rejects malformed :userId URL parameters before the
// handler runs. Apply to route groups that take a user in the path.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "userId must be 1-64 chars of letters, digits, '_', '-', or '.'",
			})
			return
		}
		c.Next()
	}
}
