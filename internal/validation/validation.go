// Package validation provides input validation for the escrowd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxReasonLength bounds free-text reasons on disputes and admin actions.
const MaxReasonLength = 1000

// refRegex matches transaction and escrow references ("txn_9f86d081884c").
var refRegex = regexp.MustCompile(`^[a-z]{2,8}_[A-Za-z0-9]{1,64}$`)

// IsValidRef reports whether s is shaped like a reference.
func IsValidRef(s string) bool {
	return refRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Abort writes a 400 listing errs.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

// RefParamMiddleware rejects malformed :ref URL parameters before they reach
// a handler.
func RefParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Param("ref")
		if ref != "" && !IsValidRef(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_ref",
				"message": "ref must look like txn_9f86d081884c",
			})
			return
		}
		c.Next()
	}
}
