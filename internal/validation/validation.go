// Package validation provides input validation middleware for the PeaceLink API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// phoneRegex accepts Egyptian mobile numbers in local or +20 form.
	phoneRegex = regexp.MustCompile(`^(\+20|0)?1[0125][0-9]{8}$`)
	// referenceRegex validates PeaceLink reference numbers.
	referenceRegex = regexp.MustCompile(`^PL-[0-9]{8}$`)
	// otpRegex validates delivery confirmation codes.
	otpRegex = regexp.MustCompile(`^[0-9]{6}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPhone checks if a string is a plausible Egyptian mobile number.
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(strings.ReplaceAll(phone, " ", ""))
}

// IsValidReference checks if a string is a PeaceLink reference number.
func IsValidReference(ref string) bool {
	return referenceRegex.MatchString(ref)
}

// IsValidOTP checks if a string is a well-formed confirmation code.
func IsValidOTP(code string) bool {
	return otpRegex.MatchString(code)
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidPhone checks that a field is a plausible mobile number.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must be a valid Egyptian mobile number"}
		}
		return nil
	}
}

// ValidAmount checks that a field parses as a positive EGP amount with at
// most 2 decimal places.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a decimal amount"}
		}
		if d.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		if d.Exponent() < -2 {
			return &ValidationError{Field: field, Message: "must have at most 2 decimal places"}
		}
		return nil
	}
}

// ValidOptionalAmount is ValidAmount but also accepts empty and zero.
func ValidOptionalAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a decimal amount"}
		}
		if d.Sign() < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		if d.Exponent() < -2 {
			return &ValidationError{Field: field, Message: "must have at most 2 decimal places"}
		}
		return nil
	}
}

// ValidFraction checks that a field is empty or a fraction in [0, 1].
func ValidFraction(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a decimal fraction"}
		}
		if d.Sign() < 0 || d.GreaterThan(decimal.NewFromInt(1)) {
			return &ValidationError{Field: field, Message: "must be between 0 and 1"}
		}
		return nil
	}
}
