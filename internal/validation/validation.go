// Package validation checks request fields before they reach the order
// engine and bounds request bodies.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize bounds every request body.
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields such as dispute messages.
const MaxStringLength = 10000

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	voucherPattern = regexp.MustCompile(`^[A-Z0-9_-]{3,32}$`)
)

// RequestSizeMiddleware rejects bodies larger than maxSize. A declared
// Content-Length over the limit fails fast with 413; streamed bodies are
// cut off by http.MaxBytesReader when the handler reads them.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "invalid_request",
				"message": "request body exceeds " + strconv.FormatInt(maxSize, 10) + " bytes",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id can name a listing, order, withdrawal or user.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NormalizeVoucherCode upper-cases and trims a voucher code.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SanitizeString trims s, drops NUL bytes and cuts it to at most maxLen
// bytes without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors lists every rejected field of one request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	msg := e[0].Field + ": " + e[0].Message
	if len(e) > 1 {
		msg += " (and " + strconv.Itoa(len(e)-1) + " more)"
	}
	return msg
}

// Checker accumulates field errors. The zero value is ready to use.
//
//	var v validation.Checker
//	v.Required("listingId", req.ListingID).ID("listingId", req.ListingID)
//	if err := v.Err(); err != nil { ... }
type Checker struct {
	errs Errors
}

func (v *Checker) add(field, msg string) *Checker {
	v.errs = append(v.errs, FieldError{Field: field, Message: msg})
	return v
}

// failed reports whether field already has an error, so later checks on
// it stay quiet.
func (v *Checker) failed(field string) bool {
	return slices.ContainsFunc(v.errs, func(e FieldError) bool { return e.Field == field })
}

// Required rejects blank values.
func (v *Checker) Required(field, value string) *Checker {
	if strings.TrimSpace(value) == "" {
		return v.add(field, "is required")
	}
	return v
}

// ID rejects malformed ids. Empty values pass; combine with Required.
func (v *Checker) ID(field, value string) *Checker {
	if value != "" && !v.failed(field) && !IsValidID(value) {
		return v.add(field, "must be 1-64 letters, digits, '_' or '-'")
	}
	return v
}

// VoucherCode rejects malformed codes after normalization. Empty passes.
func (v *Checker) VoucherCode(field, value string) *Checker {
	if value != "" && !v.failed(field) && !voucherPattern.MatchString(NormalizeVoucherCode(value)) {
		return v.add(field, "must be 3-32 letters, digits, '_' or '-'")
	}
	return v
}

// Positive rejects minor-unit amounts that are zero or negative.
func (v *Checker) Positive(field string, value int64) *Checker {
	if value <= 0 {
		return v.add(field, "must be greater than zero")
	}
	return v
}

// NonNegative rejects negative amounts and counts.
func (v *Checker) NonNegative(field string, value int64) *Checker {
	if value < 0 {
		return v.add(field, "cannot be negative")
	}
	return v
}

// OneOf rejects values outside allowed.
func (v *Checker) OneOf(field, value string, allowed ...string) *Checker {
	if !slices.Contains(allowed, value) {
		return v.add(field, "must be one of "+strings.Join(allowed, ", "))
	}
	return v
}

// MaxLength rejects values longer than max bytes.
func (v *Checker) MaxLength(field, value string, max int) *Checker {
	if len(value) > max {
		return v.add(field, "must be at most "+strconv.Itoa(max)+" bytes")
	}
	return v
}

// Err returns the collected Errors, or nil when every check passed.
func (v *Checker) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// IDParamMiddleware rejects malformed values of the named route parameter.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": param + " must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}

// Abort writes a 400 listing every rejected field.
func Abort(c *gin.Context, err error) {
	body := gin.H{"error": "validation_error", "message": err.Error()}
	if errs, ok := err.(Errors); ok {
		body["details"] = errs
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}
