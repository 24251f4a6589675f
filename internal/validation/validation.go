// Package validation checks request input before it reaches a deal session.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes = 64 << 10
	// MaxDealIDLength bounds deal ids accepted in paths and tool arguments.
	MaxDealIDLength = 128
)

var dealIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// IsValidEthAddress accepts 0x-prefixed 20-byte hex addresses in any case.
// Checksums are not enforced; lowercase addresses from the deal API are common.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidDealID reports whether id can name a deal.
func IsValidDealID(id string) bool {
	return len(id) <= MaxDealIDLength && dealIDPattern.MatchString(id)
}

// FieldError names the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every failed rule of a request.
type Errors []FieldError

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	default:
		parts := make([]string, len(e))
		for i, fe := range e {
			parts[i] = fe.Field + ": " + fe.Message
		}
		return strings.Join(parts, "; ")
	}
}

// Rule checks one field. It returns nil when the field is acceptable.
type Rule func() *FieldError

// Check runs all rules and returns the failures, or nil.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// Address passes an empty value; combine with Required when needed.
func Address(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a 0x-prefixed 20-byte hex address"}
		}
		return nil
	}
}

func MaxLen(field, value string, n int) Rule {
	return func() *FieldError {
		if len(value) > n {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// LimitBody caps the request body at n bytes.
func LimitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// DealIDParam rejects routes whose :dealId could not name a deal.
func DealIDParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("dealId"); id != "" && !IsValidDealID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_deal_id",
				"message": "dealId must be 1-128 characters of letters, digits, '_', '.', ':' or '-'",
			})
			return
		}
		c.Next()
	}
}
