package apierr

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Code is one entry of the gateway's error taxonomy.
type Code string

const (
	Unauthorized       Code = "UNAUTHORIZED"
	TokenDisabled      Code = "TOKEN_DISABLED"
	RateLimited        Code = "RATE_LIMITED"
	QuotaExceeded      Code = "QUOTA_EXCEEDED"
	InvalidRequest     Code = "INVALID_REQUEST"
	TokenNotFound      Code = "TOKEN_NOT_FOUND"
	UpstreamError      Code = "UPSTREAM_ERROR"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// Error is a terminal, client-visible failure.
type Error struct {
	Status     int
	Code       Code
	Message    string
	Type       string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func Newf(status int, code Code, format string, args ...any) *Error {
	return New(status, code, fmt.Sprintf(format, args...))
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// From converts any error into an *Error. Errors that are not already part of the
// taxonomy are storage or internal faults and map to 503 so they are never confused
// with an authorization failure.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return New(http.StatusServiceUnavailable, ServiceUnavailable, "Token store unavailable")
}

// Body renders the JSON error envelope.
func (e *Error) Body() gin.H {
	inner := gin.H{"code": e.Code, "message": e.Message}
	if e.Type != "" {
		inner["type"] = e.Type
	}
	return gin.H{"error": inner}
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *Error) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Abort writes err as the JSON envelope and stops the handler chain.
func Abort(c *gin.Context, err error) {
	apiErr := From(err)
	if apiErr.Code == RateLimited {
		c.Header("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds()))
	}
	c.AbortWithStatusJSON(apiErr.Status, apiErr.Body())
}
