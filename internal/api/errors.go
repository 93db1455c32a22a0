package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"telehealth/pkg/types"
)

// Stable error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodePrecondition     = "precondition_failed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeCapacity         = "capacity"
	ErrCodeUpstream         = "upstream_unavailable"
	ErrCodeNotConfigured    = "not_configured"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with an ErrorResponse. 5xx responses are logged.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		LoggerFrom(c).Error().Int("status", status).Str("code", code).Str("message", msg).Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.GetString(requestIDKey),
		Code:      code,
		Message:   msg,
	})
}

// writeError maps the error taxonomy to a status and code. Validation and
// state errors carry safe messages and are passed through; upstream and
// internal failures are not.
func writeError(c *gin.Context, err error) {
	var locked *types.LockedError
	switch {
	case errors.As(err, &locked):
		c.Header("Retry-After", retryAfterSeconds(locked.Remaining.Seconds()))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, types.ErrInvalidInput):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, types.ErrPreconditionFailed):
		fail(c, http.StatusConflict, ErrCodePrecondition, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, types.ErrRateLimited):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, types.ErrCapacity):
		c.Header("Retry-After", "30")
		fail(c, http.StatusServiceUnavailable, ErrCodeCapacity, "server at capacity, retry later")
	case errors.Is(err, types.ErrUpstreamUnavailable):
		LoggerFrom(c).Warn().Err(err).Msg("upstream failure")
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "a dependent service is unavailable")
	default:
		LoggerFrom(c).Error().Err(err).Msg("unhandled error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, msg)
}

func retryAfterSeconds(seconds float64) string {
	s := int(math.Ceil(seconds))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
