package response

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNoCapacity         = "NO_CAPACITY"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeSessionUnavailable = "SESSION_UNAVAILABLE"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, apperr.ErrNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	abort(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	abort(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response with a Retry-After header in seconds
func TooManyRequests(c *gin.Context, message string, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	abort(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError maps the service's error kinds to HTTP statuses
func handleError(c *gin.Context, err error) {
	if rl, ok := apperr.AsRateLimited(err); ok {
		TooManyRequests(c, err.Error(), int(rl.RetryAfter.Seconds()+0.5))
		return
	}

	switch {
	case errors.Is(err, apperr.ErrValidation):
		abort(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, apperr.ErrInvalidTransition):
		abort(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, apperr.ErrTransactionConflict):
		abort(c, http.StatusConflict, ErrCodeDuplicateResource, err.Error())
	case errors.Is(err, apperr.ErrNoAvailableAccounts), errors.Is(err, apperr.ErrAtCapacity):
		abort(c, http.StatusServiceUnavailable, ErrCodeNoCapacity, err.Error())
	case errors.Is(err, apperr.ErrAuthentication), errors.Is(err, apperr.ErrSessionExpired):
		abort(c, http.StatusBadGateway, ErrCodeSessionUnavailable, err.Error())
	case errors.Is(err, apperr.ErrTransient):
		abort(c, http.StatusBadGateway, ErrCodeUpstreamFailed, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}
