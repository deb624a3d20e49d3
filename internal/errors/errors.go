// Package errors provides the categorized error taxonomy for the sync layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/market-sync/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransport represents fetch/subscription transport failures
	CategoryTransport ErrorCategory = "transport"
	// CategoryUnauthenticated represents mutations attempted without a wallet
	CategoryUnauthenticated ErrorCategory = "unauthenticated"
	// CategoryValidation represents rejected input (bad rating, bad address)
	CategoryValidation ErrorCategory = "validation"
	// CategoryStore represents shared persisted store failures
	CategoryStore ErrorCategory = "store"
	// CategoryImage represents terminal image resolution failures
	CategoryImage ErrorCategory = "image"
	// CategoryNotFound represents missing resources
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit rejections
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewTransportError creates a transport error for a fetch or subscription
// failure. These are recovered locally and surfaced as status flags, never
// thrown past the component that saw them.
func NewTransportError(channel string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransport,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSPORT_ERROR",
		Message:    fmt.Sprintf("transport failure on %s channel", channel),
		Cause:      cause,
		Details: map[string]interface{}{
			"channel": channel,
		},
	}
}

// NewUnauthenticatedError creates an error for a mutation attempted without
// a connected wallet. The UI is expected to gate these actions, so hitting
// this path is a contract violation by the caller.
func NewUnauthenticatedError(operation string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUnauthenticated,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHENTICATED",
		Message:    fmt.Sprintf("%s requires a connected wallet", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInvalidRatingError creates a validation error for an out-of-range rating
func NewInvalidRatingError(rating int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_RATING",
		Message:    fmt.Sprintf("rating must be an integer in [0,5], got %d", rating),
		Details: map[string]interface{}{
			"rating": rating,
		},
	}
}

// NewInvalidAddressError creates a validation error for a malformed address
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewStoreError creates a shared store error
func NewStoreError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStore,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORE_ERROR",
		Message:    fmt.Sprintf("store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewImageUnavailableError creates the terminal error for an image reference
// whose entire candidate list has been exhausted.
func NewImageUnavailableError(ref string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryImage,
		StatusCode: http.StatusNotFound,
		Code:       "IMAGE_UNAVAILABLE",
		Message:    "all gateway candidates failed for image reference",
		Details: map[string]interface{}{
			"ref": ref,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying. Transport and store
// errors are transient; validation and authentication failures are not.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransport, CategoryStore:
		return true
	default:
		return false
	}
}

// IsUnauthenticated reports whether err is an unauthenticated-mutation error
func IsUnauthenticated(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryUnauthenticated
}

// IsUnrecoverable reports whether a best-effort remote write failure should
// roll back the optimistic local state. Only validation and authentication
// rejections qualify; transient failures keep the optimistic value.
func IsUnrecoverable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryValidation, CategoryUnauthenticated:
		return true
	default:
		return false
	}
}
