// Package errors provides custom error types for the mealsync engine.
// These errors enable programmatic error checking across the sync
// pipeline: callers distinguish "the network is down" (queue and move
// on) from "the server said no" (re-authenticate) without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is reports whether any error in err's chain matches target.
// It's an alias for the standard library errors.Is for convenience.
var Is = errors.Is

// As finds the first error in err's chain that matches target.
// It's an alias for the standard library errors.As for convenience.
var As = errors.As

// Common sentinel errors for the mealsync engine
var (
	// ErrOffline indicates the engine is offline and no network call was attempted
	ErrOffline = errors.New("offline")

	// ErrUnauthorized indicates the server rejected our credentials
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates that a requested record was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrServerUnavailable indicates the remote service failed server-side
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrStreamClosed indicates an operation on a closed realtime stream
	ErrStreamClosed = errors.New("stream closed")

	// ErrStoreClosed indicates an operation on a closed local store
	ErrStoreClosed = errors.New("store closed")

	// ErrTempID indicates a server operation was attempted with a
	// locally generated identifier the server has never seen
	ErrTempID = errors.New("temporary identifier")
)

// AuthReason classifies why the server rejected access.
type AuthReason string

// Auth failure reasons.
const (
	// ReasonSessionExpired means the session cookie or token is no longer valid.
	ReasonSessionExpired AuthReason = "session-expired"

	// ReasonChallenge means an interstitial challenge page intercepted the
	// request before it reached the application.
	ReasonChallenge AuthReason = "cf-challenge"
)

// AuthError represents a rejected request that needs re-authentication,
// not a retry.
type AuthError struct {
	Reason     AuthReason
	StatusCode int
	Endpoint   string
}

// Error implements the error interface
func (e *AuthError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("access denied at %s (status %d): %s", e.Endpoint, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("access denied (status %d): %s", e.StatusCode, e.Reason)
}

// Is implements errors.Is support
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// NewAuthError creates a new AuthError
func NewAuthError(reason AuthReason, statusCode int, endpoint string) *AuthError {
	return &AuthError{Reason: reason, StatusCode: statusCode, Endpoint: endpoint}
}

// APIError represents a non-auth error response from the remote service
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Err        error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API error from %s (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error from %s: %s", e.Endpoint, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *APIError) Is(target error) bool {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return target == ErrUnauthorized
	}
	if e.StatusCode == 404 {
		return target == ErrNotFound
	}
	if e.StatusCode >= 500 {
		return target == ErrServerUnavailable
	}
	return false
}

// NewAPIError creates a new APIError
func NewAPIError(endpoint string, statusCode int, message string) *APIError {
	return &APIError{Endpoint: endpoint, StatusCode: statusCode, Message: message}
}

// NotFoundError represents an error when a record is not found
type NotFoundError struct {
	Collection string
	ID         string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s record with ID %s not found", e.Collection, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError represents a rejected local input
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// StoreError represents a failure in the local durable store
type StoreError struct {
	Operation  string
	Collection string
	Err        error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("store %s on %s: %v", e.Operation, e.Collection, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Operation, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StoreError) Unwrap() error {
	return e.Err
}

// StreamError represents a realtime stream failure
type StreamError struct {
	Attempt int
	Opened  bool // whether the connection ever reached the open state
	Err     error
}

// Error implements the error interface
func (e *StreamError) Error() string {
	if e.Opened {
		return fmt.Sprintf("stream dropped (attempt %d): %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("stream failed to open (attempt %d): %v", e.Attempt, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *StreamError) Unwrap() error {
	return e.Err
}

// Helper functions for error checking

// IsOffline checks if an error indicates the network or server is unreachable
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrServerUnavailable)
}

// IsUnauthorized checks if an error indicates access was denied
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Wrap helpers

// WrapStore wraps a local store error with operation context
func WrapStore(operation, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Operation: operation, Collection: collection, Err: err}
}

// WrapAPI wraps a remote service error with endpoint context
func WrapAPI(endpoint string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return &APIError{Endpoint: endpoint, StatusCode: statusCode, Message: err.Error(), Err: err}
}

// WrapParse wraps a parse error with format context
func WrapParse(format, subject string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("parsing %s %s: %w", format, subject, err)
}
