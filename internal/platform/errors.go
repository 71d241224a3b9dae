package platform

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProxyGone means the output proxy no longer exists on the platform.
	ErrProxyGone = errors.New("output proxy no longer exists")
	// ErrPermissionDenied means the bot lacks permission for the operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRateLimited means the platform rejected the call due to rate limits.
	ErrRateLimited = errors.New("rate limited")
)

// Platform JSON error codes that carry meaning beyond the HTTP status.
const (
	CodeUnknownChannel = 10003
	CodeUnknownWebhook = 10015
	CodeMissingAccess  = 50001
	CodeMissingPerms   = 50013
)

// APIError is a structured error response from the platform REST API.
// Use errors.Is with the sentinel errors above rather than inspecting codes.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Method     string `json:"-"`
	Path       string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api %s %s: %d (code %d): %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the response onto the package sentinel errors.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == CodeUnknownWebhook:
		return ErrProxyGone
	case e.StatusCode == http.StatusNotFound && e.Code != CodeUnknownChannel:
		return ErrProxyGone
	case e.Code == CodeMissingAccess, e.Code == CodeMissingPerms, e.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}
