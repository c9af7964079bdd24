package rest

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Error codes surfaced in error envelopes.
const (
	CodeConfig             = "config_error"
	CodeValidation         = "validation_error"
	CodeLookupFailed       = "lookup_failed"
	CodeForbiddenTenant    = "forbidden_tenant"
	CodeTransitionNotFound = "transition_not_found"
	CodeAttachmentFetch    = "attachment_fetch_failed"
	CodeTransport          = "transport_error"
)

// ValidationError means the descriptor is malformed; no remote call was made.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Msg }

// ForbiddenTenantError means a by-identifier request referenced a resource
// outside the configured tenant scope. The primary call was never attempted.
type ForbiddenTenantError struct {
	Expected   string
	Got        string
	ResourceID string
}

func (e *ForbiddenTenantError) Error() string {
	return fmt.Sprintf("resource %s belongs to %q, not the configured %q", e.ResourceID, e.Got, e.Expected)
}

// LookupError means the tenant verification lookup itself failed, so the
// resource's scope could not be established.
type LookupError struct {
	ResourceID string
	Status     int
	Err        error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scope lookup for %s failed: %v", e.ResourceID, e.Err)
	}
	return fmt.Sprintf("scope lookup for %s failed with status %d", e.ResourceID, e.Status)
}

func (e *LookupError) Unwrap() error { return e.Err }

// TransitionNotFoundError means the requested workflow state has no matching
// transition on the target issue. No mutating call was made.
type TransitionNotFoundError struct {
	State     string
	IssueKey  string
	Available []string
}

func (e *TransitionNotFoundError) Error() string {
	return fmt.Sprintf("no transition to %q on issue %s (available: %v)", e.State, e.IssueKey, e.Available)
}

// AttachmentError means fetching one attachment failed; the whole multipart
// submission is aborted.
type AttachmentError struct {
	URL    string
	Status int
	Err    error
}

func (e *AttachmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching attachment %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetching attachment %s: status %d", e.URL, e.Status)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// TransportError wraps a network-level failure after retries are exhausted.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorCode maps an error to its envelope code.
func ErrorCode(err error) string {
	var (
		ve *ValidationError
		fe *ForbiddenTenantError
		le *LookupError
		te *TransitionNotFoundError
		ae *AttachmentError
		xe *TransportError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &fe):
		return CodeForbiddenTenant
	case errors.As(err, &le):
		return CodeLookupFailed
	case errors.As(err, &te):
		return CodeTransitionNotFound
	case errors.As(err, &ae):
		return CodeAttachmentFetch
	case errors.As(err, &xe):
		return CodeTransport
	default:
		return CodeConfig
	}
}

// ErrorSink receives every caught failure together with the originating
// channel and a short tag. Injected explicitly; no lazy global lookup.
type ErrorSink interface {
	Report(err error, channel, tag string)
}

// LogSink is the default ErrorSink: structured log output via zerolog.
type LogSink struct{}

// Report logs the failure with its channel and tag.
func (LogSink) Report(err error, channel, tag string) {
	log.Error().Err(err).Str("channel", channel).Str("tag", tag).Msg("request_failed")
}
