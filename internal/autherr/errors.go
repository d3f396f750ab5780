// Package autherr defines the failure taxonomy of the sign-in and session
// flows and maps each failure to a stable reason code that is safe to put in
// a redirect URL or a JSON body.
package autherr

import (
	"errors"
	"fmt"
)

var (
	ErrMissingCode          = errors.New("callback invoked without an authorization code")
	ErrInvalidState         = errors.New("oauth state missing, expired, replayed or not bound to this browser")
	ErrProviderDenied       = errors.New("identity provider returned an error to the callback")
	ErrExchangeFailed       = errors.New("authorization code exchange failed")
	ErrProfileFetchFailed   = errors.New("profile fetch failed")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrSessionExpired       = errors.New("session expired")
	ErrDirectoryWriteFailed = errors.New("identity directory write failed")
)

// Reason codes put on the sign-in redirect and in JSON errors
const (
	ReasonMissingCode          = "missing_code"
	ReasonInvalidState         = "invalid_state"
	ReasonAccessDenied         = "access_denied"
	ReasonExchangeFailed       = "exchange_failed"
	ReasonProfileFetchFailed   = "profile_fetch_failed"
	ReasonUnauthenticated      = "unauthenticated"
	ReasonSessionExpired       = "session_expired"
	ReasonDirectoryWriteFailed = "directory_write_failed"
	ReasonUnknown              = "unknown"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrMissingCode, ReasonMissingCode},
	{ErrInvalidState, ReasonInvalidState},
	{ErrProviderDenied, ReasonAccessDenied},
	{ErrExchangeFailed, ReasonExchangeFailed},
	{ErrProfileFetchFailed, ReasonProfileFetchFailed},
	{ErrSessionExpired, ReasonSessionExpired},
	{ErrUnauthenticated, ReasonUnauthenticated},
	{ErrDirectoryWriteFailed, ReasonDirectoryWriteFailed},
}

var messages = map[string]string{
	ReasonMissingCode:          "The sign-in response was incomplete. Please try again.",
	ReasonInvalidState:         "Your sign-in attempt expired or was already used. Please try again.",
	ReasonAccessDenied:         "Sign-in was cancelled or denied.",
	ReasonExchangeFailed:       "We could not complete sign-in with your provider. Please try again.",
	ReasonProfileFetchFailed:   "We could not read your profile from your provider. Please try again.",
	ReasonUnauthenticated:      "Please sign in to continue.",
	ReasonSessionExpired:       "Your session has expired. Please sign in again.",
	ReasonDirectoryWriteFailed: "Something went wrong on our side. Please try again.",
	ReasonUnknown:              "Something went wrong. Please try again.",
}

// Reason classifies err into a reason code. Unclassified errors map to
// ReasonUnknown so that raw error text never reaches the browser.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonUnknown
}

// Message returns the user-facing text for a reason code
func Message(reason string) string {
	if msg, ok := messages[reason]; ok {
		return msg
	}
	return ""
}

// IsKnownReason reports whether reason is one of the codes above. The sign-in
// page only renders known codes so the query string cannot inject text.
func IsKnownReason(reason string) bool {
	_, ok := messages[reason]
	return ok
}

// ProviderError keeps the provider's error code and description for server
// logs. It unwraps to one of the taxonomy sentinels.
type ProviderError struct {
	Kind        error
	Operation   string
	StatusCode  int
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Operation, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " - " + e.Description
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}
