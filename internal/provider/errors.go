package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrChangesUnavailable reports that a checkpoint can no longer be used
// for a delta query. The caller must fall back to a full resync.
var ErrChangesUnavailable = errors.New("changes unavailable: checkpoint expired")

// ErrSignInRequired reports that the account's credentials were revoked or
// expired and cannot be refreshed.
var ErrSignInRequired = errors.New("sign-in required")

// FetchError is returned for every failed remote call. Status is the HTTP
// status, or 0 when the request never produced a response.
type FetchError struct {
	Op     string
	Status int
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	case e.Status == 0:
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	default:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Reason)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transport reports whether the failure happened below HTTP.
func (e *FetchError) Transport() bool {
	return e.Status == 0
}

// IsNotFound reports whether err is a remote 404 or 410.
func IsNotFound(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status == http.StatusNotFound || fe.Status == http.StatusGone
	}
	return false
}

// IsUnauthorized reports whether err means the account must sign in again.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrSignInRequired) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status == http.StatusUnauthorized
	}
	return false
}

// UserMessage turns an error into a short string fit for the UI.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnauthorized(err):
		return "Please sign in again"
	case errors.Is(err, ErrChangesUnavailable):
		return "Refreshing mailbox from scratch"
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Transport() {
		return "Could not reach the mail server"
	}
	return "Could not refresh"
}
