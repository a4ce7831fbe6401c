// ABOUTME: Sync error taxonomy and provider error classification
// ABOUTME: Maps googleapi status codes and timeouts onto auth, transient, and cursor-expiry sentinels
package sync

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/harperreed/crmsync/db"
)

var (
	// ErrNotConnected means no usable credential exists for the scope.
	ErrNotConnected = errors.New("account not connected")

	// ErrAuthExpired means the refresh token was rejected; the user must reconnect.
	ErrAuthExpired = errors.New("authorization expired, reconnect the account")

	// ErrTransientProvider covers network failures, timeouts, and rate limiting.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrParse means the provider returned a payload that could not be normalized.
	ErrParse = errors.New("malformed provider payload")

	// ErrHistoryExpired means the stored Gmail historyId is too old to resume from.
	ErrHistoryExpired = errors.New("history cursor expired, full resync required")

	// ErrUserRequired means an account operation was attempted with a
	// workspace-level scope; credentials always belong to one user.
	ErrUserRequired = errors.New("account operations require a user id")

	// ErrNotExported means an internal event has no external counterpart.
	ErrNotExported = errors.New("event has not been exported")
)

func apiCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a provider 401.
func IsUnauthorized(err error) bool {
	return apiCode(err) == http.StatusUnauthorized
}

// IsNotFound reports whether err is a provider 404 or 410.
func IsNotFound(err error) bool {
	code := apiCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	return apiCode(err) == http.StatusTooManyRequests
}

// IsTransient reports whether err is worth retrying or skipping: timeouts,
// rate limiting, server errors, and anything already tagged transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientProvider) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code := apiCode(err)
	if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isFatalForPass reports whether err must abort the whole account pass rather
// than one item.
func isFatalForPass(err error) bool {
	return errors.Is(err, ErrAuthExpired) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, db.ErrScopeViolation) ||
		errors.Is(err, context.Canceled)
}
