// Package domain contains core business entities
package domain

import "errors"

// Error taxonomy for the connection bridge. Callers classify with errors.Is;
// adapters wrap these with %w and context.
var (
	// ErrInvalidState indicates an OAuth state token that failed decoding,
	// signature verification, or the validity window. Never retried.
	ErrInvalidState = errors.New("oauth state invalid or expired")

	// ErrInvalidSignature indicates a webhook body whose HMAC did not match.
	// Hard rejection at the boundary; the only authenticity guarantee we have.
	ErrInvalidSignature = errors.New("webhook signature invalid")

	// ErrTokenExchangeFailed indicates the platform rejected an authorization
	// code. Surfaced to the owner; requires a fresh authorization.
	ErrTokenExchangeFailed = errors.New("authorization code exchange failed")

	// ErrTokenInvalid indicates an expired or revoked page access token
	// (platform code 190). Retry cannot succeed without owner action.
	ErrTokenInvalid = errors.New("platform access token expired or invalid")

	// ErrPermissionDenied indicates missing permissions (codes 10, 200, 299).
	// Not retried.
	ErrPermissionDenied = errors.New("platform permission denied")

	// ErrTransientPlatform covers network failures and 5xx responses.
	// Retried with bounded backoff.
	ErrTransientPlatform = errors.New("transient platform error")

	// ErrUnknownAccount marks a webhook event for a page no longer connected.
	// Skipped per-event; the batch still succeeds.
	ErrUnknownAccount = errors.New("no connected account for page")

	// ErrDuplicateMessage is the no-op outcome of an idempotent upsert that
	// hit an existing platform message id. Not a failure.
	ErrDuplicateMessage = errors.New("duplicate platform message id")
)

// IsRetryable reports whether an error should go through the backoff policy.
// Credential and authenticity failures are terminal; only transient platform
// errors are worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientPlatform)
}
