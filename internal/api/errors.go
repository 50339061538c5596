package api

import "errors"

// Sentinel errors callers branch on.
var (
	// ErrUnauthorized means the bearer token was rejected. The client clears
	// the stored token; the local API turns this into a 401 so the UI can
	// redirect to login.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrOffline wraps transport errors that indicate no connectivity
	// (connection refused, DNS failure). Reads are not retried when offline.
	ErrOffline = errors.New("client offline")

	// ErrInvalidCode means a 2FA code failed client-side validation and was
	// never sent to the backend.
	ErrInvalidCode = errors.New("invalid 2fa code")
)
