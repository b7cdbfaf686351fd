package model

import "errors"

// Error taxonomy kinds (spec.md §7). These are sentinels, not type names —
// callers wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrBudgetExceeded: time or node budget exhausted. Recovered locally —
	// callers return a partial result with truncation metadata rather than fail.
	ErrBudgetExceeded = errors.New("model: budget exceeded")

	// ErrUpstreamUnavailable: circuit open, health probe failed, or network error.
	// Recovered locally when a fallback exists, otherwise surfaced.
	ErrUpstreamUnavailable = errors.New("model: upstream unavailable")

	// ErrRateLimited: token-bucket denial, or embedding 429 after retry cap.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrAuthorizationDenied: capability missing. Never downgraded to a result.
	ErrAuthorizationDenied = errors.New("model: authorization denied")

	// ErrValidation: malformed request, unknown role key, bad override reason.
	ErrValidation = errors.New("model: validation error")

	// ErrAdmissionDenied: C17 overload (429 with retry_after).
	ErrAdmissionDenied = errors.New("model: admission denied")

	// ErrPersistenceConflict: ingest write conflict; refresh queue is not enqueued.
	ErrPersistenceConflict = errors.New("model: persistence conflict")

	// ErrConfiguration: invalid budget value, malformed regex pattern, etc.
	// Surfaced at startup for required settings; dropped with diagnostic for
	// optional ones (C6 patterns).
	ErrConfiguration = errors.New("model: configuration error")
)
