package domain

import "errors"

var (
	// ErrMalformedMessage means a wire message failed codec validation:
	// unknown type or a payload shape that does not match its type.
	ErrMalformedMessage = errors.New("malformed signal message")

	// ErrConflictingOffer means a second participant tried to offer while
	// the session already has an offerer. First writer wins.
	ErrConflictingOffer = errors.New("conflicting offer")

	// ErrSessionFull means a third participant tried to join.
	ErrSessionFull = errors.New("session full")

	// ErrSessionClosed means the referenced session is in its terminal state.
	ErrSessionClosed = errors.New("session closed")

	ErrSessionNotFound = errors.New("session not found")

	ErrAnalysisTimeout = errors.New("analysis timed out")
	ErrAnalysisFailure = errors.New("analysis failed")
)
