package service

import "errors"

// Domain errors. Handlers map them to response codes with errors.Is.
var (
	// ErrUnauthorized covers a missing identity, a token that does not match
	// the session, and an exam schedule outside its active window.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotEligible means the subject's role or enrollment forbids the exam.
	ErrNotEligible = errors.New("not eligible for this exam")
	// ErrSessionClosed means the session is terminal or past its deadline.
	ErrSessionClosed = errors.New("session closed")
	ErrTokenInvalid  = errors.New("exam token invalid")
	ErrTokenExpired  = errors.New("exam token expired")
	// ErrValidation rejects an answer without a question id or text.
	ErrValidation = errors.New("validation error")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDeadlineNotReached is returned by Expire on a session that is still on time.
	ErrDeadlineNotReached = errors.New("deadline not reached")
)
