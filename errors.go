package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoActiveCategories = errors.New("no active categories after discovery")
	ErrSessionBusy        = errors.New("browser session is already in use by another goroutine")
	ErrScriptsUnsupported = errors.New("page driver cannot run scripts")
	ErrSessionClosed      = errors.New("browser session is closed")
	ErrQueueClosed        = errors.New("work queue is closed")
)

// NavigationError is returned when a page failed to load or the driver crashed mid-load.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// ExtractionError means a container or selector produced no usable data.
type ExtractionError struct {
	URL    string
	Target string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extraction of %s from %s yielded nothing", e.Target, e.URL)
	}
	return fmt.Sprintf("extraction of %s from %s failed: %v", e.Target, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// RateLimitDetected is raised when page text carries a throttling signal.
type RateLimitDetected struct {
	URL    string
	Phrase string
}

func (e *RateLimitDetected) Error() string {
	return fmt.Sprintf("rate limit detected on %s (matched %q)", e.URL, e.Phrase)
}

// ConsentBlockingError reports popups that survived every dismissal round.
// Extraction carries on in degraded mode when it is returned.
type ConsentBlockingError struct {
	URL       string
	Attempts  int
	Remaining []string
}

func (e *ConsentBlockingError) Error() string {
	return fmt.Sprintf("popups still visible on %s after %d attempts: %v", e.URL, e.Attempts, e.Remaining)
}

// DriverSetupError is fatal for the whole run.
type DriverSetupError struct {
	Provider string
	Err      error
}

func (e *DriverSetupError) Error() string {
	return fmt.Sprintf("%s driver setup failed: %v", e.Provider, e.Err)
}

func (e *DriverSetupError) Unwrap() error {
	return e.Err
}

// SessionStateError is an invalid crawl session transition or a mutation of a terminal session.
type SessionStateError struct {
	Op   string
	From SessionStatus
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("crawl session: %s not allowed from %s", e.Op, e.From)
}

// ErrorKind maps an error to a stable label for metrics and the session error log.
func ErrorKind(err error) string {
	if err == nil {
		return "none"
	}
	var (
		nav      *NavigationError
		extract  *ExtractionError
		rate     *RateLimitDetected
		consent  *ConsentBlockingError
		setup    *DriverSetupError
		stateErr *SessionStateError
	)
	switch {
	case errors.As(err, &setup):
		return "driver_setup"
	case errors.As(err, &rate):
		return "rate_limit"
	case errors.As(err, &nav):
		return "navigation"
	case errors.As(err, &extract):
		return "extraction"
	case errors.As(err, &consent):
		return "consent_blocking"
	case errors.As(err, &stateErr):
		return "session_state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

func isRateLimited(err error) bool {
	var rate *RateLimitDetected
	return errors.As(err, &rate)
}

func isDriverSetup(err error) bool {
	var setup *DriverSetupError
	return errors.As(err, &setup)
}
