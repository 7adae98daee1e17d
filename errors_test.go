package grocerycrawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&NavigationError{URL: "u", Err: cause}, "navigation"},
		{fmt.Errorf("category 1: %w", &ExtractionError{URL: "u", Target: "containers"}), "extraction"},
		{&RateLimitDetected{URL: "u", Phrase: "too many requests"}, "rate_limit"},
		{&ConsentBlockingError{URL: "u", Attempts: 3}, "consent_blocking"},
		{&DriverSetupError{Provider: "rod", Err: cause}, "driver_setup"},
		{&SessionStateError{Op: "complete", From: StatusPending}, "session_state"},
		{&NavigationError{URL: "u", Err: context.Canceled}, "navigation"},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), "cancelled"},
		{cause, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("chrome not found")
	err := fmt.Errorf("opening: %w", &DriverSetupError{Provider: "rod", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.True(t, isDriverSetup(err))
	assert.True(t, fatal(err))

	nav := &NavigationError{URL: "u", Err: context.Canceled}
	assert.True(t, fatal(nav))
	assert.False(t, fatal(&NavigationError{URL: "u", Err: cause}))
	assert.True(t, isRateLimited(fmt.Errorf("x: %w", &RateLimitDetected{})))
}
