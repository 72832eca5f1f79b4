package account

import (
	"errors"
	"fmt"
	"time"

	"signportal/internal/throttle"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountBlocked     = errors.New("this account is blocked, contact an administrator")
	ErrEmailNotConfirmed  = errors.New("email address not confirmed")
	ErrMFARequired        = errors.New("an authenticator code is required")
	// ErrUnavailable hides bookkeeping failures from the caller.
	ErrUnavailable = errors.New("login could not be completed, try again later")
)

// ThrottledError is returned while a cooldown is running, for login attempts
// and for verification mail resends alike.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many attempts, try again in %d seconds", e.RemainingSeconds())
}

func (e *ThrottledError) RemainingSeconds() int {
	return throttle.CeilSeconds(e.Remaining)
}
