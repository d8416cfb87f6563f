package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/scrypster/tenantdb/internal/breaker"
)

var (
	// ErrMissingCredentials means no API key is configured. Provisioning is
	// impossible and there is nothing to retry.
	ErrMissingCredentials = errors.New("control plane API key is not configured")

	// ErrConflict matches a StepError carrying HTTP 409.
	ErrConflict = errors.New("control plane conflict")
)

// StepError reports a failed control-plane call and which step it was.
type StepError struct {
	Step   string
	Status int
	Body   string
	Err    error
}

func (e *StepError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("controlplane: %s: status %d: %s", e.Step, e.Status, e.Body)
	}
	return fmt.Sprintf("controlplane: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConflict) match a 409 response.
func (e *StepError) Is(target error) bool {
	return target == ErrConflict && e.Status == http.StatusConflict
}

// IsRetryable reports whether err is transient: a timeout, an open breaker,
// throttling, or a server-side failure.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, breaker.ErrOpen) {
		return true
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500 || (se.Status == 0 && se.Err != nil)
	}
	return false
}
