package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by backends and their callers.
var (
	ErrValidation         = errors.New("validation error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendRejected    = errors.New("backend rejected job")

	// ErrBackendConfig means the backend refused the credentials or
	// settings it was given. It is never retried.
	ErrBackendConfig = errors.New("backend misconfigured")
)

// ValidationError describes bad input data. It is never retried.
type ValidationError struct {
	Campaign string
	JobID    string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation error")
	if e.Campaign != "" {
		fmt.Fprintf(&b, " campaign=%s", e.Campaign)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " job_id=%s", e.JobID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is makes errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RejectionError is a per-job refusal from a backend.
type RejectionError struct {
	JobID  string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: job_id=%s: %s", ErrBackendRejected, e.JobID, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrBackendRejected }
