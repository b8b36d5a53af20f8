package genroute

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a malformed routing request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("genroute: invalid %s: %s", e.Field, e.Message)
}

// BudgetExhaustedError is returned when every candidate is at or over its
// spend ceiling.
type BudgetExhaustedError struct {
	Models []string
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("genroute: spend ceiling reached for all candidates: %s",
		strings.Join(e.Models, ", "))
}

// CircuitOpenError is returned when no candidate is available because every
// remaining one has an open circuit.
type CircuitOpenError struct {
	Models []string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("genroute: circuit open for all remaining candidates: %s",
		strings.Join(e.Models, ", "))
}

// GenerationError reports a failed backend call. Waiters deduplicated onto
// a failed execution receive the executor's GenerationError reconstructed
// from the ledger.
type GenerationError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Message    string
	Err        error
}

func (e *GenerationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("genroute: generation failed: provider=%s status=%d retryable=%t: %s",
		e.Provider, e.StatusCode, e.Retryable, msg)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// LedgerTimeoutError is returned when a caller waiting on another process's
// in-flight execution gives up. Status is the last observed record status.
type LedgerTimeoutError struct {
	Key     string
	Status  InflightStatus
	Elapsed time.Duration
	Err     error
}

func (e *LedgerTimeoutError) Error() string {
	return fmt.Sprintf("genroute: timed out after %s waiting on in-flight key %s (status %s)",
		e.Elapsed.Round(time.Millisecond), e.Key, e.Status)
}

func (e *LedgerTimeoutError) Unwrap() error {
	return e.Err
}

// CacheCorruptionError reports a cache payload that could not be decoded.
// Callers treat it as a miss; the backend drops the entry.
type CacheCorruptionError struct {
	Key string
	Err error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("genroute: corrupt cache entry %s: %v", e.Key, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is a backend failure the caller may
// reasonably retry. Routing performs no retries itself.
func IsRetryable(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Retryable
}
