package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoAvailablePrinter = errors.New("no available printer")
	ErrPrinterQueueFull   = errors.New("printer queue full")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrPrinterNotFound    = errors.New("printer not found")
	ErrGroupNotFound      = errors.New("printer group not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrInvalidTransition  = errors.New("invalid job state transition")
)

// ConfigurationError reports a rule or registry definition that cannot be
// loaded. It is fatal to that definition only.
type ConfigurationError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ID, e.Reason)
}

func configError(kind, id, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Kind: kind, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// ExecutorError is returned by an Executor to classify a failed render/print
// call. Permanent errors skip the retry policy.
type ExecutorError struct {
	Err       error
	Transient bool
}

func (e *ExecutorError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err == nil {
		return kind + " executor error"
	}
	return fmt.Sprintf("%s executor error: %v", kind, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

func TransientError(err error) error {
	return &ExecutorError{Err: err, Transient: true}
}

func PermanentError(err error) error {
	return &ExecutorError{Err: err, Transient: false}
}

// IsTransient classifies an executor failure. Timeouts and unclassified
// errors are transient; only an explicit permanent ExecutorError is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var execErr *ExecutorError
	if errors.As(err, &execErr) {
		return execErr.Transient
	}
	return true
}
