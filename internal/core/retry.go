package core

import (
	"fmt"
	"time"
)

// RetryPolicy decides what happens to a job after a failed print attempt.
type RetryPolicy interface {
	// ShouldRetry reports whether the job goes back to the queue. err is the
	// classified executor failure.
	ShouldRetry(job *PrintJob, err error) bool
	// Delay is how long the job waits before it is eligible again.
	Delay(job *PrintJob) time.Duration
}

// FixedDelayPolicy retries transient failures up to the job's MaxRetries,
// always waiting the rule's configured delay. There is no backoff growth.
type FixedDelayPolicy struct{}

func (FixedDelayPolicy) ShouldRetry(job *PrintJob, err error) bool {
	return job.RetryCount < job.MaxRetries && IsTransient(err)
}

func (FixedDelayPolicy) Delay(job *PrintJob) time.Duration {
	return job.RetryDelay
}

// failureReason explains why a policy declined to retry.
func failureReason(job *PrintJob, err error) error {
	if !IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w after %d of %d retries: %v", ErrRetriesExhausted, job.RetryCount, job.MaxRetries, err)
}
