package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TransitionStore is implemented by stores that also hold the audit trail
// and can write a status change together with its entry in one unit.
type TransitionStore interface {
	TransitionJob(ctx context.Context, job *PrintJob, entry AuditEntry) error
}

// ledger applies job mutations: every status change is written to the store
// and recorded as exactly one audit entry. Callers hold mu across a whole
// step so that entries for one job are appended in order.
type ledger struct {
	mu     sync.Mutex
	store  Store
	audit  AuditSink
	tx     TransitionStore
	now    func() time.Time
	logger *logrus.Logger
}

func newLedger(store Store, audit AuditSink, now func() time.Time, logger *logrus.Logger) *ledger {
	l := &ledger{store: store, audit: audit, now: now, logger: logger}
	if ts, ok := store.(TransitionStore); ok && any(store) == any(audit) {
		l.tx = ts
	}
	return l
}

// transition moves job to the given status. Either both the job update and
// its audit entry are kept or neither is.
func (l *ledger) transition(ctx context.Context, job *PrintJob, to JobStatus, action AuditAction, msg string, details map[string]any, actor UserRef) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, job.Status, to, job.ID)
	}
	from := job.Status
	if details == nil {
		details = map[string]any{}
	}
	details["from"] = string(from)
	details["to"] = string(to)
	entry := l.entry(job.ID, action, msg, details, actor)

	if l.tx != nil {
		job.Status = to
		if err := l.tx.TransitionJob(ctx, job, entry); err != nil {
			job.Status = from
			return fmt.Errorf("failed to record %s for job %s: %w", action, job.ID, err)
		}
		return nil
	}

	prev, err := l.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", job.ID, err)
	}
	job.Status = to
	if err := l.store.UpdateJob(ctx, job); err != nil {
		job.Status = from
		return fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}
	if err := l.audit.Append(ctx, entry); err != nil {
		job.Status = from
		if rerr := l.store.UpdateJob(ctx, prev); rerr != nil {
			l.logger.Errorf("ledger: failed to restore job %s after audit failure: %v", job.ID, rerr)
		}
		return fmt.Errorf("failed to append audit entry for %s: %w", action, err)
	}
	return nil
}

func (l *ledger) record(ctx context.Context, jobID string, action AuditAction, msg string, details map[string]any, actor UserRef) error {
	if err := l.audit.Append(ctx, l.entry(jobID, action, msg, details, actor)); err != nil {
		return fmt.Errorf("failed to append audit entry for %s: %w", action, err)
	}
	return nil
}

func (l *ledger) entry(jobID string, action AuditAction, msg string, details map[string]any, actor UserRef) AuditEntry {
	if actor == "" {
		actor = SystemActor
	}
	return AuditEntry{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Action:    action,
		Message:   msg,
		Details:   details,
		Actor:     actor,
		Timestamp: l.now(),
	}
}

// recordBatch writes a batch level entry. It has no job id, so the batch id
// travels in details.
func (l *ledger) recordBatch(ctx context.Context, batch *BatchPrintJob, action AuditAction, msg string) {
	details := map[string]any{
		"batch_id":       batch.ID,
		"rule_id":        batch.RuleID,
		"total_jobs":     batch.TotalJobs,
		"completed_jobs": batch.CompletedJobs,
		"failed_jobs":    batch.FailedJobs,
	}
	if err := l.record(ctx, "", action, msg, details, SystemActor); err != nil {
		l.logger.Warnf("ledger: %v", err)
	}
}
