package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// JobFactory turns a matched rule and an event payload into a queued
// PrintJob and routes it either to the ready queue or, for batch rules, to
// the BatchScheduler. The caller holds the ledger lock.
type JobFactory struct {
	ledger  *ledger
	queue   *ReadyQueue
	batches *BatchScheduler
	seq     atomic.Uint64
}

func NewJobFactory(l *ledger, q *ReadyQueue, b *BatchScheduler) *JobFactory {
	return &JobFactory{ledger: l, queue: q, batches: b}
}

func (f *JobFactory) Create(ctx context.Context, rule AutoPrintRule, eventCode string, payload map[string]any, actor UserRef) (*PrintJob, error) {
	if actor == "" {
		actor = SystemActor
	}
	job := &PrintJob{
		ID:              uuid.NewString(),
		RuleID:          rule.ID,
		TemplateID:      rule.TemplateID,
		Target:          rule.Target,
		Priority:        rule.Priority,
		Payload:         payload,
		PagesEstimate:   1,
		Copies:          1,
		PreviewRequired: rule.PreviewRequired,
		Status:          JobStatusQueued,
		MaxRetries:      rule.RetryCount,
		RetryDelay:      rule.RetryDelay,
		Actor:           actor,
		CreatedAt:       f.ledger.now(),
		Seq:             f.seq.Add(1),
	}
	job = job.Clone()

	if err := f.ledger.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job for rule %s: %w", rule.ID, err)
	}
	details := map[string]any{
		"rule_id":     rule.ID,
		"event_code":  eventCode,
		"template_id": rule.TemplateID,
		"target":      rule.Target.String(),
		"priority":    rule.Priority.String(),
		"max_retries": rule.RetryCount,
		"auto_print":  rule.AutoPrint,
	}
	if err := f.ledger.record(ctx, job.ID, AuditCreated,
		fmt.Sprintf("job created by rule %s for event %s", rule.ID, eventCode), details, actor); err != nil {
		return nil, err
	}

	if rule.BatchPrinting && f.batches != nil {
		if err := f.batches.EnqueueBatchMember(ctx, rule, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	f.queue.Push(queueItem{JobID: job.ID, Priority: job.Priority}, f.ledger.now())
	return job, nil
}

// resumeSeq makes sure new jobs sort after every job already in the store.
func (f *JobFactory) resumeSeq(seq uint64) {
	for {
		cur := f.seq.Load()
		if cur >= seq || f.seq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
