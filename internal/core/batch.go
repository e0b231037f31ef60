package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultBatchWindow = time.Minute

type batchKey struct {
	ruleID string
	at     int64
}

type openBatch struct {
	batch   *BatchPrintJob
	members []queueItem
}

// BatchScheduler collects jobs of batch-enabled rules into one BatchPrintJob
// per rule and window, and releases each batch into the ready queue in a
// single step once it is due.
//
// All methods expect the caller to hold the engine ledger lock; mu only
// protects the scheduler's own maps.
type BatchScheduler struct {
	mu      sync.Mutex
	ledger  *ledger
	queue   *ReadyQueue
	notify  WebhookSender
	window  time.Duration
	open    map[batchKey]*openBatch
	byID    map[string]*openBatch
	running map[string]*BatchPrintJob
}

func NewBatchScheduler(l *ledger, q *ReadyQueue, window time.Duration, notify WebhookSender) *BatchScheduler {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &BatchScheduler{
		ledger:  l,
		queue:   q,
		notify:  notify,
		window:  window,
		open:    make(map[batchKey]*openBatch),
		byID:    make(map[string]*openBatch),
		running: make(map[string]*BatchPrintJob),
	}
}

// scheduleFor returns the end of the window that now falls into.
func (b *BatchScheduler) scheduleFor(rule AutoPrintRule, now time.Time) time.Time {
	w := rule.BatchWindow
	if w <= 0 {
		w = b.window
	}
	return now.Truncate(w).Add(w)
}

// EnqueueBatchMember attaches a freshly created job to the open batch of its
// rule, opening one if needed. The job is persisted with its batch id and
// release time but is not visible to the dispatcher until ReleaseDue.
func (b *BatchScheduler) EnqueueBatchMember(ctx context.Context, rule AutoPrintRule, job *PrintJob) error {
	now := b.ledger.now()
	at := b.scheduleFor(rule, now)
	key := batchKey{ruleID: rule.ID, at: at.UnixNano()}

	b.mu.Lock()
	defer b.mu.Unlock()

	ob, ok := b.open[key]
	created := false
	if !ok {
		ob = &openBatch{batch: &BatchPrintJob{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			ScheduledAt: at,
			Status:      BatchStatusScheduled,
			CreatedAt:   now,
		}}
		created = true
	}

	job.BatchID = ob.batch.ID
	job.ScheduledAt = &at
	if err := b.ledger.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to attach job %s to batch: %w", job.ID, err)
	}

	ob.batch.TotalJobs++
	ob.batch.JobIDs = append(ob.batch.JobIDs, job.ID)
	ob.members = append(ob.members, queueItem{JobID: job.ID, Priority: job.Priority, ScheduledAt: at})

	if created {
		if err := b.ledger.store.CreateBatch(ctx, ob.batch); err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		b.open[key] = ob
		b.byID[ob.batch.ID] = ob
		b.ledger.recordBatch(ctx, ob.batch, AuditBatchCreated,
			fmt.Sprintf("batch opened for rule %s, release at %s", rule.ID, at.Format(time.RFC3339)))
		return nil
	}
	return b.ledger.store.UpdateBatch(ctx, ob.batch)
}

// ReleaseDue moves every scheduled batch whose time has come into the ready
// queue. Members of one batch become visible together.
func (b *BatchScheduler) ReleaseDue(ctx context.Context, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	released := 0
	for key, ob := range b.open {
		if ob.batch.ScheduledAt.After(now) {
			continue
		}
		ob.batch.Status = BatchStatusProcessing
		if err := b.ledger.store.UpdateBatch(ctx, ob.batch); err != nil {
			b.ledger.logger.Warnf("batch: failed to mark batch %s processing: %v", ob.batch.ID, err)
			ob.batch.Status = BatchStatusScheduled
			continue
		}
		b.queue.PushAll(ob.members, now)
		delete(b.open, key)
		delete(b.byID, ob.batch.ID)
		b.running[ob.batch.ID] = ob.batch
		b.ledger.recordBatch(ctx, ob.batch, AuditBatchRelease,
			fmt.Sprintf("released %d jobs", len(ob.members)))
		released++
	}
	return released
}

// RemoveMember takes a cancelled job out of a batch that has not been
// released yet. It reports false when the batch is already running, in which
// case the caller must count the job as finished instead.
func (b *BatchScheduler) RemoveMember(ctx context.Context, batchID, jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob, ok := b.byID[batchID]
	if !ok {
		return false
	}
	for i, it := range ob.members {
		if it.JobID == jobID {
			ob.members = append(ob.members[:i], ob.members[i+1:]...)
			break
		}
	}
	for i, id := range ob.batch.JobIDs {
		if id == jobID {
			ob.batch.JobIDs = append(ob.batch.JobIDs[:i], ob.batch.JobIDs[i+1:]...)
			break
		}
	}
	ob.batch.TotalJobs--

	if ob.batch.TotalJobs <= 0 {
		ob.batch.TotalJobs = 0
		ob.batch.Status = BatchStatusCancelled
		now := b.ledger.now()
		ob.batch.CompletedAt = &now
		delete(b.open, batchKey{ruleID: ob.batch.RuleID, at: ob.batch.ScheduledAt.UnixNano()})
		delete(b.byID, batchID)
		b.ledger.recordBatch(ctx, ob.batch, AuditBatchCancel, "every member was cancelled before release")
	}
	if err := b.ledger.store.UpdateBatch(ctx, ob.batch); err != nil {
		b.ledger.logger.Warnf("batch: failed to update batch %s: %v", batchID, err)
	}
	return true
}

// MemberFinished counts a member that reached a terminal state. The batch is
// completed once every member is accounted for; it is failed only when no
// member succeeded.
func (b *BatchScheduler) MemberFinished(ctx context.Context, batchID string, succeeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch, ok := b.running[batchID]
	if !ok {
		b.ledger.logger.Warnf("batch: terminal job reported for unknown batch %s", batchID)
		return
	}
	if succeeded {
		batch.CompletedJobs++
	} else {
		batch.FailedJobs++
	}

	var action AuditAction
	if batch.CompletedJobs+batch.FailedJobs >= batch.TotalJobs {
		now := b.ledger.now()
		batch.CompletedAt = &now
		if batch.FailedJobs == batch.TotalJobs {
			batch.Status = BatchStatusFailed
			action = AuditBatchFailed
		} else {
			batch.Status = BatchStatusCompleted
			action = AuditBatchDone
		}
		delete(b.running, batchID)
	}

	if err := b.ledger.store.UpdateBatch(ctx, batch); err != nil {
		b.ledger.logger.Warnf("batch: failed to update batch %s: %v", batchID, err)
	}
	if action == "" {
		return
	}
	b.ledger.recordBatch(ctx, batch, action,
		fmt.Sprintf("%d of %d jobs completed, %d failed", batch.CompletedJobs, batch.TotalJobs, batch.FailedJobs))
	if b.notify != nil {
		if err := b.notify.SendBatchEvent(string(action), batch.Clone()); err != nil {
			b.ledger.logger.Warnf("batch: webhook for batch %s failed: %v", batchID, err)
		}
	}
}

// restore rebuilds in-memory state for a batch loaded from the store.
// Scheduled batches get their members back through restoreMember.
func (b *BatchScheduler) restore(batch *BatchPrintJob) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch batch.Status {
	case BatchStatusScheduled:
		ob := &openBatch{batch: batch}
		b.open[batchKey{ruleID: batch.RuleID, at: batch.ScheduledAt.UnixNano()}] = ob
		b.byID[batch.ID] = ob
	case BatchStatusProcessing:
		b.running[batch.ID] = batch
	}
}

// restoreMember re-attaches a queued job to its unreleased batch. It reports
// false when the batch is not open, meaning the job belongs in the ready
// queue.
func (b *BatchScheduler) restoreMember(job *PrintJob) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob, ok := b.byID[job.BatchID]
	if !ok {
		return false
	}
	ob.members = append(ob.members, queueItem{JobID: job.ID, Priority: job.Priority, ScheduledAt: ob.batch.ScheduledAt})
	return true
}

func (b *BatchScheduler) OpenBatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}
