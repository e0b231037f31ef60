package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type DispatcherConfig struct {
	WorkerCount     int
	PollInterval    time.Duration
	ExecutorTimeout time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.WorkerCount < 1 {
		c.WorkerCount = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = 30 * time.Second
	}
}

type dispatchOutcome int

const (
	outcomeDispatched dispatchOutcome = iota
	outcomeDeferred
	outcomeDropped
)

type assignment struct {
	jobID   string
	printer Printer
}

// Dispatcher moves jobs from the ready queue through
// processing -> printing -> completed/failed with a bounded pool of workers.
// A single loop selects printers; workers only run the executor and record
// the result.
type Dispatcher struct {
	ledger   *ledger
	registry *PrinterRegistry
	queue    *ReadyQueue
	batches  *BatchScheduler
	retry    RetryPolicy
	executor Executor
	notify   WebhookSender
	cfg      DispatcherConfig
	logger   *logrus.Logger

	slots  chan struct{}
	workCh chan assignment
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func newDispatcher(l *ledger, reg *PrinterRegistry, q *ReadyQueue, b *BatchScheduler, retry RetryPolicy, exec Executor, notify WebhookSender, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		ledger:   l,
		registry: reg,
		queue:    q,
		batches:  b,
		retry:    retry,
		executor: exec,
		notify:   notify,
		cfg:      cfg,
		logger:   l.logger,
		slots:    make(chan struct{}, cfg.WorkerCount),
		workCh:   make(chan assignment, cfg.WorkerCount),
		wakeCh:   make(chan struct{}, 1),
	}
}

func (d *Dispatcher) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.drain()

	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.loop(ctx)
}

// stop halts dispatching and waits for in-flight executor calls to return.
// Jobs already assigned but not yet claimed stay in processing, keeping their
// printer slot, and are re-queued by recovery on the next start.
func (d *Dispatcher) stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.drain()
}

// drain discards assignments no worker picked up and frees their worker
// slots. The printer slot belongs to the job while it is in processing and
// is given back by whichever step moves it out: claim, cancel or recovery.
func (d *Dispatcher) drain() {
	for {
		select {
		case a := <-d.workCh:
			d.logger.Debugf("dispatcher: dropped unclaimed assignment of job %s", a.jobID)
		default:
			for {
				select {
				case <-d.slots:
				default:
					return
				}
			}
		}
	}
}

// Wake asks the loop to run a tick without waiting for the poll interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()

	d.tick(ctx)
	for {
		resetTimer(timer, d.nextWait())
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			d.tick(ctx)
		case <-d.wakeCh:
			d.tick(ctx)
		}
	}
}

// nextWait is the poll interval, shortened when a delayed job comes due
// sooner.
func (d *Dispatcher) nextWait() time.Duration {
	wait := d.cfg.PollInterval
	if due, ok := d.queue.NextDue(); ok {
		if until := due.Sub(d.ledger.now()); until < wait {
			wait = max(until, time.Millisecond)
		}
	}
	return wait
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// tick releases due batches, then hands ready jobs to free workers until
// either runs out. Jobs whose printers are saturated are put back after the
// pass so they are retried on the next tick.
func (d *Dispatcher) tick(ctx context.Context) int {
	d.ledger.mu.Lock()
	d.batches.ReleaseDue(ctx, d.ledger.now())
	d.ledger.mu.Unlock()

	var deferred []queueItem
	dispatched := 0

fill:
	for {
		select {
		case d.slots <- struct{}{}:
		default:
			break fill
		}
		item, ok := d.queue.Pop(d.ledger.now())
		if !ok {
			<-d.slots
			break
		}
		switch d.dispatchOne(ctx, item) {
		case outcomeDispatched:
			dispatched++
		case outcomeDeferred:
			deferred = append(deferred, item)
			<-d.slots
		default:
			<-d.slots
		}
	}

	if len(deferred) > 0 {
		d.queue.PushAll(deferred, d.ledger.now())
	}
	return dispatched
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item queueItem) dispatchOutcome {
	d.ledger.mu.Lock()
	defer d.ledger.mu.Unlock()

	job, err := d.ledger.store.GetJob(ctx, item.JobID)
	if err != nil {
		d.logger.Warnf("dispatcher: failed to load job %s: %v", item.JobID, err)
		return outcomeDropped
	}
	if job.Status != JobStatusQueued {
		return outcomeDropped
	}

	printer, err := d.registry.SelectPrinter(job.Target)
	switch {
	case errors.Is(err, ErrPrinterQueueFull):
		d.logger.Debugf("dispatcher: job %s waiting for capacity: %v", job.ID, err)
		return outcomeDeferred
	case err != nil:
		d.failUnroutable(ctx, job, err)
		return outcomeDropped
	}

	now := d.ledger.now()
	job.PrinterID = printer.ID
	job.StartedAt = &now
	details := map[string]any{
		"printer_id": printer.ID,
		"target":     job.Target.String(),
		"attempt":    job.RetryCount + 1,
	}
	if err := d.ledger.transition(ctx, job, JobStatusProcessing, AuditProcessing,
		fmt.Sprintf("assigned to printer %s", printer.ID), details, SystemActor); err != nil {
		d.registry.Release(printer.ID)
		d.logger.Errorf("dispatcher: %v", err)
		return outcomeDeferred
	}

	d.workCh <- assignment{jobID: job.ID, printer: *printer}
	return outcomeDispatched
}

// failUnroutable ends a job whose target has no active printer. This is a
// configuration problem, so the retry policy is not consulted.
func (d *Dispatcher) failUnroutable(ctx context.Context, job *PrintJob, cause error) {
	now := d.ledger.now()
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &now
	details := map[string]any{
		"target":    job.Target.String(),
		"transient": false,
		"retry":     false,
		"reason":    ErrNoAvailablePrinter.Error(),
	}
	if err := d.ledger.transition(ctx, job, JobStatusFailed, AuditFailed, cause.Error(), details, SystemActor); err != nil {
		d.logger.Errorf("dispatcher: %v", err)
		return
	}
	d.logger.Warnf("dispatcher: job %s failed: %v", job.ID, cause)
	d.finished(ctx, job, false, "job_failed")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case a := <-d.workCh:
			d.run(ctx, a)
			<-d.slots
			d.Wake()
		}
	}
}

// run claims an assigned job and drives it through one print attempt. A job
// cancelled between assignment and claim is skipped; its printer slot was
// already given back by the cancellation.
func (d *Dispatcher) run(ctx context.Context, a assignment) {
	d.ledger.mu.Lock()
	job, err := d.ledger.store.GetJob(ctx, a.jobID)
	if err != nil {
		d.ledger.mu.Unlock()
		d.registry.Release(a.printer.ID)
		d.logger.Warnf("dispatcher: failed to load job %s: %v", a.jobID, err)
		return
	}
	if job.Status != JobStatusProcessing {
		d.ledger.mu.Unlock()
		return
	}
	if err := d.ledger.transition(ctx, job, JobStatusPrinting, AuditPrinting,
		fmt.Sprintf("printing on %s", a.printer.ID), map[string]any{"printer_id": a.printer.ID}, SystemActor); err != nil {
		d.ledger.mu.Unlock()
		d.registry.Release(a.printer.ID)
		d.logger.Errorf("dispatcher: %v", err)
		return
	}
	d.ledger.mu.Unlock()

	req := ExecRequest{
		JobID:      job.ID,
		Printer:    a.printer,
		TemplateID: job.TemplateID,
		Payload:    job.Clone().Payload,
		Copies:     job.Copies,
		Preview:    job.PreviewRequired,
	}
	res, execErr := executeWithTimeout(ctx, d.executor, req, d.cfg.ExecutorTimeout)

	d.ledger.mu.Lock()
	defer d.ledger.mu.Unlock()
	d.registry.Release(a.printer.ID)

	if execErr != nil {
		d.fail(ctx, job, execErr)
		return
	}
	d.complete(ctx, job, res)
}

func (d *Dispatcher) complete(ctx context.Context, job *PrintJob, res ExecResult) {
	now := d.ledger.now()
	job.CompletedAt = &now
	job.ErrorMessage = ""
	if res.PagesRendered > 0 {
		job.PagesEstimate = res.PagesRendered
	}
	details := map[string]any{
		"printer_id":     job.PrinterID,
		"pages_rendered": res.PagesRendered,
	}
	if err := d.ledger.transition(ctx, job, JobStatusCompleted, AuditCompleted,
		fmt.Sprintf("printed on %s", job.PrinterID), details, SystemActor); err != nil {
		d.logger.Errorf("dispatcher: %v", err)
		return
	}
	d.finished(ctx, job, true, "job_completed")
}

// fail records a failed attempt and applies the retry policy. The decision
// is taken before the failed entry is written so the entry can carry it.
func (d *Dispatcher) fail(ctx context.Context, job *PrintJob, cause error) {
	retry := d.retry.ShouldRetry(job, cause)
	now := d.ledger.now()
	job.ErrorMessage = cause.Error()

	details := map[string]any{
		"printer_id":  job.PrinterID,
		"transient":   IsTransient(cause),
		"retry":       retry,
		"retry_count": job.RetryCount,
		"max_retries": job.MaxRetries,
	}
	if !retry {
		job.CompletedAt = &now
		details["reason"] = failureReason(job, cause).Error()
	}
	if err := d.ledger.transition(ctx, job, JobStatusFailed, AuditFailed, cause.Error(), details, SystemActor); err != nil {
		d.logger.Errorf("dispatcher: %v", err)
		return
	}

	if !retry {
		d.logger.Warnf("dispatcher: job %s failed permanently: %v", job.ID, cause)
		d.finished(ctx, job, false, "job_failed")
		return
	}
	d.requeue(ctx, job)
}

// requeue walks a failed job through retrying back to queued and makes it
// eligible again after the policy delay. The printer is resolved afresh on
// the next attempt.
func (d *Dispatcher) requeue(ctx context.Context, job *PrintJob) {
	delay := d.retry.Delay(job)
	job.RetryCount++
	if err := d.ledger.transition(ctx, job, JobStatusRetrying, AuditRetrying,
		fmt.Sprintf("retry %d of %d in %s", job.RetryCount, job.MaxRetries, delay),
		map[string]any{"retry_count": job.RetryCount, "delay_seconds": delay.Seconds()}, SystemActor); err != nil {
		d.logger.Errorf("dispatcher: %v", err)
		return
	}

	at := d.ledger.now().Add(delay)
	job.ScheduledAt = &at
	job.PrinterID = ""
	job.StartedAt = nil
	if err := d.ledger.transition(ctx, job, JobStatusQueued, AuditRequeued,
		"queued for retry", map[string]any{"scheduled_at": at.Format(time.RFC3339Nano)}, SystemActor); err != nil {
		d.logger.Errorf("dispatcher: %v", err)
		return
	}
	d.queue.Push(queueItem{JobID: job.ID, Priority: job.Priority, ScheduledAt: at}, d.ledger.now())
}

func (d *Dispatcher) finished(ctx context.Context, job *PrintJob, succeeded bool, event string) {
	if job.BatchID != "" {
		d.batches.MemberFinished(ctx, job.BatchID, succeeded)
	}
	if d.notify != nil {
		if err := d.notify.SendJobEvent(event, job.Clone()); err != nil {
			d.logger.Warnf("dispatcher: webhook %s for job %s failed: %v", event, job.ID, err)
		}
	}
}

// cancel stops a job that no worker has claimed yet. Jobs already printing
// or finished are left alone and false is returned.
func (d *Dispatcher) cancel(ctx context.Context, jobID string, actor UserRef) (bool, error) {
	d.ledger.mu.Lock()
	defer d.ledger.mu.Unlock()

	job, err := d.ledger.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	prev := job.Status
	releasedBatchMember := false
	switch prev {
	case JobStatusQueued:
		d.queue.Remove(job.ID)
		if job.BatchID != "" {
			releasedBatchMember = !d.batches.RemoveMember(ctx, job.BatchID, job.ID)
		}
	case JobStatusProcessing:
		d.registry.Release(job.PrinterID)
		releasedBatchMember = job.BatchID != ""
	default:
		return false, nil
	}

	now := d.ledger.now()
	job.CompletedAt = &now
	if err := d.ledger.transition(ctx, job, JobStatusCancelled, AuditCancelled,
		fmt.Sprintf("cancelled while %s", prev), map[string]any{"previous_status": string(prev)}, actor); err != nil {
		return false, err
	}

	if releasedBatchMember {
		d.batches.MemberFinished(ctx, job.BatchID, false)
	}
	if d.notify != nil {
		if err := d.notify.SendJobEvent("job_cancelled", job.Clone()); err != nil {
			d.logger.Warnf("dispatcher: webhook job_cancelled for job %s failed: %v", job.ID, err)
		}
	}
	return true, nil
}

// recoverJobs rebuilds queue and batch state from the store after a restart
// and returns the highest job sequence seen. Jobs interrupted mid-print are
// failed as transient and go through the retry policy.
func (d *Dispatcher) recoverJobs(ctx context.Context) (uint64, error) {
	d.ledger.mu.Lock()
	defer d.ledger.mu.Unlock()

	batches, err := d.ledger.store.ListBatches(ctx, BatchStatusScheduled, BatchStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to load open batches: %w", err)
	}
	for _, b := range batches {
		d.batches.restore(b)
	}

	jobs, err := d.ledger.store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	var maxSeq uint64
	now := d.ledger.now()
	recovered := 0
	for _, job := range jobs {
		if job.Seq > maxSeq {
			maxSeq = job.Seq
		}
		if job.IsTerminal() {
			continue
		}
		recovered++

		switch job.Status {
		case JobStatusQueued:
			if job.BatchID != "" && d.batches.restoreMember(job) {
				continue
			}
			d.queue.Push(recoveredItem(job), now)

		case JobStatusProcessing:
			d.registry.Release(job.PrinterID)
			job.PrinterID = ""
			job.StartedAt = nil
			if err := d.ledger.transition(ctx, job, JobStatusQueued, AuditRecovered,
				"requeued after restart", nil, SystemActor); err != nil {
				return maxSeq, err
			}
			d.queue.Push(recoveredItem(job), now)

		case JobStatusPrinting:
			d.fail(ctx, job, TransientError(errors.New("print interrupted by restart")))

		case JobStatusRetrying:
			if err := d.ledger.transition(ctx, job, JobStatusQueued, AuditRequeued,
				"queued for retry after restart", nil, SystemActor); err != nil {
				return maxSeq, err
			}
			d.queue.Push(recoveredItem(job), now)

		case JobStatusFailed:
			cause := TransientError(errors.New(job.ErrorMessage))
			if d.retry.ShouldRetry(job, cause) {
				d.requeue(ctx, job)
				continue
			}
			job.CompletedAt = &now
			if err := d.ledger.store.UpdateJob(ctx, job); err != nil {
				return maxSeq, fmt.Errorf("failed to finalise job %s: %w", job.ID, err)
			}
			if err := d.ledger.record(ctx, job.ID, AuditRecovered, "failure finalised after restart",
				map[string]any{"reason": failureReason(job, cause).Error()}, SystemActor); err != nil {
				return maxSeq, err
			}
			d.finished(ctx, job, false, "job_failed")
		}
	}

	if recovered > 0 {
		d.logger.Infof("dispatcher: recovered %d unfinished jobs", recovered)
	}
	return maxSeq, nil
}

func recoveredItem(job *PrintJob) queueItem {
	item := queueItem{JobID: job.ID, Priority: job.Priority}
	if job.ScheduledAt != nil {
		item.ScheduledAt = *job.ScheduledAt
	}
	return item
}
