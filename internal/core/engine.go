package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookSender receives terminal job and batch outcomes. Implementations
// must not block; they are called with the engine lock held.
type WebhookSender interface {
	SendJobEvent(event string, job *PrintJob) error
	SendBatchEvent(event string, batch *BatchPrintJob) error
}

type EngineConfig struct {
	Dispatcher  DispatcherConfig
	BatchWindow time.Duration
}

type engineOptions struct {
	logger   *logrus.Logger
	clock    func() time.Time
	store    Store
	audit    AuditSink
	executor Executor
	retry    RetryPolicy
	notify   WebhookSender
	cfg      EngineConfig
}

type Option func(*engineOptions)

func WithLogger(l *logrus.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.clock = now }
}

func WithStore(s Store) Option {
	return func(o *engineOptions) { o.store = s }
}

func WithAuditSink(a AuditSink) Option {
	return func(o *engineOptions) { o.audit = a }
}

func WithExecutor(e Executor) Option {
	return func(o *engineOptions) { o.executor = e }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *engineOptions) { o.retry = p }
}

func WithWebhookSender(s WebhookSender) Option {
	return func(o *engineOptions) { o.notify = s }
}

func WithConfig(cfg EngineConfig) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// Catalog is a configuration snapshot handed to LoadCatalog.
type Catalog struct {
	Printers []Printer
	Groups   []PrinterGroup
	Rules    []AutoPrintRule
}

// Engine is the auto-print dispatch engine: business events in, printed
// jobs and an audit trail out.
type Engine struct {
	logger     *logrus.Logger
	ledger     *ledger
	registry   *PrinterRegistry
	matcher    *RuleMatcher
	queue      *ReadyQueue
	batches    *BatchScheduler
	factory    *JobFactory
	dispatcher *Dispatcher

	mu      sync.Mutex
	running bool
}

func NewEngine(opts ...Option) *Engine {
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.store == nil {
		o.store = NewMemoryStore()
	}
	if o.audit == nil {
		o.audit = NewMemoryAuditSink()
	}
	if o.retry == nil {
		o.retry = FixedDelayPolicy{}
	}
	if o.executor == nil {
		o.executor = ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
			return ExecResult{}, PermanentError(errors.New("no print executor configured"))
		})
	}

	l := newLedger(o.store, o.audit, o.clock, o.logger)
	registry := NewPrinterRegistry()
	queue := NewReadyQueue()
	batches := NewBatchScheduler(l, queue, o.cfg.BatchWindow, o.notify)

	return &Engine{
		logger:     o.logger,
		ledger:     l,
		registry:   registry,
		matcher:    NewRuleMatcher(),
		queue:      queue,
		batches:    batches,
		factory:    NewJobFactory(l, queue, batches),
		dispatcher: newDispatcher(l, registry, queue, batches, o.retry, o.executor, o.notify, o.cfg.Dispatcher),
	}
}

func (e *Engine) RegisterPrinter(p Printer) error {
	return e.registry.RegisterPrinter(p)
}

func (e *Engine) RegisterGroup(g PrinterGroup) error {
	return e.registry.RegisterGroup(g)
}

// RegisterRule adds a rule to the matcher. A rejected rule leaves an audit
// entry without a job id and returns a *ConfigurationError. A rule whose
// target is not registered yet is accepted; its jobs fail as unroutable
// until the printer or group appears.
func (e *Engine) RegisterRule(ctx context.Context, rule AutoPrintRule) error {
	if !rule.Target.IsZero() && !e.registry.HasTarget(rule.Target) {
		e.logger.Warnf("engine: rule %s targets unregistered %s", rule.ID, rule.Target)
	}
	if err := e.matcher.Register(rule); err != nil {
		e.ledger.mu.Lock()
		defer e.ledger.mu.Unlock()
		if aerr := e.ledger.record(ctx, "", AuditRuleRejected, err.Error(),
			map[string]any{"rule_id": rule.ID}, SystemActor); aerr != nil {
			e.logger.Warnf("engine: %v", aerr)
		}
		return err
	}
	return nil
}

// LoadCatalog registers printers, then groups, then rules. A bad definition
// is skipped and reported; the rest of the catalog still loads.
func (e *Engine) LoadCatalog(ctx context.Context, cat Catalog) error {
	var errs []error
	for _, p := range cat.Printers {
		if err := e.RegisterPrinter(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range cat.Groups {
		if err := e.RegisterGroup(g); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range cat.Rules {
		if err := e.RegisterRule(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		e.logger.Warnf("engine: catalog loaded with %d rejected definitions", len(errs))
	}
	return errors.Join(errs...)
}

// IngestEvent creates one job per matching active rule and returns their
// ids. No match is not an error. Only storage failures are returned.
func (e *Engine) IngestEvent(ctx context.Context, eventCode string, payload map[string]any, actor UserRef) ([]string, error) {
	rules := e.matcher.Match(eventCode, payload)
	ids := make([]string, 0, len(rules))
	if len(rules) == 0 {
		e.logger.Debugf("engine: no rule matched event %s", eventCode)
		return ids, nil
	}

	e.ledger.mu.Lock()
	for _, rule := range rules {
		job, err := e.factory.Create(ctx, rule, eventCode, payload, actor)
		if err != nil {
			e.ledger.mu.Unlock()
			return ids, fmt.Errorf("failed to ingest event %s: %w", eventCode, err)
		}
		ids = append(ids, job.ID)
	}
	e.ledger.mu.Unlock()

	e.logger.Infof("engine: event %s created %d jobs", eventCode, len(ids))
	e.dispatcher.Wake()
	return ids, nil
}

// CancelJob cancels a job that has not started printing. Cancelling a job
// twice, or one that is already printing or finished, returns false.
func (e *Engine) CancelJob(ctx context.Context, jobID string, actor UserRef) (bool, error) {
	ok, err := e.dispatcher.cancel(ctx, jobID, actor)
	if ok {
		e.dispatcher.Wake()
	}
	return ok, err
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID string) (*PrintJob, error) {
	return e.ledger.store.GetJob(ctx, jobID)
}

// ListAuditTrail returns the entries of one job in order, or every entry
// when jobID is empty.
func (e *Engine) ListAuditTrail(ctx context.Context, jobID string) ([]AuditEntry, error) {
	return e.ledger.audit.List(ctx, jobID)
}

func (e *Engine) GetBatch(ctx context.Context, batchID string) (*BatchPrintJob, error) {
	return e.ledger.store.GetBatch(ctx, batchID)
}

// SetPrinterActive toggles a printer. Jobs already running on it finish
// normally; new selections skip it while inactive.
func (e *Engine) SetPrinterActive(ctx context.Context, printerID string, active bool, actor UserRef) error {
	prev, err := e.registry.SetActive(printerID, active)
	if err != nil {
		return err
	}
	if prev == active {
		return nil
	}

	e.ledger.mu.Lock()
	err = e.ledger.record(ctx, "", AuditPrinterState,
		fmt.Sprintf("printer %s active=%t", printerID, active),
		map[string]any{"printer_id": printerID, "active": active}, actor)
	e.ledger.mu.Unlock()

	e.dispatcher.Wake()
	return err
}

func (e *Engine) PrinterLoads() []PrinterLoad {
	return e.registry.Loads()
}

// StatusCounter is implemented by stores that can count jobs per status
// without loading them.
type StatusCounter interface {
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)
}

func (e *Engine) Stats(ctx context.Context) (*QueueStats, error) {
	var counts map[JobStatus]int
	if c, ok := e.ledger.store.(StatusCounter); ok {
		var err error
		if counts, err = c.CountJobsByStatus(ctx); err != nil {
			return nil, err
		}
	} else {
		jobs, err := e.ledger.store.ListJobs(ctx)
		if err != nil {
			return nil, err
		}
		counts = make(map[JobStatus]int)
		for _, j := range jobs {
			counts[j.Status]++
		}
	}

	stats := &QueueStats{
		Queued:     counts[JobStatusQueued],
		Processing: counts[JobStatusProcessing],
		Printing:   counts[JobStatusPrinting],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
		Retrying:   counts[JobStatusRetrying],
		Cancelled:  counts[JobStatusCancelled],

		OpenBatches: e.batches.OpenBatches(),
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// Start recovers unfinished work from the store and starts dispatching.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	seq, err := e.dispatcher.recoverJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	e.factory.resumeSeq(seq)

	e.dispatcher.start(ctx)
	e.running = true
	e.logger.Infof("engine: dispatcher started with %d workers", e.dispatcher.cfg.WorkerCount)
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.dispatcher.stop()
	e.running = false
	e.logger.Info("engine: dispatcher stopped")
}
