package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 6, 10, 0, 30, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSender struct {
	mu     sync.Mutex
	jobs   []string
	batchs []string
}

func (s *recordingSender) SendJobEvent(event string, job *PrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, event+":"+job.ID)
	return nil
}

func (s *recordingSender) SendBatchEvent(event string, batch *BatchPrintJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchs = append(s.batchs, event+":"+batch.ID)
	return nil
}

func (s *recordingSender) batchEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.batchs...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func succeed(pages int) Executor {
	return ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		return ExecResult{PagesRendered: pages}, nil
	})
}

func newTestEngine(t *testing.T, exec Executor, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithExecutor(exec),
		WithConfig(EngineConfig{Dispatcher: DispatcherConfig{
			WorkerCount:     4,
			PollInterval:    10 * time.Millisecond,
			ExecutorTimeout: time.Second,
		}}),
	}
	e := NewEngine(append(base, opts...)...)
	t.Cleanup(e.Stop)
	return e
}

func waitForStatus(t *testing.T, e *Engine, jobID string, want JobStatus) *PrintJob {
	t.Helper()
	var job *PrintJob
	require.Eventually(t, func() bool {
		j, err := e.GetJobStatus(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want && (want != JobStatusFailed || j.IsTerminal())
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func auditActions(t *testing.T, e *Engine, jobID string) []AuditAction {
	t.Helper()
	entries, err := e.ListAuditTrail(context.Background(), jobID)
	require.NoError(t, err)
	out := make([]AuditAction, len(entries))
	for i, en := range entries {
		out[i] = en.Action
	}
	return out
}

func TestEngine_EndToEndThroughLoadBalancedGroup(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(2))
	require.NoError(t, e.LoadCatalog(ctx, Catalog{
		Printers: []Printer{activePrinter("p1", 5), activePrinter("p2", 5)},
		Groups:   []PrinterGroup{{ID: "G", PrinterIDs: []string{"p1", "p2"}, LoadBalancing: true}},
		Rules: []AutoPrintRule{testRule("invoice", func(r *AutoPrintRule) {
			r.Target = GroupTarget("G")
			r.Conditions = map[string]any{"warehouse": "main"}
		})},
	}))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", map[string]any{"warehouse": "main"}, "alice")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	job := waitForStatus(t, e, ids[0], JobStatusCompleted)
	assert.Contains(t, []string{"p1", "p2"}, job.PrinterID)
	assert.Equal(t, 2, job.PagesEstimate)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, UserRef("alice"), job.Actor)

	assert.Equal(t, []AuditAction{AuditCreated, AuditProcessing, AuditPrinting, AuditCompleted}, auditActions(t, e, ids[0]))
	for _, l := range e.PrinterLoads() {
		assert.Zero(t, l.InFlight, "printer %s", l.PrinterID)
	}
}

func TestEngine_IngestCreatesOneJobPerMatchingRule(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("a")))
	require.NoError(t, e.RegisterRule(ctx, testRule("b", func(r *AutoPrintRule) { r.Priority = PriorityUrgent })))
	require.NoError(t, e.RegisterRule(ctx, testRule("c", func(r *AutoPrintRule) { r.Active = false })))
	require.NoError(t, e.RegisterRule(ctx, testRule("d", func(r *AutoPrintRule) {
		r.Conditions = map[string]any{"warehouse": "east"}
	})))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", map[string]any{"warehouse": "main"}, "")
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := e.GetJobStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "b", first.RuleID)
	assert.Equal(t, SystemActor, first.Actor)
	assert.Equal(t, JobStatusQueued, first.Status)
	assert.Equal(t, 1, first.Copies)
	assert.Equal(t, 1, first.PagesEstimate)

	ids, err = e.IngestEvent(ctx, "unknown_event", nil, "")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEngine_CreatedEntryCarriesAutoPrintFlag(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("manual", func(r *AutoPrintRule) { r.AutoPrint = false })))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	entries, err := e.ListAuditTrail(ctx, ids[0])
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, AuditCreated, entries[0].Action)
	assert.Equal(t, false, entries[0].Details["auto_print"])
}

func TestEngine_RejectedRuleIsAudited(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))

	err := e.RegisterRule(ctx, testRule("bad", func(r *AutoPrintRule) {
		r.Conditions = map[string]any{"warehouse": []string{"main", "east"}}
	}))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	entries, err := e.ListAuditTrail(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditRuleRejected, entries[0].Action)
	assert.Empty(t, entries[0].JobID)
	assert.Equal(t, "bad", entries[0].Details["rule_id"])
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		calls.Add(1)
		return ExecResult{}, nil
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	ok, err := e.CancelJob(ctx, ids[0], "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.CancelJob(ctx, ids[0], "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []AuditAction{AuditCreated, AuditCancelled}, auditActions(t, e, ids[0]))

	require.NoError(t, e.Start(ctx))
	assert.Never(t, func() bool { return calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	job, err := e.GetJobStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, job.Status)

	_, err = e.CancelJob(ctx, "no-such-job", "bob")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEngine_CancelUnclaimedProcessingJob(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		calls.Add(1)
		return ExecResult{}, nil
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	// Drive the dispatcher by hand so the job sits assigned but unclaimed.
	item, ok := e.queue.Pop(time.Now())
	require.True(t, ok)
	require.Equal(t, outcomeDispatched, e.dispatcher.dispatchOne(ctx, item))
	assert.Equal(t, 1, e.registry.Load("p1"))

	ok, err = e.CancelJob(ctx, ids[0], "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, e.registry.Load("p1"))

	e.dispatcher.run(ctx, <-e.dispatcher.workCh)
	assert.Zero(t, calls.Load())
	assert.Equal(t, []AuditAction{AuditCreated, AuditProcessing, AuditCancelled}, auditActions(t, e, ids[0]))
}

func TestEngine_CannotCancelWhilePrinting(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		<-release
		return ExecResult{PagesRendered: 1}, nil
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	waitForStatus(t, e, ids[0], JobStatusPrinting)

	ok, err := e.CancelJob(ctx, ids[0], "")
	require.NoError(t, err)
	assert.False(t, ok)

	close(release)
	waitForStatus(t, e, ids[0], JobStatusCompleted)
}

func TestEngine_RetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		calls.Add(1)
		return ExecResult{}, TransientError(errors.New("printer offline"))
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r", func(r *AutoPrintRule) { r.RetryCount = 2 })))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	job := waitForStatus(t, e, ids[0], JobStatusFailed)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 2, job.MaxRetries)
	assert.Contains(t, job.ErrorMessage, "printer offline")
	assert.EqualValues(t, 3, calls.Load())

	attempt := []AuditAction{AuditProcessing, AuditPrinting, AuditFailed}
	retry := []AuditAction{AuditRetrying, AuditRequeued}
	var want []AuditAction
	want = append(want, AuditCreated)
	want = append(want, attempt...)
	want = append(want, retry...)
	want = append(want, attempt...)
	want = append(want, retry...)
	want = append(want, attempt...)
	assert.Equal(t, want, auditActions(t, e, ids[0]))

	entries, err := e.ListAuditTrail(ctx, ids[0])
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, false, last.Details["retry"])
	assert.Contains(t, last.Details["reason"], ErrRetriesExhausted.Error())

	assert.Never(t, func() bool {
		j, _ := e.GetJobStatus(ctx, ids[0])
		return j.Status != JobStatusFailed
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestEngine_PermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		return ExecResult{}, PermanentError(errors.New("malformed template"))
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r", func(r *AutoPrintRule) { r.RetryCount = 5 })))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	job := waitForStatus(t, e, ids[0], JobStatusFailed)
	assert.Zero(t, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, "malformed template")
	assert.Equal(t, []AuditAction{AuditCreated, AuditProcessing, AuditPrinting, AuditFailed}, auditActions(t, e, ids[0]))
}

func TestEngine_NoAvailablePrinterFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	off := activePrinter("p1", 0)
	off.Active = false
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(off))
	require.NoError(t, e.RegisterRule(ctx, testRule("r", func(r *AutoPrintRule) { r.RetryCount = 3 })))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	job := waitForStatus(t, e, ids[0], JobStatusFailed)
	assert.Zero(t, job.RetryCount)
	assert.Empty(t, job.PrinterID)
	assert.Contains(t, job.ErrorMessage, ErrNoAvailablePrinter.Error())
	assert.Equal(t, []AuditAction{AuditCreated, AuditFailed}, auditActions(t, e, ids[0]))
}

func TestEngine_QueueFullIsBackpressureNotFailure(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return ExecResult{PagesRendered: 1}, nil
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 1)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	require.NoError(t, e.Start(ctx))

	first, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	waitForStatus(t, e, first[0], JobStatusPrinting)

	second, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	assert.Never(t, func() bool {
		j, _ := e.GetJobStatus(ctx, second[0])
		return j.Status != JobStatusQueued
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, e.registry.Load("p1"))

	close(release)
	waitForStatus(t, e, first[0], JobStatusCompleted)
	job := waitForStatus(t, e, second[0], JobStatusCompleted)
	assert.Zero(t, job.RetryCount)
	assert.Equal(t, []AuditAction{AuditCreated, AuditProcessing, AuditPrinting, AuditCompleted}, auditActions(t, e, second[0]))
}

func TestEngine_ExecutorTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		return ExecResult{PagesRendered: 1}, nil
	}), WithConfig(EngineConfig{Dispatcher: DispatcherConfig{
		WorkerCount:     1,
		PollInterval:    10 * time.Millisecond,
		ExecutorTimeout: 50 * time.Millisecond,
	}}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r", func(r *AutoPrintRule) { r.RetryCount = 1 })))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	job := waitForStatus(t, e, ids[0], JobStatusCompleted)
	assert.Equal(t, 1, job.RetryCount)

	entries, err := e.ListAuditTrail(ctx, ids[0])
	require.NoError(t, err)
	var failed *AuditEntry
	for i := range entries {
		if entries[i].Action == AuditFailed {
			failed = &entries[i]
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Message, "timed out")
	assert.Equal(t, true, failed.Details["transient"])
}

func TestEngine_RetryWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		if calls.Add(1) == 1 {
			return ExecResult{}, TransientError(errors.New("paper jam"))
		}
		return ExecResult{PagesRendered: 1}, nil
	}), WithClock(clock.Now))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r", func(r *AutoPrintRule) {
		r.RetryCount = 1
		r.RetryDelay = 30 * time.Second
	})))
	require.NoError(t, e.Start(ctx))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := e.GetJobStatus(ctx, ids[0])
		return j.Status == JobStatusQueued && j.RetryCount == 1
	}, 3*time.Second, 5*time.Millisecond)

	job, err := e.GetJobStatus(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, job.ScheduledAt)
	assert.Equal(t, clock.Now().Add(30*time.Second), *job.ScheduledAt)

	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	clock.Advance(31 * time.Second)
	waitForStatus(t, e, ids[0], JobStatusCompleted)
}

func TestEngine_SetPrinterActive(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))

	require.NoError(t, e.SetPrinterActive(ctx, "p1", false, "ops"))
	require.NoError(t, e.SetPrinterActive(ctx, "p1", false, "ops"))
	assert.ErrorIs(t, e.SetPrinterActive(ctx, "nope", true, "ops"), ErrPrinterNotFound)

	entries, err := e.ListAuditTrail(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditPrinterState, entries[0].Action)
	assert.Equal(t, UserRef("ops"), entries[0].Actor)
	assert.Equal(t, false, entries[0].Details["active"])
}

func TestEngine_RecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	audit := NewMemoryAuditSink()
	now := time.Now()

	processing := &PrintJob{ID: "job-processing", RuleID: "r", TemplateID: "tpl", Target: PrinterTarget("p1"),
		Priority: PriorityNormal, Copies: 1, PagesEstimate: 1, Status: JobStatusProcessing, PrinterID: "p1",
		StartedAt: &now, CreatedAt: now, Seq: 7}
	printing := &PrintJob{ID: "job-printing", RuleID: "r", TemplateID: "tpl", Target: PrinterTarget("p1"),
		Priority: PriorityNormal, Copies: 1, PagesEstimate: 1, Status: JobStatusPrinting, PrinterID: "p1",
		MaxRetries: 1, StartedAt: &now, CreatedAt: now, Seq: 8}
	done := &PrintJob{ID: "job-done", RuleID: "r", TemplateID: "tpl", Target: PrinterTarget("p1"),
		Status: JobStatusCompleted, CompletedAt: &now, CreatedAt: now, Seq: 9}
	for _, j := range []*PrintJob{processing, printing, done} {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		calls.Add(1)
		return ExecResult{PagesRendered: 1}, nil
	}), WithStore(store), WithAuditSink(audit))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	require.NoError(t, e.Start(ctx))

	waitForStatus(t, e, "job-processing", JobStatusCompleted)
	recovered := waitForStatus(t, e, "job-printing", JobStatusCompleted)
	assert.Equal(t, 1, recovered.RetryCount)
	assert.EqualValues(t, 2, calls.Load())

	assert.Equal(t, []AuditAction{AuditRecovered, AuditProcessing, AuditPrinting, AuditCompleted},
		auditActions(t, e, "job-processing"))
	assert.Equal(t, []AuditAction{AuditFailed, AuditRetrying, AuditRequeued, AuditProcessing, AuditPrinting, AuditCompleted},
		auditActions(t, e, "job-printing"))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	fresh, err := e.GetJobStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Greater(t, fresh.Seq, uint64(9))
}

func TestEngine_RestartReleasesUnclaimedPrinterSlot(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	e := newTestEngine(t, ExecutorFunc(func(context.Context, ExecRequest) (ExecResult, error) {
		calls.Add(1)
		return ExecResult{PagesRendered: 1}, nil
	}))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 1)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	require.NoError(t, e.Start(ctx))
	e.Stop()

	first, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	// Assign the job the way a tick racing with Stop would, leaving an
	// assignment no worker consumes.
	require.Equal(t, 1, e.dispatcher.tick(ctx))
	assert.Equal(t, 1, e.registry.Load("p1"))

	require.NoError(t, e.Start(ctx))
	second, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	waitForStatus(t, e, first[0], JobStatusCompleted)
	waitForStatus(t, e, second[0], JobStatusCompleted)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 0, e.registry.Load("p1"))
	assert.Equal(t, []AuditAction{AuditCreated, AuditProcessing, AuditRecovered, AuditProcessing, AuditPrinting, AuditCompleted},
		auditActions(t, e, first[0]))
}

func TestEngine_StopDropsUnclaimedAssignments(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))
	_, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)

	require.Equal(t, 1, e.dispatcher.tick(ctx))
	require.Len(t, e.dispatcher.workCh, 1)

	e.dispatcher.drain()
	assert.Empty(t, e.dispatcher.workCh)
	assert.Empty(t, e.dispatcher.slots)
	assert.Equal(t, 1, e.registry.Load("p1"), "the processing job still owns its printer slot")
}

func TestDispatcher_WakesEarlyForDelayedJob(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(t, succeed(1), WithClock(clock.Now),
		WithConfig(EngineConfig{Dispatcher: DispatcherConfig{PollInterval: time.Minute}}))

	assert.Equal(t, time.Minute, e.dispatcher.nextWait())

	e.queue.Push(queueItem{JobID: "later", ScheduledAt: clock.Now().Add(5 * time.Second)}, clock.Now())
	assert.Equal(t, 5*time.Second, e.dispatcher.nextWait())

	clock.Advance(10 * time.Second)
	assert.Equal(t, time.Millisecond, e.dispatcher.nextWait())
}

func TestEngine_Stats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, succeed(1))
	require.NoError(t, e.RegisterPrinter(activePrinter("p1", 0)))
	require.NoError(t, e.RegisterRule(ctx, testRule("r")))

	ids, err := e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	_, err = e.IngestEvent(ctx, "sales_order_approved", nil, "")
	require.NoError(t, err)
	_, err = e.CancelJob(ctx, ids[0], "")
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &QueueStats{Queued: 1, Cancelled: 1, Total: 2}, stats)
}
