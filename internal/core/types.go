package core

import (
	"fmt"
	"strings"
	"time"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

type ConnectionKind string

const (
	ConnectionLocal   ConnectionKind = "local"
	ConnectionNetwork ConnectionKind = "network"
	ConnectionCloud   ConnectionKind = "cloud"
)

type Printer struct {
	ID            string
	Name          string
	Connection    ConnectionKind
	Address       string
	MaxQueueDepth int
	Active        bool
}

type PrinterGroup struct {
	ID            string
	Name          string
	PrinterIDs    []string
	LoadBalancing bool
	Failover      bool
}

// PrintTemplate is opaque to the engine: an id and its declared placeholders.
type PrintTemplate struct {
	ID        string
	Name      string
	Variables []string
}

type ERPEvent struct {
	Code string
	Type string
}

type targetKind uint8

const (
	targetNone targetKind = iota
	targetPrinter
	targetGroup
)

// Target is either a single printer or a printer group, never both.
type Target struct {
	kind targetKind
	id   string
}

func PrinterTarget(printerID string) Target {
	return Target{kind: targetPrinter, id: printerID}
}

func GroupTarget(groupID string) Target {
	return Target{kind: targetGroup, id: groupID}
}

func (t Target) ID() string { return t.id }

func (t Target) IsGroup() bool { return t.kind == targetGroup }

func (t Target) IsPrinter() bool { return t.kind == targetPrinter }

func (t Target) IsZero() bool { return t.kind == targetNone || t.id == "" }

func (t Target) String() string {
	switch t.kind {
	case targetPrinter:
		return "printer:" + t.id
	case targetGroup:
		return "group:" + t.id
	default:
		return "none"
	}
}

// ParseTarget reverses Target.String.
func ParseTarget(s string) (Target, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Target{}, fmt.Errorf("malformed target %q", s)
	}
	switch kind {
	case "printer":
		return PrinterTarget(id), nil
	case "group":
		return GroupTarget(id), nil
	default:
		return Target{}, fmt.Errorf("malformed target %q", s)
	}
}

type AutoPrintRule struct {
	ID              string
	Name            string
	EventCode       string
	TemplateID      string
	Target          Target
	Priority        Priority
	Conditions      map[string]any
	BatchPrinting   bool
	BatchWindow     time.Duration
	PreviewRequired bool
	// AutoPrint is carried onto the created audit entry; it does not gate
	// dispatch.
	AutoPrint       bool
	RetryCount      int
	RetryDelay      time.Duration
	Active          bool
	CreatedAt       time.Time
}

// UserRef identifies whoever caused an event; empty means the system.
type UserRef string

const SystemActor UserRef = "system"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPrinting   JobStatus = "printing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCancelled  JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusPrinting, JobStatusCancelled, JobStatusQueued},
	JobStatusPrinting:   {JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusRetrying},
	JobStatusRetrying:   {JobStatusQueued},
}

// CanTransition reports whether a job may move from one status to another.
// A failed job only leaves that state while its retry decision is pending;
// the dispatcher never reopens a failed job it has already finalised.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type PrintJob struct {
	ID              string
	RuleID          string
	TemplateID      string
	Target          Target
	PrinterID       string
	Priority        Priority
	Payload         map[string]any
	PagesEstimate   int
	Copies          int
	PreviewRequired bool
	Status          JobStatus
	RetryCount      int
	MaxRetries      int
	RetryDelay      time.Duration
	BatchID         string
	Actor           UserRef
	ScheduledAt     *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	Seq             uint64
}

// IsTerminal reports whether the job can no longer change state. A failed job
// is terminal once the retry policy has declined it, which is recorded by
// CompletedAt being set.
func (j *PrintJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.CompletedAt != nil
	}
	return false
}

func (j *PrintJob) Clone() *PrintJob {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type BatchStatus string

const (
	BatchStatusScheduled  BatchStatus = "scheduled"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

type BatchPrintJob struct {
	ID            string
	RuleID        string
	ScheduledAt   time.Time
	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	Status        BatchStatus
	JobIDs        []string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

func (b *BatchPrintJob) ProgressPercentage() float64 {
	if b.TotalJobs == 0 {
		return 0
	}
	return float64(b.CompletedJobs) / float64(b.TotalJobs) * 100
}

func (b *BatchPrintJob) Clone() *BatchPrintJob {
	c := *b
	c.JobIDs = append([]string(nil), b.JobIDs...)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}

type AuditAction string

const (
	AuditCreated      AuditAction = "created"
	AuditProcessing   AuditAction = "processing"
	AuditPrinting     AuditAction = "printing"
	AuditCompleted    AuditAction = "completed"
	AuditFailed       AuditAction = "failed"
	AuditRetrying     AuditAction = "retrying"
	AuditRequeued     AuditAction = "queued"
	AuditCancelled    AuditAction = "cancelled"
	AuditRecovered    AuditAction = "recovered"
	AuditBatchCreated AuditAction = "batch_created"
	AuditBatchRelease AuditAction = "batch_released"
	AuditBatchDone    AuditAction = "batch_completed"
	AuditBatchFailed  AuditAction = "batch_failed"
	AuditBatchCancel  AuditAction = "batch_cancelled"
	AuditRuleRejected AuditAction = "rule_rejected"
	AuditPrinterState AuditAction = "printer_state_changed"
)

// AuditEntry is immutable once appended. JobID is empty for registry and
// rule level entries.
type AuditEntry struct {
	ID        string
	JobID     string
	Action    AuditAction
	Message   string
	Details   map[string]any
	Actor     UserRef
	Timestamp time.Time
	Seq       uint64
}

type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Printing   int `json:"printing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`

	OpenBatches int `json:"open_batches"`
}
