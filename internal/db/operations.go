package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/orrn/autoprint/internal/core"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type JobOperations struct {
	db *sql.DB
}

func (o *JobOperations) CreateJob(ctx context.Context, j *core.PrintJob) error {
	payload, err := encodeJSON(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = o.db.ExecContext(ctx, InsertJob,
		j.ID, int64(j.Seq), j.RuleID, j.TemplateID, j.Target.String(), j.PrinterID,
		int(j.Priority), payload, j.PagesEstimate, j.Copies, j.PreviewRequired,
		string(j.Status), j.RetryCount, j.MaxRetries, j.RetryDelay.Milliseconds(),
		j.BatchID, string(j.Actor), toNullTime(j.ScheduledAt), j.CreatedAt.UTC(),
		toNullTime(j.StartedAt), toNullTime(j.CompletedAt), j.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (o *JobOperations) GetJob(ctx context.Context, id string) (*core.PrintJob, error) {
	j, err := scanJob(o.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (o *JobOperations) UpdateJob(ctx context.Context, j *core.PrintJob) error {
	return updateJob(ctx, o.db, j)
}

func updateJob(ctx context.Context, ex execer, j *core.PrintJob) error {
	result, err := ex.ExecContext(ctx, UpdateJob,
		j.PrinterID, j.PagesEstimate, string(j.Status), j.RetryCount, j.BatchID,
		toNullTime(j.ScheduledAt), toNullTime(j.StartedAt), toNullTime(j.CompletedAt),
		j.ErrorMessage, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (o *JobOperations) ListJobs(ctx context.Context, statuses ...core.JobStatus) ([]*core.PrintJob, error) {
	query := ListJobs
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY seq ASC"

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanJobs(rows)
}

func (o *JobOperations) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := o.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

type BatchOperations struct {
	db *sql.DB
}

func (o *BatchOperations) CreateBatch(ctx context.Context, b *core.BatchPrintJob) error {
	jobIDs, err := encodeJSON(nonNil(b.JobIDs))
	if err != nil {
		return fmt.Errorf("failed to encode batch members: %w", err)
	}
	_, err = o.db.ExecContext(ctx, InsertBatch,
		b.ID, b.RuleID, b.ScheduledAt.UTC(), b.TotalJobs, b.CompletedJobs, b.FailedJobs,
		string(b.Status), jobIDs, b.CreatedAt.UTC(), toNullTime(b.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (o *BatchOperations) GetBatch(ctx context.Context, id string) (*core.BatchPrintJob, error) {
	b, err := scanBatch(o.db.QueryRowContext(ctx, GetBatchByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (o *BatchOperations) UpdateBatch(ctx context.Context, b *core.BatchPrintJob) error {
	jobIDs, err := encodeJSON(nonNil(b.JobIDs))
	if err != nil {
		return fmt.Errorf("failed to encode batch members: %w", err)
	}
	result, err := o.db.ExecContext(ctx, UpdateBatch,
		b.TotalJobs, b.CompletedJobs, b.FailedJobs, string(b.Status), jobIDs,
		toNullTime(b.CompletedAt), b.ID)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return core.ErrBatchNotFound
	}
	return nil
}

func (o *BatchOperations) ListBatches(ctx context.Context, statuses ...core.BatchStatus) ([]*core.BatchPrintJob, error) {
	query := ListBatches
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY scheduled_at ASC"

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]*core.BatchPrintJob, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

type AuditOperations struct {
	db *sql.DB
}

func (o *AuditOperations) Append(ctx context.Context, e core.AuditEntry) error {
	return appendAudit(ctx, o.db, e)
}

func appendAudit(ctx context.Context, ex execer, e core.AuditEntry) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = ex.ExecContext(ctx, InsertAuditEntry,
		e.ID, e.JobID, string(e.Action), e.Message, details, string(e.Actor), e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

func (o *AuditOperations) List(ctx context.Context, jobID string) ([]core.AuditEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if jobID == "" {
		rows, err = o.db.QueryContext(ctx, ListAuditEntries)
	} else {
		rows, err = o.db.QueryContext(ctx, ListAuditEntriesByJob, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]core.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Store is the SQLite persistence layer. It satisfies core.Store and
// core.AuditSink, so one database backs jobs, batches and the audit trail.
type Store struct {
	*JobOperations
	*BatchOperations
	*AuditOperations
	db *sql.DB
}

var (
	_ core.Store           = (*Store)(nil)
	_ core.AuditSink       = (*Store)(nil)
	_ core.StatusCounter   = (*Store)(nil)
	_ core.TransitionStore = (*Store)(nil)
)

func newStore(db *sql.DB) *Store {
	return &Store{
		JobOperations:   &JobOperations{db: db},
		BatchOperations: &BatchOperations{db: db},
		AuditOperations: &AuditOperations{db: db},
		db:              db,
	}
}

// TransitionJob writes a job status change and its audit entry in one
// transaction.
func (s *Store) TransitionJob(ctx context.Context, j *core.PrintJob, e core.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateJob(ctx, tx, j); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
