package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrn/autoprint/internal/core"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*core.PrintJob, error) {
	var (
		j            core.PrintJob
		target       string
		priority     int
		payload      string
		preview      bool
		status       string
		retryDelayMS int64
		actor        string
		seq          int64
		scheduledAt  sql.NullTime
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &seq, &j.RuleID, &j.TemplateID, &target, &j.PrinterID, &priority, &payload,
		&j.PagesEstimate, &j.Copies, &preview, &status, &j.RetryCount, &j.MaxRetries,
		&retryDelayMS, &j.BatchID, &actor, &scheduledAt, &j.CreatedAt, &startedAt,
		&completedAt, &j.ErrorMessage); err != nil {
		return nil, err
	}

	t, err := core.ParseTarget(target)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("job %s: failed to decode payload: %w", j.ID, err)
	}

	j.Target = t
	j.Seq = uint64(seq)
	j.Priority = core.Priority(priority)
	j.PreviewRequired = preview
	j.Status = core.JobStatus(status)
	j.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	j.Actor = core.UserRef(actor)
	j.CreatedAt = j.CreatedAt.UTC()
	j.ScheduledAt = fromNullTime(scheduledAt)
	j.StartedAt = fromNullTime(startedAt)
	j.CompletedAt = fromNullTime(completedAt)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*core.PrintJob, error) {
	defer rows.Close()
	jobs := make([]*core.PrintJob, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanBatch(row rowScanner) (*core.BatchPrintJob, error) {
	var (
		b           core.BatchPrintJob
		status      string
		jobIDs      string
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&b.ID, &b.RuleID, &b.ScheduledAt, &b.TotalJobs, &b.CompletedJobs, &b.FailedJobs,
		&status, &jobIDs, &b.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jobIDs), &b.JobIDs); err != nil {
		return nil, fmt.Errorf("batch %s: failed to decode job ids: %w", b.ID, err)
	}
	b.Status = core.BatchStatus(status)
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.CompletedAt = fromNullTime(completedAt)
	return &b, nil
}

func scanAuditEntry(row rowScanner) (core.AuditEntry, error) {
	var (
		e       core.AuditEntry
		seq     int64
		action  string
		details string
		actor   string
	)
	if err := row.Scan(&seq, &e.ID, &e.JobID, &action, &e.Message, &details, &actor, &e.Timestamp); err != nil {
		return core.AuditEntry{}, err
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return core.AuditEntry{}, fmt.Errorf("audit entry %s: failed to decode details: %w", e.ID, err)
	}
	e.Seq = uint64(seq)
	e.Action = core.AuditAction(action)
	e.Actor = core.UserRef(actor)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
