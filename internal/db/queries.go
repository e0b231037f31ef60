package db

const jobColumns = `
	id, seq, rule_id, template_id, target, printer_id, priority, payload_json,
	pages_estimate, copies, preview_required, status, retry_count, max_retries,
	retry_delay_ms, batch_id, actor, scheduled_at, created_at, started_at,
	completed_at, error_message`

const (
	InsertJob = `
		INSERT INTO print_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM print_jobs WHERE id = ?`

	ListJobs = `SELECT ` + jobColumns + ` FROM print_jobs`

	UpdateJob = `
		UPDATE print_jobs SET
			printer_id = ?, pages_estimate = ?, status = ?, retry_count = ?,
			batch_id = ?, scheduled_at = ?, started_at = ?, completed_at = ?,
			error_message = ?
		WHERE id = ?
	`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM print_jobs GROUP BY status`
)

const batchColumns = `
	id, rule_id, scheduled_at, total_jobs, completed_jobs, failed_jobs, status,
	job_ids_json, created_at, completed_at`

const (
	InsertBatch = `
		INSERT INTO batch_jobs (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetBatchByID = `SELECT ` + batchColumns + ` FROM batch_jobs WHERE id = ?`

	ListBatches = `SELECT ` + batchColumns + ` FROM batch_jobs`

	UpdateBatch = `
		UPDATE batch_jobs SET
			total_jobs = ?, completed_jobs = ?, failed_jobs = ?, status = ?,
			job_ids_json = ?, completed_at = ?
		WHERE id = ?
	`
)

const (
	InsertAuditEntry = `
		INSERT INTO audit_log (id, job_id, action, message, details_json, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	ListAuditEntries = `
		SELECT seq, id, job_id, action, message, details_json, actor, created_at
		FROM audit_log ORDER BY seq ASC
	`

	ListAuditEntriesByJob = `
		SELECT seq, id, job_id, action, message, details_json, actor, created_at
		FROM audit_log WHERE job_id = ? ORDER BY seq ASC
	`
)
