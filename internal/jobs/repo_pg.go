package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Repo using Postgres. Each guideline slot is its own row
// in job_guidelines, so slot writes are row-granular and never clobber
// sibling slots.
type PGRepo struct {
	DB *sql.DB
}

// Create inserts the job row and one row per guideline slot.
func (r *PGRepo) Create(ctx context.Context, job Job) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	docIDs, err := json.Marshal(job.DocumentIDs)
	if err != nil {
		return err
	}

	const insertJob = `
INSERT INTO jobs (id, mode, state, guideline_set, prompt, document_ids, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, insertJob,
		job.ID, job.Mode, job.State, job.GuidelineSet, job.Prompt, docIDs, job.CreatedAt,
	); err != nil {
		return err
	}

	const insertSlot = `
INSERT INTO job_guidelines (job_id, guideline_id, title, regulation_text, position, status)
VALUES ($1, $2, $3, $4, $5, $6)`
	for _, slot := range job.Slots {
		if _, err := tx.ExecContext(ctx, insertSlot,
			job.ID, slot.GuidelineID, slot.Title, slot.RegulationText, slot.Position, slot.Status,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID returns a job with its slots ordered by declaration position.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	const query = `
SELECT id, mode, state, guideline_set, prompt, document_ids, combined_result, report,
       error_message, heartbeat_at, started_at, completed_at, created_at, updated_at
FROM jobs
WHERE id = $1
LIMIT 1`

	job, err := scanJob(r.DB.QueryRowContext(ctx, query, jobID))
	if err != nil {
		return Job{}, err
	}

	slots, err := r.slotsForJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	job.Slots = slots
	return job, nil
}

// List returns job summaries newest-first. Slots are not loaded.
func (r *PGRepo) List(ctx context.Context, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
SELECT id, mode, state, guideline_set, prompt, document_ids, combined_result, report,
       error_message, heartbeat_at, started_at, completed_at, created_at, updated_at
FROM jobs
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`

	rows, err := r.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateState sets state and optional error/timestamps.
func (r *PGRepo) UpdateState(ctx context.Context, jobID, state string, errorMessage *string, startedAt, completedAt *time.Time) error {
	const query = `
UPDATE jobs
SET state = $1,
    error_message = COALESCE($2::text, error_message),
    started_at = CASE
        WHEN $3::timestamptz IS NOT NULL THEN $3::timestamptz
        WHEN $1 = 'running' AND started_at IS NULL THEN now()
        ELSE started_at
    END,
    completed_at = CASE
        WHEN $4::timestamptz IS NOT NULL THEN $4::timestamptz
        WHEN ($1 = 'completed' OR $1 = 'failed') AND completed_at IS NULL THEN now()
        ELSE completed_at
    END,
    updated_at = now()
WHERE id = $5::uuid`

	res, err := r.DB.ExecContext(ctx, query, state, errorMessage, startedAt, completedAt, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (r *PGRepo) Heartbeat(ctx context.Context, jobID string, at time.Time) error {
	const query = `
UPDATE jobs
SET heartbeat_at = $1::timestamptz,
    updated_at = now()
WHERE id = $2::uuid`

	res, err := r.DB.ExecContext(ctx, query, at, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSlot transitions a pending slot to running. The status guard makes the
// claim atomic: at most one caller sees RowsAffected=1.
func (r *PGRepo) ClaimSlot(ctx context.Context, jobID, guidelineID string, startedAt time.Time) (bool, error) {
	const query = `
UPDATE job_guidelines
SET status = 'running',
    started_at = $1::timestamptz
WHERE job_id = $2::uuid AND guideline_id = $3 AND status = 'pending'`

	res, err := r.DB.ExecContext(ctx, query, startedAt, jobID, guidelineID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishSlot writes the terminal value of one slot.
func (r *PGRepo) FinishSlot(ctx context.Context, jobID string, slot GuidelineResult) error {
	const query = `
UPDATE job_guidelines
SET status = $1,
    result_code = $2,
    explanation = $3,
    location_ref = $4,
    quoted_excerpt = $5,
    fallback_used = $6,
    error_message = $7,
    finished_at = COALESCE($8::timestamptz, now())
WHERE job_id = $9::uuid AND guideline_id = $10`

	res, err := r.DB.ExecContext(ctx, query,
		slot.Status,
		slot.ResultCode,
		slot.Explanation,
		slot.LocationRef,
		slot.QuotedExcerpt,
		slot.FallbackUsed,
		slot.ErrorMessage,
		slot.FinishedAt,
		jobID,
		slot.GuidelineID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetSlot returns a non-terminal slot to pending.
func (r *PGRepo) ResetSlot(ctx context.Context, jobID, guidelineID string) error {
	const query = `
UPDATE job_guidelines
SET status = 'pending',
    started_at = NULL
WHERE job_id = $1::uuid AND guideline_id = $2 AND status NOT IN ('done', 'error')`

	_, err := r.DB.ExecContext(ctx, query, jobID, guidelineID)
	return err
}

// SetReport stores the aggregate report.
func (r *PGRepo) SetReport(ctx context.Context, jobID string, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	const query = `
UPDATE jobs
SET report = $1::jsonb,
    updated_at = now()
WHERE id = $2::uuid`

	res, err := r.DB.ExecContext(ctx, query, payload, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCombinedResult stores the single prompt-mode result.
func (r *PGRepo) SetCombinedResult(ctx context.Context, jobID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}

	const query = `
UPDATE jobs
SET combined_result = $1::jsonb,
    updated_at = now()
WHERE id = $2::uuid`

	res, err := r.DB.ExecContext(ctx, query, payload, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepo) slotsForJob(ctx context.Context, jobID string) ([]GuidelineResult, error) {
	const query = `
SELECT guideline_id, title, regulation_text, position, status, result_code, explanation,
       location_ref, quoted_excerpt, fallback_used, error_message, started_at, finished_at
FROM job_guidelines
WHERE job_id = $1::uuid
ORDER BY position ASC`

	rows, err := r.DB.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuidelineResult
	for rows.Next() {
		var slot GuidelineResult
		var resultCode, explanation, locationRef, quotedExcerpt, errorMessage sql.NullString
		var fallbackUsed sql.NullBool
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&slot.GuidelineID,
			&slot.Title,
			&slot.RegulationText,
			&slot.Position,
			&slot.Status,
			&resultCode,
			&explanation,
			&locationRef,
			&quotedExcerpt,
			&fallbackUsed,
			&errorMessage,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}
		if resultCode.Valid {
			slot.ResultCode = resultCode.String
		}
		if explanation.Valid {
			slot.Explanation = explanation.String
		}
		if locationRef.Valid {
			slot.LocationRef = locationRef.String
		}
		if quotedExcerpt.Valid {
			slot.QuotedExcerpt = quotedExcerpt.String
		}
		if fallbackUsed.Valid {
			slot.FallbackUsed = fallbackUsed.Bool
		}
		if errorMessage.Valid {
			slot.ErrorMessage = &errorMessage.String
		}
		if startedAt.Valid {
			slot.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			slot.FinishedAt = &finishedAt.Time
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var guidelineSet, prompt, errorMessage sql.NullString
	var documentIDs, combinedResult, report sql.NullString
	var heartbeatAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Mode,
		&job.State,
		&guidelineSet,
		&prompt,
		&documentIDs,
		&combinedResult,
		&report,
		&errorMessage,
		&heartbeatAt,
		&startedAt,
		&completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	if guidelineSet.Valid {
		job.GuidelineSet = guidelineSet.String
	}
	if prompt.Valid {
		job.Prompt = prompt.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = &errorMessage.String
	}
	if documentIDs.Valid {
		if err := json.Unmarshal([]byte(documentIDs.String), &job.DocumentIDs); err != nil {
			job.DocumentIDs = nil
		}
	}
	if combinedResult.Valid {
		job.CombinedResult = map[string]any{}
		if err := json.Unmarshal([]byte(combinedResult.String), &job.CombinedResult); err != nil {
			job.CombinedResult = nil
		}
	}
	if report.Valid {
		var parsed Report
		if err := json.Unmarshal([]byte(report.String), &parsed); err == nil {
			job.Report = &parsed
		}
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = &heartbeatAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

var _ Repo = (*PGRepo)(nil)
