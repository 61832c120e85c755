package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const jobColumns = `id, request_id, protocol, client_type, backend_job_id, title, size, indexer_name,
	base_score, final_score, status, progress, bytes_remaining, eta_seconds, download_path, selected,
	missing_polls, started_at, updated_at, completed_at, failure_reason`

func scanJob(row scanner) (*Job, error) {
	var (
		j             Job
		status        string
		downloadPath  sql.NullString
		selected      int
		completedAt   sql.NullTime
		failureReason sql.NullString
	)
	err := row.Scan(&j.ID, &j.RequestID, &j.Protocol, &j.ClientType, &j.BackendJobID, &j.Title, &j.Size,
		&j.IndexerName, &j.BaseScore, &j.FinalScore, &status, &j.Progress, &j.BytesRemaining, &j.ETASeconds,
		&downloadPath, &selected, &j.MissingPolls, &j.StartedAt, &j.UpdatedAt, &completedAt, &failureReason)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.DownloadPath = fromNullString(downloadPath)
	j.Selected = selected == 1
	j.CompletedAt = fromNullTime(completedAt)
	j.FailureReason = fromNullString(failureReason)
	return &j, nil
}

// CreateJob records a submitted download.
func (s *Store) CreateJob(ctx context.Context, input NewJob) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (request_id, protocol, client_type, backend_job_id, title, size,
			indexer_name, base_score, final_score, status, selected, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		input.RequestID, input.Protocol, input.ClientType, input.BackendJobID, input.Title, input.Size,
		input.IndexerName, input.BaseScore, input.FinalScore, JobQueued, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create download job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// ActiveJobForRequest returns the newest unfinished job of a request.
func (s *Store) ActiveJobForRequest(ctx context.Context, requestID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs
		WHERE request_id = ? AND completed_at IS NULL ORDER BY id DESC LIMIT 1`, requestID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// ListJobsForRequest returns every job of a request, oldest first.
func (s *Store) ListJobsForRequest(ctx context.Context, requestID int64) ([]*Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE request_id = ? ORDER BY id`, requestID)
}

// ListActiveJobs returns all unfinished jobs.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE completed_at IS NULL ORDER BY id`)
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list download jobs: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// UpdateJobProgress stores a poll snapshot. Finished jobs are left alone
// so a stale poll cannot overwrite a terminal record.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, p JobProgress) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = ?, progress = ?, bytes_remaining = ?, eta_seconds = ?,
			download_path = COALESCE(?, download_path), missing_polls = 0, updated_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		p.Status, clampPercent(p.Progress), p.BytesRemaining, p.ETASeconds, toNullString(p.DownloadPath), s.now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update download job %d: %w", id, err)
	}
	return affectedOne(res)
}

// RecordMissingPoll counts a poll in which the backend did not know the job
// and returns the consecutive total.
func (s *Store) RecordMissingPoll(ctx context.Context, id int64) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs SET missing_polls = missing_polls + 1, updated_at = ?
		WHERE id = ? AND completed_at IS NULL`, s.now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to record missing poll for job %d: %w", id, err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT missing_polls FROM download_jobs WHERE id = ?`, id).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrJobNotFound
		}
		return 0, err
	}
	return count, nil
}

// FinishJob sets the terminal state of a job. Only the first call for a job
// succeeds; later calls report false and change nothing.
func (s *Store) FinishJob(ctx context.Context, id int64, status JobStatus, reason string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = ?, completed_at = ?, failure_reason = ?, updated_at = ?,
			progress = CASE WHEN ? = 'completed' THEN 100 ELSE progress END
		WHERE id = ? AND completed_at IS NULL`,
		status, now, toNullString(reason), now, status, id)
	if err != nil {
		return false, fmt.Errorf("failed to finish download job %d: %w", id, err)
	}
	return affectedOne(res)
}
