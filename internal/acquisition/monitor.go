package acquisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/requests"
)

// Monitor polls download backends and applies terminal outcomes. A poll
// may run while the request is cancelled; the result is re-checked under
// the request lock before anything is written.
type Monitor struct {
	o      *Orchestrator
	logger zerolog.Logger
}

// schedule arms a poll of jobID after delay.
func (m *Monitor) schedule(jobID int64, delay time.Duration) error {
	task := func(ctx context.Context) {
		if err := m.Poll(ctx, jobID); err != nil {
			m.logger.Warn().Err(err).Int64("jobId", jobID).Msg("Download poll failed")
		}
	}
	if delay <= 0 {
		return m.o.dispatcher.Enqueue(pollKey(jobID), task)
	}
	return m.o.dispatcher.After(pollKey(jobID), delay, task)
}

// Poll refreshes one download job. Calling it for a finished job, or for a
// job whose request is no longer downloading, changes nothing.
func (m *Monitor) Poll(ctx context.Context, jobID int64) (err error) {
	job, err := m.o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return nil
	}

	// Runs after the deferred unlock below, so it takes the request lock itself.
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error().Interface("panic", p).Int64("jobId", jobID).Msg("Download poll panicked")
			se := &StageError{Kind: KindUnexpected, Message: fmt.Sprintf("Unexpected error: %v", p)}
			release := m.o.locks.Lock(job.RequestID)
			m.fail(ctx, job, se.Message)
			release()
			err = se
		}
	}()

	result, pollErr := m.o.router.Poll(ctx, jobHandle(job))

	unlock := m.o.locks.Lock(job.RequestID)
	defer unlock()

	// the request or job may have moved on while the backend answered
	job, err = m.o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsFinished() {
		return nil
	}
	req, err := m.o.store.Get(ctx, job.RequestID)
	if err != nil {
		if errors.Is(err, requests.ErrRequestNotFound) {
			return nil
		}
		return err
	}
	if req.Status != requests.StatusDownloading {
		m.logger.Debug().Int64("jobId", jobID).Str("status", string(req.Status)).Msg("Discarding poll for inactive request")
		return nil
	}

	if pollErr != nil {
		return m.handlePollError(ctx, job, pollErr)
	}

	switch result.State {
	case downloader.StatusCompleted:
		return m.complete(ctx, job, req, result)
	case downloader.StatusFailed:
		message := result.ErrorMessage
		if message == "" {
			message = "Download failed in client"
		}
		m.fail(ctx, job, message)
		return nil
	default:
		return m.progress(ctx, job, result)
	}
}

func (m *Monitor) handlePollError(ctx context.Context, job *requests.Job, pollErr error) error {
	if !errors.Is(pollErr, downloader.ErrNotFound) {
		m.logger.Warn().Err(pollErr).Int64("jobId", job.ID).Msg("Download client read failed, retrying")
		m.reschedule(job.ID)
		return nil
	}

	missing, err := m.o.store.RecordMissingPoll(ctx, job.ID)
	if err != nil {
		return err
	}
	if missing >= m.o.cfg.MissingPollThreshold {
		m.fail(ctx, job, "Download removed from client")
		return nil
	}

	m.logger.Debug().Int64("jobId", job.ID).Int("missingPolls", missing).Msg("Download not found in client")
	m.reschedule(job.ID)
	return nil
}

func (m *Monitor) progress(ctx context.Context, job *requests.Job, result downloader.PollResult) error {
	ok, err := m.o.store.UpdateJobProgress(ctx, job.ID, requests.JobProgress{
		Status:         toJobStatus(result.State),
		Progress:       result.Percent,
		BytesRemaining: result.BytesRemaining,
		ETASeconds:     result.ETASeconds,
		DownloadPath:   result.DownloadPath,
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := m.o.store.UpdateProgress(ctx, job.RequestID, result.Percent); err != nil {
		return err
	}

	m.o.broadcast(EventDownloadProgress, ProgressEvent{
		RequestID:      job.RequestID,
		JobID:          job.ID,
		State:          result.State,
		Percent:        result.Percent,
		BytesRemaining: result.BytesRemaining,
		ETASeconds:     result.ETASeconds,
	})
	m.reschedule(job.ID)
	return nil
}

// complete finishes the job and hands the files to the import step.
func (m *Monitor) complete(ctx context.Context, job *requests.Job, req *requests.Request, result downloader.PollResult) error {
	path := result.DownloadPath
	if _, err := m.o.store.UpdateJobProgress(ctx, job.ID, requests.JobProgress{
		Status:       requests.JobCompleted,
		Progress:     100,
		DownloadPath: path,
	}); err != nil {
		return err
	}

	finished, err := m.o.store.FinishJob(ctx, job.ID, requests.JobCompleted, "")
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	if _, err := m.o.store.MarkDownloaded(ctx, req.ID, path); err != nil {
		return err
	}

	m.logger.Info().
		Int64("requestId", req.ID).
		Int64("jobId", job.ID).
		Str("path", path).
		Msg("Download completed")

	m.o.publish(ctx, req.ID)

	sig := ReadySignal{RequestID: req.ID, JobID: job.ID, Title: req.Title, Author: req.Author, Path: path}
	m.o.broadcast(EventRequestReady, sig)
	if m.o.handoff != nil {
		if err := m.o.handoff.ReadyForImport(ctx, sig); err != nil {
			m.logger.Error().Err(err).Int64("requestId", req.ID).Msg("Import handoff failed")
		}
	}
	return nil
}

// fail finishes the job as failed and fails its request. Only the first
// caller for a job has any effect.
func (m *Monitor) fail(ctx context.Context, job *requests.Job, message string) {
	finished, err := m.o.store.FinishJob(ctx, job.ID, requests.JobFailed, message)
	if err != nil {
		m.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to finish download job")
		return
	}
	if !finished {
		return
	}

	m.logger.Warn().Int64("requestId", job.RequestID).Int64("jobId", job.ID).Str("reason", message).Msg("Download failed")

	ok, err := m.o.store.Transition(ctx, job.RequestID, []requests.Status{requests.StatusDownloading},
		requests.StatusFailed, message)
	if err != nil {
		m.logger.Error().Err(err).Int64("requestId", job.RequestID).Msg("Failed to fail request")
		return
	}
	if ok {
		m.o.publish(ctx, job.RequestID)
		m.o.signalFailed(ctx, job.RequestID, message)
	}
}

func (m *Monitor) reschedule(jobID int64) {
	if err := m.schedule(jobID, m.o.cfg.MonitorInterval); err != nil {
		m.logger.Error().Err(err).Int64("jobId", jobID).Msg("Failed to reschedule download poll")
	}
}

func toJobStatus(s downloader.Status) requests.JobStatus {
	switch s {
	case downloader.StatusQueued:
		return requests.JobQueued
	case downloader.StatusDownloading:
		return requests.JobDownloading
	case downloader.StatusPaused:
		return requests.JobPaused
	case downloader.StatusProcessing:
		return requests.JobProcessing
	case downloader.StatusCompleted:
		return requests.JobCompleted
	case downloader.StatusFailed:
		return requests.JobFailed
	default:
		return requests.JobUnknown
	}
}
