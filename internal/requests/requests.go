// Package requests persists audiobook requests and their download jobs.
package requests

import (
	"errors"
	"time"
)

var (
	ErrRequestNotFound   = errors.New("request not found")
	ErrAudiobookNotFound = errors.New("audiobook not found")
	ErrJobNotFound       = errors.New("download job not found")
	ErrAlreadyRequested  = errors.New("audiobook already requested")
	ErrInvalidAudiobook  = errors.New("audiobook title is required")
)

// Status is the pipeline state of a request.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSearching        Status = "searching"
	StatusAwaitingSearch   Status = "awaiting_search"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusDownloading      Status = "downloading"
	StatusDownloaded       Status = "downloaded"
	StatusAvailable        Status = "available"
	StatusFailed           Status = "failed"
	StatusWarn             Status = "warn"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the pipeline has stopped for good.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAvailable, StatusFailed, StatusWarn, StatusCancelled:
		return true
	}
	return false
}

// IsRestartable reports whether a fresh request may replace this one.
func (s Status) IsRestartable() bool {
	return s == StatusFailed || s == StatusWarn || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSearching, StatusAwaitingSearch, StatusAwaitingApproval,
		StatusDownloading, StatusDownloaded, StatusAvailable, StatusFailed, StatusWarn, StatusCancelled:
		return true
	}
	return false
}

// Cancellable lists the states an admin cancel may leave from.
var Cancellable = []Status{
	StatusPending, StatusSearching, StatusAwaitingSearch, StatusAwaitingApproval,
	StatusDownloading, StatusDownloaded,
}

// Audiobook is the requested work.
type Audiobook struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Narrator  string    `json:"narrator,omitempty"`
	ASIN      string    `json:"asin,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AudiobookInput identifies an audiobook by title and author.
type AudiobookInput struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Narrator string `json:"narrator,omitempty"`
	ASIN     string `json:"asin,omitempty"`
}

// Request ties a user's ask to an audiobook.
type Request struct {
	ID             int64      `json:"id"`
	AudiobookID    int64      `json:"audiobookId"`
	UserID         string     `json:"userId"`
	Title          string     `json:"title"`
	Author         string     `json:"author"`
	Status         Status     `json:"status"`
	SearchAttempts int        `json:"searchAttempts"`
	Progress       float64    `json:"progress"`
	LastSearchAt   *time.Time `json:"lastSearchAt,omitempty"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
	DownloadPath   *string    `json:"downloadPath,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	UserID   string
	Statuses []Status
	Limit    int
}

// JobStatus is the last backend state recorded for a download job.
type JobStatus string

const (
	JobQueued      JobStatus = "queued"
	JobDownloading JobStatus = "downloading"
	JobPaused      JobStatus = "paused"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
	JobUnknown     JobStatus = "unknown"
)

// Job records one release handed to a download backend.
type Job struct {
	ID             int64      `json:"id"`
	RequestID      int64      `json:"requestId"`
	Protocol       string     `json:"protocol"`
	ClientType     string     `json:"clientType"`
	BackendJobID   string     `json:"backendJobId"`
	Title          string     `json:"title"`
	Size           int64      `json:"size"`
	IndexerName    string     `json:"indexerName"`
	BaseScore      float64    `json:"baseScore"`
	FinalScore     float64    `json:"finalScore"`
	Status         JobStatus  `json:"status"`
	Progress       float64    `json:"progress"`
	BytesRemaining int64      `json:"bytesRemaining"`
	ETASeconds     int64      `json:"etaSeconds"`
	DownloadPath   *string    `json:"downloadPath,omitempty"`
	Selected       bool       `json:"selected"`
	MissingPolls   int        `json:"missingPolls"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	FailureReason  *string    `json:"failureReason,omitempty"`
}

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool {
	return j.CompletedAt != nil
}

// NewJob is the input for CreateJob.
type NewJob struct {
	RequestID    int64
	Protocol     string
	ClientType   string
	BackendJobID string
	Title        string
	Size         int64
	IndexerName  string
	BaseScore    float64
	FinalScore   float64
}

// JobProgress is one poll snapshot.
type JobProgress struct {
	Status         JobStatus
	Progress       float64
	BytesRemaining int64
	ETASeconds     int64
	DownloadPath   string
}
