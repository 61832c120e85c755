package acquisition

import (
	"context"
	"time"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/ranking"
	"github.com/shelfstream/shelfstream/internal/settings"
)

// Task is one schedulable unit of pipeline work.
type Task = func(ctx context.Context)

// Dispatcher runs keyed tasks asynchronously. Scheduling a key that is
// already pending replaces nothing; Cancel drops every pending task with
// that key.
type Dispatcher interface {
	Enqueue(key string, task Task) error
	After(key string, delay time.Duration, task Task) error
	Cancel(key string)
}

// ConfigSource provides the ranking inputs, normally the settings store.
type ConfigSource interface {
	EnabledIndexers(ctx context.Context) ([]settings.Indexer, error)
	PriorityTable(ctx context.Context) (ranking.PriorityTable, error)
	FlagTable(ctx context.Context) (ranking.FlagTable, error)
}

// DownloadRouter is the normalized download contract.
type DownloadRouter interface {
	Submit(ctx context.Context, candidate *ranking.CandidateRelease, categoryHint string) (downloader.Handle, error)
	Poll(ctx context.Context, h downloader.Handle) (downloader.PollResult, error)
	Cancel(ctx context.Context, h downloader.Handle, purge bool) error
}

// Broadcaster pushes events to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// Event types sent through the Broadcaster.
const (
	EventRequestUpdated   = "request:updated"
	EventDownloadProgress = "download:progress"
	EventRequestReady     = "request:ready"
	EventRequestFailed    = "request:failed"
)

// ProgressEvent is the payload of EventDownloadProgress.
type ProgressEvent struct {
	RequestID      int64             `json:"requestId"`
	JobID          int64             `json:"jobId"`
	State          downloader.Status `json:"state"`
	Percent        float64           `json:"percent"`
	BytesRemaining int64             `json:"bytesRemaining"`
	ETASeconds     int64             `json:"etaSeconds"`
}

// ReadySignal announces a finished download awaiting import.
type ReadySignal struct {
	RequestID int64  `json:"requestId"`
	JobID     int64  `json:"jobId"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Path      string `json:"path"`
}

// FailureSignal announces a request that ended in failure.
type FailureSignal struct {
	RequestID int64  `json:"requestId"`
	Message   string `json:"message"`
}

// Handoff receives terminal pipeline outcomes. The import step answers
// through Orchestrator.ReportImport.
type Handoff interface {
	ReadyForImport(ctx context.Context, sig ReadySignal) error
	Failed(ctx context.Context, sig FailureSignal) error
}

// ImportResult is the import step's verdict on a downloaded request.
type ImportResult struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}
