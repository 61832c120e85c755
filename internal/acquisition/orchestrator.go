// Package acquisition drives audiobook requests from submission through
// search, download and monitoring to the import handoff.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
	"github.com/shelfstream/shelfstream/internal/requests"
	"github.com/shelfstream/shelfstream/internal/settings"
)

// Config tunes the pipeline.
type Config struct {
	MonitorInitialDelay  time.Duration
	MonitorInterval      time.Duration
	MissingPollThreshold int
	RequireApproval      bool
	CategoryHint         string
	MaxResults           int
	MinSeeders           int
	SearchCategory       int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInitialDelay:  5 * time.Second,
		MonitorInterval:      15 * time.Second,
		MissingPollThreshold: 5,
		CategoryHint:         "audiobooks",
		MaxResults:           100,
	}
}

// NewRequest is the input of Submit.
type NewRequest struct {
	UserID   string `json:"userId"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Narrator string `json:"narrator,omitempty"`
	ASIN     string `json:"asin,omitempty"`
}

// Orchestrator owns the request state machine.
type Orchestrator struct {
	store      *requests.Store
	config     ConfigSource
	gateway    indexer.Gateway
	router     DownloadRouter
	dispatcher Dispatcher
	ranker     *ranking.Ranker
	handoff    Handoff
	hub        Broadcaster
	cfg        Config
	locks      *keyedMutex
	monitor    *Monitor
	logger     zerolog.Logger
}

// NewOrchestrator creates an orchestrator and its monitor.
func NewOrchestrator(
	store *requests.Store,
	config ConfigSource,
	gateway indexer.Gateway,
	router DownloadRouter,
	dispatcher Dispatcher,
	cfg Config,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}
	if cfg.MissingPollThreshold <= 0 {
		cfg.MissingPollThreshold = DefaultConfig().MissingPollThreshold
	}

	o := &Orchestrator{
		store:      store,
		config:     config,
		gateway:    gateway,
		router:     router,
		dispatcher: dispatcher,
		ranker:     ranking.NewDefaultRanker(),
		cfg:        cfg,
		locks:      newKeyedMutex(),
		logger:     logger.With().Str("component", "acquisition").Logger(),
	}
	o.monitor = &Monitor{o: o, logger: logger.With().Str("component", "monitor").Logger()}
	return o
}

// SetHandoff sets the receiver of ready and failed signals.
func (o *Orchestrator) SetHandoff(h Handoff) {
	o.handoff = h
}

// SetBroadcaster sets the WebSocket broadcaster for real-time events.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.hub = b
}

// Monitor returns the download monitor sharing this orchestrator's locks.
func (o *Orchestrator) Monitor() *Monitor {
	return o.monitor
}

// Submit records a new request and queues its search, or parks it for
// approval when approval is required.
func (o *Orchestrator) Submit(ctx context.Context, input NewRequest) (*requests.Request, error) {
	book, err := o.store.EnsureAudiobook(ctx, requests.AudiobookInput{
		Title:    input.Title,
		Author:   input.Author,
		Narrator: input.Narrator,
		ASIN:     input.ASIN,
	})
	if err != nil {
		return nil, err
	}

	req, err := o.store.Create(ctx, input.UserID, book.ID)
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Int64("requestId", req.ID).
		Str("title", book.Title).
		Str("user", input.UserID).
		Msg("Request submitted")

	if o.cfg.RequireApproval {
		if _, err := o.store.Transition(ctx, req.ID, []requests.Status{requests.StatusPending},
			requests.StatusAwaitingApproval, ""); err != nil {
			return nil, err
		}
	} else if err := o.Enqueue(req.ID); err != nil {
		return nil, err
	}

	return o.publish(ctx, req.ID), nil
}

// Approve releases a request waiting for sign-off into the search queue.
func (o *Orchestrator) Approve(ctx context.Context, requestID int64) (*requests.Request, error) {
	ok, err := o.store.Transition(ctx, requestID, []requests.Status{requests.StatusAwaitingApproval},
		requests.StatusPending, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, o.transitionError(ctx, requestID)
	}
	if err := o.Enqueue(requestID); err != nil {
		return nil, err
	}
	return o.publish(ctx, requestID), nil
}

// Enqueue schedules the searching stage of a request.
func (o *Orchestrator) Enqueue(requestID int64) error {
	return o.dispatcher.Enqueue(searchKey(requestID), func(ctx context.Context) {
		if err := o.Search(ctx, requestID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			o.logger.Debug().Err(err).Int64("requestId", requestID).Msg("Search stage ended without a download")
		}
	})
}

// Search runs the searching stage for a pending or awaiting request. The
// request is left downloading, awaiting_search or failed. A request in any
// other state yields ErrInvalidTransition.
func (o *Orchestrator) Search(ctx context.Context, requestID int64) (err error) {
	claimed, err := o.store.BeginSearch(ctx, requestID)
	if err != nil {
		return err
	}
	if !claimed {
		return o.transitionError(ctx, requestID)
	}
	o.publish(ctx, requestID)

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error().Interface("panic", p).Int64("requestId", requestID).Msg("Search stage panicked")
			err = &StageError{Kind: KindUnexpected, Message: fmt.Sprintf("Unexpected error: %v", p)}
			o.failStage(ctx, requestID, err)
		}
	}()

	if err := o.runSearch(ctx, requestID); err != nil {
		o.failStage(ctx, requestID, err)
		return err
	}
	return nil
}

func (o *Orchestrator) runSearch(ctx context.Context, requestID int64) error {
	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return stageErr(KindUnexpected, err, "Request could not be loaded")
	}

	indexers, err := o.config.EnabledIndexers(ctx)
	if err != nil {
		return stageErr(KindUnexpected, err, "Indexer settings could not be loaded")
	}
	if len(indexers) == 0 {
		return stageErr(KindConfiguration, nil, "No indexers are enabled")
	}

	ranked, err := o.rank(ctx, req.Title, req.Author, indexers)
	if err != nil {
		return err
	}
	if len(ranked) == 0 {
		return stageErr(KindTransientSearch, nil, "No results found for %q", req.Title)
	}

	best, ok := ranking.SelectBest(ranked)
	if !ok {
		return stageErr(KindTransientSearch, nil,
			"No release met the quality threshold (%d results, best score %.1f)", len(ranked), ranked[0].FinalScore)
	}

	o.logger.Info().
		Int64("requestId", req.ID).
		Str("release", best.Title).
		Str("indexer", best.IndexerName).
		Float64("baseScore", best.BaseScore).
		Float64("finalScore", best.FinalScore).
		Msg("Selected release")

	moved, err := o.store.Transition(ctx, req.ID, []requests.Status{requests.StatusSearching},
		requests.StatusDownloading, "")
	if err != nil {
		return stageErr(KindUnexpected, err, "Request state could not be updated")
	}
	if !moved {
		o.logger.Info().Int64("requestId", req.ID).Msg("Request left the searching stage, dropping selection")
		return nil
	}

	handle, err := o.router.Submit(ctx, &best.CandidateRelease, o.cfg.CategoryHint)
	if err != nil {
		if downloader.IsConfigurationError(err) {
			return stageErr(KindConfiguration, err, "Download client unavailable: %v", err)
		}
		return stageErr(KindBackendSubmission, err, "Download client rejected the release: %v", err)
	}

	return o.startJob(ctx, req, &best, handle)
}

// startJob records the submitted download and arms the monitor. A cancel
// that raced the submission wins: the backend job is removed again.
func (o *Orchestrator) startJob(ctx context.Context, req *requests.Request, best *ranking.RankedCandidate, handle downloader.Handle) error {
	unlock := o.locks.Lock(req.ID)
	defer unlock()

	job, err := o.store.CreateJob(ctx, requests.NewJob{
		RequestID:    req.ID,
		Protocol:     string(handle.Protocol),
		ClientType:   string(handle.Client),
		BackendJobID: handle.ID,
		Title:        best.Title,
		Size:         best.Size,
		IndexerName:  best.IndexerName,
		BaseScore:    best.BaseScore,
		FinalScore:   best.FinalScore,
	})
	if err != nil {
		o.removeBackendJob(ctx, handle, true)
		return stageErr(KindUnexpected, err, "Download job could not be recorded")
	}

	current, err := o.store.Get(ctx, req.ID)
	if err != nil || current.Status != requests.StatusDownloading {
		o.logger.Info().Int64("requestId", req.ID).Str("backendId", handle.ID).Msg("Request cancelled during submission")
		o.removeBackendJob(ctx, handle, true)
		if _, err := o.store.FinishJob(ctx, job.ID, requests.JobCancelled, "request cancelled during submission"); err != nil {
			o.logger.Warn().Err(err).Int64("jobId", job.ID).Msg("Failed to finish cancelled job")
		}
		return nil
	}

	delay := o.cfg.MonitorInitialDelay
	if err := o.monitor.schedule(job.ID, delay); err != nil {
		o.logger.Error().Err(err).Int64("jobId", job.ID).Msg("Failed to schedule download monitor")
	}
	o.publish(ctx, req.ID)
	return nil
}

// rank searches the enabled indexers for title and scores the results.
func (o *Orchestrator) rank(ctx context.Context, title, author string, indexers []settings.Indexer) ([]ranking.RankedCandidate, error) {
	opts := indexer.SearchOptions{MaxResults: o.cfg.MaxResults}
	for _, idx := range indexers {
		opts.EnabledIndexerIDs = append(opts.EnabledIndexerIDs, idx.ID)
	}
	if o.cfg.MinSeeders > 0 {
		v := o.cfg.MinSeeders
		opts.MinSeeders = &v
	}
	if o.cfg.SearchCategory > 0 {
		v := o.cfg.SearchCategory
		opts.Category = &v
	}

	results, err := o.gateway.Search(ctx, title, opts)
	if err != nil {
		if errors.Is(err, indexer.ErrNoIndexers) {
			return nil, stageErr(KindConfiguration, err, "No indexers are enabled")
		}
		if errors.Is(err, indexer.ErrNotConfigured) {
			return nil, stageErr(KindConfiguration, err, "No indexer gateway is configured")
		}
		return nil, stageErr(KindSearchGateway, err, "Search failed: %v", err)
	}

	priorities, err := o.config.PriorityTable(ctx)
	if err != nil {
		return nil, stageErr(KindUnexpected, err, "Indexer priorities could not be loaded")
	}
	flags, err := o.config.FlagTable(ctx)
	if err != nil {
		return nil, stageErr(KindUnexpected, err, "Flag modifiers could not be loaded")
	}

	return o.ranker.Rank(results, ranking.Target{Title: title, Author: author}, priorities, flags), nil
}

// Preview runs an interactive search and returns every ranked candidate
// without selecting one.
func (o *Orchestrator) Preview(ctx context.Context, title, author string) ([]ranking.RankedCandidate, error) {
	if title == "" {
		return nil, requests.ErrInvalidAudiobook
	}
	indexers, err := o.config.EnabledIndexers(ctx)
	if err != nil {
		return nil, err
	}
	if len(indexers) == 0 {
		return nil, stageErr(KindConfiguration, nil, "No indexers are enabled")
	}
	return o.rank(ctx, title, author, indexers)
}

// failStage applies the outcome of a failed stage. Retryable failures park
// the request in awaiting_search; everything else fails it.
func (o *Orchestrator) failStage(ctx context.Context, requestID int64, err error) {
	se := asStageError(err)

	to := requests.StatusFailed
	if se.Retryable() {
		to = requests.StatusAwaitingSearch
	}

	event := o.logger.Warn()
	if se.Kind == KindUnexpected {
		event = o.logger.Error()
	}
	event.Err(se.Err).
		Int64("requestId", requestID).
		Str("kind", string(se.Kind)).
		Str("status", string(to)).
		Msg(se.Message)

	ok, terr := o.store.Transition(ctx, requestID,
		[]requests.Status{requests.StatusSearching, requests.StatusDownloading}, to, se.Message)
	if terr != nil {
		o.logger.Error().Err(terr).Int64("requestId", requestID).Msg("Failed to record stage failure")
		return
	}
	if !ok {
		return
	}

	o.publish(ctx, requestID)
	if to == requests.StatusFailed {
		o.signalFailed(ctx, requestID, se.Message)
	}
}

// Cancel stops a request in any non-terminal state. An active download is
// removed from its backend, deleting its files when purge is set.
func (o *Orchestrator) Cancel(ctx context.Context, requestID int64, purge bool) (*requests.Request, error) {
	unlock := o.locks.Lock(requestID)
	defer unlock()

	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == requests.StatusCancelled {
		return req, nil
	}
	if req.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	o.dispatcher.Cancel(searchKey(requestID))

	job, err := o.store.ActiveJobForRequest(ctx, requestID)
	switch {
	case err == nil:
		o.dispatcher.Cancel(pollKey(job.ID))
		o.removeBackendJob(ctx, jobHandle(job), purge)
		if _, err := o.store.FinishJob(ctx, job.ID, requests.JobCancelled, "cancelled by administrator"); err != nil {
			return nil, err
		}
	case !errors.Is(err, requests.ErrJobNotFound):
		return nil, err
	}

	ok, err := o.store.Transition(ctx, requestID, requests.Cancellable, requests.StatusCancelled, "Cancelled by administrator")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, o.transitionError(ctx, requestID)
	}

	o.logger.Info().Int64("requestId", requestID).Bool("purge", purge).Msg("Request cancelled")
	return o.publish(ctx, requestID), nil
}

// Delete soft-deletes a request, cancelling it first if it is still active.
func (o *Orchestrator) Delete(ctx context.Context, requestID int64) error {
	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Status.IsTerminal() {
		if _, err := o.Cancel(ctx, requestID, false); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}
	if err := o.store.SoftDelete(ctx, requestID); err != nil {
		return err
	}
	o.logger.Info().Int64("requestId", requestID).Msg("Request deleted")
	return nil
}

// ResubmitAwaiting queues a search for every request in awaiting_search and
// returns how many were queued.
func (o *Orchestrator) ResubmitAwaiting(ctx context.Context) (int, error) {
	waiting, err := o.store.List(ctx, requests.ListFilter{Statuses: []requests.Status{requests.StatusAwaitingSearch}})
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, req := range waiting {
		if err := o.Enqueue(req.ID); err != nil {
			o.logger.Warn().Err(err).Int64("requestId", req.ID).Msg("Failed to queue re-search")
			continue
		}
		queued++
	}
	if queued > 0 {
		o.logger.Info().Int("count", queued).Msg("Queued awaiting requests for re-search")
	}
	return queued, nil
}

// ReportImport applies the import step's verdict to a downloaded request.
func (o *Orchestrator) ReportImport(ctx context.Context, requestID int64, result ImportResult) (*requests.Request, error) {
	to, message := requests.StatusAvailable, ""
	switch {
	case result.Success && result.Warning != "":
		to, message = requests.StatusWarn, result.Warning
	case !result.Success:
		to, message = requests.StatusFailed, result.Error
		if message == "" {
			message = "Import failed"
		}
	}

	ok, err := o.store.Transition(ctx, requestID, []requests.Status{requests.StatusDownloaded}, to, message)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, o.transitionError(ctx, requestID)
	}

	o.logger.Info().Int64("requestId", requestID).Str("status", string(to)).Msg("Import reported")
	req := o.publish(ctx, requestID)
	if to == requests.StatusFailed {
		o.broadcast(EventRequestFailed, FailureSignal{RequestID: requestID, Message: message})
	}
	return req, nil
}

// Recover re-arms the pipeline after a restart: active jobs get their
// monitor back, interrupted searches are parked for re-search and pending
// requests are queued again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}
	for _, job := range jobs {
		if err := o.monitor.schedule(job.ID, o.cfg.MonitorInitialDelay); err != nil {
			o.logger.Warn().Err(err).Int64("jobId", job.ID).Msg("Failed to re-arm monitor")
		}
	}

	stuck, err := o.store.List(ctx, requests.ListFilter{Statuses: []requests.Status{requests.StatusSearching}})
	if err != nil {
		return fmt.Errorf("failed to list searching requests: %w", err)
	}
	for _, req := range stuck {
		if _, err := o.store.Transition(ctx, req.ID, []requests.Status{requests.StatusSearching},
			requests.StatusAwaitingSearch, "Search interrupted by restart"); err != nil {
			return err
		}
	}

	pending, err := o.store.List(ctx, requests.ListFilter{Statuses: []requests.Status{requests.StatusPending}})
	if err != nil {
		return fmt.Errorf("failed to list pending requests: %w", err)
	}
	for _, req := range pending {
		if err := o.Enqueue(req.ID); err != nil {
			o.logger.Warn().Err(err).Int64("requestId", req.ID).Msg("Failed to queue pending request")
		}
	}

	o.logger.Info().
		Int("jobs", len(jobs)).
		Int("interrupted", len(stuck)).
		Int("pending", len(pending)).
		Msg("Pipeline recovered")
	return nil
}

// transitionError explains why a CAS did not apply.
func (o *Orchestrator) transitionError(ctx context.Context, requestID int64) error {
	if _, err := o.store.Get(ctx, requestID); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (o *Orchestrator) removeBackendJob(ctx context.Context, h downloader.Handle, purge bool) {
	if err := o.router.Cancel(ctx, h, purge); err != nil {
		o.logger.Warn().Err(err).Str("backendId", h.ID).Msg("Failed to remove download from client")
	}
}

func (o *Orchestrator) signalFailed(ctx context.Context, requestID int64, message string) {
	sig := FailureSignal{RequestID: requestID, Message: message}
	o.broadcast(EventRequestFailed, sig)
	if o.handoff == nil {
		return
	}
	if err := o.handoff.Failed(ctx, sig); err != nil {
		o.logger.Warn().Err(err).Int64("requestId", requestID).Msg("Failure handoff failed")
	}
}

// publish reloads a request and broadcasts it. It returns nil when the
// request cannot be read.
func (o *Orchestrator) publish(ctx context.Context, requestID int64) *requests.Request {
	req, err := o.store.Get(ctx, requestID)
	if err != nil {
		o.logger.Debug().Err(err).Int64("requestId", requestID).Msg("Failed to reload request")
		return nil
	}
	o.broadcast(EventRequestUpdated, req)
	return req
}

func (o *Orchestrator) broadcast(msgType string, payload interface{}) {
	if o.hub == nil {
		return
	}
	if err := o.hub.Broadcast(msgType, payload); err != nil {
		o.logger.Debug().Err(err).Str("type", msgType).Msg("Broadcast failed")
	}
}

func jobHandle(job *requests.Job) downloader.Handle {
	return downloader.Handle{
		Protocol: downloader.Protocol(job.Protocol),
		Client:   downloader.ClientType(job.ClientType),
		ID:       job.BackendJobID,
	}
}

func searchKey(requestID int64) string {
	return "search:" + strconv.FormatInt(requestID, 10)
}

func pollKey(jobID int64) string {
	return "poll:" + strconv.FormatInt(jobID, 10)
}
