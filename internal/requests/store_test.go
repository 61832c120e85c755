package requests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfstream/shelfstream/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	return NewStore(tdb.Conn, tdb.Logger)
}

func createRequest(t *testing.T, s *Store, userID string) *Request {
	t.Helper()
	ctx := context.Background()
	book, err := s.EnsureAudiobook(ctx, AudiobookInput{Title: "The Hobbit", Author: "J.R.R. Tolkien"})
	require.NoError(t, err)
	req, err := s.Create(ctx, userID, book.ID)
	require.NoError(t, err)
	return req
}

func TestEnsureAudiobook_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1, err := s.EnsureAudiobook(ctx, AudiobookInput{Title: " The Hobbit ", Author: "J.R.R. Tolkien"})
	require.NoError(t, err)
	a2, err := s.EnsureAudiobook(ctx, AudiobookInput{Title: "The Hobbit", Author: "J.R.R. Tolkien"})
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, "The Hobbit", a1.Title)

	_, err = s.EnsureAudiobook(ctx, AudiobookInput{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidAudiobook)

	_, err = s.GetAudiobook(ctx, 999)
	assert.ErrorIs(t, err, ErrAudiobookNotFound)
}

func TestCreate_Pending(t *testing.T) {
	s := newTestStore(t)
	req := createRequest(t, s, "u1")

	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "The Hobbit", req.Title)
	assert.Equal(t, "J.R.R. Tolkien", req.Author)
	assert.Zero(t, req.SearchAttempts)
	assert.Nil(t, req.ErrorMessage)
	assert.Nil(t, req.LastSearchAt)
}

func TestCreate_ActiveDuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	req := createRequest(t, s, "u1")

	_, err := s.Create(context.Background(), "u1", req.AudiobookID)
	assert.ErrorIs(t, err, ErrAlreadyRequested)

	// another user may request the same book
	_, err = s.Create(context.Background(), "u2", req.AudiobookID)
	assert.NoError(t, err)
}

func TestCreate_ReplacesRestartable(t *testing.T) {
	for _, status := range []Status{StatusFailed, StatusWarn, StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			old := createRequest(t, s, "u1")

			ok, err := s.Transition(ctx, old.ID, []Status{StatusPending}, status, "boom")
			require.NoError(t, err)
			require.True(t, ok)

			fresh, err := s.Create(ctx, "u1", old.AudiobookID)
			require.NoError(t, err)
			assert.NotEqual(t, old.ID, fresh.ID)
			assert.Equal(t, StatusPending, fresh.Status)

			_, err = s.Get(ctx, old.ID)
			assert.ErrorIs(t, err, ErrRequestNotFound)
		})
	}
}

func TestCreate_AvailableNotReplaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	_, err := s.Transition(ctx, req.ID, []Status{StatusPending}, StatusAvailable, "")
	require.NoError(t, err)

	_, err = s.Create(ctx, "u1", req.AudiobookID)
	assert.ErrorIs(t, err, ErrAlreadyRequested)
}

func TestTransition_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	ok, err := s.Transition(ctx, req.ID, []Status{StatusDownloading}, StatusFailed, "nope")
	require.NoError(t, err)
	assert.False(t, ok, "transition from a state the request is not in must not apply")

	ok, err = s.Transition(ctx, req.ID, []Status{StatusPending, StatusAwaitingSearch}, StatusFailed, "no indexers")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no indexers", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.Transition(ctx, req.ID, nil, StatusPending, "")
	assert.Error(t, err)
}

func TestTransition_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BeginSearch(ctx, req.ID)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSearching, got.Status)
	assert.Equal(t, 1, got.SearchAttempts)
	assert.NotNil(t, got.LastSearchAt)
}

func TestBeginSearch_FromAwaitingClearsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	_, err := s.BeginSearch(ctx, req.ID)
	require.NoError(t, err)
	_, err = s.Transition(ctx, req.ID, []Status{StatusSearching}, StatusAwaitingSearch, "no results")
	require.NoError(t, err)

	ok, err := s.BeginSearch(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SearchAttempts)
	assert.Nil(t, got.ErrorMessage)
}

func TestListFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := createRequest(t, s, "u1")
	book, err := s.EnsureAudiobook(ctx, AudiobookInput{Title: "Dune", Author: "Frank Herbert"})
	require.NoError(t, err)
	r2, err := s.Create(ctx, "u2", book.ID)
	require.NoError(t, err)
	_, err = s.Transition(ctx, r2.ID, []Status{StatusPending}, StatusAwaitingSearch, "no results")
	require.NoError(t, err)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.List(ctx, ListFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r1.ID, mine[0].ID)

	awaiting, err := s.List(ctx, ListFilter{Statuses: []Status{StatusAwaitingSearch}})
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, r2.ID, awaiting[0].ID)

	require.NoError(t, s.SoftDelete(ctx, r1.ID))
	all, err = s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.ErrorIs(t, s.SoftDelete(ctx, r1.ID), ErrRequestNotFound)
}

func TestProgressAndDownloaded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	// progress is ignored until the request is downloading
	require.NoError(t, s.UpdateProgress(ctx, req.ID, 40))
	got, _ := s.Get(ctx, req.ID)
	assert.Zero(t, got.Progress)

	_, err := s.Transition(ctx, req.ID, []Status{StatusPending}, StatusDownloading, "")
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, req.ID, 140))
	got, _ = s.Get(ctx, req.ID)
	assert.Equal(t, 100.0, got.Progress)

	ok, err := s.MarkDownloaded(ctx, req.ID, "/downloads/The Hobbit")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.Get(ctx, req.ID)
	assert.Equal(t, StatusDownloaded, got.Status)
	require.NotNil(t, got.DownloadPath)
	assert.Equal(t, "/downloads/The Hobbit", *got.DownloadPath)

	ok, err = s.MarkDownloaded(ctx, req.ID, "/elsewhere")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobs_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := createRequest(t, s, "u1")

	job, err := s.CreateJob(ctx, NewJob{
		RequestID:    req.ID,
		Protocol:     "torrent",
		ClientType:   "qbittorrent",
		BackendJobID: "abc",
		Title:        "The Hobbit M4B",
		Size:         1024,
		IndexerName:  "MAM",
		BaseScore:    95,
		FinalScore:   133,
	})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.True(t, job.Selected)
	assert.False(t, job.IsFinished())

	active, err := s.ActiveJobForRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, active.ID)

	ok, err := s.UpdateJobProgress(ctx, job.ID, JobProgress{Status: JobDownloading, Progress: 55, BytesRemaining: 10, ETASeconds: 30})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.RecordMissingPoll(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.RecordMissingPoll(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err = s.FinishJob(ctx, job.ID, JobFailed, "tracker error")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishJob(ctx, job.ID, JobCompleted, "")
	require.NoError(t, err)
	assert.False(t, ok, "second finish must not apply")

	ok, err = s.UpdateJobProgress(ctx, job.ID, JobProgress{Status: JobCompleted, Progress: 100})
	require.NoError(t, err)
	assert.False(t, ok, "stale poll must not overwrite a finished job")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "tracker error", *got.FailureReason)
	assert.Equal(t, 55.0, got.Progress)

	_, err = s.ActiveJobForRequest(ctx, req.ID)
	assert.True(t, errors.Is(err, ErrJobNotFound))

	all, err := s.ListJobsForRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	activeJobs, err := s.ListActiveJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, activeJobs)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusAvailable.IsTerminal())
	assert.False(t, StatusDownloaded.IsTerminal())
	assert.True(t, StatusWarn.IsRestartable())
	assert.False(t, StatusAvailable.IsRestartable())
	assert.True(t, StatusAwaitingApproval.Valid())
	assert.False(t, Status("bogus").Valid())
}
