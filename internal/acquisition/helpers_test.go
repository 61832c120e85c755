package acquisition

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/downloader/mock"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
	"github.com/shelfstream/shelfstream/internal/requests"
	"github.com/shelfstream/shelfstream/internal/settings"
	"github.com/shelfstream/shelfstream/internal/testutil"
)

type pendingTask struct {
	key   string
	delay time.Duration
	task  Task
}

// fakeDispatcher holds tasks until the test runs them.
type fakeDispatcher struct {
	mu        sync.Mutex
	pending   []pendingTask
	cancelled []string
}

func (d *fakeDispatcher) Enqueue(key string, task Task) error {
	return d.After(key, 0, task)
}

func (d *fakeDispatcher) After(key string, delay time.Duration, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingTask{key: key, delay: delay, task: task})
	return nil
}

func (d *fakeDispatcher) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	d.pending = kept
	d.cancelled = append(d.cancelled, key)
}

// RunPending runs the tasks queued so far. Tasks they schedule stay queued.
func (d *fakeDispatcher) RunPending(ctx context.Context) int {
	d.mu.Lock()
	tasks := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, p := range tasks {
		p.task(ctx)
	}
	return len(tasks)
}

func (d *fakeDispatcher) Has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending {
		if p.key == key {
			return true
		}
	}
	return false
}

func (d *fakeDispatcher) Delay(key string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending {
		if p.key == key {
			return p.delay
		}
	}
	return -1
}

func (d *fakeDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
}

type fakeConfig struct {
	indexers   []settings.Indexer
	priorities ranking.PriorityTable
	flags      ranking.FlagTable
}

func (c *fakeConfig) EnabledIndexers(context.Context) ([]settings.Indexer, error) {
	return c.indexers, nil
}

func (c *fakeConfig) PriorityTable(context.Context) (ranking.PriorityTable, error) {
	return c.priorities, nil
}

func (c *fakeConfig) FlagTable(context.Context) (ranking.FlagTable, error) {
	return c.flags, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	results []ranking.CandidateRelease
	err     error
	panics  bool
	queries []string
	opts    []indexer.SearchOptions
}

func (g *fakeGateway) Search(_ context.Context, query string, opts indexer.SearchOptions) ([]ranking.CandidateRelease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panics {
		panic("indexer response exploded")
	}
	g.queries = append(g.queries, query)
	g.opts = append(g.opts, opts)
	if g.err != nil {
		return nil, g.err
	}
	return append([]ranking.CandidateRelease(nil), g.results...), nil
}

type recordingHandoff struct {
	mu     sync.Mutex
	ready  []ReadySignal
	failed []FailureSignal
}

func (h *recordingHandoff) ReadyForImport(_ context.Context, sig ReadySignal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = append(h.ready, sig)
	return nil
}

func (h *recordingHandoff) Failed(_ context.Context, sig FailureSignal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, sig)
	return nil
}

func (h *recordingHandoff) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ready), len(h.failed)
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) Broadcast(msgType string, _ interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msgType)
	return nil
}

func (h *recordingHub) count(msgType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == msgType {
			n++
		}
	}
	return n
}

type backendSource struct {
	mu       sync.Mutex
	backends map[downloader.Protocol]*downloader.Backend
}

func (s *backendSource) Backend(_ context.Context, protocol downloader.Protocol) (*downloader.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[protocol]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

type harness struct {
	tdb        *testutil.TestDB
	store      *requests.Store
	config     *fakeConfig
	gateway    *fakeGateway
	dispatcher *fakeDispatcher
	source     *backendSource
	router     *downloader.Router
	torrent    *mock.Client
	usenet     *mock.Client
	handoff    *recordingHandoff
	hub        *recordingHub
	orch       *Orchestrator
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	h := &harness{
		tdb:   tdb,
		store: requests.NewStore(tdb.Conn, tdb.Logger),
		config: &fakeConfig{
			indexers:   []settings.Indexer{{ID: 1, Name: "AudioBookBay", Protocol: "torrent", Priority: 10, Enabled: true}},
			priorities: ranking.PriorityTable{1: 10},
			flags:      ranking.FlagTable{},
		},
		gateway:    &fakeGateway{},
		dispatcher: &fakeDispatcher{},
		source: &backendSource{backends: map[downloader.Protocol]*downloader.Backend{
			downloader.ProtocolTorrent: {Type: downloader.ClientTypeQBittorrent, Config: downloader.ClientConfig{URL: "http://qbit:8080"}},
			downloader.ProtocolUsenet:  {Type: downloader.ClientTypeSABnzbd, Config: downloader.ClientConfig{URL: "http://sab:8080", APIKey: "k"}},
		}},
		torrent: mock.New(downloader.ClientTypeQBittorrent),
		usenet:  mock.New(downloader.ClientTypeSABnzbd),
		handoff: &recordingHandoff{},
		hub:     &recordingHub{},
	}

	h.router = downloader.NewRouter(h.source, tdb.Logger)
	h.router.SetClientFactory(func(clientType downloader.ClientType, _ *downloader.ClientConfig) (downloader.Client, error) {
		if clientType == downloader.ClientTypeSABnzbd {
			return h.usenet, nil
		}
		return h.torrent, nil
	})

	cfg := DefaultConfig()
	for _, fn := range configure {
		fn(&cfg)
	}

	h.orch = NewOrchestrator(h.store, h.config, h.gateway, h.router, h.dispatcher, cfg, tdb.Logger)
	h.orch.SetHandoff(h.handoff)
	h.orch.SetBroadcaster(h.hub)
	return h
}

func (h *harness) submit(t *testing.T, user, title, author string) *requests.Request {
	t.Helper()
	req, err := h.orch.Submit(context.Background(), NewRequest{UserID: user, Title: title, Author: author})
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

// startDownload submits a request for the hobbit and runs its search.
func (h *harness) startDownload(t *testing.T) (*requests.Request, *requests.Job) {
	t.Helper()
	ctx := context.Background()

	h.gateway.results = []ranking.CandidateRelease{hobbitTorrent()}
	req := h.submit(t, "u1", "The Hobbit", "J.R.R. Tolkien")
	require.Equal(t, 1, h.dispatcher.RunPending(ctx))

	job, err := h.store.ActiveJobForRequest(ctx, req.ID)
	require.NoError(t, err)
	return req, job
}

func (h *harness) request(t *testing.T, id int64) *requests.Request {
	t.Helper()
	req, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (h *harness) job(t *testing.T, id int64) *requests.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func intPtr(v int) *int { return &v }

func hobbitTorrent() ranking.CandidateRelease {
	return ranking.CandidateRelease{
		GUID:        "abb-1",
		IndexerID:   1,
		IndexerName: "AudioBookBay",
		Title:       "The Hobbit J.R.R. Tolkien M4B Audiobook",
		Size:        300 << 20,
		Seeders:     intPtr(40),
		PublishDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DownloadURL: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
		Protocol:    ranking.ProtocolTorrent,
	}
}

func hobbitUsenet() ranking.CandidateRelease {
	return ranking.CandidateRelease{
		GUID:        "nzb-1",
		IndexerID:   2,
		IndexerName: "NZBgeek",
		Title:       "The Hobbit - J.R.R. Tolkien M4B",
		Size:        280 << 20,
		PublishDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		DownloadURL: "https://nzb.example/get/1.nzb",
		Protocol:    ranking.ProtocolUsenet,
	}
}

func unrelatedRelease() ranking.CandidateRelease {
	return ranking.CandidateRelease{
		GUID:        "abb-2",
		IndexerID:   1,
		IndexerName: "AudioBookBay",
		Title:       "Cooking With Gas MP3",
		Seeders:     intPtr(500),
		DownloadURL: "magnet:?xt=urn:btih:ffffffffffffffffffffffffffffffffffffffff",
		Protocol:    ranking.ProtocolTorrent,
	}
}

func hasPrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
