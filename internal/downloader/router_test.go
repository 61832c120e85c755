package downloader

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader/mock"
	"github.com/shelfstream/shelfstream/internal/downloader/qbittorrent"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

type staticSource struct {
	mu       sync.Mutex
	backends map[Protocol]*Backend
	loads    int
}

func (s *staticSource) Backend(_ context.Context, protocol Protocol) (*Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	b, ok := s.backends[protocol]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func newStaticSource() *staticSource {
	return &staticSource{backends: map[Protocol]*Backend{
		ProtocolTorrent: {Type: ClientTypeQBittorrent, Config: ClientConfig{URL: "http://qbit:8080"}},
		ProtocolUsenet:  {Type: ClientTypeSABnzbd, Config: ClientConfig{URL: "http://sab:8080", APIKey: "k"}},
	}}
}

// newMockRouter returns a router whose factory hands out one fake per protocol.
func newMockRouter(source BackendSource) (*Router, map[ClientType]*mock.Client) {
	fakes := map[ClientType]*mock.Client{
		ClientTypeQBittorrent: mock.New(ClientTypeQBittorrent),
		ClientTypeSABnzbd:     mock.New(ClientTypeSABnzbd),
	}
	r := NewRouter(source, zerolog.Nop())
	r.SetClientFactory(func(clientType ClientType, _ *ClientConfig) (Client, error) {
		return fakes[clientType], nil
	})
	return r, fakes
}

func intPtr(v int) *int { return &v }

func TestRouter_CacheHit(t *testing.T) {
	r := NewRouter(newStaticSource(), zerolog.Nop())
	ctx := context.Background()

	c1, err := r.Client(ctx, ProtocolTorrent)
	if err != nil {
		t.Fatalf("Client(1) error = %v", err)
	}
	c2, err := r.Client(ctx, ProtocolTorrent)
	if err != nil {
		t.Fatalf("Client(2) error = %v", err)
	}

	qc1, ok := c1.(*qbittorrent.Client)
	if !ok {
		t.Fatalf("expected *qbittorrent.Client, got %T", c1)
	}
	qc2, ok := c2.(*qbittorrent.Client)
	if !ok {
		t.Fatalf("expected *qbittorrent.Client, got %T", c2)
	}
	if qc1 != qc2 {
		t.Error("expected same pointer from router, got different instances")
	}
}

func TestRouter_ReloadInvalidates(t *testing.T) {
	source := newStaticSource()
	r := NewRouter(source, zerolog.Nop())
	ctx := context.Background()

	c1, err := r.Client(ctx, ProtocolTorrent)
	if err != nil {
		t.Fatalf("Client(1) error = %v", err)
	}

	source.mu.Lock()
	source.backends[ProtocolTorrent].Config.URL = "http://other:8080"
	source.mu.Unlock()
	r.Reload()

	c2, err := r.Client(ctx, ProtocolTorrent)
	if err != nil {
		t.Fatalf("Client(2) error = %v", err)
	}
	if c1 == c2 {
		t.Error("expected a new client after Reload")
	}
	if source.loads != 2 {
		t.Errorf("expected 2 backend loads, got %d", source.loads)
	}
}

func TestRouter_NoClientConfigured(t *testing.T) {
	r, _ := newMockRouter(&staticSource{backends: map[Protocol]*Backend{}})

	_, err := r.Submit(context.Background(), &ranking.CandidateRelease{
		Title:       "The Hobbit",
		DownloadURL: "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567",
	}, "")
	if !errors.Is(err, ErrNoClientConfigured) {
		t.Fatalf("expected ErrNoClientConfigured, got %v", err)
	}
	if !IsConfigurationError(err) {
		t.Error("expected a configuration error")
	}
}

func TestRouter_MismatchedBackend(t *testing.T) {
	r, _ := newMockRouter(&staticSource{backends: map[Protocol]*Backend{
		ProtocolUsenet: {Type: ClientTypeQBittorrent, Config: ClientConfig{URL: "http://qbit"}},
	}})

	_, err := r.Client(context.Background(), ProtocolUsenet)
	if !errors.Is(err, ErrUnsupportedClient) {
		t.Fatalf("expected ErrUnsupportedClient, got %v", err)
	}
}

func TestRouter_SubmitRoutesByProtocol(t *testing.T) {
	r, fakes := newMockRouter(newStaticSource())
	ctx := context.Background()

	torrent := &ranking.CandidateRelease{Title: "The Hobbit", DownloadURL: "https://t/1.torrent", Seeders: intPtr(5)}
	nzb := &ranking.CandidateRelease{Title: "The Hobbit", DownloadURL: "https://n/1.nzb"}

	h1, err := r.Submit(ctx, torrent, "audiobooks")
	if err != nil {
		t.Fatalf("Submit(torrent) error = %v", err)
	}
	if h1.Protocol != ProtocolTorrent || h1.Client != ClientTypeQBittorrent {
		t.Errorf("unexpected torrent handle %+v", h1)
	}
	opts, ok := fakes[ClientTypeQBittorrent].Added(h1.ID)
	if !ok || opts.Category != "audiobooks" || opts.URL != torrent.DownloadURL {
		t.Errorf("unexpected add options %+v", opts)
	}

	h2, err := r.Submit(ctx, nzb, "")
	if err != nil {
		t.Fatalf("Submit(nzb) error = %v", err)
	}
	if h2.Protocol != ProtocolUsenet || h2.Client != ClientTypeSABnzbd {
		t.Errorf("unexpected usenet handle %+v", h2)
	}
}

func TestRouter_SubmitWithoutJobID(t *testing.T) {
	r, fakes := newMockRouter(newStaticSource())
	fakes[ClientTypeSABnzbd].OmitID = true

	_, err := r.Submit(context.Background(), &ranking.CandidateRelease{Title: "x", DownloadURL: "https://n/1.nzb"}, "")
	if !errors.Is(err, ErrBackendProtocol) {
		t.Fatalf("expected ErrBackendProtocol, got %v", err)
	}
}

func TestRouter_SubmitRejected(t *testing.T) {
	r, fakes := newMockRouter(newStaticSource())
	fakes[ClientTypeSABnzbd].AddErr = errors.New("invalid nzb")

	_, err := r.Submit(context.Background(), &ranking.CandidateRelease{Title: "x", DownloadURL: "https://n/1.nzb"}, "")
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if be.Op != "submit" || be.Backend != ClientTypeSABnzbd {
		t.Errorf("unexpected backend error %+v", be)
	}
}

func TestRouter_PollAndCancel(t *testing.T) {
	r, fakes := newMockRouter(newStaticSource())
	ctx := context.Background()

	h, err := r.Submit(ctx, &ranking.CandidateRelease{Title: "Dune", DownloadURL: "https://n/1.nzb"}, "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	sab := fakes[ClientTypeSABnzbd]
	if err := sab.SetState(h.ID, StatusDownloading, 150, ""); err != nil {
		t.Fatal(err)
	}

	res, err := r.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if res.State != StatusDownloading || res.Percent != 100 {
		t.Errorf("unexpected poll result %+v", res)
	}

	if err := r.Cancel(ctx, h, true); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	ids, purged := sab.Removed()
	if len(ids) != 1 || ids[0] != h.ID || !purged[0] {
		t.Errorf("unexpected removals %v %v", ids, purged)
	}

	_, err = r.Poll(ctx, h)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after cancel, got %v", err)
	}
}

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		name string
		c    ranking.CandidateRelease
		want Protocol
	}{
		{"explicit torrent", ranking.CandidateRelease{Protocol: ranking.ProtocolTorrent}, ProtocolTorrent},
		{"explicit usenet", ranking.CandidateRelease{Protocol: ranking.ProtocolUsenet, Seeders: intPtr(3)}, ProtocolUsenet},
		{"magnet", ranking.CandidateRelease{DownloadURL: "magnet:?xt=urn:btih:abc"}, ProtocolTorrent},
		{"seeders", ranking.CandidateRelease{DownloadURL: "https://x/1", Seeders: intPtr(0)}, ProtocolTorrent},
		{"no seeders", ranking.CandidateRelease{DownloadURL: "https://x/1.nzb"}, ProtocolUsenet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectProtocol(&tt.c); got != tt.want {
				t.Errorf("DetectProtocol() = %s, want %s", got, tt.want)
			}
		})
	}
}
