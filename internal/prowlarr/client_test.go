package prowlarr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	client, err := NewClient(ClientConfig{
		URL:               server.URL,
		APIKey:            "secret",
		RequestsPerSecond: -1,
		Logger:            &logger,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(ClientConfig{APIKey: "k"}); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
	if _, err := NewClient(ClientConfig{URL: "http://prowlarr:9696"}); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestClient_Search(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/v1/search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("query") != "The Hobbit" || q.Get("categories") != "3030" || q.Get("type") != "search" {
			t.Errorf("unexpected search params %v", q)
		}

		switch q.Get("indexerIds") {
		case "1":
			w.Write([]byte(`[
				{"guid":"a","indexerId":1,"indexer":"MAM","title":"The Hobbit M4B","size":100,"seeders":50,"leechers":2,
				 "protocol":"torrent","downloadUrl":"https://mam/1.torrent","infoHash":"ABCDEF","downloadVolumeFactor":0,
				 "publishDate":"2024-01-02T03:04:05Z"},
				{"guid":"b","indexerId":1,"indexer":"MAM","title":"The Hobbit MP3","seeders":1,"protocol":"torrent",
				 "downloadUrl":"https://mam/2.torrent","indexerFlags":["Freeleech"]}
			]`))
		case "2":
			w.Write([]byte(`[
				{"guid":"c","indexerId":2,"indexer":"NZBGeek","title":"The Hobbit","protocol":"usenet","seeders":0,
				 "downloadUrl":"https://geek/1.nzb"},
				{"guid":"a","indexerId":2,"indexer":"NZBGeek","title":"dupe","protocol":"usenet","downloadUrl":"https://geek/2.nzb"}
			]`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	minSeeders := 5
	results, err := client.Search(context.Background(), "The Hobbit", indexer.SearchOptions{
		EnabledIndexerIDs: []int64{1, 2, 3},
		MinSeeders:        &minSeeders,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results (low seeders and duplicate dropped), got %d: %+v", len(results), results)
	}

	torrent := results[0]
	if torrent.Protocol != ranking.ProtocolTorrent || torrent.Seeders == nil || *torrent.Seeders != 50 {
		t.Errorf("unexpected torrent candidate %+v", torrent)
	}
	if torrent.InfoHash != "abcdef" {
		t.Errorf("expected lowercased info hash, got %q", torrent.InfoHash)
	}
	if len(torrent.Flags) != 1 || torrent.Flags[0] != "Freeleech" {
		t.Errorf("expected synthesized freeleech flag, got %v", torrent.Flags)
	}
	if torrent.PublishDate.IsZero() {
		t.Error("expected publish date to be parsed")
	}

	nzb := results[1]
	if nzb.Protocol != ranking.ProtocolUsenet || nzb.Seeders != nil {
		t.Errorf("usenet candidate must not carry seeders: %+v", nzb)
	}
}

func TestClient_Search_MaxResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("expected limit=2, got %q", r.URL.Query().Get("limit"))
		}
		w.Write([]byte(`[
			{"guid":"1","title":"a","protocol":"usenet","downloadUrl":"u1"},
			{"guid":"2","title":"b","protocol":"usenet","downloadUrl":"u2"}
		]`))
	}))
	defer server.Close()

	results, err := newTestClient(t, server).Search(context.Background(), "x", indexer.SearchOptions{
		EnabledIndexerIDs: []int64{1, 2},
		MaxResults:        2,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected results truncated to 2, got %d", len(results))
	}
	for _, r := range results {
		if r.IndexerID == 0 {
			t.Error("expected indexer id to fall back to the searched indexer")
		}
	}
}

func TestClient_Search_AllFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server).Search(context.Background(), "x", indexer.SearchOptions{EnabledIndexerIDs: []int64{1, 2}})
	var gwErr *indexer.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if len(gwErr.Failures) != 2 {
		t.Errorf("expected 2 failures, got %d", len(gwErr.Failures))
	}
	if !errors.Is(err, ErrSearchFailed) {
		t.Error("expected failures to wrap ErrSearchFailed")
	}
}

func TestClient_Search_NoIndexers(t *testing.T) {
	client, err := NewClient(ClientConfig{URL: "http://prowlarr:9696", APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Search(context.Background(), "x", indexer.SearchOptions{}); !errors.Is(err, indexer.ErrNoIndexers) {
		t.Errorf("expected ErrNoIndexers, got %v", err)
	}
}

func TestClient_RateLimitedBacksOff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Version(context.Background())
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if client.limiter.CurrentDelay() == 0 {
		t.Error("expected backoff delay after 429")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Version(ctx); err == nil {
		t.Error("expected cancelled context to abort the wait")
	}
	if calls.Load() != 1 {
		t.Errorf("expected the second call to stop before sending, got %d calls", calls.Load())
	}
}

func TestClient_ListIndexers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/indexer":
			w.Write([]byte(`[{"id":1,"name":"MAM","protocol":"torrent","enable":true},{"id":4,"name":"Geek","protocol":"usenet","enable":false}]`))
		case "/api/v1/system/status":
			w.Write([]byte(`{"version":"1.20.0"}`))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	if err := client.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}

	list, err := client.ListIndexers(context.Background())
	if err != nil {
		t.Fatalf("ListIndexers() error = %v", err)
	}
	if len(list) != 2 || list[0].Protocol != ranking.ProtocolTorrent || list[1].Enabled {
		t.Errorf("unexpected indexers %+v", list)
	}
}

func TestClient_InvalidAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	err := newTestClient(t, server).TestConnection(context.Background())
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "connect") {
		t.Errorf("expected operation in message, got %q", err.Error())
	}
}
