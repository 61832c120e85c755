package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/ranking"
)

type fakeTester struct {
	results map[downloader.Protocol]error
	tested  []downloader.Protocol
}

func (f *fakeTester) Test(_ context.Context, protocol downloader.Protocol) error {
	f.tested = append(f.tested, protocol)
	return f.results[protocol]
}

func TestDownloadClientHealthTask_Run(t *testing.T) {
	logger := zerolog.Nop()
	tester := &fakeTester{results: map[downloader.Protocol]error{
		downloader.ProtocolTorrent: errors.New("connection refused"),
		downloader.ProtocolUsenet:  downloader.ErrNoClientConfigured,
	}}

	svc := health.NewService(logger)
	svc.Report(health.CategoryDownloadClients, "usenet", "usenet download client", nil)

	task := NewDownloadClientHealthTask(tester, svc, &logger)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, backend failures must not fail the task", err)
	}
	if len(tester.tested) != 2 {
		t.Errorf("expected both protocols tested, got %v", tester.tested)
	}

	item, ok := svc.Get(health.CategoryDownloadClients, "torrent")
	if !ok || item.Status != health.StatusError || item.Message != "connection refused" {
		t.Errorf("torrent health = %+v, want error", item)
	}
	if _, ok := svc.Get(health.CategoryDownloadClients, "usenet"); ok {
		t.Error("unconfigured backend should no longer be tracked")
	}
}

type fakeProwlarr struct {
	connErr error
}

func (f *fakeProwlarr) TestConnection(context.Context) error { return f.connErr }

func (f *fakeProwlarr) ListIndexers(context.Context) ([]indexer.Info, error) {
	return []indexer.Info{{ID: 1, Name: "AudioBookBay", Protocol: ranking.ProtocolTorrent, Enabled: true}}, nil
}

type fakeSyncer struct {
	calls int
}

func (f *fakeSyncer) SyncIndexers(ctx context.Context, lister indexer.Lister) (int, error) {
	f.calls++
	list, err := lister.ListIndexers(ctx)
	return len(list), err
}

func TestProwlarrHealthTask_Run(t *testing.T) {
	logger := zerolog.Nop()

	syncer := &fakeSyncer{}
	task := NewProwlarrHealthTask(&fakeProwlarr{}, syncer, nil, &logger)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if syncer.calls != 1 {
		t.Errorf("expected one sync, got %d", syncer.calls)
	}

	svc := health.NewService(logger)
	syncer = &fakeSyncer{}
	task = NewProwlarrHealthTask(&fakeProwlarr{connErr: errors.New("down")}, syncer, svc, &logger)
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if syncer.calls != 0 {
		t.Error("indexers must not be synced while Prowlarr is unreachable")
	}
	if !svc.Summary().HasIssues {
		t.Error("an unreachable Prowlarr should be reported unhealthy")
	}
}
