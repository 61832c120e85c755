package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/indexer"
	"github.com/shelfstream/shelfstream/internal/scheduler"
)

// ProwlarrClient is the part of the Prowlarr client the health task needs.
type ProwlarrClient interface {
	indexer.Lister
	TestConnection(ctx context.Context) error
}

// IndexerSyncer stores the indexer identities reported by Prowlarr.
type IndexerSyncer interface {
	SyncIndexers(ctx context.Context, lister indexer.Lister) (int, error)
}

// ProwlarrHealthTask checks the Prowlarr connection and refreshes the
// local indexer list.
type ProwlarrHealthTask struct {
	client ProwlarrClient
	syncer IndexerSyncer
	health HealthReporter
	logger *zerolog.Logger
}

// NewProwlarrHealthTask creates a new Prowlarr health check task.
func NewProwlarrHealthTask(client ProwlarrClient, syncer IndexerSyncer, reporter HealthReporter, logger *zerolog.Logger) *ProwlarrHealthTask {
	subLogger := logger.With().Str("task", "prowlarr-health").Logger()
	return &ProwlarrHealthTask{
		client: client,
		syncer: syncer,
		health: reporter,
		logger: &subLogger,
	}
}

// Run executes the Prowlarr health check.
func (t *ProwlarrHealthTask) Run(ctx context.Context) error {
	t.logger.Info().Msg("Starting Prowlarr health check")

	err := t.client.TestConnection(ctx)
	if t.health != nil {
		t.health.Report(health.CategoryGateway, "prowlarr", "Prowlarr", err)
	}
	if err != nil {
		t.logger.Warn().Err(err).Msg("Prowlarr health check failed")
		return nil
	}

	added, err := t.syncer.SyncIndexers(ctx, t.client)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to refresh Prowlarr indexers")
		return nil
	}

	t.logger.Info().Int("newIndexers", added).Msg("Prowlarr health check completed")
	return nil
}

// RegisterProwlarrHealthTask registers the Prowlarr health check task with the scheduler.
func RegisterProwlarrHealthTask(
	sched *scheduler.Scheduler,
	client ProwlarrClient,
	syncer IndexerSyncer,
	reporter HealthReporter,
	logger *zerolog.Logger,
) error {
	task := NewProwlarrHealthTask(client, syncer, reporter, logger)

	interval := 15 * time.Minute
	cronExpr := fmt.Sprintf("@every %s", interval.String())

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "prowlarr-health",
		Name:        "Prowlarr Health Check",
		Description: "Tests connectivity to Prowlarr and refreshes indexer data",
		Cron:        cronExpr,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
