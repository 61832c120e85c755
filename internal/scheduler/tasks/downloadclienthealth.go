package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/health"
	"github.com/shelfstream/shelfstream/internal/scheduler"
)

// HealthReporter records check results. health.Service implements it.
type HealthReporter interface {
	Report(category health.Category, id, name string, err error)
	Forget(category health.Category, id string)
}

// BackendTester checks the backend serving a protocol.
type BackendTester interface {
	Test(ctx context.Context, protocol downloader.Protocol) error
}

// DownloadClientHealthTask handles scheduled health checks for download clients.
type DownloadClientHealthTask struct {
	tester BackendTester
	health HealthReporter
	logger *zerolog.Logger
}

// NewDownloadClientHealthTask creates a new download client health check task.
// reporter may be nil.
func NewDownloadClientHealthTask(tester BackendTester, reporter HealthReporter, logger *zerolog.Logger) *DownloadClientHealthTask {
	subLogger := logger.With().Str("task", "download-client-health").Logger()
	return &DownloadClientHealthTask{
		tester: tester,
		health: reporter,
		logger: &subLogger,
	}
}

// Run tests every configured backend. Failures are logged, not returned,
// so one broken client does not mark the whole task failed.
func (t *DownloadClientHealthTask) Run(ctx context.Context) error {
	t.logger.Info().Msg("Starting download client health check")

	checked, failed := 0, 0
	for _, protocol := range []downloader.Protocol{downloader.ProtocolTorrent, downloader.ProtocolUsenet} {
		err := t.tester.Test(ctx, protocol)
		if errors.Is(err, downloader.ErrNoClientConfigured) {
			t.logger.Debug().Str("protocol", string(protocol)).Msg("No download client configured, skipping")
			if t.health != nil {
				t.health.Forget(health.CategoryDownloadClients, string(protocol))
			}
			continue
		}
		checked++
		if t.health != nil {
			t.health.Report(health.CategoryDownloadClients, string(protocol), string(protocol)+" download client", err)
		}
		if err != nil {
			failed++
			t.logger.Warn().Err(err).Str("protocol", string(protocol)).Msg("Download client health check failed")
			continue
		}
		t.logger.Debug().Str("protocol", string(protocol)).Msg("Download client health check passed")
	}

	t.logger.Info().Int("checked", checked).Int("failed", failed).Msg("Download client health check completed")
	return nil
}

// RegisterDownloadClientHealthTask registers the download client health check task with the scheduler.
func RegisterDownloadClientHealthTask(
	sched *scheduler.Scheduler,
	tester BackendTester,
	reporter HealthReporter,
	interval time.Duration,
	logger *zerolog.Logger,
) error {
	task := NewDownloadClientHealthTask(tester, reporter, logger)

	if interval == 0 {
		interval = 6 * time.Hour
	}

	// Convert interval to cron expression using @every directive
	cronExpr := fmt.Sprintf("@every %s", interval.String())

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "download-client-health",
		Name:        "Download Client Health Check",
		Description: "Tests connectivity to the configured download clients",
		Cron:        cronExpr,
		RunOnStart:  true,
		Func:        task.Run,
	})
}
