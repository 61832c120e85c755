package tasks

import (
	"context"

	"github.com/shelfstream/shelfstream/internal/scheduler"
)

// Resubmitter queues requests parked in awaiting_search.
type Resubmitter interface {
	ResubmitAwaiting(ctx context.Context) (int, error)
}

// RegisterResearchTask registers the periodic re-search of requests that
// found nothing usable on their last attempt.
func RegisterResearchTask(sched *scheduler.Scheduler, resubmitter Resubmitter, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = "0 */6 * * *"
	}

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "research-awaiting",
		Name:        "Re-search Awaiting Requests",
		Description: "Queues a new search for every request still awaiting a usable release",
		Cron:        cronExpr,
		RunOnStart:  false,
		Func: func(ctx context.Context) error {
			_, err := resubmitter.ResubmitAwaiting(ctx)
			return err
		},
	})
}
