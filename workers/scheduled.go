// Package workers holds the periodic background jobs run under the
// watchdog.
package workers

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/db"
)

const scheduledBatchSize = 100

// Submitter hands an activity to outbound delivery.
type Submitter interface {
	Submit(nickname string, activity []byte) bool
}

// ScheduledPostRunner publishes scheduled posts once they are due.
type ScheduledPostRunner struct {
	db       *db.DB
	outbox   Submitter
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

func NewScheduledPostRunner(database *db.DB, outbox Submitter, interval time.Duration, logger *log.Logger) *ScheduledPostRunner {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ScheduledPostRunner{
		db:       database,
		outbox:   outbox,
		interval: interval,
		logger:   logger.WithPrefix("scheduler"),
		now:      time.Now,
	}
}

func (r *ScheduledPostRunner) Run(ctx context.Context) error {
	r.logger.Info("Starting scheduled post runner", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce submits every due post. A post is deleted once the dispatcher
// has taken it; posts it refuses stay for the next run.
func (r *ScheduledPostRunner) RunOnce(ctx context.Context) int {
	posts, err := r.db.ReadDueScheduledPosts(r.now(), scheduledBatchSize)
	if err != nil {
		r.logger.Error("Failed to read scheduled posts", "err", err)
		return 0
	}

	published := 0
	for _, post := range posts {
		if ctx.Err() != nil {
			break
		}
		if !r.outbox.Submit(post.Nickname, []byte(post.ActivityJSON)) {
			r.logger.Warn("Outbox refused scheduled post", "id", post.Id, "nickname", post.Nickname)
			continue
		}
		if err := r.db.DeleteScheduledPost(post.Id); err != nil {
			r.logger.Error("Failed to delete scheduled post", "id", post.Id, "err", err)
			continue
		}
		published++
	}
	if published > 0 {
		r.logger.Info("Published scheduled posts", "count", published)
	}
	return published
}
