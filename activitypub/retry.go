package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
)

const (
	maxDeliveryAttempts = 10
	retryBatchSize      = 50
)

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// backoff returns the wait before retry number attempts.
func backoff(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(backoffMinutes) {
		i = len(backoffMinutes) - 1
	}
	return time.Duration(backoffMinutes[i]) * time.Minute
}

// RetryWorker drains the delivery queue of failed POSTs.
type RetryWorker struct {
	db       *db.DB
	pool     *SendPool
	iris     IRIs
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

func NewRetryWorker(database *db.DB, pool *SendPool, iris IRIs, interval time.Duration, logger *log.Logger) *RetryWorker {
	if logger == nil {
		logger = log.Default()
	}
	return &RetryWorker{
		db:       database,
		pool:     pool,
		iris:     iris,
		interval: interval,
		logger:   logger.WithPrefix("delivery-retry"),
		now:      time.Now,
	}
}

// Run processes the queue every interval until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.logger.Info("Starting delivery retry worker", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pool.Sweep()
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce attempts every due delivery once.
func (w *RetryWorker) ProcessOnce(ctx context.Context) {
	items, err := w.db.ReadPendingDeliveries(w.now(), retryBatchSize)
	if err != nil {
		w.logger.Error("Failed to read queue", "err", err)
		return
	}
	if len(items) == 0 {
		return
	}

	w.logger.Info("Processing pending deliveries", "count", len(items))

	for i := range items {
		if ctx.Err() != nil {
			return
		}
		item := &items[i]
		if err := w.deliver(ctx, item); err != nil {
			if ctx.Err() != nil {
				return
			}
			item.Attempts++
			if item.Attempts >= maxDeliveryAttempts {
				w.logger.Warn("Giving up on delivery", "inbox", item.InboxURI, "attempts", item.Attempts)
				w.delete(item)
				continue
			}
			wait := backoff(item.Attempts)
			w.logger.Info("Delivery failed, will retry", "inbox", item.InboxURI, "attempt", item.Attempts, "in", wait, "err", err)
			if err := w.db.UpdateDeliveryAttempt(item.Id, item.Attempts, w.now().Add(wait)); err != nil {
				w.logger.Error("Failed to reschedule delivery", "id", item.Id, "err", err)
			}
			continue
		}
		w.logger.Info("Delivered on retry", "inbox", item.InboxURI)
		w.delete(item)
	}
}

func (w *RetryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	acc, err := w.db.ReadAccByUsername(item.Nickname)
	if err != nil {
		return fmt.Errorf("failed to get local account: %w", err)
	}
	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	return w.pool.Send(ctx, item.InboxURI, []byte(item.ActivityJSON), privateKey, w.iris.KeyID(item.Nickname))
}

func (w *RetryWorker) delete(item *domain.DeliveryQueueItem) {
	if err := w.db.DeleteDelivery(item.Id); err != nil {
		w.logger.Error("Failed to delete delivery", "id", item.Id, "err", err)
	}
}
