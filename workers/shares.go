package workers

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/db"
)

// SharesExpiryRunner removes shared items past their expiry.
type SharesExpiryRunner struct {
	db       *db.DB
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

func NewSharesExpiryRunner(database *db.DB, interval time.Duration, logger *log.Logger) *SharesExpiryRunner {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &SharesExpiryRunner{
		db:       database,
		interval: interval,
		logger:   logger.WithPrefix("shares"),
		now:      time.Now,
	}
}

func (r *SharesExpiryRunner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *SharesExpiryRunner) RunOnce() (int64, error) {
	n, err := r.db.DeleteExpiredShares(r.now())
	if err != nil {
		r.logger.Error("Failed to expire shares", "err", err)
		return 0, err
	}
	if n > 0 {
		r.logger.Info("Expired shares", "count", n)
	}
	return n, nil
}
