package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/herald/domain"
	"github.com/google/uuid"
)

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, nickname, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, nickname, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC, rowid ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries         = `SELECT COUNT(*) FROM delivery_queue`
)

// Scheduled posts
const (
	sqlInsertScheduledPost = `INSERT INTO scheduled_posts(id, nickname, activity_json, due_at, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectDuePosts      = `SELECT id, nickname, activity_json, due_at, created_at FROM scheduled_posts WHERE due_at <= ? ORDER BY due_at ASC, rowid ASC LIMIT ?`
	sqlDeleteScheduledPost = `DELETE FROM scheduled_posts WHERE id = ?`
)

// Shares
const (
	sqlInsertShare            = `INSERT INTO shares(id, nickname, name, description, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectSharesByNickname = `SELECT id, nickname, name, description, expires_at, created_at FROM shares WHERE nickname = ? ORDER BY created_at`
	sqlDeleteExpiredShares    = `DELETE FROM shares WHERE expires_at > 0 AND expires_at <= ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.Nickname,
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt.Unix(),
			item.CreatedAt.Unix(),
		)
		return err
	})
}

// ReadPendingDeliveries returns up to limit items due at now, oldest first.
func (db *DB) ReadPendingDeliveries(now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		var next, created int64
		if err := rows.Scan(&idStr, &item.Nickname, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &next, &created); err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.NextRetryAt = time.Unix(next, 0)
		item.CreatedAt = time.Unix(created, 0)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry.Unix(), id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

func (db *DB) CountDeliveries() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountDeliveries).Scan(&n)
	return n, err
}

func (db *DB) CreateScheduledPost(post *domain.ScheduledPost) error {
	if post.Id == uuid.Nil {
		post.Id = uuid.New()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertScheduledPost,
			post.Id.String(),
			post.Nickname,
			post.ActivityJSON,
			post.DueAt.Unix(),
			post.CreatedAt.Unix(),
		)
		return err
	})
}

func (db *DB) ReadDueScheduledPosts(now time.Time, limit int) ([]domain.ScheduledPost, error) {
	rows, err := db.db.Query(sqlSelectDuePosts, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.ScheduledPost
	for rows.Next() {
		var p domain.ScheduledPost
		var idStr string
		var due, created int64
		if err := rows.Scan(&idStr, &p.Nickname, &p.ActivityJSON, &due, &created); err != nil {
			return posts, err
		}
		p.Id, _ = uuid.Parse(idStr)
		p.DueAt = time.Unix(due, 0)
		p.CreatedAt = time.Unix(created, 0)
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (db *DB) DeleteScheduledPost(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteScheduledPost, id.String())
		return err
	})
}

func (db *DB) CreateShare(share *domain.Share) error {
	if share.Id == uuid.Nil {
		share.Id = uuid.New()
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now()
	}
	var expires int64
	if !share.ExpiresAt.IsZero() {
		expires = share.ExpiresAt.Unix()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertShare,
			share.Id.String(),
			share.Nickname,
			share.Name,
			share.Description,
			expires,
			share.CreatedAt.Unix(),
		)
		return err
	})
}

func (db *DB) ReadSharesByNickname(nickname string) ([]domain.Share, error) {
	rows, err := db.db.Query(sqlSelectSharesByNickname, nickname)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []domain.Share
	for rows.Next() {
		var s domain.Share
		var idStr string
		var expires, created int64
		if err := rows.Scan(&idStr, &s.Nickname, &s.Name, &s.Description, &expires, &created); err != nil {
			return shares, err
		}
		s.Id, _ = uuid.Parse(idStr)
		if expires > 0 {
			s.ExpiresAt = time.Unix(expires, 0)
		}
		s.CreatedAt = time.Unix(created, 0)
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// DeleteExpiredShares removes shares whose expiry is at or before now.
func (db *DB) DeleteExpiredShares(now time.Time) (int64, error) {
	return db.deleteCount(sqlDeleteExpiredShares, now.Unix())
}
