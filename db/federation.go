package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/herald/domain"
	"github.com/google/uuid"
)

// Followers
const (
	sqlUpsertFollower = `INSERT INTO followers(id, account_id, actor_uri, inbox_uri, shared_inbox_uri, follow_uri, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, actor_uri) DO UPDATE SET
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			follow_uri = excluded.follow_uri,
			last_seen = excluded.last_seen`
	sqlDeleteFollower             = `DELETE FROM followers WHERE account_id = ? AND actor_uri = ?`
	sqlDeleteFollowerEverywhere   = `DELETE FROM followers WHERE actor_uri = ?`
	sqlSelectFollowersByAccountId = `SELECT id, account_id, actor_uri, inbox_uri, shared_inbox_uri, follow_uri, created_at, last_seen
		FROM followers WHERE account_id = ? ORDER BY created_at`
	sqlCountFollowers = `SELECT COUNT(*) FROM followers WHERE account_id = ?`
	sqlTouchFollower  = `UPDATE followers SET last_seen = ? WHERE actor_uri = ?`
)

// Following
const (
	sqlUpsertFollowing = `INSERT INTO following(id, account_id, actor_uri, follow_uri, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, actor_uri) DO UPDATE SET follow_uri = excluded.follow_uri`
	sqlAcceptFollowing         = `UPDATE following SET accepted = 1 WHERE account_id = ? AND actor_uri = ?`
	sqlDeleteFollowing         = `DELETE FROM following WHERE account_id = ? AND actor_uri = ?`
	sqlSelectFollowingByID     = `SELECT id, account_id, actor_uri, follow_uri, accepted, created_at FROM following WHERE account_id = ? AND actor_uri = ?`
	sqlSelectAccountsFollowing = `SELECT a.id, a.username, a.password_hash, a.display_name, a.summary, a.is_admin, a.created_at, a.web_public_key, a.web_private_key
		FROM accounts a INNER JOIN following f ON f.account_id = a.id
		WHERE f.actor_uri = ? AND f.accepted = 1
		ORDER BY a.username`
)

// Inbox items
const (
	sqlInsertInboxItem = `INSERT OR IGNORE INTO inbox_items(id, nickname, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlDeleteInboxItemsByActivity = `DELETE FROM inbox_items WHERE activity_uri = ? AND actor_uri = ?`
	sqlDeleteInboxItemsByObject   = `DELETE FROM inbox_items WHERE object_uri = ? AND actor_uri = ?`
	sqlSelectInboxItems           = `SELECT id, nickname, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at
		FROM inbox_items WHERE nickname = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`
)

// Blocks
const (
	sqlInsertBlock  = `INSERT OR IGNORE INTO blocks(id, scope, target, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteBlock  = `DELETE FROM blocks WHERE scope = ? AND target = ?`
	sqlSelectBlocks = `SELECT id, scope, target, created_at FROM blocks`
)

// AddFollower stores f, refreshing the inbox and follow URI if the actor
// already follows the account.
func (db *DB) AddFollower(f *domain.Follower) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.LastSeen.IsZero() {
		f.LastSeen = now
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower,
			f.Id.String(),
			f.AccountId.String(),
			f.ActorURI,
			f.InboxURI,
			f.SharedInboxURI,
			f.FollowURI,
			f.CreatedAt.Unix(),
			f.LastSeen.Unix(),
		)
		return err
	})
}

func (db *DB) RemoveFollower(accountId uuid.UUID, actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, accountId.String(), actorURI)
		return err
	})
}

// RemoveFollowerEverywhere drops actorURI from every local follower list.
func (db *DB) RemoveFollowerEverywhere(actorURI string) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeleteFollowerEverywhere, actorURI)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (db *DB) ReadFollowersByAccountId(accountId uuid.UUID) ([]domain.Follower, error) {
	rows, err := db.db.Query(sqlSelectFollowersByAccountId, accountId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var idStr, accountIdStr string
		var created, seen int64
		if err := rows.Scan(&idStr, &accountIdStr, &f.ActorURI, &f.InboxURI, &f.SharedInboxURI, &f.FollowURI, &created, &seen); err != nil {
			return followers, err
		}
		f.Id, _ = uuid.Parse(idStr)
		f.AccountId, _ = uuid.Parse(accountIdStr)
		f.CreatedAt = time.Unix(created, 0)
		f.LastSeen = time.Unix(seen, 0)
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

func (db *DB) CountFollowers(accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowers, accountId.String()).Scan(&n)
	return n, err
}

// TouchFollower records activity from actorURI for dormancy tracking.
func (db *DB) TouchFollower(actorURI string, seen time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchFollower, seen.Unix(), actorURI)
		return err
	})
}

func (db *DB) CreateFollowing(f *domain.Following) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollowing,
			f.Id.String(),
			f.AccountId.String(),
			f.ActorURI,
			f.FollowURI,
			f.Accepted,
			f.CreatedAt.Unix(),
		)
		return err
	})
}

func (db *DB) AcceptFollowing(accountId uuid.UUID, actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollowing, accountId.String(), actorURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) DeleteFollowing(accountId uuid.UUID, actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowing, accountId.String(), actorURI)
		return err
	})
}

func (db *DB) ReadFollowing(accountId uuid.UUID, actorURI string) (*domain.Following, error) {
	var f domain.Following
	var idStr, accountIdStr string
	var created int64
	err := db.db.QueryRow(sqlSelectFollowingByID, accountId.String(), actorURI).
		Scan(&idStr, &accountIdStr, &f.ActorURI, &f.FollowURI, &f.Accepted, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(idStr)
	f.AccountId, _ = uuid.Parse(accountIdStr)
	f.CreatedAt = time.Unix(created, 0)
	return &f, nil
}

// ReadAccountsFollowing returns the local accounts with an accepted follow
// of actorURI.
func (db *DB) ReadAccountsFollowing(actorURI string) ([]domain.Account, error) {
	rows, err := db.db.Query(sqlSelectAccountsFollowing, actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// CreateInboxItem stores item unless the nickname already has an item with
// the same activity URI. It reports whether a row was written.
func (db *DB) CreateInboxItem(item *domain.InboxItem) (bool, error) {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	var created bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertInboxItem,
			item.Id.String(),
			item.Nickname,
			item.ActivityURI,
			item.ActivityType,
			item.ActorURI,
			item.ObjectURI,
			item.RawJSON,
			item.CreatedAt.Unix(),
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

// DeleteInboxItemsByActivityURI removes the items actor delivered as the
// activity uri. Items from other actors are left alone.
func (db *DB) DeleteInboxItemsByActivityURI(uri, actor string) (int64, error) {
	return db.deleteCount(sqlDeleteInboxItemsByActivity, uri, actor)
}

// DeleteInboxItemsByObjectURI removes the items by actor that reference the
// object uri.
func (db *DB) DeleteInboxItemsByObjectURI(uri, actor string) (int64, error) {
	return db.deleteCount(sqlDeleteInboxItemsByObject, uri, actor)
}

func (db *DB) ReadInboxItems(nickname string, limit int) ([]domain.InboxItem, error) {
	rows, err := db.db.Query(sqlSelectInboxItems, nickname, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.InboxItem
	for rows.Next() {
		var item domain.InboxItem
		var idStr string
		var created int64
		if err := rows.Scan(&idStr, &item.Nickname, &item.ActivityURI, &item.ActivityType, &item.ActorURI, &item.ObjectURI, &item.RawJSON, &created); err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		item.CreatedAt = time.Unix(created, 0)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReadBlocks returns every stored block entry.
func (db *DB) ReadBlocks() ([]domain.Block, error) {
	rows, err := db.db.Query(sqlSelectBlocks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []domain.Block
	for rows.Next() {
		var b domain.Block
		var idStr string
		var created int64
		if err := rows.Scan(&idStr, &b.Scope, &b.Target, &created); err != nil {
			return blocks, err
		}
		b.Id, _ = uuid.Parse(idStr)
		b.CreatedAt = time.Unix(created, 0)
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CreateBlock is idempotent: an existing (scope, target) pair is kept.
func (db *DB) CreateBlock(scope, target string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertBlock, uuid.New().String(), scope, target, time.Now().Unix())
		return err
	})
}

func (db *DB) DeleteBlock(scope, target string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteBlock, scope, target)
		return err
	})
}

func (db *DB) deleteCount(query string, args ...any) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
