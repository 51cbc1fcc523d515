package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

// Time columns hold unix seconds so range queries compare numerically.
const (
	sqlCreateUserTable = `CREATE TABLE IF NOT EXISTS accounts(
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL
	)`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		follow_uri TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		UNIQUE(account_id, actor_uri)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_account_id ON followers(account_id);
		CREATE INDEX IF NOT EXISTS idx_followers_actor_uri ON followers(actor_uri);
	`

	sqlCreateFollowingTable = `CREATE TABLE IF NOT EXISTS following (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		follow_uri TEXT NOT NULL DEFAULT '',
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(account_id, actor_uri)
	)`

	sqlCreateFollowingIndices = `
		CREATE INDEX IF NOT EXISTS idx_following_actor_uri ON following(actor_uri);
	`

	sqlCreateInboxItemsTable = `CREATE TABLE IF NOT EXISTS inbox_items (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL DEFAULT '',
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(nickname, activity_uri)
	)`

	sqlCreateInboxItemsIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_items_nickname ON inbox_items(nickname, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_inbox_items_object_uri ON inbox_items(object_uri);
	`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		id TEXT NOT NULL PRIMARY KEY,
		scope TEXT NOT NULL,
		target TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(scope, target)
	)`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	sqlCreateScheduledPostsTable = `CREATE TABLE IF NOT EXISTS scheduled_posts (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		due_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateSharesTable = `CREATE TABLE IF NOT EXISTS shares (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateUserTable},
			{"followers", sqlCreateFollowersTable},
			{"following", sqlCreateFollowingTable},
			{"inbox_items", sqlCreateInboxItemsTable},
			{"blocks", sqlCreateBlocksTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"scheduled_posts", sqlCreateScheduledPostsTable},
			{"shares", sqlCreateSharesTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateFollowersIndices,
			sqlCreateFollowingIndices,
			sqlCreateInboxItemsIndices,
			sqlCreateDeliveryQueueIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Warn("Failed to create indices", "err", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		log.Error("Error creating table", "table", tableName, "err", err)
		return err
	}
	log.Debug("Table created or already exists", "table", tableName)
	return nil
}
