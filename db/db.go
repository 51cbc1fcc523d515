package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/util"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by single-row reads with no match.
var ErrNotFound = errors.New("db: not found")

const maxBusyRetries = 5

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Accounts
const (
	sqlInsertUser = `INSERT INTO accounts(id, username, password_hash, display_name, summary, is_admin, created_at, web_public_key, web_private_key)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectUserColumns    = `SELECT id, username, password_hash, display_name, summary, is_admin, created_at, web_public_key, web_private_key FROM accounts`
	sqlSelectUserById       = sqlSelectUserColumns + ` WHERE id = ?`
	sqlSelectUserByUsername = sqlSelectUserColumns + ` WHERE username = ?`
	sqlSelectAllUsers       = sqlSelectUserColumns + ` ORDER BY username`
	sqlUpdateUserProfile    = `UPDATE accounts SET display_name = ?, summary = ? WHERE username = ?`
)

// Open connects to the sqlite database at path, applies the connection
// pragmas and runs the migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warn("Failed to enable WAL mode", "err", err)
		} else {
			log.Debug("Database journal mode", "mode", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
		sqlDB.Exec("PRAGMA cache_size = -64000")
		sqlDB.Exec("PRAGMA temp_store = MEMORY")
	}
	sqlDB.Exec("PRAGMA busy_timeout = 5000")

	d := &DB{db: sqlDB}
	if err := d.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// CreateAccount stores a new local account with its signing key pair.
func (db *DB) CreateAccount(username, passwordHash string, isAdmin bool, keys *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PasswordHash:  passwordHash,
		IsAdmin:       isAdmin,
		CreatedAt:     time.Now(),
		WebPublicKey:  keys.Public,
		WebPrivateKey: keys.Private,
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser,
			acc.Id.String(),
			acc.Username,
			acc.PasswordHash,
			acc.DisplayName,
			acc.Summary,
			acc.IsAdmin,
			acc.CreatedAt.Unix(),
			acc.WebPublicKey,
			acc.WebPrivateKey,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (db *DB) UpdateProfile(username, displayName, summary string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateUserProfile, displayName, summary, username)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (db *DB) ReadAccById(id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRow(sqlSelectUserById, id.String()))
}

func (db *DB) ReadAccByUsername(username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRow(sqlSelectUserByUsername, username))
}

func (db *DB) ReadAllAccounts() ([]domain.Account, error) {
	rows, err := db.db.Query(sqlSelectAllUsers)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	var created int64
	err := row.Scan(&idStr, &acc.Username, &acc.PasswordHash, &acc.DisplayName, &acc.Summary, &acc.IsAdmin, &created, &acc.WebPublicKey, &acc.WebPrivateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.CreatedAt = time.Unix(created, 0)
	return &acc, nil
}

// wrapTransaction runs the given function within a transaction, retrying
// the whole transaction while sqlite reports the database as busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := db.runTransaction(f)
		if err == nil {
			return nil
		}
		var serr *sqlite.Error
		if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			log.Error("Error in transaction", "err", err)
		}
		return err
	}
}

func (db *DB) runTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
