// Package sqlitejournal stores the cache journal in a SQLite database.
//
// Records live in one table ordered by an autoincrement sequence, so replay order is
// append order. Compaction rewrites the table in a single transaction.
package sqlitejournal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/journal"
	_ "modernc.org/sqlite"
)

// FileName is the database file created in the working directory.
const FileName = "disklru.db"

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	journal.Register("sqlite", func(cfg journal.Config) (journal.Journal, error) {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		return Open(filepath.Join(cfg.Dir, FileName), !cfg.NoSync)
	})
}

// DB is a journal.Journal backed by SQLite.
type DB struct {
	db *sql.DB
}

// Open opens the database at path and applies pending migrations. With durable set,
// every commit is fsynced (synchronous=FULL).
func Open(path string, durable bool) (*DB, error) {
	synchronous := "NORMAL"
	if durable {
		synchronous = "FULL"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(%s)", path, synchronous)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		errutil.LogMsg(db.Close(), "Failed to close database after ping failure")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		errutil.LogMsg(db.Close(), "Failed to close database after migration failure")
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close db as well; only the source needs releasing.
	defer func() { errutil.LogMsg(src.Close(), "Failed to close migration source") }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Replay streams the records in sequence order. Rows with an unknown op are skipped.
func (d *DB) Replay(fn func(journal.Record)) error {
	rows, err := d.db.Query("SELECT op, key, file_id, size FROM records ORDER BY seq")
	if err != nil {
		return fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { errutil.LogMsg(rows.Close(), "Failed to close record rows") }()

	// Collect first: fn may not run while the single connection is busy with rows.
	var records []journal.Record
	for rows.Next() {
		var (
			op, key string
			fileID  sql.NullString
			size    sql.NullInt64
		)
		if err := rows.Scan(&op, &key, &fileID, &size); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		switch op {
		case journal.OpPut.String():
			if !fileID.Valid || journal.ValidateFileID(fileID.String) != nil || !size.Valid || size.Int64 < 0 {
				continue
			}
			records = append(records, journal.Put(key, fileID.String, size.Int64))
		case journal.OpRemove.String():
			records = append(records, journal.Remove(key))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate records: %w", err)
	}

	for _, rec := range records {
		fn(rec)
	}
	return nil
}

// Compact replaces the table contents in one transaction.
func (d *DB) Compact(records []journal.Record) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM records"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO records (op, key, file_id, size) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		if rec.Op != journal.OpPut {
			return fmt.Errorf("compaction only takes PUT records, got %v for %q", rec.Op, rec.Key)
		}
		if err := journal.ValidateKey(rec.Key); err != nil {
			return err
		}
		if err := journal.ValidateFileID(rec.FileID); err != nil {
			return err
		}
		if _, err := stmt.Exec(rec.Op.String(), rec.Key, rec.FileID, rec.Size); err != nil {
			return fmt.Errorf("failed to insert %s: %w", rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Append inserts one record.
func (d *DB) Append(rec journal.Record) error {
	if err := journal.ValidateKey(rec.Key); err != nil {
		return err
	}

	var err error
	switch rec.Op {
	case journal.OpPut:
		if err := journal.ValidateFileID(rec.FileID); err != nil {
			return err
		}
		_, err = d.db.Exec("INSERT INTO records (op, key, file_id, size) VALUES (?, ?, ?, ?)",
			rec.Op.String(), rec.Key, rec.FileID, rec.Size)
	case journal.OpRemove:
		_, err = d.db.Exec("INSERT INTO records (op, key) VALUES (?, ?)", rec.Op.String(), rec.Key)
	default:
		return fmt.Errorf("unknown op %v", rec.Op)
	}
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
