package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Dialects understood by OpenDB
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type record struct {
	Key       string    `db:"record_key"`
	Payload   string    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

// OpenDB opens and pings a SQLite file or a MySQL DSN
func OpenDB(dialect, dsn string) (*sqlx.DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
	case DialectMySQL:
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported snapshot dialect: %s", dialect)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLStore keeps a snapshot as the rows of one table. Save replaces every
// row inside a transaction.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	table   string
	logger  *zap.Logger
}

// NewSQLStore creates the table if needed and returns a store over it
func NewSQLStore(ctx context.Context, db *sqlx.DB, dialect, table string, logger *zap.Logger) (*SQLStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid snapshot table name: %q", table)
	}

	var schema string
	switch dialect {
	case DialectSQLite:
		schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
			record_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`
	case DialectMySQL:
		schema = `CREATE TABLE IF NOT EXISTS ` + table + ` (
			record_key VARCHAR(255) PRIMARY KEY,
			payload LONGTEXT NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL
		)`
	default:
		return nil, fmt.Errorf("unsupported snapshot dialect: %s", dialect)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	return &SQLStore{db: db, dialect: dialect, table: table, logger: logger}, nil
}

// Load reads every row of the table
func (s *SQLStore) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	var rows []record
	if err := s.db.SelectContext(ctx, &rows, `SELECT record_key, payload FROM `+s.table); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}

	records := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		records[r.Key] = json.RawMessage(r.Payload)
	}
	return records, nil
}

// Save replaces the table contents with records
func (s *SQLStore) Save(ctx context.Context, records map[string]json.RawMessage) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("Failed to roll back snapshot", zap.String("table", s.table), zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM `+s.table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.table, err)
	}

	if len(records) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx,
			`INSERT INTO `+s.table+` (record_key, payload, updated_at) VALUES (:record_key, :payload, :updated_at)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for key, payload := range records {
			if _, err := stmt.ExecContext(ctx, record{Key: key, Payload: string(payload), UpdatedAt: now}); err != nil {
				return fmt.Errorf("failed to insert %s record: %w", s.table, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	s.logger.Debug("Snapshot saved", zap.String("table", s.table), zap.Int("records", len(records)))
	return nil
}
