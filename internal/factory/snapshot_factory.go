package factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/mikey/lead-router/internal/adapters/snapshot"
	"github.com/mikey/lead-router/internal/config"
	"github.com/mikey/lead-router/internal/core"
	"go.uber.org/zap"
)

// Snapshots holds the persistence of both stores
type Snapshots struct {
	Credentials core.SnapshotStore
	Leads       core.SnapshotStore

	db *sqlx.DB
}

// Close releases the database handle, if any
func (s *Snapshots) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SnapshotFactory creates snapshot stores based on configuration
type SnapshotFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSnapshotFactory creates a new snapshot factory
func NewSnapshotFactory(cfg *config.Config, logger *zap.Logger) *SnapshotFactory {
	return &SnapshotFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSnapshots creates the credential and lead snapshot stores
func (f *SnapshotFactory) CreateSnapshots(ctx context.Context) (*Snapshots, error) {
	storageCfg := f.cfg.GetStorage()

	switch storageCfg.Type {
	case "file":
		return &Snapshots{
			Credentials: snapshot.NewFileStore(storageCfg.CredentialsPath, f.logger),
			Leads:       snapshot.NewFileStore(storageCfg.LeadsPath, f.logger),
		}, nil
	case snapshot.DialectSQLite:
		if err := os.MkdirAll(filepath.Dir(storageCfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return f.sqlSnapshots(ctx, snapshot.DialectSQLite, storageCfg.SQLitePath)
	case snapshot.DialectMySQL:
		return f.sqlSnapshots(ctx, snapshot.DialectMySQL, storageCfg.MySQLDSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageCfg.Type)
	}
}

func (f *SnapshotFactory) sqlSnapshots(ctx context.Context, dialect, dsn string) (*Snapshots, error) {
	db, err := snapshot.OpenDB(dialect, dsn)
	if err != nil {
		return nil, err
	}
	creds, err := snapshot.NewSQLStore(ctx, db, dialect, "sessions", f.logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	leads, err := snapshot.NewSQLStore(ctx, db, dialect, "leads", f.logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Snapshots{Credentials: creds, Leads: leads, db: db}, nil
}
