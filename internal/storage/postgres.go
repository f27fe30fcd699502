package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// import db drivers
	_ "github.com/lib/pq"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type postgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to PostgreSQL, applies the embedded migrations
// and returns a Store backed by the database.
func NewPostgresStore(cfg *config.PostgresConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	password, err := cfg.ResolvePassword()
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, password, cfg.Database, cfg.SSLMode)
	store, err := openPostgres(dsn, cfg.ConnMaxLifetime.Duration, cfg.ConnMaxIdleTime.Duration, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openPostgres(dsn string, maxLifetime, maxIdleTime time.Duration, logger *slog.Logger) (*postgresStore, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	conn.SetConnMaxLifetime(maxLifetime)
	conn.SetConnMaxIdleTime(maxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("running database migrations")
	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("database migrations completed")

	return &postgresStore{db: conn}, nil
}

func runMigrations(conn *sqlx.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	dbDriver, err := postgres.WithInstance(conn.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	_, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version: %w", err)
	}
	if dirty {
		return errors.New("apply migrations: database is in dirty state, fix it with 'migrate force <version>'")
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *postgresStore) GetParameters(ctx context.Context, job string) ([]core.ParameterDefinition, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM parameter_sets WHERE job_name = $1)`, job); err != nil {
		return nil, fmt.Errorf("query parameter set: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	defs := []core.ParameterDefinition{}
	err := s.db.SelectContext(ctx, &defs, `
		SELECT name, type, default_value, description
		FROM parameter_definitions
		WHERE job_name = $1
		ORDER BY position`, job)
	if err != nil {
		return nil, fmt.Errorf("query parameter definitions: %w", err)
	}
	return defs, nil
}

func (s *postgresStore) SaveParameters(ctx context.Context, job string, defs []core.ParameterDefinition) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO parameter_sets (job_name, updated_at) VALUES ($1, NOW())
			ON CONFLICT (job_name) DO UPDATE SET updated_at = EXCLUDED.updated_at`, job); err != nil {
			return fmt.Errorf("upsert parameter set: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM parameter_definitions WHERE job_name = $1`, job); err != nil {
			return fmt.Errorf("clear parameter definitions: %w", err)
		}
		for i, def := range defs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO parameter_definitions (job_name, position, name, type, default_value, description)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				job, i, def.Name, def.Type, def.DefaultValue, def.Description); err != nil {
				return fmt.Errorf("insert parameter %s: %w", def.Name, err)
			}
		}
		return nil
	})
}

func (s *postgresStore) LoadRevisions(ctx context.Context, job string) ([]core.Revision, error) {
	var revs []core.Revision
	err := s.db.SelectContext(ctx, &revs, `
		SELECT remote, ref, hash
		FROM ref_revisions
		WHERE job_name = $1
		ORDER BY remote, ref`, job)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	return revs, nil
}

func (s *postgresStore) SaveRevisions(ctx context.Context, job string, revs []core.Revision) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ref_revisions WHERE job_name = $1`, job); err != nil {
			return fmt.Errorf("clear revisions: %w", err)
		}
		for _, rev := range revs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ref_revisions (job_name, remote, ref, hash, updated_at)
				VALUES ($1, $2, $3, $4, NOW())`,
				job, rev.Remote, rev.Ref, rev.Hash); err != nil {
				return fmt.Errorf("insert revision %s: %w", rev.Ref, err)
			}
		}
		return nil
	})
}

func (s *postgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}

// New builds the Store selected by cfg.
func New(cfg *config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		return NewPostgresStore(&cfg.Postgres, logger)
	case config.StorageMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
