package registry

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/delvd/delv/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the durable RunStore. The full run record lives in a
// JSONB column; id, status, and timestamps are mirrored into indexed
// columns for filtering and claiming.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens the database, applies pending migrations, and
// returns a ready store. url is a pgx-compatible DSN or connection URL.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *PostgresStore) DB() *stdsql.DB {
	return s.db
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "delv", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed over via postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, run *models.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, created_at, updated_at, topic, user_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Status), run.CreatedAt, run.UpdatedAt, run.Topic, run.UserID, data)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return decodeRun(data)
}

func (s *PostgresStore) Update(ctx context.Context, run *models.Run) error {
	cp := run.Clone()
	cp.UpdatedAt = time.Now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, updated_at = $3, data = $4 WHERE id = $1`,
		cp.ID, string(cp.Status), cp.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	query := `SELECT data FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimNextQueued uses SKIP LOCKED so concurrent workers never grab the
// same run.
func (s *PostgresStore) ClaimNextQueued(ctx context.Context) (*models.Run, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs SET status = $1, updated_at = now(),
		        data = jsonb_set(data, '{status}', to_jsonb($1::text))
		 WHERE id = (
		     SELECT id FROM runs WHERE status = $2
		     ORDER BY created_at ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING data`,
		string(models.RunStatusRunning), string(models.RunStatusQueued)).Scan(&data)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNoQueuedRuns
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return decodeRun(data)
}

func (s *PostgresStore) FailOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, updated_at = now(),
		        data = jsonb_set(jsonb_set(data, '{status}', to_jsonb($1::text)),
		                         '{error}', to_jsonb($2::text))
		 WHERE status = $3 AND updated_at < $4`,
		string(models.RunStatusFailed),
		"orphaned: no progress before worker restart",
		string(models.RunStatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func decodeRun(data []byte) (*models.Run, error) {
	var run models.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}
