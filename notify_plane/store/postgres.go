package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/itskum47/fanout/notify_plane/observability"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresRegistry implements Registry using a PostgreSQL backend.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry initializes a new PostgresRegistry with a connection pool.
func NewPostgresRegistry(ctx context.Context, connString string, opts PostgresOptions) (*PostgresRegistry, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresRegistry{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresRegistry) Close() {
	s.pool.Close()
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func observePG(op string, start time.Time) {
	observability.RegistryLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
}

func (s *PostgresRegistry) Register(ctx context.Context, sub Subscriber) error {
	defer observePG("register", time.Now())

	if err := prepare(&sub); err != nil {
		return err
	}
	metadata := sub.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `
		INSERT INTO subscribers (id, registered_at, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			registered_at = EXCLUDED.registered_at,
			metadata = EXCLUDED.metadata
	`
	_, err := s.pool.Exec(ctx, query, sub.ID, sub.RegisteredAt, metadata)
	return err
}

func (s *PostgresRegistry) Unregister(ctx context.Context, id string) error {
	defer observePG("unregister", time.Now())

	if id == "" {
		return ErrInvalidSubscriber
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	return err
}

func (s *PostgresRegistry) ListAll(ctx context.Context) ([]Subscriber, error) {
	defer observePG("list", time.Now())

	rows, err := s.pool.Query(ctx, `SELECT id, registered_at, metadata FROM subscribers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ID, &sub.RegisteredAt, &sub.Metadata); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
