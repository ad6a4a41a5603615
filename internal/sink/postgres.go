package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
)

// Worker mirrors a pool_workers row.
type Worker struct {
	ID          int64
	Name        string
	Address     string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// ShareRecord mirrors a pool_shares row.
type ShareRecord struct {
	WorkerName  string
	JobID       string
	Difficulty  float64
	ShareDiff   float64
	Outcome     string
	HeaderHash  string
	IPAddress   string
	SubmittedAt time.Time
}

// BlockRecord mirrors a pool_blocks row.
type BlockRecord struct {
	Hash       string
	Height     int64
	WorkerName string
	Difficulty float64
	FoundAt    time.Time
}

// PostgresStore is the durable share/worker/block ledger.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to Postgres, applies pending migrations from
// cfg.MigrationsPath, and returns a ready store.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := runMigrations(cfg, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("connected to postgres", zap.String("host", cfg.Host), zap.String("database", cfg.Database))

	return &PostgresStore{pool: pool, logger: logger.Named("postgres")}, nil
}

func runMigrations(cfg config.PostgresConfig, logger *zap.Logger) error {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	m, err := migrate.New(cfg.MigrationsPath, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	logger.Info("migrations applied", zap.String("path", cfg.MigrationsPath))
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, w Worker) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pool_workers (name, address, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			address = EXCLUDED.address,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
	`, w.Name, w.Address, w.FirstSeenAt, w.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateWorkerLastSeen(ctx context.Context, name string, lastSeen time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE pool_workers SET last_seen_at = $2, updated_at = NOW() WHERE name = $1`, name, lastSeen)
	if err != nil {
		return fmt.Errorf("update worker last seen: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorker(ctx context.Context, name string) (*Worker, error) {
	var w Worker
	err := p.pool.QueryRow(ctx, `SELECT id, name, address, first_seen_at, last_seen_at FROM pool_workers WHERE name = $1`, name).
		Scan(&w.ID, &w.Name, &w.Address, &w.FirstSeenAt, &w.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

// InsertShares inserts a batch of share records in one round trip.
func (p *PostgresStore) InsertShares(ctx context.Context, shares []ShareRecord) error {
	if len(shares) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range shares {
		batch.Queue(`
			INSERT INTO pool_shares (worker_name, job_id, difficulty, share_diff, outcome, header_hash, ip_address, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, s.WorkerName, s.JobID, s.Difficulty, s.ShareDiff, s.Outcome, s.HeaderHash, s.IPAddress, s.SubmittedAt)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range shares {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert share batch: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) InsertBlock(ctx context.Context, b BlockRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pool_blocks (hash, height, worker_name, difficulty, found_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING
	`, b.Hash, b.Height, b.WorkerName, b.Difficulty, b.FoundAt)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorkerShareStats(ctx context.Context, workerName string, since time.Time) (valid, invalid, stale int64, err error) {
	err = p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE outcome IN ('accepted', 'block_solve')),
			COUNT(*) FILTER (WHERE outcome NOT IN ('accepted', 'block_solve', 'stale')),
			COUNT(*) FILTER (WHERE outcome = 'stale')
		FROM pool_shares
		WHERE worker_name = $1 AND submitted_at >= $2
	`, workerName, since).Scan(&valid, &invalid, &stale)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("get share stats: %w", err)
	}
	return valid, invalid, stale, nil
}
