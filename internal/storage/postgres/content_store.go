// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arenalab/collection-core/internal/arena"
)

// uniqueViolation is the Postgres error code for unique constraint breaks.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ContentStore implements arena.ContentStore on Postgres. Uniqueness on both
// dedup axes is enforced by constraints, so the first write wins even when
// the exists-check raced.
type ContentStore struct {
	pool pgxIface
}

// NewContentStore connects a Postgres-backed content store.
func NewContentStore(ctx context.Context, cfg Config) (*ContentStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ContentStore{pool: pool}, nil
}

// NewContentStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewContentStoreWithPool(pool pgxIface) (*ContentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ContentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ExistsByHash reports whether a record with the content hash is persisted.
func (s *ContentStore) ExistsByHash(ctx context.Context, contentHash string) (bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM content_records WHERE content_hash = $1)`,
		contentHash,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check content hash: %w", err)
	}
	return exists, nil
}

// Insert persists a new record. Unique violations on either axis surface as
// ErrDuplicateRecord.
func (s *ContentStore) Insert(ctx context.Context, rec arena.ContentRecord) error {
	metadata, err := json.Marshal(rec.RawMetadata)
	if err != nil {
		return fmt.Errorf("marshal raw metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO content_records (
	platform, arena, platform_id, content_type,
	text_content, title, url, language,
	published_at, collected_at, author_hash,
	likes, shares, comments, views,
	raw_metadata, media_urls, content_hash, simhash, likely_duplicate_of
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		rec.Platform, rec.Arena, rec.PlatformID, rec.ContentType,
		rec.TextContent, rec.Title, rec.URL, rec.Language,
		rec.PublishedAt, rec.CollectedAt, rec.AuthorHash,
		rec.Engagement.Likes, rec.Engagement.Shares, rec.Engagement.Comments, rec.Engagement.Views,
		metadata, rec.MediaURLs, rec.ContentHash, int64(rec.Simhash), nullable(rec.LikelyDuplicateOf),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return arena.ErrDuplicateRecord
		}
		return fmt.Errorf("insert content record: %w", err)
	}
	return nil
}

// UpdateEngagement updates engagement in place by (platform, platform_id).
// Nil metrics keep their stored values.
func (s *ContentStore) UpdateEngagement(ctx context.Context, platform, platformID string, eng arena.Engagement, collectedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE content_records SET
	likes = COALESCE($3, likes),
	shares = COALESCE($4, shares),
	comments = COALESCE($5, comments),
	views = COALESCE($6, views),
	collected_at = $7
WHERE platform = $1 AND platform_id = $2`,
		platform, platformID,
		eng.Likes, eng.Shares, eng.Comments, eng.Views,
		collectedAt,
	)
	if err != nil {
		return fmt.Errorf("update engagement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return arena.ErrRecordNotFound
	}
	return nil
}

// FindNearHashes returns up to limit recent fingerprints for the platform.
func (s *ContentStore) FindNearHashes(ctx context.Context, platform string, limit int) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT content_hash, simhash FROM content_records
WHERE platform = $1 AND simhash <> 0
ORDER BY collected_at DESC
LIMIT $2`,
		platform, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query near hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			hash string
			sim  int64
		)
		if err := rows.Scan(&hash, &sim); err != nil {
			return nil, fmt.Errorf("scan near hash: %w", err)
		}
		out[hash] = uint64(sim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate near hashes: %w", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
