// Package postgres provides a Postgres-backed archive.Store.
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
	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

const foreignKeyViolation = "23503"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store persists posts and links in Postgres.
type Store struct {
	pool   pool
	logger *zap.Logger
	now    func() time.Time
}

var _ archive.Store = (*Store)(nil)

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, logger: logger, now: time.Now}, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// UpsertPost inserts the post unless the id already exists.
func (s *Store) UpsertPost(ctx context.Context, post archive.Post) (int64, bool, error) {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return 0, false, fmt.Errorf("marshal tags: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO posts (id, creator, title, tags, like_count, post_type)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`,
		post.ID, post.Creator, post.Title, string(raw), post.LikeCount, string(post.Type))
	if err != nil {
		return 0, false, &archive.StoreError{Op: "upsert post", Err: err}
	}
	return post.ID, tag.RowsAffected() > 0, nil
}

// UpsertLink inserts a pending link unless its url already exists.
func (s *Store) UpsertLink(ctx context.Context, link archive.Link) (int64, bool, error) {
	if err := link.Validate(); err != nil {
		return 0, false, err
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO post_links (url, content_type, source, post_id, position, status, file_path_pattern)
VALUES ($1, $2, $3, $4, $5, 'pending', $6)
ON CONFLICT (url) DO NOTHING
RETURNING id`,
		link.URL, string(link.ContentType), string(link.Source), link.PostID, link.Position,
		link.FilePathPattern).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		if err := s.pool.QueryRow(ctx, `SELECT id FROM post_links WHERE url = $1`, link.URL).Scan(&id); err != nil {
			return 0, false, &archive.StoreError{Op: "upsert link", Err: err}
		}
		return id, false, nil
	case isForeignKeyViolation(err):
		return 0, false, fmt.Errorf("link %s: post %d: %w", link.URL, link.PostID, archive.ErrMissingPost)
	default:
		return 0, false, &archive.StoreError{Op: "upsert link", Err: err}
	}
}

// FetchPendingLinks returns pending links with their posts, oldest first.
func (s *Store) FetchPendingLinks(ctx context.Context, limit int) ([]archive.Task, error) {
	query := `SELECT ` + linkColumns + `, ` + postColumns + `
FROM post_links l
JOIN posts p ON p.id = l.post_id
WHERE l.status = 'pending'
ORDER BY l.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &archive.StoreError{Op: "fetch pending", Err: err}
	}
	defer rows.Close()

	var tasks []archive.Task
	for rows.Next() {
		link, post, err := scanJoined(rows)
		if err != nil {
			return nil, &archive.StoreError{Op: "fetch pending", Err: err}
		}
		tasks = append(tasks, archive.Task{Link: link, Post: post})
	}
	if err := rows.Err(); err != nil {
		return nil, &archive.StoreError{Op: "fetch pending", Err: err}
	}
	return tasks, nil
}

// MarkDownloading claims a pending link for runID.
func (s *Store) MarkDownloading(ctx context.Context, linkID int64, runID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE post_links
SET status = 'downloading', claimed_by = $1, claimed_at = $2, attempts = attempts + 1
WHERE id = $3 AND status = 'pending'`,
		runID, s.now().UTC(), linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark downloading", Err: err}
	}
	return s.checkTransition(ctx, tag, linkID, archive.ErrNotClaimable)
}

// MarkSuccess records the file written for a claimed link.
func (s *Store) MarkSuccess(ctx context.Context, linkID int64, filePath string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE post_links
SET status = 'success', file_path = $1, error = NULL, claimed_by = NULL, claimed_at = NULL
WHERE id = $2 AND status = 'downloading'`,
		filePath, linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark success", Err: err}
	}
	return s.checkTransition(ctx, tag, linkID, archive.ErrInvalidTransition)
}

// MarkError records why a claimed link failed.
func (s *Store) MarkError(ctx context.Context, linkID int64, errText string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE post_links
SET status = 'error', error = $1, file_path = NULL, claimed_by = NULL, claimed_at = NULL
WHERE id = $2 AND status = 'downloading'`,
		errText, linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark error", Err: err}
	}
	return s.checkTransition(ctx, tag, linkID, archive.ErrInvalidTransition)
}

// RequeueErrors moves failed links back to pending.
func (s *Store) RequeueErrors(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "requeue errors", `UPDATE post_links SET status = 'pending' WHERE status = 'error'`)
}

// ResetStale releases claims not owned by runID that were taken at or before claimedBefore.
func (s *Store) ResetStale(ctx context.Context, runID string, claimedBefore time.Time) (int64, error) {
	return s.execCount(ctx, "reset stale", `
UPDATE post_links
SET status = 'pending', claimed_by = NULL, claimed_at = NULL
WHERE status = 'downloading'
  AND (claimed_by IS NULL OR claimed_by <> $1)
  AND (claimed_at IS NULL OR claimed_at <= $2)`,
		runID, claimedBefore.UTC())
}

// ResetAll returns every link to pending.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "reset all", `
UPDATE post_links
SET status = 'pending', error = NULL, file_path = NULL,
    claimed_by = NULL, claimed_at = NULL, attempts = 0`)
}

// UpdatePath records a renamed file for a downloaded link.
func (s *Store) UpdatePath(ctx context.Context, linkID int64, filePath string, pattern string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE post_links SET file_path = $1, file_path_pattern = $2
WHERE id = $3 AND status = 'success'`,
		filePath, pattern, linkID)
	if err != nil {
		return &archive.StoreError{Op: "update path", Err: err}
	}
	return s.checkTransition(ctx, tag, linkID, archive.ErrInvalidTransition)
}

// GetPost loads one post with its links.
func (s *Store) GetPost(ctx context.Context, id int64) (archive.PostWithLinks, error) {
	post, err := scanPost(s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.PostWithLinks{}, fmt.Errorf("post %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+linkColumns+` FROM post_links l WHERE l.post_id = $1 ORDER BY l.position, l.id`, id)
	if err != nil {
		return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
	}
	defer rows.Close()

	out := archive.PostWithLinks{Post: post}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
		}
		out.Links = append(out.Links, link)
	}
	if err := rows.Err(); err != nil {
		return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
	}
	return out, nil
}

// ListPosts returns every post that owns at least one link.
func (s *Store) ListPosts(ctx context.Context) ([]archive.PostWithLinks, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+linkColumns+`, `+postColumns+`
FROM post_links l
JOIN posts p ON p.id = l.post_id
ORDER BY p.id, l.position, l.id`)
	if err != nil {
		return nil, &archive.StoreError{Op: "list posts", Err: err}
	}
	defer rows.Close()

	var out []archive.PostWithLinks
	for rows.Next() {
		link, post, err := scanJoined(rows)
		if err != nil {
			return nil, &archive.StoreError{Op: "list posts", Err: err}
		}
		if n := len(out); n == 0 || out[n-1].Post.ID != post.ID {
			out = append(out, archive.PostWithLinks{Post: post})
		}
		out[len(out)-1].Links = append(out[len(out)-1].Links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, &archive.StoreError{Op: "list posts", Err: err}
	}
	return out, nil
}

// Summary counts posts and links per status.
func (s *Store) Summary(ctx context.Context) (archive.StatusCounts, error) {
	var counts archive.StatusCounts
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts`).Scan(&counts.Posts); err != nil {
		return counts, &archive.StoreError{Op: "summary", Err: err}
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM post_links GROUP BY status`)
	if err != nil {
		return counts, &archive.StoreError{Op: "summary", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			raw string
			n   int64
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return counts, &archive.StoreError{Op: "summary", Err: err}
		}
		status, err := archive.ParseLinkStatus(raw)
		if err != nil {
			s.logger.Warn("unknown link status in database", zap.String("status", raw))
			continue
		}
		switch status {
		case archive.StatusPending:
			counts.Pending += n
		case archive.StatusDownloading:
			counts.Downloading += n
		case archive.StatusSuccess:
			counts.Success += n
		case archive.StatusError:
			counts.Error += n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, &archive.StoreError{Op: "summary", Err: err}
	}
	return counts, nil
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, &archive.StoreError{Op: op, Err: err}
	}
	return tag.RowsAffected(), nil
}

func (s *Store) checkTransition(ctx context.Context, tag pgconn.CommandTag, linkID int64, sentinel error) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM post_links WHERE id = $1`, linkID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("link %d: %w", linkID, archive.ErrNotFound)
	}
	if err != nil {
		return &archive.StoreError{Op: "load status", Err: err}
	}
	return fmt.Errorf("link %d is %s: %w", linkID, status, sentinel)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
