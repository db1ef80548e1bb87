// Package sqlite implements archive.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// Config controls the SQLite database location.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
	// BusyTimeout bounds how long a statement waits on a locked database.
	BusyTimeout time.Duration
}

// Store persists posts and links in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ archive.Store = (*Store)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes transactions and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, err
	}

	logger.Debug("sqlite store ready", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Backup writes a consistent copy of the database to dest. dest must not exist.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("backup destination is required")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return &archive.StoreError{Op: "backup", Err: err}
	}
	return nil
}

// UpsertPost inserts the post unless a row with the same id already exists.
func (s *Store) UpsertPost(ctx context.Context, post archive.Post) (int64, bool, error) {
	tags, err := encodeTags(post.Tags)
	if err != nil {
		return 0, false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO posts (id, creator, title, tags, like_count, post_type)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		post.ID, post.Creator, post.Title, tags, post.LikeCount, string(post.Type))
	if err != nil {
		return 0, false, &archive.StoreError{Op: "upsert post", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, &archive.StoreError{Op: "upsert post", Err: err}
	}
	return post.ID, n > 0, nil
}

// UpsertLink inserts a pending link unless its url is already recorded.
func (s *Store) UpsertLink(ctx context.Context, link archive.Link) (int64, bool, error) {
	if err := link.Validate(); err != nil {
		return 0, false, err
	}

	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, "upsert link", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, link.PostID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("link %s: post %d: %w", link.URL, link.PostID, archive.ErrMissingPost)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO post_links (url, content_type, source, post_id, position, status, file_path_pattern)
VALUES (?, ?, ?, ?, ?, 'pending', ?)
ON CONFLICT(url) DO NOTHING`,
			link.URL, string(link.ContentType), string(link.Source), link.PostID, link.Position,
			link.FilePathPattern)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			created = true
			id, err = res.LastInsertId()
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM post_links WHERE url = ?`, link.URL).Scan(&id)
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// FetchPendingLinks returns pending links with their posts, oldest first.
func (s *Store) FetchPendingLinks(ctx context.Context, limit int) ([]archive.Task, error) {
	query := `
SELECT ` + linkColumns + `, ` + postColumns + `
FROM post_links l
JOIN posts p ON p.id = l.post_id
WHERE l.status = 'pending'
ORDER BY l.id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &archive.StoreError{Op: "fetch pending", Err: err}
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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
	res, err := s.db.ExecContext(ctx, `
UPDATE post_links
SET status = 'downloading', claimed_by = ?, claimed_at = ?, attempts = attempts + 1
WHERE id = ? AND status = 'pending'`,
		runID, s.now().UnixMilli(), linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark downloading", Err: err}
	}
	return s.checkTransition(ctx, res, linkID, archive.ErrNotClaimable)
}

// MarkSuccess records the file written for a claimed link.
func (s *Store) MarkSuccess(ctx context.Context, linkID int64, filePath string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE post_links
SET status = 'success', file_path = ?, error = NULL, claimed_by = NULL, claimed_at = NULL
WHERE id = ? AND status = 'downloading'`,
		filePath, linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark success", Err: err}
	}
	return s.checkTransition(ctx, res, linkID, archive.ErrInvalidTransition)
}

// MarkError records why a claimed link failed.
func (s *Store) MarkError(ctx context.Context, linkID int64, errText string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE post_links
SET status = 'error', error = ?, file_path = NULL, claimed_by = NULL, claimed_at = NULL
WHERE id = ? AND status = 'downloading'`,
		errText, linkID)
	if err != nil {
		return &archive.StoreError{Op: "mark error", Err: err}
	}
	return s.checkTransition(ctx, res, linkID, archive.ErrInvalidTransition)
}

// RequeueErrors moves every failed link back to pending.
func (s *Store) RequeueErrors(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "requeue errors",
		`UPDATE post_links SET status = 'pending' WHERE status = 'error'`)
}

// ResetStale releases downloading claims that runID does not own and that
// were taken before claimedBefore.
func (s *Store) ResetStale(ctx context.Context, runID string, claimedBefore time.Time) (int64, error) {
	return s.execCount(ctx, "reset stale", `
UPDATE post_links
SET status = 'pending', claimed_by = NULL, claimed_at = NULL
WHERE status = 'downloading'
  AND (claimed_by IS NULL OR claimed_by <> ?)
  AND (claimed_at IS NULL OR claimed_at <= ?)`,
		runID, claimedBefore.UnixMilli())
}

// ResetAll returns every link to pending and forgets download results.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	return s.execCount(ctx, "reset all", `
UPDATE post_links
SET status = 'pending', error = NULL, file_path = NULL,
    claimed_by = NULL, claimed_at = NULL, attempts = 0`)
}

// UpdatePath records a renamed file location for a downloaded link.
func (s *Store) UpdatePath(ctx context.Context, linkID int64, filePath string, pattern string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE post_links SET file_path = ?, file_path_pattern = ?
WHERE id = ? AND status = 'success'`,
		filePath, pattern, linkID)
	if err != nil {
		return &archive.StoreError{Op: "update path", Err: err}
	}
	return s.checkTransition(ctx, res, linkID, archive.ErrInvalidTransition)
}

// GetPost loads one post with its links.
func (s *Store) GetPost(ctx context.Context, id int64) (archive.PostWithLinks, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts p WHERE p.id = ?`, id)
	post, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.PostWithLinks{}, fmt.Errorf("post %d: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM post_links l WHERE l.post_id = ? ORDER BY l.position, l.id`, id)
	if err != nil {
		return archive.PostWithLinks{}, &archive.StoreError{Op: "get post", Err: err}
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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

// ListPosts returns every post that owns at least one link, ordered by id.
func (s *Store) ListPosts(ctx context.Context) ([]archive.PostWithLinks, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+linkColumns+`, `+postColumns+`
FROM post_links l
JOIN posts p ON p.id = l.post_id
ORDER BY p.id, l.position, l.id`)
	if err != nil {
		return nil, &archive.StoreError{Op: "list posts", Err: err}
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []archive.PostWithLinks
	for rows.Next() {
		link, post, err := scanJoined(rows)
		if err != nil {
			return nil, &archive.StoreError{Op: "list posts", Err: err}
		}
		if n := len(out); n == 0 || out[n-1].Post.ID != post.ID {
			out = append(out, archive.PostWithLinks{Post: post})
		}
		last := &out[len(out)-1]
		last.Links = append(last.Links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, &archive.StoreError{Op: "list posts", Err: err}
	}
	return out, nil
}

// Summary counts posts and links per status.
func (s *Store) Summary(ctx context.Context) (archive.StatusCounts, error) {
	var counts archive.StatusCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&counts.Posts); err != nil {
		return counts, &archive.StoreError{Op: "summary", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM post_links GROUP BY status`)
	if err != nil {
		return counts, &archive.StoreError{Op: "summary", Err: err}
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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
			s.logger.Warn("unknown link status in database", zap.String("status", raw), zap.Int64("count", n))
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

func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &archive.StoreError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // original error wins
		if errors.Is(err, archive.ErrMissingPost) {
			return err
		}
		return &archive.StoreError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &archive.StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *Store) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &archive.StoreError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &archive.StoreError{Op: op, Err: err}
	}
	return n, nil
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// the supplied sentinel.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, linkID int64, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &archive.StoreError{Op: "rows affected", Err: err}
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM post_links WHERE id = ?`, linkID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("link %d: %w", linkID, archive.ErrNotFound)
	}
	if err != nil {
		return &archive.StoreError{Op: "load status", Err: err}
	}
	return fmt.Errorf("link %d is %s: %w", linkID, status, sentinel)
}

const linkColumns = `l.id, l.url, l.content_type, l.source, l.post_id, l.position, l.status,
l.error, l.file_path, l.file_path_pattern, l.claimed_by, l.claimed_at, l.attempts`

const postColumns = `p.id, p.creator, p.title, p.tags, p.like_count, p.post_type`

type scanner interface {
	Scan(dest ...any) error
}

type linkRow struct {
	id          int64
	url         string
	contentType string
	source      string
	postID      int64
	position    int
	status      string
	errText     sql.NullString
	filePath    sql.NullString
	pattern     sql.NullString
	claimedBy   sql.NullString
	claimedAt   sql.NullInt64
	attempts    int
}

func (r *linkRow) dest() []any {
	return []any{&r.id, &r.url, &r.contentType, &r.source, &r.postID, &r.position, &r.status,
		&r.errText, &r.filePath, &r.pattern, &r.claimedBy, &r.claimedAt, &r.attempts}
}

func (r *linkRow) toLink() (archive.Link, error) {
	status, err := archive.ParseLinkStatus(r.status)
	if err != nil {
		return archive.Link{}, err
	}
	contentType, err := archive.ParseContentType(r.contentType)
	if err != nil {
		contentType = archive.ContentType(r.contentType)
	}
	source, err := archive.ParseLinkSource(r.source)
	if err != nil {
		source = archive.LinkSource(r.source)
	}
	link := archive.Link{
		ID:              r.id,
		URL:             r.url,
		ContentType:     contentType,
		Source:          source,
		PostID:          r.postID,
		Position:        r.position,
		Status:          status,
		FilePathPattern: r.pattern.String,
		Attempts:        r.attempts,
	}
	if r.errText.Valid {
		link.Error = archive.StrPtr(r.errText.String)
	}
	if r.filePath.Valid {
		link.FilePath = archive.StrPtr(r.filePath.String)
	}
	if r.claimedBy.Valid {
		link.ClaimedBy = archive.StrPtr(r.claimedBy.String)
	}
	if r.claimedAt.Valid {
		at := time.UnixMilli(r.claimedAt.Int64).UTC()
		link.ClaimedAt = &at
	}
	return link, nil
}

type postRow struct {
	id        int64
	creator   string
	title     string
	tags      string
	likeCount int64
	postType  string
}

func (r *postRow) dest() []any {
	return []any{&r.id, &r.creator, &r.title, &r.tags, &r.likeCount, &r.postType}
}

func (r *postRow) toPost() (archive.Post, error) {
	tags, err := decodeTags(r.tags)
	if err != nil {
		return archive.Post{}, err
	}
	return archive.Post{
		ID:        r.id,
		Creator:   r.creator,
		Title:     r.title,
		Tags:      tags,
		LikeCount: r.likeCount,
		Type:      archive.PostType(r.postType),
	}, nil
}

func scanLink(sc scanner) (archive.Link, error) {
	var lr linkRow
	if err := sc.Scan(lr.dest()...); err != nil {
		return archive.Link{}, err
	}
	return lr.toLink()
}

func scanPost(sc scanner) (archive.Post, error) {
	var pr postRow
	if err := sc.Scan(pr.dest()...); err != nil {
		return archive.Post{}, err
	}
	return pr.toPost()
}

func scanJoined(sc scanner) (archive.Link, archive.Post, error) {
	var (
		lr linkRow
		pr postRow
	)
	if err := sc.Scan(append(lr.dest(), pr.dest()...)...); err != nil {
		return archive.Link{}, archive.Post{}, err
	}
	link, err := lr.toLink()
	if err != nil {
		return archive.Link{}, archive.Post{}, err
	}
	post, err := pr.toPost()
	if err != nil {
		return archive.Link{}, archive.Post{}, err
	}
	return link, post, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(raw), nil
}

func decodeTags(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return tags, nil
}
