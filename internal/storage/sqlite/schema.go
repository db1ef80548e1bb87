package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const postsTable = `
CREATE TABLE IF NOT EXISTS posts (
	id         INTEGER PRIMARY KEY,
	creator    TEXT    NOT NULL DEFAULT '',
	title      TEXT    NOT NULL,
	tags       TEXT    NOT NULL DEFAULT '[]',
	like_count INTEGER NOT NULL DEFAULT 0,
	post_type  TEXT    NOT NULL
);`

const linksTable = `
CREATE TABLE IF NOT EXISTS post_links (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	url               TEXT    NOT NULL UNIQUE,
	content_type      TEXT    NOT NULL,
	source            TEXT    NOT NULL,
	post_id           INTEGER NOT NULL REFERENCES posts(id),
	position          INTEGER NOT NULL DEFAULT 0,
	status            TEXT    NOT NULL DEFAULT 'pending',
	error             TEXT,
	file_path         TEXT,
	file_path_pattern TEXT,
	claimed_by        TEXT,
	claimed_at        INTEGER,
	attempts          INTEGER NOT NULL DEFAULT 0
);`

// Indexes reference upgraded columns, so they are created last.
const indexes = `
CREATE INDEX IF NOT EXISTS idx_post_links_status ON post_links(status, id);
CREATE INDEX IF NOT EXISTS idx_post_links_post ON post_links(post_id, position);
`

// Columns added after the first schema revision. Databases created by older
// releases are upgraded in place.
var addedColumns = []struct {
	name string
	def  string
}{
	{"position", "INTEGER NOT NULL DEFAULT 0"},
	{"claimed_by", "TEXT"},
	{"claimed_at", "INTEGER"},
	{"attempts", "INTEGER NOT NULL DEFAULT 0"},
}

// Columns carried over when a legacy link table is rebuilt.
var legacyLinkColumns = []string{
	"url", "content_type", "source", "post_id", "status", "error", "file_path", "file_path_pattern",
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, postsTable+linksTable); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	existing, err := columns(ctx, db, "post_links")
	if err != nil {
		return err
	}
	if !existing["id"] {
		// The first releases keyed links on the implicit rowid.
		if err := rebuildLinks(ctx, db, existing); err != nil {
			return err
		}
		if existing, err = columns(ctx, db, "post_links"); err != nil {
			return err
		}
	}
	for _, col := range addedColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE post_links ADD COLUMN %s %s", col.name, col.def)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}

	if _, err := db.ExecContext(ctx, indexes); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	// Older releases recorded finished downloads as "downloaded".
	if _, err := db.ExecContext(ctx,
		`UPDATE post_links SET status = 'success' WHERE status = 'downloaded'`); err != nil {
		return fmt.Errorf("normalize legacy status: %w", err)
	}
	return nil
}

// rebuildLinks copies a rowid-keyed link table into the current layout,
// keeping each rowid as the link id.
func rebuildLinks(ctx context.Context, db *sql.DB, existing map[string]bool) error {
	kept := make([]string, 0, len(legacyLinkColumns))
	for _, col := range legacyLinkColumns {
		if existing[col] {
			kept = append(kept, col)
		}
	}
	cols := strings.Join(kept, ", ")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link rebuild: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmts := []string{
		`ALTER TABLE post_links RENAME TO post_links_legacy`,
		linksTable,
		fmt.Sprintf(`INSERT INTO post_links (id, %s) SELECT rowid, %s FROM post_links_legacy ORDER BY rowid`, cols, cols),
		`DROP TABLE post_links_legacy`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild post_links: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link rebuild: %w", err)
	}
	return nil
}

func columns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}
