package postgres

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id         BIGINT PRIMARY KEY,
	creator    TEXT   NOT NULL DEFAULT '',
	title      TEXT   NOT NULL,
	tags       TEXT   NOT NULL DEFAULT '[]',
	like_count BIGINT NOT NULL DEFAULT 0,
	post_type  TEXT   NOT NULL
);

CREATE TABLE IF NOT EXISTS post_links (
	id                BIGSERIAL PRIMARY KEY,
	url               TEXT      NOT NULL UNIQUE,
	content_type      TEXT      NOT NULL,
	source            TEXT      NOT NULL,
	post_id           BIGINT    NOT NULL REFERENCES posts(id),
	position          INTEGER   NOT NULL DEFAULT 0,
	status            TEXT      NOT NULL DEFAULT 'pending',
	error             TEXT,
	file_path         TEXT,
	file_path_pattern TEXT,
	claimed_by        TEXT,
	claimed_at        TIMESTAMPTZ,
	attempts          INTEGER   NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_post_links_status ON post_links (status, id);
CREATE INDEX IF NOT EXISTS idx_post_links_post ON post_links (post_id, position);
`
