package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

const linkColumns = `l.id, l.url, l.content_type, l.source, l.post_id, l.position, l.status,
l.error, l.file_path, COALESCE(l.file_path_pattern, ''), l.claimed_by, l.claimed_at, l.attempts`

const postColumns = `p.id, p.creator, p.title, p.tags, p.like_count, p.post_type`

type linkRow struct {
	id          int64
	url         string
	contentType string
	source      string
	postID      int64
	position    int32
	status      string
	errText     *string
	filePath    *string
	pattern     string
	claimedBy   *string
	claimedAt   *time.Time
	attempts    int32
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
	return archive.Link{
		ID:              r.id,
		URL:             r.url,
		ContentType:     contentType,
		Source:          source,
		PostID:          r.postID,
		Position:        int(r.position),
		Status:          status,
		Error:           r.errText,
		FilePath:        r.filePath,
		FilePathPattern: r.pattern,
		ClaimedBy:       r.claimedBy,
		ClaimedAt:       r.claimedAt,
		Attempts:        int(r.attempts),
	}, nil
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
	tags := []string{}
	if r.tags != "" {
		if err := json.Unmarshal([]byte(r.tags), &tags); err != nil {
			return archive.Post{}, fmt.Errorf("decode tags: %w", err)
		}
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

func scanLink(row pgx.Row) (archive.Link, error) {
	var lr linkRow
	if err := row.Scan(lr.dest()...); err != nil {
		return archive.Link{}, err
	}
	return lr.toLink()
}

func scanPost(row pgx.Row) (archive.Post, error) {
	var pr postRow
	if err := row.Scan(pr.dest()...); err != nil {
		return archive.Post{}, err
	}
	return pr.toPost()
}

func scanJoined(row pgx.Row) (archive.Link, archive.Post, error) {
	var (
		lr linkRow
		pr postRow
	)
	if err := row.Scan(append(lr.dest(), pr.dest()...)...); err != nil {
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
