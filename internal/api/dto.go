package api

import (
	"time"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

type summaryDTO struct {
	Posts       int64 `json:"posts"`
	Links       int64 `json:"links"`
	Pending     int64 `json:"pending"`
	Downloading int64 `json:"downloading"`
	Success     int64 `json:"success"`
	Error       int64 `json:"error"`
}

type postDTO struct {
	ID        int64     `json:"id"`
	Creator   string    `json:"creator"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	LikeCount int64     `json:"like_count"`
	Type      string    `json:"post_type"`
	Links     []linkDTO `json:"links"`
}

type linkDTO struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	ContentType string     `json:"content_type"`
	Source      string     `json:"source"`
	Position    int        `json:"position"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	FilePath    *string    `json:"file_path,omitempty"`
	ClaimedBy   *string    `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

func toPostDTO(p archive.PostWithLinks) postDTO {
	tags := p.Post.Tags
	if tags == nil {
		tags = []string{}
	}
	dto := postDTO{
		ID:        p.Post.ID,
		Creator:   p.Post.Creator,
		Title:     p.Post.Title,
		Tags:      tags,
		LikeCount: p.Post.LikeCount,
		Type:      string(p.Post.Type),
		Links:     make([]linkDTO, 0, len(p.Links)),
	}
	for _, l := range p.Links {
		dto.Links = append(dto.Links, linkDTO{
			ID:          l.ID,
			URL:         l.URL,
			ContentType: string(l.ContentType),
			Source:      string(l.Source),
			Position:    l.Position,
			Status:      string(l.Status),
			Error:       l.Error,
			FilePath:    l.FilePath,
			ClaimedBy:   l.ClaimedBy,
			ClaimedAt:   l.ClaimedAt,
			Attempts:    l.Attempts,
		})
	}
	return dto
}
