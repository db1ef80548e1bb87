package archive

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PostType discriminates the kind of media a post carries.
type PostType string

// Post types produced by the extractor.
const (
	PostTypeImage   PostType = "image"
	PostTypeVideo   PostType = "video"
	PostTypeGallery PostType = "gallery"
)

// ParsePostType validates a raw post type; matching is case-insensitive.
func ParsePostType(raw string) (PostType, error) {
	switch PostType(strings.ToLower(strings.TrimSpace(raw))) {
	case PostTypeImage:
		return PostTypeImage, nil
	case PostTypeVideo:
		return PostTypeVideo, nil
	case PostTypeGallery:
		return PostTypeGallery, nil
	default:
		return "", fmt.Errorf("unknown post type %q", raw)
	}
}

// Folder is the directory label used for the {type} filename placeholder.
func (t PostType) Folder() string {
	switch t {
	case PostTypeVideo:
		return "Videos"
	case PostTypeGallery:
		return "Galleries"
	default:
		return "Images"
	}
}

// LinkSource records which part of a post produced a link.
type LinkSource string

// Link sources emitted by the extractor.
const (
	SourceImageGallery LinkSource = "image-gallery"
	SourceVideoPost    LinkSource = "video-post"
	SourceHTMLString   LinkSource = "html-string"
)

// ParseLinkSource validates a raw link source.
func ParseLinkSource(raw string) (LinkSource, error) {
	switch strings.TrimSpace(raw) {
	case string(SourceImageGallery), "ImageGallery":
		return SourceImageGallery, nil
	case string(SourceVideoPost), "VideoPost":
		return SourceVideoPost, nil
	case string(SourceHTMLString), "HtmlString":
		return SourceHTMLString, nil
	default:
		return "", fmt.Errorf("unknown link source %q", raw)
	}
}

// ContentType is the closed set of media types the archiver knows how to name.
type ContentType string

// Supported content types.
const (
	ContentJPEG ContentType = "image/jpeg"
	ContentPNG  ContentType = "image/png"
	ContentGIF  ContentType = "image/gif"
	ContentWebP ContentType = "image/webp"
	ContentMP4  ContentType = "video/mp4"
)

var extensions = map[ContentType]string{
	ContentJPEG: "jpeg",
	ContentPNG:  "png",
	ContentGIF:  "gif",
	ContentWebP: "webp",
	ContentMP4:  "mp4",
}

// ParseContentType validates a MIME string, ignoring parameters such as charset.
// Bare extensions ("jpeg", "mp4") written by older databases are accepted too.
func ParseContentType(raw string) (ContentType, error) {
	mime := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "image/jpg" || mime == "jpg" {
		mime = string(ContentJPEG)
	}
	if !strings.Contains(mime, "/") {
		for ct, ext := range extensions {
			if ext == mime {
				return ct, nil
			}
		}
	}
	ct := ContentType(mime)
	if _, ok := extensions[ct]; !ok {
		return "", fmt.Errorf("unsupported content type %q", raw)
	}
	return ct, nil
}

// Extension returns the file extension (without dot) for the content type.
func (c ContentType) Extension() string {
	if ext, ok := extensions[c]; ok {
		return ext
	}
	return "bin"
}

// Post is one discovered content item. IDs come from the source site.
type Post struct {
	ID        int64    `json:"id"`
	Creator   string   `json:"creator"`
	Title     string   `json:"title"`
	Tags      []string `json:"tags"`
	LikeCount int64    `json:"like_count"`
	Type      PostType `json:"post_type"`
}

// Link is one downloadable asset belonging to a Post. URL is the natural key.
type Link struct {
	ID              int64       `json:"id"`
	URL             string      `json:"url"`
	ContentType     ContentType `json:"content_type"`
	Source          LinkSource  `json:"source"`
	PostID          int64       `json:"post_id"`
	Position        int         `json:"position"`
	Status          LinkStatus  `json:"status"`
	Error           *string     `json:"error,omitempty"`
	FilePath        *string     `json:"file_path,omitempty"`
	FilePathPattern string      `json:"file_path_pattern"`
	ClaimedBy       *string     `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time  `json:"claimed_at,omitempty"`
	Attempts        int         `json:"attempts"`
}

// Validate checks the error/file_path exclusivity invariant.
func (l Link) Validate() error {
	if l.URL == "" {
		return errors.New("link url is required")
	}
	if l.Error != nil && l.FilePath != nil {
		return fmt.Errorf("link %d has both error and file_path set", l.ID)
	}
	return nil
}

// PostWithLinks groups a post with every link it owns.
type PostWithLinks struct {
	Post  Post
	Links []Link
}

// Candidate is a post and its links as seen by the extractor, before persistence.
type Candidate struct {
	Post  Post
	Links []Link
}

// ExtractResult is what the extractor returns for one listing page.
type ExtractResult struct {
	Candidates []Candidate
	// Last marks the end of the listing; no further pages should be requested.
	Last bool
}

// Task is a link joined with its owning post, ready for download.
type Task struct {
	Link Link
	Post Post
}

// StatusCounts summarizes the store.
type StatusCounts struct {
	Posts       int64 `json:"posts"`
	Pending     int64 `json:"pending"`
	Downloading int64 `json:"downloading"`
	Success     int64 `json:"success"`
	Error       int64 `json:"error"`
}

// Links returns the total number of links across statuses.
func (c StatusCounts) Links() int64 {
	return c.Pending + c.Downloading + c.Success + c.Error
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	ContentType string
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string {
	return &s
}
