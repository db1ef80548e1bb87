// Package extractor parses creator listing pages into archive candidates.
package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

const untitled = "Untitled"

var (
	galleryPattern = regexp.MustCompile(`dynamicEl:\s+(.*),`)
	htmlSrcPattern = regexp.MustCompile(`src="(.*?)"`)
)

// Selectors are the CSS selectors used to locate post data.
type Selectors struct {
	Post      string
	Media     string
	LikeCount string
	Title     string
	Tags      string
	Video     string
	Image     string
	Source    string
	Script    string
}

// DefaultSelectors matches the markup served by the listing endpoint.
func DefaultSelectors() Selectors {
	return Selectors{
		Post:      ".huttPost",
		Media:     ".has-media",
		LikeCount: ".likes-count",
		Title:     ".post-text",
		Tags:      ".tags a.label",
		Video:     "figure.hutt-video",
		Image:     ".img-responsive",
		Source:    "video source",
		Script:    "script",
	}
}

// Config controls how relative links are resolved and which creator owns the posts.
type Config struct {
	BaseURL   string
	Creator   string
	Selectors Selectors
}

// HTML extracts posts from listing HTML with goquery.
type HTML struct {
	base      *url.URL
	creator   string
	selectors Selectors
	logger    *zap.Logger
}

var _ archive.Extractor = (*HTML)(nil)

// New constructs an HTML extractor.
func New(cfg Config, logger *zap.Logger) (*HTML, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var base *url.URL
	if cfg.BaseURL != "" {
		parsed, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = parsed
	}
	sel := cfg.Selectors
	if sel.Post == "" {
		sel = DefaultSelectors()
	}
	return &HTML{base: base, creator: cfg.Creator, selectors: sel, logger: logger}, nil
}

type galleryEntry struct {
	Src  *string `json:"src"`
	HTML *string `json:"html"`
}

// Extract parses one listing page. A page without any post wrappers marks
// the end of the listing.
func (e *HTML) Extract(pageURL string, body []byte) (archive.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return archive.ExtractResult{}, &archive.ExtractionError{Page: pageURL, Err: err}
	}

	wrappers := doc.Find(e.selectors.Post)
	if wrappers.Length() == 0 {
		return archive.ExtractResult{Last: true}, nil
	}

	var (
		result  archive.ExtractResult
		scanErr error
	)
	wrappers.Filter(e.selectors.Media).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		candidate, ok, err := e.extractPost(pageURL, s)
		if err != nil {
			scanErr = err
			return false
		}
		if ok {
			result.Candidates = append(result.Candidates, candidate)
		}
		return true
	})
	if scanErr != nil {
		return archive.ExtractResult{}, &archive.ExtractionError{Page: pageURL, Err: scanErr}
	}
	return result, nil
}

func (e *HTML) extractPost(pageURL string, s *goquery.Selection) (archive.Candidate, bool, error) {
	rawID, ok := s.Attr("id")
	if !ok {
		e.logger.Debug("post without id, skipping", zap.String("page", pageURL))
		return archive.Candidate{}, false, nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(rawID, "post-"), 10, 64)
	if err != nil {
		return archive.Candidate{}, false, fmt.Errorf("parse post id %q: %w", rawID, err)
	}

	var (
		postType archive.PostType
		links    []archive.Link
	)
	switch {
	case s.Find(e.selectors.Video).Length() > 0:
		postType = archive.PostTypeVideo
		links = e.videoLinks(id, s)
	case s.Find(e.selectors.Image).Length() > 0:
		postType = archive.PostTypeImage
		links = e.galleryLinks(id, s)
	default:
		e.logger.Warn("no post type found, skipping", zap.Int64("post_id", id))
		return archive.Candidate{}, false, nil
	}
	if len(links) == 0 {
		e.logger.Info("no links found, skipping", zap.Int64("post_id", id))
		return archive.Candidate{}, false, nil
	}
	if postType == archive.PostTypeImage && len(links) > 1 {
		postType = archive.PostTypeGallery
	}

	post := archive.Post{
		ID:        id,
		Creator:   e.creator,
		Title:     e.title(s),
		Tags:      e.tags(s),
		LikeCount: e.likeCount(s),
		Type:      postType,
	}
	for i := range links {
		links[i].PostID = id
		links[i].Position = i
	}
	e.logger.Debug("extracted post", zap.Int64("post_id", id), zap.Int("links", len(links)))
	return archive.Candidate{Post: post, Links: links}, true, nil
}

func (e *HTML) videoLinks(id int64, s *goquery.Selection) []archive.Link {
	src, ok := s.Find(e.selectors.Source).First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		e.logger.Warn("video source element missing", zap.Int64("post_id", id))
		return nil
	}
	link, ok := e.link(src, archive.ContentMP4, archive.SourceVideoPost)
	if !ok {
		return nil
	}
	return []archive.Link{link}
}

func (e *HTML) galleryLinks(id int64, s *goquery.Selection) []archive.Link {
	script := s.Find(e.selectors.Script).First().Text()
	match := galleryPattern.FindStringSubmatch(script)
	if match == nil {
		e.logger.Warn("gallery json not found", zap.Int64("post_id", id))
		return nil
	}
	raw := strings.ReplaceAll(match[1], `\>`, " ")

	var entries []galleryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		e.logger.Warn("gallery json malformed", zap.Int64("post_id", id), zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{})
	var links []archive.Link
	add := func(link archive.Link, ok bool) {
		if !ok {
			return
		}
		if _, dup := seen[link.URL]; dup {
			return
		}
		seen[link.URL] = struct{}{}
		links = append(links, link)
	}
	for _, entry := range entries {
		if entry.Src != nil && *entry.Src != "" {
			add(e.link(*entry.Src, guessImageType(*entry.Src), archive.SourceImageGallery))
		}
		if entry.HTML != nil {
			if m := htmlSrcPattern.FindStringSubmatch(*entry.HTML); m != nil {
				add(e.link(m[1], archive.ContentMP4, archive.SourceHTMLString))
			}
		}
	}
	return links
}

func (e *HTML) link(raw string, contentType archive.ContentType, source archive.LinkSource) (archive.Link, bool) {
	resolved, err := e.resolve(raw)
	if err != nil {
		e.logger.Warn("skipping unparsable link", zap.String("url", raw), zap.Error(err))
		return archive.Link{}, false
	}
	return archive.Link{URL: resolved, ContentType: contentType, Source: source}, true
}

func (e *HTML) resolve(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if e.base != nil && !u.IsAbs() {
		u = e.base.ResolveReference(u)
	}
	return u.String(), nil
}

func (e *HTML) title(s *goquery.Selection) string {
	node := s.Find(e.selectors.Title).First()
	if node.Length() == 0 {
		return untitled
	}
	return strings.TrimSpace(node.Text())
}

func (e *HTML) tags(s *goquery.Selection) []string {
	tags := []string{}
	s.Find(e.selectors.Tags).Each(func(_ int, tag *goquery.Selection) {
		text := strings.TrimSpace(tag.Text())
		text = strings.TrimPrefix(text, "#")
		if text != "" {
			tags = append(tags, text)
		}
	})
	return tags
}

func (e *HTML) likeCount(s *goquery.Selection) int64 {
	raw := strings.TrimSpace(s.Find(e.selectors.LikeCount).First().Text())
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// guessImageType picks a content type from the URL extension, defaulting to JPEG.
func guessImageType(raw string) archive.ContentType {
	u, err := url.Parse(raw)
	if err != nil {
		return archive.ContentJPEG
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return archive.ContentJPEG
	}
	ct, err := archive.ParseContentType(ext)
	if err != nil || ct == archive.ContentMP4 {
		return archive.ContentJPEG
	}
	return ct
}
