// Package filename renders the on-disk location of a downloaded link from a
// user-configurable pattern.
//
// Supported placeholders:
//
//	{type}     folder label for the post type (Images, Videos, Galleries)
//	{post_id}  source-site post id
//	{title}    cleaned post title (falls back to tags, then "no title")
//	{link_id}  store-assigned link id
//	{index}    position of the link within its post
//	{creator}  creator name recorded on the post
//
// "/" in the pattern separates directories. Each segment is sanitized for
// common filesystems and the content type's extension is appended.
package filename

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

const (
	maxTitleLen   = 50
	maxSegmentLen = 255
	noTitle       = "no title"
)

var (
	illegalChars   = regexp.MustCompile(`[/\?<>\\:\*\|"]`)
	controlChars   = regexp.MustCompile(`[\x00-\x1f\x80-\x9f]`)
	reservedNames  = regexp.MustCompile(`^\.+$`)
	windowsNames   = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[0-9]|lpt[0-9])(\..*)?$`)
	windowsTrailer = regexp.MustCompile(`[\. ]+$`)
)

// DefaultPatterns are used for post types without a configured pattern.
// Every pattern names each link uniquely.
func DefaultPatterns() map[archive.PostType]string {
	return map[archive.PostType]string{
		archive.PostTypeImage:   "{type}/{post_id} - {title}/{link_id}",
		archive.PostTypeGallery: "{type}/{post_id} - {title}/{link_id}",
		archive.PostTypeVideo:   "{type}/{post_id} - {title} - {index}",
	}
}

// Path renders pattern for link and returns a slash-separated path relative
// to the sink root, including the file extension.
func Path(pattern string, post archive.Post, link archive.Link) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", fmt.Errorf("filename pattern is empty")
	}
	replacer := strings.NewReplacer(
		"{type}", post.Type.Folder(),
		"{post_id}", strconv.FormatInt(post.ID, 10),
		"{title}", Title(post),
		"{link_id}", strconv.FormatInt(link.ID, 10),
		"{index}", strconv.Itoa(link.Position),
		"{creator}", strings.ReplaceAll(post.Creator, "/", " "),
	)
	rendered := replacer.Replace(pattern)

	segments := make([]string, 0, strings.Count(rendered, "/")+1)
	for _, part := range strings.Split(rendered, "/") {
		clean := Sanitize(part)
		if clean == "" {
			continue
		}
		segments = append(segments, clean)
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("pattern %q renders to an empty path for link %d", pattern, link.ID)
	}
	return path.Join(segments...) + "." + extension(post, link), nil
}

// Title derives a filesystem-friendly title: smileys, bare slashes and URLs
// are dropped, slashes inside words become spaces, and whole words are kept
// until roughly fifty characters.
func Title(post archive.Post) string {
	var tokens []string
	for _, token := range strings.Fields(post.Title) {
		if ignored(token) {
			continue
		}
		tokens = append(tokens, strings.ReplaceAll(token, "/", " "))
	}
	title := strings.TrimSpace(limitLength(tokens, maxTitleLen))
	if title != "" {
		return title
	}
	if tags := strings.TrimSpace(limitLength(post.Tags, maxTitleLen)); tags != "" {
		return tags
	}
	return noTitle
}

// Sanitize replaces characters that are illegal in file names with spaces
// and trims the result.
func Sanitize(segment string) string {
	out := illegalChars.ReplaceAllString(segment, " ")
	out = controlChars.ReplaceAllString(out, " ")
	out = reservedNames.ReplaceAllString(out, " ")
	out = windowsNames.ReplaceAllString(out, " ")
	out = windowsTrailer.ReplaceAllString(out, " ")
	if len(out) > maxSegmentLen {
		out = truncate(out, maxSegmentLen)
	}
	return strings.TrimSpace(out)
}

func ignored(token string) bool {
	return isSmiley(token) || token == "/" || strings.HasPrefix(token, "http")
}

func isSmiley(token string) bool {
	if strings.HasPrefix(token, ":") && len(token) == 2 {
		return true
	}
	return strings.ContainsAny(token, "<>")
}

// limitLength keeps whole tokens until their combined length reaches max.
// The token that crosses the limit is kept.
func limitLength(tokens []string, max int) string {
	var (
		kept []string
		n    int
	)
	for _, token := range tokens {
		if n >= max {
			break
		}
		n += len(token)
		kept = append(kept, token)
	}
	return strings.Join(kept, " ")
}

func extension(post archive.Post, link archive.Link) string {
	if link.ContentType != "" {
		return link.ContentType.Extension()
	}
	if post.Type == archive.PostTypeVideo {
		return archive.ContentMP4.Extension()
	}
	return archive.ContentJPEG.Extension()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
