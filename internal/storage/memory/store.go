// Package memory provides in-memory archive storage for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// Store keeps posts and links in maps guarded by a single mutex.
type Store struct {
	mu     sync.RWMutex
	posts  map[int64]archive.Post
	links  map[int64]archive.Link
	byURL  map[string]int64
	nextID int64
	now    func() time.Time
}

var _ archive.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		posts: make(map[int64]archive.Post),
		links: make(map[int64]archive.Link),
		byURL: make(map[string]int64),
		now:   time.Now,
	}
}

// UpsertPost records the post unless its id is already known.
func (s *Store) UpsertPost(_ context.Context, post archive.Post) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.ID]; ok {
		return post.ID, false, nil
	}
	post.Tags = append([]string{}, post.Tags...)
	s.posts[post.ID] = post
	return post.ID, true, nil
}

// UpsertLink records a pending link unless its url is already known.
func (s *Store) UpsertLink(_ context.Context, link archive.Link) (int64, bool, error) {
	if err := link.Validate(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[link.URL]; ok {
		return id, false, nil
	}
	if _, ok := s.posts[link.PostID]; !ok {
		return 0, false, fmt.Errorf("link %s: post %d: %w", link.URL, link.PostID, archive.ErrMissingPost)
	}
	s.nextID++
	link.ID = s.nextID
	link.Status = archive.StatusPending
	link.Error = nil
	link.FilePath = nil
	link.ClaimedBy = nil
	link.ClaimedAt = nil
	link.Attempts = 0
	s.links[link.ID] = link
	s.byURL[link.URL] = link.ID
	return link.ID, true, nil
}

// FetchPendingLinks returns pending links oldest first.
func (s *Store) FetchPendingLinks(_ context.Context, limit int) ([]archive.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []archive.Task
	for _, link := range s.sortedLinks() {
		if link.Status != archive.StatusPending {
			continue
		}
		tasks = append(tasks, archive.Task{Link: link, Post: s.copyPost(link.PostID)})
		if limit > 0 && len(tasks) == limit {
			break
		}
	}
	return tasks, nil
}

// MarkDownloading claims a pending link.
func (s *Store) MarkDownloading(_ context.Context, linkID int64, runID string) error {
	return s.transition(linkID, archive.StatusDownloading, archive.ErrNotClaimable, func(l *archive.Link) {
		now := s.now().UTC()
		l.ClaimedBy = archive.StrPtr(runID)
		l.ClaimedAt = &now
		l.Attempts++
	})
}

// MarkSuccess finishes a claimed link.
func (s *Store) MarkSuccess(_ context.Context, linkID int64, filePath string) error {
	return s.transition(linkID, archive.StatusSuccess, archive.ErrInvalidTransition, func(l *archive.Link) {
		l.FilePath = archive.StrPtr(filePath)
		l.Error = nil
		l.ClaimedBy = nil
		l.ClaimedAt = nil
	})
}

// MarkError fails a claimed link.
func (s *Store) MarkError(_ context.Context, linkID int64, errText string) error {
	return s.transition(linkID, archive.StatusError, archive.ErrInvalidTransition, func(l *archive.Link) {
		l.Error = archive.StrPtr(errText)
		l.FilePath = nil
		l.ClaimedBy = nil
		l.ClaimedAt = nil
	})
}

// RequeueErrors moves failed links back to pending.
func (s *Store) RequeueErrors(_ context.Context) (int64, error) {
	return s.updateWhere(func(l *archive.Link) bool {
		if l.Status != archive.StatusError {
			return false
		}
		l.Status = archive.StatusPending
		return true
	}), nil
}

// ResetStale releases old claims owned by other runs.
func (s *Store) ResetStale(_ context.Context, runID string, claimedBefore time.Time) (int64, error) {
	return s.updateWhere(func(l *archive.Link) bool {
		if l.Status != archive.StatusDownloading {
			return false
		}
		if l.ClaimedBy != nil && *l.ClaimedBy == runID {
			return false
		}
		if l.ClaimedAt != nil && l.ClaimedAt.After(claimedBefore) {
			return false
		}
		l.Status = archive.StatusPending
		l.ClaimedBy = nil
		l.ClaimedAt = nil
		return true
	}), nil
}

// ResetAll forgets every download result.
func (s *Store) ResetAll(_ context.Context) (int64, error) {
	return s.updateWhere(func(l *archive.Link) bool {
		l.Status = archive.StatusPending
		l.Error = nil
		l.FilePath = nil
		l.ClaimedBy = nil
		l.ClaimedAt = nil
		l.Attempts = 0
		return true
	}), nil
}

// UpdatePath records a renamed file for a downloaded link.
func (s *Store) UpdatePath(_ context.Context, linkID int64, filePath string, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return fmt.Errorf("link %d: %w", linkID, archive.ErrNotFound)
	}
	if link.Status != archive.StatusSuccess {
		return fmt.Errorf("link %d is %s: %w", linkID, link.Status, archive.ErrInvalidTransition)
	}
	link.FilePath = archive.StrPtr(filePath)
	link.FilePathPattern = pattern
	s.links[linkID] = link
	return nil
}

// GetPost returns one post and its links.
func (s *Store) GetPost(_ context.Context, id int64) (archive.PostWithLinks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.posts[id]; !ok {
		return archive.PostWithLinks{}, fmt.Errorf("post %d: %w", id, archive.ErrNotFound)
	}
	out := archive.PostWithLinks{Post: s.copyPost(id)}
	for _, link := range s.sortedLinks() {
		if link.PostID == id {
			out.Links = append(out.Links, link)
		}
	}
	sortByPosition(out.Links)
	return out, nil
}

// ListPosts returns posts that own at least one link.
func (s *Store) ListPosts(_ context.Context) ([]archive.PostWithLinks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grouped := make(map[int64][]archive.Link)
	for _, link := range s.sortedLinks() {
		grouped[link.PostID] = append(grouped[link.PostID], link)
	}
	ids := make([]int64, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]archive.PostWithLinks, 0, len(ids))
	for _, id := range ids {
		sortByPosition(grouped[id])
		out = append(out, archive.PostWithLinks{Post: s.copyPost(id), Links: grouped[id]})
	}
	return out, nil
}

// Summary counts posts and links per status.
func (s *Store) Summary(_ context.Context) (archive.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := archive.StatusCounts{Posts: int64(len(s.posts))}
	for _, link := range s.links {
		switch link.Status {
		case archive.StatusPending:
			counts.Pending++
		case archive.StatusDownloading:
			counts.Downloading++
		case archive.StatusSuccess:
			counts.Success++
		case archive.StatusError:
			counts.Error++
		}
	}
	return counts, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) transition(linkID int64, to archive.LinkStatus, sentinel error, apply func(*archive.Link)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkID]
	if !ok {
		return fmt.Errorf("link %d: %w", linkID, archive.ErrNotFound)
	}
	if !archive.CanTransition(link.Status, to) {
		return fmt.Errorf("link %d is %s: %w", linkID, link.Status, sentinel)
	}
	link.Status = to
	apply(&link)
	s.links[linkID] = link
	return nil
}

func (s *Store) updateWhere(fn func(*archive.Link) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, link := range s.links {
		if fn(&link) {
			s.links[id] = link
			n++
		}
	}
	return n
}

// sortedLinks must be called with the lock held.
func (s *Store) sortedLinks() []archive.Link {
	out := make([]archive.Link, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortByPosition(links []archive.Link) {
	sort.SliceStable(links, func(i, j int) bool { return links[i].Position < links[j].Position })
}

func (s *Store) copyPost(id int64) archive.Post {
	post := s.posts[id]
	post.Tags = append([]string{}, post.Tags...)
	return post
}
