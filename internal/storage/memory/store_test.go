package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

func seed(t *testing.T, store *Store, postID int64, urls ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.UpsertPost(ctx, archive.Post{ID: postID, Title: "t", Type: archive.PostTypeImage}); err != nil {
		t.Fatalf("UpsertPost() error = %v", err)
	}
	var ids []int64
	for i, u := range urls {
		id, _, err := store.UpsertLink(ctx, archive.Link{URL: u, PostID: postID, Position: i,
			ContentType: archive.ContentJPEG, Source: archive.SourceImageGallery})
		if err != nil {
			t.Fatalf("UpsertLink() error = %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	ids := seed(t, store, 1, "https://x/a.jpg", "https://x/b.jpg")

	if _, created, err := store.UpsertLink(ctx, archive.Link{URL: "https://x/a.jpg", PostID: 1}); err != nil || created {
		t.Fatalf("expected duplicate url to be a no-op, created=%v err=%v", created, err)
	}
	if _, _, err := store.UpsertLink(ctx, archive.Link{URL: "https://x/c.jpg", PostID: 9}); !errors.Is(err, archive.ErrMissingPost) {
		t.Fatalf("expected ErrMissingPost, got %v", err)
	}

	if err := store.MarkSuccess(ctx, ids[0], "a.jpeg"); !errors.Is(err, archive.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from pending, got %v", err)
	}
	if err := store.MarkDownloading(ctx, ids[0], "run"); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.MarkDownloading(ctx, ids[0], "run"); !errors.Is(err, archive.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
	if err := store.MarkSuccess(ctx, ids[0], "a.jpeg"); err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	if err := store.MarkDownloading(ctx, ids[1], "run"); err != nil {
		t.Fatalf("MarkDownloading() error = %v", err)
	}
	if err := store.MarkError(ctx, ids[1], "boom"); err != nil {
		t.Fatalf("MarkError() error = %v", err)
	}

	counts, _ := store.Summary(ctx)
	if counts != (archive.StatusCounts{Posts: 1, Success: 1, Error: 1}) {
		t.Fatalf("unexpected counts %+v", counts)
	}

	if n, _ := store.RequeueErrors(ctx); n != 1 {
		t.Fatalf("expected one requeued link, got %d", n)
	}
	tasks, _ := store.FetchPendingLinks(ctx, 0)
	if len(tasks) != 1 || tasks[0].Link.ID != ids[1] || tasks[0].Link.Error == nil {
		t.Fatalf("expected requeued link with error text, got %+v", tasks)
	}

	if err := store.UpdatePath(ctx, ids[0], "renamed.jpeg", "{link_id}"); err != nil {
		t.Fatalf("UpdatePath() error = %v", err)
	}
	post, err := store.GetPost(ctx, 1)
	if err != nil || *post.Links[0].FilePath != "renamed.jpeg" {
		t.Fatalf("expected renamed path, got %+v err=%v", post, err)
	}

	if n, _ := store.ResetAll(ctx); n != 2 {
		t.Fatalf("expected two reset links, got %d", n)
	}
	tasks, _ = store.FetchPendingLinks(ctx, 1)
	if len(tasks) != 1 || tasks[0].Link.ID != ids[0] {
		t.Fatalf("expected oldest pending link first, got %+v", tasks)
	}
}

func TestStoreClaimIsExclusive(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ids := seed(t, store, 1, "https://x/a.jpg")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.MarkDownloading(context.Background(), ids[0], "run"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestStoreResetStale(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	ids := seed(t, store, 1, "https://x/a.jpg", "https://x/b.jpg")
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_ = store.MarkDownloading(ctx, ids[0], "old-run")
	_ = store.MarkDownloading(ctx, ids[1], "this-run")

	n, err := store.ResetStale(ctx, "this-run", base)
	if err != nil || n != 1 {
		t.Fatalf("expected one stale reset, got n=%d err=%v", n, err)
	}
	post, _ := store.GetPost(ctx, 1)
	if post.Links[0].Status != archive.StatusPending || post.Links[1].Status != archive.StatusDownloading {
		t.Fatalf("unexpected statuses %s %s", post.Links[0].Status, post.Links[1].Status)
	}
}

func TestSinkWrite(t *testing.T) {
	t.Parallel()

	sink := NewSink()
	ctx := context.Background()
	uri, err := sink.Write(ctx, "Images/1/a.jpeg", "image/jpeg", strings.NewReader("content"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if uri != "memory://Images/1/a.jpeg" {
		t.Fatalf("unexpected uri %s", uri)
	}
	if ok, _ := sink.Exists(ctx, "Images/1/a.jpeg"); !ok {
		t.Fatal("expected object to exist")
	}
	body, _ := sink.Get("Images/1/a.jpeg")
	body[0] = 'C'
	if again, _ := sink.Get("Images/1/a.jpeg"); string(again) != "content" {
		t.Fatalf("expected Get to return a copy, got %q", again)
	}
}
