package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Path: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func seedPost(t *testing.T, store *Store, id int64, urls ...string) []int64 {
	t.Helper()
	ctx := context.Background()
	_, _, err := store.UpsertPost(ctx, archive.Post{
		ID:    id,
		Title: "Hello",
		Tags:  []string{"tag1", "tag2"},
		Type:  archive.PostTypeImage,
	})
	require.NoError(t, err)

	ids := make([]int64, 0, len(urls))
	for i, u := range urls {
		linkID, _, err := store.UpsertLink(ctx, archive.Link{
			URL:             u,
			ContentType:     archive.ContentJPEG,
			Source:          archive.SourceImageGallery,
			PostID:          id,
			Position:        i,
			FilePathPattern: "{type}/{post_id}/{link_id}",
		})
		require.NoError(t, err)
		ids = append(ids, linkID)
	}
	return ids
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	post := archive.Post{ID: 7, Title: "first", Tags: []string{"a"}, Type: archive.PostTypeVideo}
	id, created, err := store.UpsertPost(ctx, post)
	require.NoError(t, err)
	assert.True(t, created)
	assert.EqualValues(t, 7, id)

	post.Title = "changed"
	_, created, err = store.UpsertPost(ctx, post)
	require.NoError(t, err)
	assert.False(t, created)

	link := archive.Link{URL: "https://cdn.example/v.mp4", ContentType: archive.ContentMP4,
		Source: archive.SourceVideoPost, PostID: 7}
	first, created, err := store.UpsertLink(ctx, link)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.UpsertLink(ctx, link)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	got, err := store.GetPost(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Post.Title)
	assert.Equal(t, []string{"a"}, got.Post.Tags)
	require.Len(t, got.Links, 1)
	assert.Equal(t, archive.StatusPending, got.Links[0].Status)
}

func TestUpsertLinkRequiresPost(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, _, err := store.UpsertLink(context.Background(), archive.Link{
		URL: "https://cdn.example/orphan.jpg", ContentType: archive.ContentJPEG,
		Source: archive.SourceImageGallery, PostID: 404,
	})
	require.ErrorIs(t, err, archive.ErrMissingPost)

	counts, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Links())
}

func TestFetchPendingLinksOrderAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/1.jpg", "https://x/2.jpg", "https://x/3.jpg")

	tasks, err := store.FetchPendingLinks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[0], tasks[0].Link.ID)
	assert.Equal(t, ids[1], tasks[1].Link.ID)
	assert.Equal(t, []string{"tag1", "tag2"}, tasks[0].Post.Tags)

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run"))
	tasks, err = store.FetchPendingLinks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[1], tasks[0].Link.ID)
}

func TestMarkDownloadingIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/contended.jpg")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.MarkDownloading(ctx, ids[0], "run")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case assert.ErrorIs(t, err, archive.ErrNotClaimable):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, rejected)

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	link := got.Links[0]
	assert.Equal(t, archive.StatusDownloading, link.Status)
	require.NotNil(t, link.ClaimedBy)
	assert.Equal(t, "run", *link.ClaimedBy)
	assert.Equal(t, 1, link.Attempts)
}

func TestTransitionsFollowStateMachine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/a.jpg", "https://x/b.jpg")

	require.ErrorIs(t, store.MarkSuccess(ctx, ids[0], "a.jpg"), archive.ErrInvalidTransition)
	require.ErrorIs(t, store.MarkError(ctx, ids[0], "boom"), archive.ErrInvalidTransition)
	require.ErrorIs(t, store.MarkDownloading(ctx, 999, "run"), archive.ErrNotFound)

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run"))
	require.NoError(t, store.MarkSuccess(ctx, ids[0], "Images/1/a.jpeg"))
	require.ErrorIs(t, store.MarkError(ctx, ids[0], "late"), archive.ErrInvalidTransition)
	require.ErrorIs(t, store.MarkDownloading(ctx, ids[0], "run"), archive.ErrNotClaimable)

	require.NoError(t, store.MarkDownloading(ctx, ids[1], "run"))
	require.NoError(t, store.MarkError(ctx, ids[1], "status 500"))

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	success, failed := got.Links[0], got.Links[1]
	require.NoError(t, success.Validate())
	require.NoError(t, failed.Validate())
	assert.Equal(t, archive.StatusSuccess, success.Status)
	require.NotNil(t, success.FilePath)
	assert.Nil(t, success.Error)
	assert.Nil(t, success.ClaimedBy)
	assert.Equal(t, archive.StatusError, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "status 500", *failed.Error)
	assert.Nil(t, failed.FilePath)
}

func TestRequeueErrorsKeepsErrorText(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/a.jpg")

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run-1"))
	require.NoError(t, store.MarkError(ctx, ids[0], "timeout"))

	n, err := store.RequeueErrors(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, got.Links[0].Status)
	require.NotNil(t, got.Links[0].Error)

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run-2"))
	require.NoError(t, store.MarkSuccess(ctx, ids[0], "a.jpeg"))
	got, err = store.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got.Links[0].Error)
	assert.Equal(t, 2, got.Links[0].Attempts)
}

func TestResetStaleSkipsOwnAndFreshClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/old.jpg", "https://x/mine.jpg", "https://x/fresh.jpg")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	require.NoError(t, store.MarkDownloading(ctx, ids[0], "crashed-run"))
	require.NoError(t, store.MarkDownloading(ctx, ids[1], "current-run"))
	store.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, store.MarkDownloading(ctx, ids[2], "other-run"))

	n, err := store.ResetStale(ctx, "current-run", base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	tasks, err := store.FetchPendingLinks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[0], tasks[0].Link.ID)
	assert.Nil(t, tasks[0].Link.ClaimedBy)
}

func TestResetAllClearsResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/a.jpg", "https://x/b.jpg")

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run"))
	require.NoError(t, store.MarkSuccess(ctx, ids[0], "a.jpeg"))
	require.NoError(t, store.MarkDownloading(ctx, ids[1], "run"))
	require.NoError(t, store.MarkError(ctx, ids[1], "boom"))

	n, err := store.ResetAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	for _, link := range got.Links {
		assert.Equal(t, archive.StatusPending, link.Status)
		assert.Nil(t, link.Error)
		assert.Nil(t, link.FilePath)
		assert.Zero(t, link.Attempts)
	}
}

func TestUpdatePathRequiresSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedPost(t, store, 1, "https://x/a.jpg")

	require.ErrorIs(t, store.UpdatePath(ctx, ids[0], "new.jpeg", "{link_id}"), archive.ErrInvalidTransition)

	require.NoError(t, store.MarkDownloading(ctx, ids[0], "run"))
	require.NoError(t, store.MarkSuccess(ctx, ids[0], "old.jpeg"))
	require.NoError(t, store.UpdatePath(ctx, ids[0], "new.jpeg", "{link_id}"))

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "new.jpeg", *got.Links[0].FilePath)
	assert.Equal(t, "{link_id}", got.Links[0].FilePathPattern)
}

func TestListPostsAndSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	first := seedPost(t, store, 2, "https://x/2a.jpg", "https://x/2b.jpg")
	seedPost(t, store, 1, "https://x/1a.jpg")
	_, _, err := store.UpsertPost(ctx, archive.Post{ID: 3, Title: "no links", Type: archive.PostTypeImage})
	require.NoError(t, err)

	require.NoError(t, store.MarkDownloading(ctx, first[0], "run"))

	posts, err := store.ListPosts(ctx)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.EqualValues(t, 1, posts[0].Post.ID)
	assert.EqualValues(t, 2, posts[1].Post.ID)
	assert.Len(t, posts[1].Links, 2)

	counts, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCounts{Posts: 3, Pending: 2, Downloading: 1}, counts)

	_, err = store.GetPost(ctx, 42)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestBackupProducesReadableCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	seedPost(t, store, 1, "https://x/a.jpg")

	dest := filepath.Join(t.TempDir(), "backup.sqlite3")
	require.NoError(t, store.Backup(ctx, dest))
	require.Error(t, store.Backup(ctx, dest), "existing destination must not be overwritten")

	copied, err := Open(ctx, Config{Path: dest}, nil)
	require.NoError(t, err)
	defer copied.Close() //nolint:errcheck // test cleanup

	counts, err := copied.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Posts)
	assert.EqualValues(t, 1, counts.Pending)
}

func TestOpenUpgradesLegacyDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.sqlite3")

	// First-release layout: links keyed on the implicit rowid, no claim columns.
	legacy, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = legacy.ExecContext(ctx, `
CREATE TABLE posts (id INTEGER PRIMARY KEY, title TEXT NOT NULL, creator TEXT NOT NULL,
	tags TEXT NOT NULL, post_type TEXT NOT NULL, like_count INTEGER NOT NULL,
	generated_title TEXT, created_at TEXT);
CREATE TABLE post_links (url TEXT NOT NULL UNIQUE, content_type TEXT NOT NULL, source TEXT NOT NULL,
	post_id INTEGER NOT NULL REFERENCES posts(id), status TEXT NOT NULL,
	error TEXT, file_path TEXT, file_path_pattern TEXT);
INSERT INTO posts (id, title, creator, tags, post_type, like_count) VALUES (1, 'title', 'creator', '["x"]', 'image', 3);
INSERT INTO post_links (url, content_type, source, post_id, status, file_path, file_path_pattern)
	VALUES ('https://x/a.jpg', 'jpeg', 'image-gallery', 1, 'downloaded', 'a.jpeg', '{post_id}/{link_id}');
INSERT INTO post_links (url, content_type, source, post_id, status)
	VALUES ('https://x/b.jpg', 'jpeg', 'image-gallery', 1, 'pending');`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	store, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck // test cleanup

	got, err := store.GetPost(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got.Links, 2)
	first := got.Links[0]
	assert.EqualValues(t, 1, first.ID, "rowid becomes the link id")
	assert.Equal(t, archive.StatusSuccess, first.Status)
	assert.Equal(t, archive.ContentJPEG, first.ContentType)
	assert.Equal(t, "{post_id}/{link_id}", first.FilePathPattern)
	require.NotNil(t, first.FilePath)
	assert.Equal(t, "a.jpeg", *first.FilePath)
	assert.Zero(t, first.Attempts)

	counts, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Success)
	assert.EqualValues(t, 1, counts.Pending)

	tasks, err := store.FetchPendingLinks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.EqualValues(t, 2, tasks[0].Link.ID)
	require.NoError(t, store.MarkDownloading(ctx, tasks[0].Link.ID, "run-1"))

	ids := seedPost(t, store, 2, "https://x/c.jpg")
	assert.Greater(t, ids[0], int64(2), "new links continue after migrated ids")

	// Reopening an upgraded database is a no-op.
	require.NoError(t, store.Close())
	again, err := Open(ctx, Config{Path: path}, nil)
	require.NoError(t, err)
	defer again.Close() //nolint:errcheck // test cleanup
	counts, err = again.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Downloading)
	assert.EqualValues(t, 1, counts.Pending)
}
