package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/post-archiver/internal/archive"
	"github.com/JakeFAU/post-archiver/internal/storage/memory"
)

// downStore fails every read.
type downStore struct {
	*memory.Store
}

func (downStore) Summary(context.Context) (archive.StatusCounts, error) {
	return archive.StatusCounts{}, errors.New("connection refused")
}

func (downStore) ListPosts(context.Context) ([]archive.PostWithLinks, error) {
	return nil, errors.New("connection refused")
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	for _, id := range []int64{1, 2, 3} {
		_, _, err := store.UpsertPost(ctx, archive.Post{ID: id, Title: "post", Type: archive.PostTypeImage, Tags: []string{"a"}})
		require.NoError(t, err)
		_, _, err = store.UpsertLink(ctx, archive.Link{
			URL: "https://cdn.example/" + string(rune('a'+id)) + ".jpg", PostID: id, ContentType: archive.ContentJPEG,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkDownloading(ctx, 1, "run"))
	require.NoError(t, store.MarkSuccess(ctx, 1, "Images/1.jpeg"))
	require.NoError(t, store.MarkDownloading(ctx, 2, "run"))
	require.NoError(t, store.MarkError(ctx, 2, "status 404"))
	return store
}

func get(t *testing.T, server *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := get(t, NewServer(memory.NewStore(), nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusOK, get(t, NewServer(memory.NewStore(), nil), "/readyz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, NewServer(downStore{memory.NewStore()}, nil), "/readyz").Code)
}

func TestServer_Summary(t *testing.T) {
	t.Parallel()

	rec := get(t, NewServer(seededStore(t), nil), "/v1/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"posts":3,"links":3,"pending":1,"downloading":0,"success":1,"error":1}`, rec.Body.String())

	rec = get(t, NewServer(downStore{memory.NewStore()}, nil), "/v1/summary")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListPostsPaginates(t *testing.T) {
	t.Parallel()

	server := NewServer(seededStore(t), nil)
	rec := get(t, server, "/v1/posts?limit=2&offset=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Posts []postDTO `json:"posts"`
		Total int       `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Posts, 2)
	assert.Equal(t, int64(2), body.Posts[0].ID)
	assert.Equal(t, "error", body.Posts[0].Links[0].Status)
	require.NotNil(t, body.Posts[0].Links[0].Error)

	rec = get(t, server, "/v1/posts?offset=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"posts":[]`)

	require.Equal(t, http.StatusBadRequest, get(t, server, "/v1/posts?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, get(t, server, "/v1/posts?offset=-1").Code)
	require.Equal(t, http.StatusInternalServerError, get(t, NewServer(downStore{memory.NewStore()}, nil), "/v1/posts").Code)
}

func TestServer_GetPost(t *testing.T) {
	t.Parallel()

	server := NewServer(seededStore(t), nil)
	rec := get(t, server, "/v1/posts/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Post postDTO `json:"post"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "image", body.Post.Type)
	require.Len(t, body.Post.Links, 1)
	assert.Equal(t, "Images/1.jpeg", *body.Post.Links[0].FilePath)

	require.Equal(t, http.StatusNotFound, get(t, server, "/v1/posts/99").Code)
	require.Equal(t, http.StatusBadRequest, get(t, server, "/v1/posts/abc").Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := NewServer(memory.NewStore(), nil)
	get(t, server, "/healthz")
	rec := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
