package archive

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		from, to LinkStatus
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusError, false},
		{StatusDownloading, StatusSuccess, true},
		{StatusDownloading, StatusError, true},
		{StatusDownloading, StatusPending, true},
		{StatusError, StatusPending, true},
		{StatusError, StatusDownloading, false},
		{StatusError, StatusSuccess, false},
		{StatusSuccess, StatusPending, false},
		{StatusSuccess, StatusDownloading, false},
		{StatusSuccess, StatusError, false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseLinkStatusAcceptsLegacyDownloaded(t *testing.T) {
	t.Parallel()

	status, err := ParseLinkStatus("downloaded")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)
	assert.True(t, status.Terminal())

	_, err = ParseLinkStatus("finished")
	require.Error(t, err)
}

func TestParseClosedVariants(t *testing.T) {
	t.Parallel()

	pt, err := ParsePostType("Video")
	require.NoError(t, err)
	assert.Equal(t, PostTypeVideo, pt)
	_, err = ParsePostType("audio")
	require.Error(t, err)

	src, err := ParseLinkSource("ImageGallery")
	require.NoError(t, err)
	assert.Equal(t, SourceImageGallery, src)

	ct, err := ParseContentType("image/jpg; charset=binary")
	require.NoError(t, err)
	assert.Equal(t, ContentJPEG, ct)
	assert.Equal(t, "jpeg", ct.Extension())
	_, err = ParseContentType("text/html")
	require.Error(t, err)
}

func TestLinkValidateMutualExclusion(t *testing.T) {
	t.Parallel()

	link := Link{ID: 1, URL: "http://x/1.jpg", Error: StrPtr("boom"), FilePath: StrPtr("/tmp/1.jpeg")}
	require.Error(t, link.Validate())

	link.FilePath = nil
	require.NoError(t, link.Validate())
}

func TestCheckStatusWrapsNonSuccess(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckStatus(FetchResponse{URL: "http://x", StatusCode: http.StatusOK}))

	err := CheckStatus(FetchResponse{URL: "http://x", StatusCode: http.StatusTooManyRequests})
	var transportErr *TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.True(t, transportErr.RateLimited())
	assert.Contains(t, err.Error(), "429")
}
