package remote

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cragpack/internal/model"
	"cragpack/internal/ratelimit"
)

func newMockedClient(t *testing.T, mapURL string) (*Client, *ratelimit.Handler) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	limits := ratelimit.NewHandler(nil, logger)
	c := NewClient(ClientConfig{
		RetryMax: 0,
		MapURL:   mapURL,
		Limits:   limits,
		Log:      logger,
	})
	httpmock.ActivateNonDefault(c.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c, limits
}

func htmlResponder(body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	}
}

func TestFetch_PageRecordsTitle(t *testing.T) {
	c, _ := newMockedClient(t, "")
	httpmock.RegisterResponder("GET", "https://site.example/crags/7",
		htmlResponder(`<html><head><title> Bordeaux Harbour </title></head><body></body></html>`))

	res, err := c.Fetch(context.Background(), "https://site.example/crags/7")
	require.NoError(t, err)
	assert.Equal(t, "Bordeaux Harbour", res.Title)
	assert.Contains(t, res.ContentType, "text/html")
	assert.Contains(t, string(res.Data), "<title>")
}

func TestFetch_NonSuccessStatus(t *testing.T) {
	c, _ := newMockedClient(t, "")
	httpmock.RegisterResponder("GET", "https://img.example/missing.jpg",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	_, err := c.Fetch(context.Background(), "https://img.example/missing.jpg")
	assert.ErrorIs(t, err, ErrStatus)
}

func TestFetch_RateLimitedHostFailsFast(t *testing.T) {
	c, limits := newMockedClient(t, "")
	httpmock.RegisterResponder("GET", "https://img.example/a.jpg",
		httpmock.NewStringResponder(http.StatusTooManyRequests, ""))

	_, err := c.Fetch(context.Background(), "https://img.example/a.jpg")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, limits.IsRateLimited("img.example"))

	_, err = c.Fetch(context.Background(), "https://img.example/a.jpg")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestFetch_ForbiddenDoesNotBlockHost(t *testing.T) {
	c, limits := newMockedClient(t, "")
	httpmock.RegisterResponder("GET", "https://img.example/private.jpg",
		httpmock.NewStringResponder(http.StatusForbidden, ""))
	httpmock.RegisterResponder("GET", "https://img.example/a.jpg",
		httpmock.NewBytesResponder(http.StatusOK, []byte{1}))

	_, err := c.Fetch(context.Background(), "https://img.example/private.jpg")
	require.ErrorIs(t, err, ErrStatus)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.False(t, limits.IsRateLimited("img.example"))

	_, err = c.Fetch(context.Background(), "https://img.example/a.jpg")
	assert.NoError(t, err)
}

func TestRenderMap_NotBlockedByThrottledPages(t *testing.T) {
	c, limits := newMockedClient(t, "https://site.example/map")
	httpmock.RegisterResponder("GET", "https://site.example/crags/7",
		httpmock.NewStringResponder(http.StatusTooManyRequests, ""))
	httpmock.RegisterResponder("GET", "https://site.example/map",
		httpmock.NewBytesResponder(http.StatusOK, []byte("PNGDATA")))

	_, err := c.Fetch(context.Background(), "https://site.example/crags/7")
	require.ErrorIs(t, err, ErrRateLimited)
	require.True(t, limits.IsRateLimited("site.example"))

	data, err := c.RenderMap(context.Background(), model.BBox{0, 0, 1, 1}, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.False(t, limits.IsRateLimited(MapLimitKey("https://site.example/map")))
}

func TestRenderMap_ThrottledMapFailsFast(t *testing.T) {
	c, limits := newMockedClient(t, "https://maps.example/render")
	httpmock.RegisterResponder("GET", "https://maps.example/render",
		httpmock.NewStringResponder(http.StatusTooManyRequests, ""))

	_, err := c.RenderMap(context.Background(), model.BBox{0, 0, 1, 1}, 10, 10)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, limits.IsRateLimited("map:maps.example"))
	assert.False(t, limits.IsRateLimited("maps.example"))

	_, err = c.RenderMap(context.Background(), model.BBox{0, 0, 1, 1}, 10, 10)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestMapLimitKey(t *testing.T) {
	assert.Equal(t, "map:maps.example:8080", MapLimitKey("https://maps.example:8080/render?style=x"))
	assert.Empty(t, MapLimitKey(""))
	assert.Empty(t, MapLimitKey("::bad"))
}

func TestFetch_CancelledContext(t *testing.T) {
	c, _ := newMockedClient(t, "")
	httpmock.RegisterResponder("GET", "https://img.example/a.jpg",
		httpmock.NewBytesResponder(http.StatusOK, []byte{1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "https://img.example/a.jpg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderMap_Query(t *testing.T) {
	c, _ := newMockedClient(t, "https://maps.example/render")

	var got *http.Request
	httpmock.RegisterResponder("GET", "https://maps.example/render",
		func(req *http.Request) (*http.Response, error) {
			got = req
			return httpmock.NewBytesResponse(http.StatusOK, []byte("PNGDATA")), nil
		})

	data, err := c.RenderMap(context.Background(), model.BBox{-2.6, 49.44, -2.55, 49.47}, 800, 600)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))

	require.NotNil(t, got)
	q := got.URL.Query()
	assert.Equal(t, "-2.6,49.44,-2.55,49.47", q.Get("bbox"))
	assert.Equal(t, "800", q.Get("width"))
	assert.Equal(t, "600", q.Get("height"))
}

func TestRenderMap_Failure(t *testing.T) {
	c, _ := newMockedClient(t, "https://maps.example/render")
	httpmock.RegisterResponder("GET", "https://maps.example/render",
		httpmock.NewStringResponder(http.StatusBadGateway, ""))

	_, err := c.RenderMap(context.Background(), model.BBox{0, 0, 1, 1}, 10, 10)
	assert.ErrorIs(t, err, ErrStatus)

	unconfigured, _ := newMockedClient(t, "")
	_, err = unconfigured.RenderMap(context.Background(), model.BBox{0, 0, 1, 1}, 10, 10)
	assert.Error(t, err)
}

func TestParsePoints(t *testing.T) {
	want := []model.Point{{X: 0.1, Y: 0.9}, {X: 0.5, Y: 0.2}}

	assert.Equal(t, want, ParsePoints(`[{"x":0.1,"y":0.9},{"x":0.5,"y":0.2}]`))
	assert.Equal(t, want, ParsePoints(`"[{\"x\":0.1,\"y\":0.9},{\"x\":0.5,\"y\":0.2}]"`))
	assert.Equal(t, []model.Point{{X: 1, Y: 1}}, ParsePoints(`[{"x":"a","y":1},{"x":1,"y":1}]`))
	assert.Nil(t, ParsePoints(`null`))
	assert.Nil(t, ParsePoints(``))
}
