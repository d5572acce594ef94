package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cragpack/internal/logging"
	"cragpack/internal/model"
	"cragpack/internal/ratelimit"
)

const defaultUserAgent = "cragpack/1.0"

// ClientConfig configures the HTTP client
type ClientConfig struct {
	Timeout           time.Duration
	RetryMax          int
	RequestsPerSecond float64 // <= 0 disables pacing
	UserAgent         string
	MapURL            string // map rasterization endpoint
	Limits            *ratelimit.Handler
	Log               logrus.FieldLogger
}

// Resource is a fetched response body
type Resource struct {
	URL         string
	ContentType string
	Data        []byte
	Title       string // <title> of HTML pages
}

// Client fetches pages, photographs and map rasters
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	limits    *ratelimit.Handler
	mapURL    string
	userAgent string
	log       logrus.FieldLogger
}

// NewClient builds a retrying, paced HTTP client
func NewClient(cfg ClientConfig) *Client {
	log := logging.Component(cfg.Log, "remote")

	rc := retryablehttp.NewClient()
	rc.Logger = logging.NewRetryableLogger(cfg.Log)
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	// Throttling responses go to the rate-limit handler instead of being retried
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && ratelimit.IsRateLimitStatus(resp.StatusCode) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if cfg.RequestsPerSecond > 1 {
			burst = int(cfg.RequestsPerSecond)
		}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &Client{
		http:      rc,
		limiter:   rate.NewLimiter(limit, burst),
		limits:    cfg.Limits,
		mapURL:    strings.TrimRight(cfg.MapURL, "?"),
		userAgent: ua,
		log:       log,
	}
}

// HTTPClient exposes the underlying client, e.g. for transport mocking
func (c *Client) HTTPClient() *http.Client {
	return c.http.HTTPClient
}

// Fetch GETs rawURL. Non-2xx responses fail with ErrStatus.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Resource, error) {
	return c.get(ctx, rawURL, "", nil)
}

// RenderMap requests a base map raster for bbox (lon/lat) at width x height pixels
func (c *Client) RenderMap(ctx context.Context, bbox model.BBox, width, height int) ([]byte, error) {
	if c.mapURL == "" {
		return nil, fmt.Errorf("map render url is not configured")
	}

	q := url.Values{}
	q.Set("bbox", formatBBox(bbox))
	q.Set("width", strconv.Itoa(width))
	q.Set("height", strconv.Itoa(height))

	sep := "?"
	if strings.Contains(c.mapURL, "?") {
		sep = "&"
	}

	res, err := c.get(ctx, c.mapURL+sep+q.Encode(), MapLimitKey(c.mapURL), nil)
	if err != nil {
		return nil, fmt.Errorf("render map: %w", err)
	}
	return res.Data, nil
}

// MapLimitKey is the rate-limit key map renders against mapURL are tracked
// under. It differs from the host key, so throttled page or photograph
// fetches never hold back the map endpoint on the same host.
func MapLimitKey(mapURL string) string {
	u, err := url.Parse(mapURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return "map:" + u.Host
}

// get fetches rawURL, backing off under limitKey, or the URL's host when
// limitKey is empty
func (c *Client) get(ctx context.Context, rawURL, limitKey string, header http.Header) (*Resource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := limitKey
	if host == "" {
		host = u.Host
	}

	if c.limits != nil && c.limits.IsRateLimited(host) {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, host)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if c.limits != nil && c.limits.CheckResponse(host, resp) {
		return nil, fmt.Errorf("%w: %s returned %d", ErrRateLimited, host, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s returned %d", ErrStatus, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	res := &Resource{
		URL:         rawURL,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}
	if strings.HasPrefix(res.ContentType, "text/html") {
		res.Title = pageTitle(data)
		c.log.WithFields(logrus.Fields{"url": rawURL, "title": res.Title}).Debug("fetched page")
	}
	return res, nil
}

func pageTitle(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func formatBBox(b model.BBox) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
