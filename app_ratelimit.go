package main

import (
	"context"
	"net/url"
	"sort"

	"github.com/sirupsen/logrus"

	"cragpack/internal/ratelimit"
	"cragpack/internal/remote"
)

// watchRateLimits logs hosts entering and leaving backoff
func (a *App) watchRateLimits() {
	a.limits.SetOnRateLimit(func(e ratelimit.Event) {
		a.log.WithFields(logrus.Fields{
			"host":    e.Host,
			"status":  e.StatusCode,
			"attempt": e.Attempt,
		}).Warn(e.Message)
		a.TrackEvent("rate_limited", map[string]interface{}{
			"host":   e.Host,
			"status": e.StatusCode,
		})
	})
	a.limits.SetOnRecovered(func(host string) {
		a.log.WithField("host", host).Info("rate limit cleared")
	})
}

// RateLimitStatus returns the backoff state of every configured host that
// is currently limited
func (a *App) RateLimitStatus() []ratelimit.Event {
	var events []ratelimit.Event
	for _, host := range a.knownHosts() {
		if e := a.limits.State(host); e != nil && a.limits.IsRateLimited(host) {
			events = append(events, *e)
		}
	}
	return events
}

// knownHosts lists the distinct rate-limit keys the engine backs off under
func (a *App) knownHosts() []string {
	hosts := hostsOf(a.settings.Remote.RESTURL, a.settings.Site.BaseURL)
	if key := remote.MapLimitKey(a.settings.Map.RenderURL); key != "" {
		hosts = append(hosts, key)
	}
	return hosts
}

func hostsOf(rawURLs ...string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		hosts = append(hosts, u.Host)
	}
	sort.Strings(hosts)
	return hosts
}

// CacheStats represents blob cache statistics
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	SizeMB    float64 `json:"sizeMB"`
	CachePath string  `json:"cachePath"`
	Snapshots int     `json:"snapshots"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats(ctx context.Context) (CacheStats, error) {
	metas, err := a.service.List(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	s := a.service.Stats()
	return CacheStats{
		Entries:   s.Entries,
		SizeBytes: s.Bytes,
		SizeMB:    float64(s.Bytes) / 1024 / 1024,
		CachePath: a.blobs.Dir(),
		Snapshots: len(metas),
	}, nil
}
