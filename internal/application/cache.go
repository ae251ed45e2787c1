package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/apascualco/edgeway/internal/domain"
)

const cacheNamespace = "edgeway:cache:"

// ResponseCache stores successful GET responses in a CacheStore. A failing
// store never fails a request: reads degrade to a miss and writes are logged.
type ResponseCache struct {
	store domain.CacheStore
	group *singleflight.Group
	now   func() time.Time
}

type CacheOption func(*ResponseCache)

// WithCollapse makes concurrent misses on the same key share one upstream call.
func WithCollapse() CacheOption {
	return func(c *ResponseCache) {
		c.group = &singleflight.Group{}
	}
}

func NewResponseCache(store domain.CacheStore, opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ResponseCache) Get(ctx context.Context, key string) (*domain.CacheEntry, bool) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			slog.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}
	if entry.Expired(c.now()) {
		return nil, false
	}
	return entry, true
}

func (c *ResponseCache) Set(ctx context.Context, key string, entry *domain.CacheEntry, ttl time.Duration) {
	entry.Key = key
	entry.TTL = ttl
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}
	if err := c.store.Set(ctx, key, entry, ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *ResponseCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// Collapse runs fn once for all concurrent callers sharing key when collapsing
// is enabled. Callers that did not run fn get their own copy of the response.
// A shared fetch runs detached from the caller that started it, bounded by
// budget, so one caller leaving does not fail the others. A caller whose ctx
// ends first gets ctx.Err() while the fetch carries on.
func (c *ResponseCache) Collapse(ctx context.Context, key string, budget time.Duration, fn func(context.Context) (*Response, error)) (*Response, error) {
	if c.group == nil {
		return fn(ctx)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		return fn(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		resp, _ := res.Val.(*Response)
		if res.Shared && resp != nil {
			resp = resp.clone()
		}
		return resp, res.Err
	}
}

// Key builds the cache key of a request under the service's key strategy.
// Request headers listed in the cache policy are folded into a short hash.
func (c *ResponseCache) Key(def *domain.ServiceDefinition, method, path, rawQuery string, header http.Header) string {
	var policy domain.CachePolicy
	if def.Cache != nil {
		policy = *def.Cache
	}

	var b strings.Builder
	b.WriteString(cacheNamespace)
	b.WriteString(def.Name)
	b.WriteByte(':')
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)

	var query string
	switch policy.Key {
	case domain.KeyPath:
	case domain.KeyParams:
		query = canonicalQuery(rawQuery, policy.QueryParams)
	default:
		query = canonicalQuery(rawQuery, nil)
	}
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}

	names := policy.Headers
	if def.AuthRequired {
		// Responses behind authentication are per principal.
		names = append(append([]string(nil), names...), "X-User-ID")
	}
	if h := headerHash(header, names); h != "" {
		b.WriteString("#h:")
		b.WriteString(h)
	}
	return b.String()
}

// canonicalQuery sorts parameters by name and keeps only the listed names
// when keep is non-empty. url.Values.Encode sorts by key.
func canonicalQuery(rawQuery string, keep []string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	if len(keep) > 0 {
		filtered := url.Values{}
		for _, name := range keep {
			if v, ok := values[name]; ok {
				filtered[name] = v
			}
		}
		values = filtered
	}
	for _, v := range values {
		sort.Strings(v)
	}
	return values.Encode()
}

func headerHash(header http.Header, names []string) string {
	if len(names) == 0 || header == nil {
		return ""
	}

	seen := make(map[string]bool, len(names))
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		name = http.CanonicalHeaderKey(name)
		if !seen[name] {
			seen[name] = true
			sorted = append(sorted, name)
		}
	}
	sort.Strings(sorted)

	var parts []string
	for _, name := range sorted {
		for _, v := range header.Values(name) {
			parts = append(parts, name+"="+v)
		}
	}
	if len(parts) == 0 {
		return ""
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:8])
}
