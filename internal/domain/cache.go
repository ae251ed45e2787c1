package domain

import (
	"net/http"
	"time"
)

type CacheEntry struct {
	Key      string        `json:"key"`
	Status   int           `json:"status"`
	Header   http.Header   `json:"header,omitempty"`
	Body     []byte        `json:"body"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

func (e *CacheEntry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && !now.Before(e.ExpiresAt())
}

func (e *CacheEntry) Clone() *CacheEntry {
	out := *e
	out.Header = e.Header.Clone()
	out.Body = append([]byte(nil), e.Body...)
	return &out
}
