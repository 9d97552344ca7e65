package redisx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seekerhq/crawld/internal/domain"
)

// URLDedup implements domain.URLDedup with SETNX under a TTL window.
// URLs are keyed by hash so arbitrary lengths stay bounded.
type URLDedup struct {
	client *redis.Client
	ttl    time.Duration
}

func NewURLDedup(client *redis.Client, ttl time.Duration) *URLDedup {
	return &URLDedup{client: client, ttl: ttl}
}

func urlKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "crawld:urldedup:" + hex.EncodeToString(sum[:])
}

// Seen marks the URL and reports whether it was already marked within
// the window.
func (d *URLDedup) Seen(ctx domain.Context, url string) (bool, error) {
	set, err := d.client.SetNX(ctx, urlKey(url), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=url_dedup.seen: %w", err)
	}
	return !set, nil
}
