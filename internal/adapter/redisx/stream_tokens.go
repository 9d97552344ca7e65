package redisx

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seekerhq/crawld/internal/domain"
)

// StreamTokens implements domain.StreamTokens: single-use, short-TTL
// tokens binding a log-stream subscription to one job. Consumption is
// atomic (GETDEL), so a replayed token always fails.
type StreamTokens struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStreamTokens(client *redis.Client, ttl time.Duration) *StreamTokens {
	return &StreamTokens{client: client, ttl: ttl}
}

func tokenKey(token string) string { return "crawld:wstoken:" + token }

// Issue mints a random token bound to jobID for the configured TTL.
func (t *StreamTokens) Issue(ctx domain.Context, jobID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("op=stream_tokens.issue: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := t.client.Set(ctx, tokenKey(token), jobID, t.ttl).Err(); err != nil {
		return "", fmt.Errorf("op=stream_tokens.issue: job_id=%s: %w", jobID, err)
	}
	return token, nil
}

// Consume validates and invalidates the token in one step, returning
// the bound job id. Unknown or expired tokens return ErrNotFound.
func (t *StreamTokens) Consume(ctx domain.Context, token string) (string, error) {
	jobID, err := t.client.GetDel(ctx, tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.E("stream_tokens.consume", domain.ErrNotFound, "invalid or expired token")
		}
		return "", fmt.Errorf("op=stream_tokens.consume: %w", err)
	}
	return jobID, nil
}
