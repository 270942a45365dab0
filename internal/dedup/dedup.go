// Package dedup provides a TTL cache keyed by request fingerprint so that
// identical requests arriving inside the window are answered from cache
// instead of consuming provider capacity.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CachedResponse is the serializable slice of a completed request kept for
// duplicate arrivals.
type CachedResponse struct {
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	ProviderID string    `json:"provider_id"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is a fingerprint-keyed TTL cache. Lookup returns ok=false for
// missing or expired entries. Implementations are safe for concurrent use.
type Store interface {
	Lookup(ctx context.Context, fingerprint string) (*CachedResponse, bool, error)
	Store(ctx context.Context, fingerprint string, resp *CachedResponse) error
	Close() error
}

// Fingerprint derives the cache key for a request. Task and context are
// normalized so trivial whitespace differences do not defeat deduplication.
func Fingerprint(agentID, task, contextData string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(normalize(task)))
	h.Write([]byte{0})
	h.Write([]byte(normalize(contextData)))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
