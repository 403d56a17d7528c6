package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MetadataCache is an optional redis-backed cache in front of the
// document store's metadata and ACL lookups, plus live presence counters
// per document for operational visibility. State bytes are never cached:
// rooms own the authoritative in-memory state while active.
type MetadataCache struct {
	client *redis.Client
	ttl    time.Duration
}

type cachedRecord struct {
	Meta Metadata `json:"meta"`
	ACL  ACL      `json:"acl"`
}

// NewMetadataCache connects to redis and verifies the connection.
func NewMetadataCache(url string, ttl time.Duration) (*MetadataCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &MetadataCache{client: client, ttl: ttl}, nil
}

// GetMetadata returns the cached metadata and ACL for a document, or
// (nil, nil) on a cache miss.
func (c *MetadataCache) GetMetadata(ctx context.Context, docID string) (*Metadata, ACL, error) {
	data, err := c.client.Get(ctx, "doc:"+docID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var rec cachedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, err
	}
	return &rec.Meta, rec.ACL, nil
}

// SetMetadata caches the metadata and ACL for a document.
func (c *MetadataCache) SetMetadata(ctx context.Context, meta Metadata, acl ACL) error {
	data, err := json.Marshal(cachedRecord{Meta: meta, ACL: acl})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "doc:"+meta.DocID, data, c.ttl).Err()
}

// Invalidate drops the cache entry for a document. Called on every
// metadata or ACL write.
func (c *MetadataCache) Invalidate(ctx context.Context, docID string) error {
	return c.client.Del(ctx, "doc:"+docID).Err()
}

// Presence operations

// AddPresence records a principal as present in a document.
func (c *MetadataCache) AddPresence(ctx context.Context, docID, principalID string) error {
	return c.client.SAdd(ctx, "presence:"+docID, principalID).Err()
}

// RemovePresence removes a principal from a document's presence set.
func (c *MetadataCache) RemovePresence(ctx context.Context, docID, principalID string) error {
	return c.client.SRem(ctx, "presence:"+docID, principalID).Err()
}

// ClearPresence drops the presence set, used when a room is destroyed.
func (c *MetadataCache) ClearPresence(ctx context.Context, docID string) error {
	return c.client.Del(ctx, "presence:"+docID).Err()
}

// Presence lists the principals currently present in a document.
func (c *MetadataCache) Presence(ctx context.Context, docID string) ([]string, error) {
	return c.client.SMembers(ctx, "presence:"+docID).Result()
}

// Close releases the redis connection.
func (c *MetadataCache) Close() error {
	return c.client.Close()
}
