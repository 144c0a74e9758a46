package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"omniagent/pkg/models"
)

// Deduper decides whether an update has been seen before. Seen marks and
// checks atomically: the first caller for a key gets false, every later
// caller within the TTL gets true.
type Deduper interface {
	Seen(ctx context.Context, channel models.ChannelType, updateID string) (bool, error)
}

// DedupConfig tunes deduplication.
type DedupConfig struct {
	// TTL bounds how long an update id is remembered.
	TTL time.Duration
	// CacheSize caps the in-process LRU.
	CacheSize int
	// KeyPrefix namespaces the distributed keys.
	KeyPrefix string
}

func (c *DedupConfig) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 4096
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "omniagent"
	}
}

// LRUDeduper is the in-process backend: an expiring LRU keyed by
// (channel, update_id).
type LRUDeduper struct {
	cache *expirable.LRU[string, struct{}]
}

// NewLRUDeduper creates the in-process backend.
func NewLRUDeduper(cfg DedupConfig) *LRUDeduper {
	cfg.withDefaults()
	return &LRUDeduper{cache: expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.TTL)}
}

func (d *LRUDeduper) Seen(_ context.Context, channel models.ChannelType, updateID string) (bool, error) {
	key := string(channel) + ":" + updateID
	if _, ok := d.cache.Get(key); ok {
		return true, nil
	}
	d.cache.Add(key, struct{}{})
	return false, nil
}

// ValkeyDeduper is the cross-process backend. SET NX EX guarantees at
// most one processor per update id globally within the TTL. A local LRU
// fronts it so repeated duplicates skip the network round trip.
type ValkeyDeduper struct {
	client *redis.Client
	local  *LRUDeduper
	cfg    DedupConfig
}

// NewValkeyDeduper creates the distributed backend over an existing
// client.
func NewValkeyDeduper(client *redis.Client, cfg DedupConfig) *ValkeyDeduper {
	cfg.withDefaults()
	return &ValkeyDeduper{
		client: client,
		local:  NewLRUDeduper(cfg),
		cfg:    cfg,
	}
}

func (d *ValkeyDeduper) Seen(ctx context.Context, channel models.ChannelType, updateID string) (bool, error) {
	if seen, _ := d.local.Seen(ctx, channel, updateID); seen {
		return true, nil
	}
	key := fmt.Sprintf("%s:dedup:%s:%s", d.cfg.KeyPrefix, channel, updateID)
	set, err := d.client.SetNX(ctx, key, "1", d.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !set, nil
}
