// Package cache provides an optional Redis-backed read-through cache for
// hot lookups (templates by name, online node list).
//
// Entries live for at most five seconds and are never authoritative: a
// miss, a marshalling problem or a Redis outage silently falls through to
// the entity store. When caching is disabled every call is a miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// DefaultTTL bounds staleness of every cached read.
const DefaultTTL = 5 * time.Second

// Config holds cache configuration.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// Cache wraps a Redis client. A nil or disabled cache is safe to use;
// all reads miss and all writes are dropped.
type Cache struct {
	client  *redis.Client
	enabled bool
}

// NewCache creates a cache instance. When enabled, the connection is
// verified with a short ping so a misconfigured Redis fails fast.
func NewCache(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, enabled: true}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// get unmarshals a cached value into dest, reporting a hit.
func (c *Cache) get(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || !c.enabled {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		logger.Log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		c.client.Del(ctx, key)
		return false
	}
	return true
}

// set stores a value with the default TTL. Failures are logged, not
// surfaced: the cache is never load-bearing.
func (c *Cache) set(ctx context.Context, key string, val interface{}) {
	if c == nil || !c.enabled {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, DefaultTTL).Err(); err != nil {
		logger.Log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// TemplateSource is the uncached template lookup.
type TemplateSource interface {
	GetTemplateByName(ctx context.Context, name string) (*db.Template, error)
	GetTemplate(ctx context.Context, id string) (*db.Template, error)
}

// Templates is a read-through template lookup.
type Templates struct {
	cache  *Cache
	source TemplateSource
}

// NewTemplates wraps a template store with the cache.
func NewTemplates(cache *Cache, source TemplateSource) *Templates {
	return &Templates{cache: cache, source: source}
}

// GetTemplate resolves a template by id, serving from cache when fresh.
func (t *Templates) GetTemplate(ctx context.Context, id string) (*db.Template, error) {
	key := "template:id:" + id
	var tmpl db.Template
	if t.cache.get(ctx, key, &tmpl) {
		return &tmpl, nil
	}

	fresh, err := t.source.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	t.cache.set(ctx, key, fresh)
	return fresh, nil
}

// GetTemplateByName resolves a template by name, serving from cache when
// fresh.
func (t *Templates) GetTemplateByName(ctx context.Context, name string) (*db.Template, error) {
	key := "template:name:" + name
	var tmpl db.Template
	if t.cache.get(ctx, key, &tmpl) {
		return &tmpl, nil
	}

	fresh, err := t.source.GetTemplateByName(ctx, name)
	if err != nil {
		return nil, err
	}
	t.cache.set(ctx, key, fresh)
	return fresh, nil
}

// NodeSource is the uncached node listing.
type NodeSource interface {
	ListNodesByStatus(ctx context.Context, status string) ([]*db.RuntimeNode, error)
}

// Nodes is a read-through node listing, shaped to drop into the
// scheduler as its NodeLister.
type Nodes struct {
	cache  *Cache
	source NodeSource
}

// NewNodes wraps a node store with the cache.
func NewNodes(cache *Cache, source NodeSource) *Nodes {
	return &Nodes{cache: cache, source: source}
}

// ListNodesByStatus lists nodes in a status, serving from cache when
// fresh.
func (n *Nodes) ListNodesByStatus(ctx context.Context, status string) ([]*db.RuntimeNode, error) {
	key := "nodes:status:" + status
	var nodes []*db.RuntimeNode
	if n.cache.get(ctx, key, &nodes) {
		return nodes, nil
	}

	fresh, err := n.source.ListNodesByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	n.cache.set(ctx, key, fresh)
	return fresh, nil
}
