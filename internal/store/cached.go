package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/vesta/internal/cache"
	"github.com/oriys/vesta/internal/domain"
	"github.com/oriys/vesta/internal/logging"
)

// DefaultCacheTTL bounds how stale a cached function record may get when an
// invalidation is missed (e.g. the registry is mutated out of band).
const DefaultCacheTTL = 30 * time.Second

// CachedRegistry decorates a Registry with a read-through cache on the
// invoke hot path (GetFunctionByName). Mutations write through and
// invalidate. Everything else delegates.
type CachedRegistry struct {
	Registry
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedRegistry wraps reg with c. A nil cache returns reg unchanged.
func NewCachedRegistry(reg Registry, c cache.Cache, ttl time.Duration) Registry {
	if c == nil {
		return reg
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRegistry{Registry: reg, cache: c, ttl: ttl}
}

func fnNameKey(name string) string { return "fn:name:" + name }

func (c *CachedRegistry) GetFunctionByName(ctx context.Context, name string) (*domain.Function, error) {
	if data, err := c.cache.Get(ctx, fnNameKey(name)); err == nil {
		var fn domain.Function
		if err := json.Unmarshal(data, &fn); err == nil {
			return &fn, nil
		}
	}

	fn, err := c.Registry.GetFunctionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(fn); err == nil {
		if err := c.cache.Set(ctx, fnNameKey(name), data, c.ttl); err != nil {
			logging.Op().Debug("cache set failed", "key", name, "error", err)
		}
	}
	return fn, nil
}

func (c *CachedRegistry) SaveFunction(ctx context.Context, fn *domain.Function) error {
	if err := c.Registry.SaveFunction(ctx, fn); err != nil {
		return err
	}
	c.invalidate(ctx, fn.Name)
	return nil
}

func (c *CachedRegistry) DeleteFunction(ctx context.Context, id string) error {
	// Resolve the name before the row disappears so the cache entry goes
	// with it.
	if fn, err := c.Registry.GetFunction(ctx, id); err == nil {
		defer c.invalidate(ctx, fn.Name)
	}
	return c.Registry.DeleteFunction(ctx, id)
}

func (c *CachedRegistry) invalidate(ctx context.Context, name string) {
	if err := c.cache.Delete(ctx, fnNameKey(name)); err != nil {
		logging.Op().Debug("cache invalidate failed", "key", name, "error", err)
	}
}

func (c *CachedRegistry) Close() error {
	c.cache.Close()
	return c.Registry.Close()
}
