package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes secrets for ttl and collapses concurrent lookups of the
// same key into one provider call.
type Cache struct {
	src     Provider
	ttl     time.Duration
	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*cachedSecret
	stopped bool
}

type cachedSecret struct {
	value     []byte
	expiresAt time.Time
}

func NewCache(src Provider, ttl time.Duration) *Cache {
	return &Cache{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]*cachedSecret),
	}
}

func (c *Cache) GetSecret(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrProviderUnavailable
	}
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		v := string(e.value)
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		val, err := c.src.GetSecret(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !c.stopped {
			c.entries[key] = &cachedSecret{value: []byte(val), expiresAt: time.Now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Stop wipes every cached value; later lookups fail.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for k, e := range c.entries {
		for i := range e.value {
			e.value[i] = 0
		}
		delete(c.entries, k)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
