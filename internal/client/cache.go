package client

import (
	"time"

	"github.com/coocood/freecache"
)

// contextCache holds resolver answers for a short time. Keys include the
// session user, so a session change never sees a stale answer.
type contextCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Clear()
}

type freeCache struct {
	cache *freecache.Cache
	ttl   int
}

func newContextCache(sizeMB int, ttl time.Duration) contextCache {
	if sizeMB <= 0 || ttl <= 0 {
		return noopCache{}
	}
	return &freeCache{
		cache: freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:   max(int(ttl.Seconds()), 1),
	}
}

func (c *freeCache) Get(key string) ([]byte, bool) {
	val, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *freeCache) Set(key string, value []byte) {
	_ = c.cache.Set([]byte(key), value, c.ttl)
}

func (c *freeCache) Clear() {
	c.cache.Clear()
}

type noopCache struct{}

func (noopCache) Get(string) ([]byte, bool) { return nil, false }
func (noopCache) Set(string, []byte)        {}
func (noopCache) Clear()                    {}
