package cache

import (
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const shardCount = 16

// Entry is a cached upstream response: status line, headers, and body
// exactly as the upstream produced them.
type Entry struct {
	Response []byte
	StoredAt time.Time
}

// Cache is a concurrent key to Entry store with single-flight population.
type Cache struct {
	shards [shardCount]*gocache.Cache
	group  singleflight.Group
}

// New returns an empty cache. A zero ttl keeps entries for the life of the
// process; a positive ttl expires them and runs a background janitor.
func New(ttl time.Duration) *Cache {
	exp := gocache.NoExpiration
	var cleanup time.Duration
	if ttl > 0 {
		exp = ttl
		cleanup = ttl
	}

	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = gocache.New(exp, cleanup)
	}
	return c
}

// Cacheable reports whether responses to method may be cached.
func Cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Key derives the cache key for a request. Absolute-form targets are used
// as given; origin-form targets are qualified with the Host header.
func Key(method, target, host string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "/") {
		target = "http://" + strings.TrimSpace(host) + target
	}
	return strings.TrimSpace(method) + " " + target
}

func (c *Cache) shard(key string) *gocache.Cache {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the entry stored under key.
func (c *Cache) Get(key string) (*Entry, bool) {
	v, ok := c.shard(key).Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Do returns the entry for key, calling fetch to populate it if needed.
//
// Concurrent callers for the same key share a single fetch: one of them
// runs fetch and stores the result, the others block until it finishes and
// receive the same entry. fetched is true only for the caller whose fetch
// actually ran. A failed fetch is not stored and is returned only to the
// caller that ran it; waiters on a failed flight try again and, absent a
// stored entry, run their own fetch.
func (c *Cache) Do(key string, fetch func() ([]byte, error)) (entry *Entry, fetched bool, err error) {
	for {
		v, err, _ := c.group.Do(key, func() (any, error) {
			// Another flight may have completed between the caller's miss and
			// joining this one.
			if e, ok := c.Get(key); ok {
				return e, nil
			}

			fetched = true
			resp, err := fetch()
			if err != nil {
				return nil, err
			}

			e := &Entry{Response: resp, StoredAt: time.Now()}
			c.shard(key).Set(key, e, gocache.DefaultExpiration)
			return e, nil
		})
		if err == nil {
			return v.(*Entry), fetched, nil
		}
		if fetched {
			return nil, true, err
		}
	}
}

// Len returns the number of entries, including any expired entries the
// janitor has not yet removed.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.ItemCount()
	}
	return n
}
