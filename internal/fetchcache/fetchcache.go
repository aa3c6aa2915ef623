// Package fetchcache memoizes a stateres.FetchFunc so that Resolve's many
// repeated lookups of the same ancestor event (auth chains overlap
// heavily between forks) hit the network or database once rather than
// once per reference.
package fetchcache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/element-hq/stateres"
)

var errNotFound = errors.New("fetchcache: event not found")

// Config sizes the underlying Ristretto cache. NumCounters follows
// Ristretto's own guidance of roughly 10x the number of items expected to
// fit, and defaults to a reasonable fleet-wide value when left zero.
type Config struct {
	NumCounters int64
	MaxCost     int64
	MaxAge      time.Duration
}

// Cache wraps a Ristretto cost-bounded cache and a singleflight group
// around a stateres.FetchFunc.
type Cache struct {
	store *ristretto.Cache
	group singleflight.Group
	ttl   time.Duration
}

// New constructs a Cache. Each cached event costs 1 unit, so MaxCost is
// effectively a cap on the number of distinct events held at once.
func New(cfg Config) (*Cache, error) {
	numCounters := cfg.NumCounters
	if numCounters == 0 {
		numCounters = 1e6
	}
	maxCost := cfg.MaxCost
	if maxCost == 0 {
		maxCost = 1 << 16
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, ttl: cfg.MaxAge}, nil
}

// Wrap returns a FetchFunc backed by fetch, memoizing successful lookups.
// Concurrent calls for the same event id are coalesced via singleflight so
// a burst of replay steps needing the same ancestor issues one underlying
// fetch. ok=false results are never cached: an event's absence is often
// transient (it simply hasn't arrived over federation yet).
func (c *Cache) Wrap(fetch stateres.FetchFunc) stateres.FetchFunc {
	return func(ctx context.Context, eventID string) (stateres.Event, bool) {
		if v, found := c.store.Get(eventID); found {
			return v.(stateres.Event), true
		}

		v, err, _ := c.group.Do(eventID, func() (interface{}, error) {
			ev, ok := fetch(ctx, eventID)
			if !ok {
				return nil, errNotFound
			}
			return ev, nil
		})
		if err != nil {
			return nil, false
		}

		ev := v.(stateres.Event)
		if c.ttl > 0 {
			c.store.SetWithTTL(eventID, ev, 1, c.ttl)
		} else {
			c.store.Set(eventID, ev, 1)
		}
		c.store.Wait()
		return ev, true
	}
}

// Close releases the cache's background goroutines.
func (c *Cache) Close() { c.store.Close() }
