package api

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bluesphere/oceantemp/internal/metrics"
)

// Cache entity names. The batch jobs invalidate by these names after a
// recompute, so they must match the prefixes the scheduler uses.
const (
	entityTemperatures = "temperatures"
	entityAnomalies    = "anomalies"
	entityHeatwaves    = "heatwaves"
	entityAvailability = "availability"
	entitySummary      = "summary"
	entityForecast     = "forecast"
	entityModels       = "models"
)

// cacheSpecs sizes each segment and sets its TTL to the cadence of the
// job that refreshes the backing tables: aggregation is hourly, the
// anomaly/heatwave refresh nightly, availability changes only as data
// arrives, forecasts go stale quickly as new observations land.
var cacheSpecs = []struct {
	entity string
	size   int
	ttl    time.Duration
}{
	{entityTemperatures, 256, time.Hour},
	{entityAnomalies, 256, time.Hour},
	{entityHeatwaves, 128, 2 * time.Hour},
	{entityAvailability, 64, 6 * time.Hour},
	{entitySummary, 128, 30 * time.Minute},
	{entityForecast, 128, 15 * time.Minute},
	{entityModels, 16, 15 * time.Minute},
}

// Cache holds rendered response bodies, one LRU segment per entity so
// a recompute can drop exactly the entities it touched. It satisfies
// jobs.CacheInvalidator.
type Cache struct {
	segments map[string]*expirable.LRU[string, []byte]
}

func NewCache() *Cache {
	c := &Cache{segments: make(map[string]*expirable.LRU[string, []byte], len(cacheSpecs))}
	for _, spec := range cacheSpecs {
		entity := spec.entity
		onEvict := func(string, []byte) {
			metrics.CacheEvents.WithLabelValues(entity, "evict").Inc()
		}
		c.segments[entity] = expirable.NewLRU[string, []byte](spec.size, onEvict, spec.ttl)
	}
	return c
}

// Get returns the cached body for the entity and key, if still fresh.
func (c *Cache) Get(entity, key string) ([]byte, bool) {
	seg, ok := c.segments[entity]
	if !ok {
		return nil, false
	}
	body, ok := seg.Get(key)
	if ok {
		metrics.CacheEvents.WithLabelValues(entity, "hit").Inc()
	} else {
		metrics.CacheEvents.WithLabelValues(entity, "miss").Inc()
	}
	return body, ok
}

// Put stores a rendered body. Unknown entities are dropped silently so
// a handler can opt out of caching by using an unregistered name.
func (c *Cache) Put(entity, key string, body []byte) {
	if seg, ok := c.segments[entity]; ok {
		seg.Add(key, body)
	}
}

// InvalidatePrefix drops every cached response for the entity.
func (c *Cache) InvalidatePrefix(prefix string) {
	if seg, ok := c.segments[prefix]; ok {
		seg.Purge()
		metrics.CacheEvents.WithLabelValues(prefix, "invalidate").Inc()
	}
}
