// Package onair holds the in-memory projection of the retained on-air
// tree: the last published payload per (facet, entity). It is the broker-free
// read path for de-duplication checks and the ops API.
package onair

import (
	"sort"
	"sync"
)

// Cache is the facet/entity projection. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	byFacet map[string]map[string][]byte
}

// NewCache creates an empty projection.
func NewCache() *Cache {
	return &Cache{
		byFacet: make(map[string]map[string][]byte),
	}
}

// Get returns the cached payload for (facet, entity), or nil when the pair
// has never been projected. The returned slice must not be modified.
func (c *Cache) Get(facet, entity string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.byFacet[facet][entity]
}

// Set records the payload for (facet, entity), replacing any previous one.
func (c *Cache) Set(facet, entity string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entities, ok := c.byFacet[facet]
	if !ok {
		entities = make(map[string][]byte)
		c.byFacet[facet] = entities
	}

	entities[entity] = payload
}

// List returns the cached payloads for a facet keyed by entity. The result
// is a copy of the map; the payload slices are shared.
func (c *Cache) List(facet string) map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entities := c.byFacet[facet]
	out := make(map[string][]byte, len(entities))

	for entity, payload := range entities {
		out[entity] = payload
	}

	return out
}

// Facets returns the facets with at least one projected entity, sorted.
func (c *Cache) Facets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	facets := make([]string, 0, len(c.byFacet))

	for facet, entities := range c.byFacet {
		if len(entities) > 0 {
			facets = append(facets, facet)
		}
	}

	sort.Strings(facets)

	return facets
}
