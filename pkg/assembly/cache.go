package assembly

import (
	"encoding/json"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

const (
	DefaultCacheTTL         = 5 * time.Minute
	DefaultSweepProbability = 0.1
)

type cacheEntry struct {
	campaignID string
	value      ContextAssembly
	expiresAt  time.Time
}

// Cache is a process-local TTL cache of assembled contexts. Expired entries
// are never served; they are removed lazily on lookup and by a sweep that
// runs with a small probability on every call.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry

	ttl       time.Duration
	sweepProb float64
	now       func() time.Time
	roll      func() float64
}

type CacheOption func(*Cache)

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithSweepRoll replaces the random source deciding when to sweep.
func WithSweepRoll(roll func() float64) CacheOption {
	return func(c *Cache) { c.roll = roll }
}

func NewCache(ttl time.Duration, sweepProbability float64, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		entries:   make(map[string]cacheEntry),
		ttl:       ttl,
		sweepProb: sweepProbability,
		now:       time.Now,
		roll:      rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey scopes a hash of the normalized query and options to a campaign.
func CacheKey(campaignID, query string, opts Options) string {
	canonical, _ := json.Marshal(opts.normalized())
	h := xxhash.New()
	_, _ = h.WriteString(strings.ToLower(strings.TrimSpace(query)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(canonical)
	return campaignID + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// Get returns a copy of the cached assembly. Slices and relationship
// metadata are cloned; entity content stays shared and must not be mutated.
func (c *Cache) Get(key string) (ContextAssembly, bool) {
	c.maybeSweep()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return ContextAssembly{}, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return ContextAssembly{}, false
	}
	return cloneAssembly(e.value), true
}

// Set stores a copy of value, so later changes by the caller do not leak in.
func (c *Cache) Set(key, campaignID string, value ContextAssembly) {
	value = cloneAssembly(value)
	c.mu.Lock()
	c.entries[key] = cacheEntry{campaignID: campaignID, value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func cloneAssembly(a ContextAssembly) ContextAssembly {
	out := a
	out.Planning = slices.Clone(a.Planning)
	if a.GraphRAG != nil {
		out.GraphRAG = make([]EntityContext, len(a.GraphRAG))
		for i, ec := range a.GraphRAG {
			out.GraphRAG[i] = cloneEntityContext(ec)
		}
	}
	return out
}

func cloneEntityContext(ec EntityContext) EntityContext {
	out := ec
	out.Neighbors = slices.Clone(ec.Neighbors)
	if ec.Relationships != nil {
		out.Relationships = make([]common.EntityRelationship, len(ec.Relationships))
		for i, r := range ec.Relationships {
			if r.Strength != nil {
				v := *r.Strength
				r.Strength = &v
			}
			r.Metadata = maps.Clone(r.Metadata)
			out.Relationships[i] = r
		}
	}
	if ec.WorldState != nil {
		ws := *ec.WorldState
		ws.Metadata = maps.Clone(ws.Metadata)
		out.WorldState = &ws
	}
	return out
}

// Invalidate drops every entry of the campaign and returns how many went.
func (c *Cache) Invalidate(campaignID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.campaignID == campaignID {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) maybeSweep() {
	if c.sweepProb <= 0 || c.roll() >= c.sweepProb {
		return
	}
	c.Sweep()
}

// Sweep evicts all expired entries.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
