package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/database"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a shared roster load independently of any single caller.
const loadTimeout = 30 * time.Second

// Options configure a Cache.
type Options struct {
	TTL            time.Duration // entry expiry; 0 uses constants.RosterTTL
	IndexThreshold int           // template count above which an HNSW index is built; negative disables
	Dim            int           // expected embedding dimension; 0 accepts the first seen
	Logger         *slog.Logger
	OnLoad         func(classID string, result string, d time.Duration)
}

// Stats describe cache effectiveness.
type Stats struct {
	Classes int    `json:"classes"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Loads   uint64 `json:"loads"`
}

// Cache holds one Roster per class. Loads for the same class are coalesced
// so concurrent misses query the store once. Invalidate drops an entry and
// discards any load that was already in flight for it.
type Cache struct {
	store   database.TemplateReader
	entries *cache.Cache
	group   singleflight.Group
	opts    Options
	logger  *slog.Logger

	genMu sync.Mutex
	gen   map[string]uint64

	hits   atomic.Uint64
	misses atomic.Uint64
	loads  atomic.Uint64
}

// NewCache creates a roster cache backed by the given template store.
func NewCache(store database.TemplateReader, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = constants.RosterTTL
	}
	if opts.IndexThreshold == 0 {
		opts.IndexThreshold = constants.RosterIndexThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		entries: cache.New(opts.TTL, opts.TTL*2),
		opts:    opts,
		logger:  logger.With("component", "roster"),
		gen:     make(map[string]uint64),
	}
}

// Get returns the cached roster of a class without loading.
func (c *Cache) Get(classID string) (*Roster, bool) {
	v, ok := c.entries.Get(classID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return v.(*Roster), true
}

// GetOrLoad returns the cached roster or loads it on a miss.
func (c *Cache) GetOrLoad(ctx context.Context, classID string) (*Roster, error) {
	if r, ok := c.Get(classID); ok {
		return r, nil
	}
	return c.Load(ctx, classID)
}

// Load fetches the class roster from the store. If a cached roster has the
// same version it is kept and only its expiry is refreshed.
func (c *Cache) Load(ctx context.Context, classID string) (*Roster, error) {
	ch := c.group.DoChan(classID, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(loadCtx, classID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Roster), nil
	}
}

func (c *Cache) load(ctx context.Context, classID string) (*Roster, error) {
	start := time.Now()
	gen := c.generation(classID)

	version, err := c.store.ClassVersion(ctx, classID)
	if err != nil {
		c.report(classID, "error", start)
		return nil, fmt.Errorf("roster version for class %s: %w", classID, err)
	}

	if v, ok := c.entries.Get(classID); ok {
		if cached := v.(*Roster); cached.Version == version {
			c.setIfCurrent(classID, gen, cached)
			c.report(classID, "unchanged", start)
			return cached, nil
		}
	}

	templates, err := c.store.LoadTemplatesForClass(ctx, classID)
	if err != nil {
		c.report(classID, "error", start)
		return nil, fmt.Errorf("load roster for class %s: %w", classID, err)
	}
	c.loads.Add(1)

	r := build(classID, version, templates, c.opts.Dim, c.opts.IndexThreshold, c.logger)
	c.setIfCurrent(classID, gen, r)
	c.report(classID, "loaded", start)

	c.logger.Info("roster loaded",
		"class_id", classID,
		"students", r.Students(),
		"templates", r.Templates(),
		"skipped", r.Skipped,
		"indexed", r.Indexed(),
		"version", version,
		"duration", time.Since(start))
	return r, nil
}

func (c *Cache) report(classID, result string, start time.Time) {
	if c.opts.OnLoad != nil {
		c.opts.OnLoad(classID, result, time.Since(start))
	}
}

func (c *Cache) generation(classID string) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	gen, ok := c.gen[classID]
	if !ok {
		// Tracked from the first load so Clear reaches loads in flight
		c.gen[classID] = 0
	}
	return gen
}

// setIfCurrent stores r unless the class was invalidated after the load started.
func (c *Cache) setIfCurrent(classID string, gen uint64, r *Roster) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gen[classID] != gen {
		return
	}
	c.entries.Set(classID, r, cache.DefaultExpiration)
}

// Invalidate drops the roster of a class. The next GetOrLoad reloads it.
func (c *Cache) Invalidate(classID string) {
	c.genMu.Lock()
	c.gen[classID]++
	c.entries.Delete(classID)
	c.genMu.Unlock()
	c.group.Forget(classID)
	c.logger.Debug("roster invalidated", "class_id", classID)
}

// Clear drops every cached roster.
func (c *Cache) Clear() {
	c.genMu.Lock()
	for classID := range c.gen {
		c.gen[classID]++
		c.group.Forget(classID)
	}
	c.entries.Flush()
	c.genMu.Unlock()
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Classes: c.entries.ItemCount(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Loads:   c.loads.Load(),
	}
}
