package mapping

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/sirupsen/logrus"
)

type CacheStats struct {
	Entries  int           `json:"entries"`
	Active   int           `json:"active"`
	LoadedAt time.Time     `json:"loaded_at"`
	Age      time.Duration `json:"age"`
	TTL      time.Duration `json:"ttl"`
	Loads    int           `json:"loads"`
}

// MasterCache is a whole-table snapshot of the material master keyed by normalized
// description. It is replaced wholesale when older than TTL or after Invalidate, never
// patched entry by entry.
type MasterCache struct {
	load func(ctx context.Context) ([]models.MaterialMasterEntry, error)
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	byDesc   map[string]models.MaterialMasterEntry
	byCode   map[string]models.MaterialMasterEntry
	loadedAt time.Time
	loads    int
}

func NewMasterCache(load func(ctx context.Context) ([]models.MaterialMasterEntry, error), ttl time.Duration) *MasterCache {
	return &MasterCache{load: load, ttl: ttl, now: time.Now}
}

// snapshot returns the current maps, reloading when stale. A failed reload returns the
// error instead of serving the expired snapshot.
func (c *MasterCache) snapshot(ctx context.Context) (map[string]models.MaterialMasterEntry, map[string]models.MaterialMasterEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byDesc != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.byDesc, c.byCode, nil
	}
	entries, err := c.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	byDesc := make(map[string]models.MaterialMasterEntry, len(entries))
	byCode := make(map[string]models.MaterialMasterEntry, len(entries))
	for _, e := range entries {
		key := utils.NormalizeKey(e.NestingDescription)
		if key == "" {
			continue
		}
		e.NestingDescription = key
		// An inactive duplicate never shadows an active entry.
		if prev, ok := byDesc[key]; !ok || (!prev.Active && e.Active) {
			byDesc[key] = e
		}
		if e.Active && e.CanonicalCode != "" {
			if _, ok := byCode[e.CanonicalCode]; !ok {
				byCode[e.CanonicalCode] = e
			}
		}
	}
	c.byDesc, c.byCode = byDesc, byCode
	c.loadedAt = c.now()
	c.loads++

	config.GetLogger().WithFields(logrus.Fields{
		"field":   "mapping",
		"entries": len(byDesc),
	}).Debug("material master cache refreshed")
	return byDesc, byCode, nil
}

// Get returns the active entry for a description.
func (c *MasterCache) Get(ctx context.Context, description string) (models.MaterialMasterEntry, bool, error) {
	byDesc, _, err := c.snapshot(ctx)
	if err != nil {
		return models.MaterialMasterEntry{}, false, err
	}
	e, ok := byDesc[utils.NormalizeKey(description)]
	if !ok || !e.Active {
		return models.MaterialMasterEntry{}, false, nil
	}
	return e, true, nil
}

// ByCanonicalCode returns the first active entry carrying code.
func (c *MasterCache) ByCanonicalCode(ctx context.Context, code string) (models.MaterialMasterEntry, bool, error) {
	_, byCode, err := c.snapshot(ctx)
	if err != nil {
		return models.MaterialMasterEntry{}, false, err
	}
	e, ok := byCode[code]
	return e, ok, nil
}

func (c *MasterCache) Invalidate() {
	c.mu.Lock()
	c.byDesc, c.byCode = nil, nil
	c.mu.Unlock()
}

func (c *MasterCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Entries: len(c.byDesc), LoadedAt: c.loadedAt, TTL: c.ttl, Loads: c.loads}
	for _, e := range c.byDesc {
		if e.Active {
			stats.Active++
		}
	}
	if c.byDesc != nil {
		stats.Age = c.now().Sub(c.loadedAt)
	}
	return stats
}
