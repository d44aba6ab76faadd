package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"tradeingest/internal/metrics"
	"tradeingest/internal/model"
)

var (
	ErrNotFound = errors.New("cache: entry not found")
	ErrCorrupt  = errors.New("cache: entry corrupt")
)

// Driver stores opaque blobs by path. Write must publish atomically: readers see either
// the previous blob or the complete new one.
type Driver interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context) ([]Object, error)
}

type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Key addresses one cached provider response.
type Key struct {
	Reporter   string
	Period     model.Period
	Flow       model.Flow
	Refinement model.Refinement
}

func KeyFor(unit model.FetchUnit) Key {
	return Key{
		Reporter:   unit.Reporter,
		Period:     unit.Period,
		Flow:       unit.Flow,
		Refinement: unit.Refinement,
	}
}

// Path renders <reporter>/<period>/<flow>[_<kind>-<code>].json.
func (k Key) Path() string {
	name := string(k.Flow)
	if !k.Refinement.IsZero() {
		name += "_" + string(k.Refinement.Kind) + "-" + sanitize(k.Refinement.Code)
	}
	return sanitize(k.Reporter) + "/" + k.Period.String() + "/" + name + ".json"
}

func (k Key) String() string {
	return strings.TrimSuffix(k.Path(), ".json")
}

type Entry struct {
	Key       string          `json:"key"`
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

type Stats struct {
	Entries int
	Bytes   int64
	Oldest  time.Time
	Newest  time.Time
}

type Config struct {
	Driver Driver
	TTL    time.Duration
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

type Cache struct {
	driver Driver
	ttl    time.Duration
	clock  clockwork.Clock
	log    *slog.Logger
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		driver: cfg.Driver,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		log:    cfg.Logger,
	}, nil
}

// Disabled returns a cache that misses on every lookup and discards writes.
func Disabled() *Cache {
	return &Cache{clock: clockwork.NewRealClock(), log: slog.Default()}
}

func (c *Cache) Enabled() bool {
	return c.driver != nil
}

// Get returns the entry only when it exists, decodes, and is younger than the TTL.
// Expired entries are left in place.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	if c.driver == nil {
		return Entry{}, false
	}
	path := key.Path()
	data, err := c.driver.Read(ctx, path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("cache: read failed", "key", path, "error", err)
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}

	entry, err := decodeEntry(data)
	if err != nil {
		c.log.Warn("cache: treating corrupt entry as miss", "key", path, "error", err)
		metrics.CacheLookups.WithLabelValues("corrupt").Inc()
		return Entry{}, false
	}
	if age := c.clock.Since(entry.FetchedAt); age >= c.ttl {
		c.log.Debug("cache: entry expired", "key", path, "age", age)
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return Entry{}, false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return entry, true
}

func (c *Cache) Put(ctx context.Context, key Key, payload []byte) error {
	if c.driver == nil {
		return nil
	}
	path := key.Path()
	data, err := json.Marshal(Entry{
		Key:       key.String(),
		FetchedAt: c.clock.Now().UTC(),
		Payload:   json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", path, err)
	}
	if err := c.driver.Write(ctx, path, data); err != nil {
		return fmt.Errorf("cache: write %s: %w", path, err)
	}
	return nil
}

// Clear removes every entry and returns how many were deleted.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	return c.deleteWhere(ctx, func(Object) bool { return true })
}

// ClearOlderThan removes entries fetched more than age ago, judged by the envelope's fetched_at
// as Get does. Entries that cannot be decoded fall back to the object's modification time.
func (c *Cache) ClearOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := c.clock.Now().Add(-age)
	return c.deleteWhere(ctx, func(obj Object) bool {
		return c.fetchedAt(ctx, obj).Before(cutoff)
	})
}

func (c *Cache) fetchedAt(ctx context.Context, obj Object) time.Time {
	data, err := c.driver.Read(ctx, obj.Path)
	if err != nil {
		return obj.ModTime
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return obj.ModTime
	}
	return entry.FetchedAt
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if c.driver == nil {
		return stats, nil
	}
	objects, err := c.driver.List(ctx)
	if err != nil {
		return stats, fmt.Errorf("cache: list: %w", err)
	}
	for _, obj := range objects {
		stats.Entries++
		stats.Bytes += obj.Size
		if stats.Oldest.IsZero() || obj.ModTime.Before(stats.Oldest) {
			stats.Oldest = obj.ModTime
		}
		if obj.ModTime.After(stats.Newest) {
			stats.Newest = obj.ModTime
		}
	}
	return stats, nil
}

func (c *Cache) deleteWhere(ctx context.Context, match func(Object) bool) (int, error) {
	if c.driver == nil {
		return 0, nil
	}
	objects, err := c.driver.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: list: %w", err)
	}
	removed := 0
	for _, obj := range objects {
		if !match(obj) {
			continue
		}
		if err := c.driver.Delete(ctx, obj.Path); err != nil {
			return removed, fmt.Errorf("cache: delete %s: %w", obj.Path, err)
		}
		removed++
	}
	return removed, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if entry.FetchedAt.IsZero() || len(entry.Payload) == 0 {
		return Entry{}, fmt.Errorf("%w: missing fetched_at or payload", ErrCorrupt)
	}
	return entry, nil
}

func sanitize(segment string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(segment))
}
