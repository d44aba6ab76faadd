package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeingest/internal/model"
)

func newTestCache(t *testing.T, clock clockwork.Clock) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	driver, err := NewFSDriver(dir)
	require.NoError(t, err)
	c, err := New(Config{Driver: driver, TTL: 30 * 24 * time.Hour, Clock: clock})
	require.NoError(t, err)
	return c, dir
}

func testKey(reporter string, month int) Key {
	return Key{Reporter: reporter, Period: model.Period{Year: 2022, Month: month}, Flow: model.FlowImport}
}

func TestKey_Path(t *testing.T) {
	t.Parallel()

	key := testKey("DE", 1)
	assert.Equal(t, "DE/202201/M.json", key.Path())

	key.Refinement = model.Refinement{Kind: model.RefineCommodity, Code: "0101"}
	assert.Equal(t, "DE/202201/M_cmd-0101.json", key.Path())

	key.Reporter = "../etc"
	assert.False(t, strings.Contains(key.Path(), "/../"))
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c, _ := newTestCache(t, clock)
	ctx := context.Background()

	_, ok := c.Get(ctx, testKey("DE", 1))
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, testKey("DE", 1), []byte(`{"data":[{"a":1}]}`)))

	entry, ok := c.Get(ctx, testKey("DE", 1))
	require.True(t, ok)
	assert.JSONEq(t, `{"data":[{"a":1}]}`, string(entry.Payload))
	assert.True(t, clock.Now().Equal(entry.FetchedAt))
	assert.Equal(t, "DE/202201/M", entry.Key)

	require.NoError(t, c.Put(ctx, testKey("DE", 1), []byte(`{"data":[]}`)))
	entry, ok = c.Get(ctx, testKey("DE", 1))
	require.True(t, ok)
	assert.JSONEq(t, `{"data":[]}`, string(entry.Payload))
}

func TestCache_TTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	c, dir := newTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testKey("FR", 2), []byte(`{}`)))

	clock.Advance(30*24*time.Hour - time.Second)
	_, ok := c.Get(ctx, testKey("FR", 2))
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, testKey("FR", 2))
	assert.False(t, ok)

	_, err := os.Stat(filepath.Join(dir, "FR", "202202", "M.json"))
	assert.NoError(t, err, "expired entries are not deleted on read")
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	c, dir := newTestCache(t, clockwork.NewFakeClock())
	ctx := context.Background()

	path := filepath.Join(dir, "DE", "202201", "M.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	for _, body := range []string{`{"key":"DE/202201/M","fetched_at":`, `not json`, `{"key":"x"}`} {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, ok := c.Get(ctx, testKey("DE", 1))
		assert.False(t, ok, body)
	}
}

func TestFSDriver_WriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	driver, err := NewFSDriver(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, driver.Write(ctx, "DE/202201/M.json", []byte(`{"a":1}`)))
	require.NoError(t, driver.Write(ctx, "DE/202201/M.json", []byte(`{"a":2}`)))

	entries, err := os.ReadDir(filepath.Join(dir, "DE", "202201"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "M.json", entries[0].Name())

	data, err := driver.Read(ctx, "DE/202201/M.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	_, err = driver.Read(ctx, "DE/202202/M.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSDriver_ListSkipsTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	driver, err := NewFSDriver(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, driver.Write(ctx, "DE/202201/M.json", []byte(`{}`)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DE", "202201", tempPrefix+"123"), []byte(`{`), 0o644))

	objects, err := driver.List(ctx)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "DE/202201/M.json", objects[0].Path)
}

func TestCache_ClearAndStats(t *testing.T) {
	t.Parallel()

	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	clock := clockwork.NewFakeClockAt(old)
	c, dir := newTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testKey("DE", 1), []byte(`{"data":[]}`)))
	clock.Advance(now.Sub(old))
	for month := 2; month <= 3; month++ {
		require.NoError(t, c.Put(ctx, testKey("DE", month), []byte(`{"data":[]}`)))
	}
	require.NoError(t, os.Chtimes(filepath.Join(dir, "DE", "202201", "M.json"), old, old))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Positive(t, stats.Bytes)
	assert.WithinDuration(t, old, stats.Oldest, time.Second)

	removed, err := c.ClearOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := c.Get(ctx, testKey("DE", 1))
	assert.False(t, ok)
	_, ok = c.Get(ctx, testKey("DE", 2))
	assert.True(t, ok)

	removed, err = c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestCache_ClearOlderThanUsesFetchedAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now.Add(-10 * 24 * time.Hour))
	c, dir := newTestCache(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, testKey("DE", 1), []byte(`{"data":[]}`)))
	clock.Advance(10 * 24 * time.Hour)
	require.NoError(t, c.Put(ctx, testKey("DE", 2), []byte(`{"data":[]}`)))

	// A restored tree: the stale entry looks freshly written, the fresh one looks old.
	stale := filepath.Join(dir, "DE", "202201", "M.json")
	fresh := filepath.Join(dir, "DE", "202202", "M.json")
	recent, long := time.Now(), now.Add(-30*24*time.Hour)
	require.NoError(t, os.Chtimes(stale, recent, recent))
	require.NoError(t, os.Chtimes(fresh, long, long))

	// Undecodable entries fall back to their modification time.
	corrupt := filepath.Join(dir, "DE", "202203", "M.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(corrupt), 0o755))
	require.NoError(t, os.WriteFile(corrupt, []byte("not json"), 0o644))
	require.NoError(t, os.Chtimes(corrupt, long, long))

	removed, err := c.ClearOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, corrupt)
	assert.FileExists(t, fresh)
	_, ok := c.Get(ctx, testKey("DE", 2))
	assert.True(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	t.Parallel()

	c := Disabled()
	ctx := context.Background()

	assert.False(t, c.Enabled())
	require.NoError(t, c.Put(ctx, testKey("DE", 1), []byte(`{}`)))
	_, ok := c.Get(ctx, testKey("DE", 1))
	assert.False(t, ok)
	removed, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
