package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupTestStore(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions", "sessions.json")
	return NewManager(opts...), path
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func TestManager_LoadMissingFile(t *testing.T) {
	mgr, path := setupTestStore(t)

	records := mgr.Load(context.Background(), path, LoadOptions{})
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestManager_LoadCorruptFile(t *testing.T) {
	mgr, path := setupTestStore(t)
	writeRaw(t, path, "{not json")

	assert.Empty(t, mgr.Load(context.Background(), path, LoadOptions{}))

	writeRaw(t, path, `["an", "array"]`)
	assert.Empty(t, mgr.Load(context.Background(), path, LoadOptions{SkipCache: true}))
}

func TestManager_LoadSkipsMalformedRecords(t *testing.T) {
	mgr, path := setupTestStore(t)
	writeRaw(t, path, `{
  "agent:main:main": {"sessionId": "s1", "updatedAt": 1000, "label": "ok"},
  "agent:main:no-id": {"updatedAt": 1000},
  "agent:main:no-time": {"sessionId": "s3"},
  "agent:main:bad-type": {"sessionId": "s4", "updatedAt": "yesterday"},
  "agent:main:scalar": 42,
  "agent:main:thread": {"sessionId": "s5", "updatedAt": 2000, "lastThreadId": 17}
}`)

	records := mgr.Load(context.Background(), path, LoadOptions{})

	require.Len(t, records, 2)
	assert.Equal(t, "ok", records["agent:main:main"].Label)
	assert.Equal(t, ThreadID("17"), records["agent:main:thread"].LastThreadID)
}

func TestManager_SaveAndLoad(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	ts := nowMillis()

	records := map[string]SessionEntry{
		"agent:main:main": {
			SessionID: "s1",
			UpdatedAt: ts,
			Channel:   "telegram",
			Origin:    &SessionOrigin{Provider: "telegram", ThreadID: "9"},
			Extra:     map[string]interface{}{"k": "v"},
		},
	}
	require.NoError(t, mgr.Save(ctx, path, records, SaveOptions{}))

	loaded := mgr.Load(ctx, path, LoadOptions{})
	assert.Equal(t, records, loaded)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"agent:main:main\": {")
	assert.Contains(t, string(data), `"sessionId": "s1"`)
	assert.NotContains(t, string(data), "abortedLastRun")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "temp file left behind: %s", entry.Name())
	}
}

func TestManager_LoadReturnsPrivateCopy(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{
		"k": {SessionID: "s1", UpdatedAt: nowMillis(), Origin: &SessionOrigin{Label: "a"}, Extra: map[string]interface{}{"n": "1"}},
	}, SaveOptions{}))

	first := mgr.Load(ctx, path, LoadOptions{})
	entry := first["k"]
	entry.Origin.Label = "mutated"
	entry.Extra["n"] = "mutated"
	delete(first, "k")

	second := mgr.Load(ctx, path, LoadOptions{})
	require.Contains(t, second, "k")
	assert.Equal(t, "a", second["k"].Origin.Label)
	assert.Equal(t, "1", second["k"].Extra["n"])
}

func TestManager_CacheServesUnchangedFile(t *testing.T) {
	t.Setenv(CacheTTLEnv, "")
	now := time.Now()
	mgr, path := setupTestStore(t, WithCacheTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	writeRaw(t, path, `{"k": {"sessionId": "old", "updatedAt": 1}}`)
	info, err := os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, "old", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)

	// Same mtime: the cached copy is still considered valid.
	writeRaw(t, path, `{"k": {"sessionId": "new", "updatedAt": 1}}`)
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	assert.Equal(t, "old", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)

	// SkipCache always reads the file.
	assert.Equal(t, "new", mgr.Load(ctx, path, LoadOptions{SkipCache: true})["k"].SessionID)

	// Past the TTL the file is re-read.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, "new", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)
}

func TestManager_CacheInvalidatedByModTime(t *testing.T) {
	t.Setenv(CacheTTLEnv, "")
	mgr, path := setupTestStore(t, WithCacheTTL(time.Hour))
	ctx := context.Background()

	writeRaw(t, path, `{"k": {"sessionId": "old", "updatedAt": 1}}`)
	assert.Equal(t, "old", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)

	writeRaw(t, path, `{"k": {"sessionId": "new", "updatedAt": 1}}`)
	later := time.Now().Add(5 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	assert.Equal(t, "new", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)
}

func TestManager_SaveInvalidatesCache(t *testing.T) {
	t.Setenv(CacheTTLEnv, "")
	mgr, path := setupTestStore(t, WithCacheTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{"a": {SessionID: "1", UpdatedAt: nowMillis()}}, SaveOptions{}))
	require.Len(t, mgr.Load(ctx, path, LoadOptions{}), 1)

	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{
		"a": {SessionID: "1", UpdatedAt: nowMillis()},
		"b": {SessionID: "2", UpdatedAt: nowMillis()},
	}, SaveOptions{}))
	assert.Len(t, mgr.Load(ctx, path, LoadOptions{}), 2)
}

func TestManager_LoadAfterSaveDoesNotJoinEarlierRead(t *testing.T) {
	t.Setenv(CacheTTLEnv, "")
	mgr, path := setupTestStore(t, WithCacheTTL(time.Hour))
	ctx := context.Background()
	writeRaw(t, path, fmt.Sprintf(`{"agent:main:old":{"sessionId":"old","updatedAt":%d}}`, nowMillis()))

	entered := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	var blockOnce sync.Once
	mgr.readFile = func(p string) ([]byte, error) {
		data, err := os.ReadFile(p)
		blocked := false
		blockOnce.Do(func() { blocked = true })
		if blocked {
			close(entered)
			<-release
		}
		return data, err
	}

	first := make(chan map[string]SessionEntry, 1)
	go func() { first <- mgr.Load(ctx, path, LoadOptions{}) }()
	<-entered

	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{
		"agent:main:new": {SessionID: "new", UpdatedAt: nowMillis()},
	}, SaveOptions{SkipMaintenance: true}))

	second := make(chan map[string]SessionEntry, 1)
	go func() { second <- mgr.Load(ctx, path, LoadOptions{}) }()

	select {
	case got := <-second:
		assert.Contains(t, got, "agent:main:new")
		assert.NotContains(t, got, "agent:main:old")
	case <-time.After(5 * time.Second):
		t.Fatal("load after save waited on a read that started before the save")
	}

	unblock()
	assert.Contains(t, <-first, "agent:main:old")
	assert.Contains(t, mgr.Load(ctx, path, LoadOptions{}), "agent:main:new")
}

func TestManager_ZeroTTLAlwaysReadsDisk(t *testing.T) {
	t.Setenv(CacheTTLEnv, "0")
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	assert.LessOrEqual(t, mgr.CacheTTL(), time.Duration(0))

	writeRaw(t, path, `{"k": {"sessionId": "v1", "updatedAt": 1}}`)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)

	writeRaw(t, path, `{"k": {"sessionId": "v2", "updatedAt": 1}}`)
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	assert.Equal(t, "v2", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)
	assert.Equal(t, "v2", mgr.Load(ctx, path, LoadOptions{})["k"].SessionID)
}

func TestManager_CacheTTLFromEnv(t *testing.T) {
	t.Setenv(CacheTTLEnv, "1500")
	assert.Equal(t, 1500*time.Millisecond, NewManager(WithCacheTTL(time.Hour)).CacheTTL())

	t.Setenv(CacheTTLEnv, "bogus")
	assert.Equal(t, time.Hour, NewManager(WithCacheTTL(time.Hour)).CacheTTL())

	t.Setenv(CacheTTLEnv, "")
	assert.Equal(t, DefaultCacheTTL, NewManager().CacheTTL())
}

func TestUpdate_ConcurrentUpdatesLoseNothing(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	const n = 40

	var g errgroup.Group
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("agent:main:direct:user%d", i)
		g.Go(func() error {
			_, err := Update(ctx, mgr, path, func(records map[string]SessionEntry) (struct{}, error) {
				records[key] = MergeEntry(nil, SessionPatch{}, time.Now())
				return struct{}{}, nil
			}, SaveOptions{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	records := mgr.Load(ctx, path, LoadOptions{SkipCache: true})
	assert.Len(t, records, n)
	for i := 0; i < n; i++ {
		assert.Contains(t, records, fmt.Sprintf("agent:main:direct:user%d", i))
	}
}

func TestUpdate_DifferentPathsInParallel(t *testing.T) {
	mgr := NewManager()
	dir := t.TempDir()
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("store-%d.json", i))
		g.Go(func() error {
			_, err := mgr.UpdateEntry(ctx, path, "agent:main:main", SessionPatch{})
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 4; i++ {
		records := mgr.Load(ctx, filepath.Join(dir, fmt.Sprintf("store-%d.json", i)), LoadOptions{})
		assert.Len(t, records, 1)
	}
}

func TestUpdate_MutateErrorAbortsWrite(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	_, err := mgr.UpdateEntry(ctx, path, "keep", SessionPatch{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Update(ctx, mgr, path, func(records map[string]SessionEntry) (int, error) {
		delete(records, "keep")
		return 0, boom
	}, SaveOptions{})
	assert.ErrorIs(t, err, boom)

	assert.Contains(t, mgr.Load(ctx, path, LoadOptions{SkipCache: true}), "keep")
}

func TestUpdate_ReturnsMutateResult(t *testing.T) {
	mgr, path := setupTestStore(t)

	count, err := Update(context.Background(), mgr, path, func(records map[string]SessionEntry) (int, error) {
		records["a"] = SessionEntry{SessionID: "a", UpdatedAt: nowMillis()}
		records["b"] = SessionEntry{SessionID: "b", UpdatedAt: nowMillis()}
		return len(records), nil
	}, SaveOptions{})

	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestManager_SaveErrorPropagates(t *testing.T) {
	mgr := NewManager()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := mgr.Save(context.Background(), filepath.Join(blocker, "sessions.json"), map[string]SessionEntry{}, SaveOptions{})
	assert.Error(t, err)
}

func TestManager_UpdateEntryMergesPatch(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()

	first, err := mgr.UpdateEntry(ctx, path, "agent:main:main", SessionPatch{Channel: String("telegram")})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)

	second, err := mgr.UpdateEntry(ctx, path, "agent:main:main", SessionPatch{Label: String("ops")})
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, "telegram", second.Channel)
	assert.Equal(t, "ops", second.Label)
	assert.GreaterOrEqual(t, second.UpdatedAt, first.UpdatedAt)

	got, ok := mgr.Get(ctx, path, "agent:main:main")
	require.True(t, ok)
	assert.Equal(t, second, got)
}

func TestManager_ReadUpdatedAt(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	ts := nowMillis()
	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{"k": {SessionID: "s", UpdatedAt: ts}}, SaveOptions{}))

	got, ok := mgr.ReadUpdatedAt(ctx, path, "k")
	assert.True(t, ok)
	assert.Equal(t, ts, got)

	_, ok = mgr.ReadUpdatedAt(ctx, path, "missing")
	assert.False(t, ok)
}

func TestManager_Delete(t *testing.T) {
	mgr, path := setupTestStore(t)
	ctx := context.Background()
	_, err := mgr.UpdateEntry(ctx, path, "k", SessionPatch{})
	require.NoError(t, err)

	removed, err := mgr.Delete(ctx, path, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = mgr.Delete(ctx, path, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestManager_SaveRunsMaintenance(t *testing.T) {
	now := time.Now()
	mgr, path := setupTestStore(t,
		WithClock(func() time.Time { return now }),
		WithMaintenance(MaintenanceConfig{PruneAfter: time.Hour, MaxEntries: 2}),
	)
	ctx := context.Background()

	records := map[string]SessionEntry{
		"stale":  {SessionID: "1", UpdatedAt: now.Add(-2 * time.Hour).UnixMilli()},
		"oldest": {SessionID: "2", UpdatedAt: now.Add(-30 * time.Minute).UnixMilli()},
		"middle": {SessionID: "3", UpdatedAt: now.Add(-20 * time.Minute).UnixMilli()},
		"newest": {SessionID: "4", UpdatedAt: now.Add(-10 * time.Minute).UnixMilli()},
	}
	require.NoError(t, mgr.Save(ctx, path, records, SaveOptions{}))

	loaded := mgr.Load(ctx, path, LoadOptions{})
	assert.Len(t, loaded, 2)
	assert.Contains(t, loaded, "middle")
	assert.Contains(t, loaded, "newest")

	require.NoError(t, mgr.Save(ctx, path, map[string]SessionEntry{
		"stale": {SessionID: "1", UpdatedAt: now.Add(-2 * time.Hour).UnixMilli()},
	}, SaveOptions{SkipMaintenance: true}))
	assert.Contains(t, mgr.Load(ctx, path, LoadOptions{}), "stale")
}

func TestManager_MaintainRotatesAndAudits(t *testing.T) {
	var audit bytes.Buffer
	now := time.Now()
	mgr, path := setupTestStore(t,
		WithClock(func() time.Time { return now }),
		WithMaintenance(MaintenanceConfig{RotateBytes: 64, PruneAfter: time.Hour}),
		WithAuditLogger(observability.NewAuditLogger(&audit)),
	)
	ctx := context.Background()

	records := map[string]SessionEntry{}
	for i := 0; i < 5; i++ {
		records[fmt.Sprintf("agent:main:direct:user%d", i)] = SessionEntry{SessionID: fmt.Sprint(i), UpdatedAt: now.UnixMilli()}
	}
	records["stale"] = SessionEntry{SessionID: "old", UpdatedAt: now.Add(-2 * time.Hour).UnixMilli()}
	require.NoError(t, mgr.Save(ctx, path, records, SaveOptions{SkipMaintenance: true}))

	report, err := mgr.Maintain(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Pruned)
	assert.True(t, report.Rotated)
	assert.Equal(t, 5, report.Remaining)
	assert.Equal(t, path+".bak."+fmt.Sprint(now.UnixMilli()), report.BackupTo)

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Equal(t, []string{report.BackupTo}, backups)

	// The live file was rewritten after rotation.
	assert.Len(t, mgr.Load(ctx, path, LoadOptions{}), 5)
	assert.Contains(t, audit.String(), `"action":"maintenance:run"`)
}
