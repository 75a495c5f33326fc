package session

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneStale(t *testing.T) {
	now := time.Now()
	records := map[string]SessionEntry{
		"fresh": {SessionID: "1", UpdatedAt: now.Add(-time.Hour).UnixMilli()},
		"stale": {SessionID: "2", UpdatedAt: now.Add(-31 * 24 * time.Hour).UnixMilli()},
	}

	pruned := PruneStale(records, 0, now)

	assert.Equal(t, 1, pruned)
	assert.Contains(t, records, "fresh")
	assert.NotContains(t, records, "stale")
}

func TestCapCount(t *testing.T) {
	records := map[string]SessionEntry{
		"a": {SessionID: "a", UpdatedAt: 1},
		"b": {SessionID: "b", UpdatedAt: 3},
		"c": {SessionID: "c", UpdatedAt: 2},
		"d": {SessionID: "d", UpdatedAt: 3},
	}

	assert.Equal(t, 0, CapCount(records, 10))
	assert.Equal(t, 2, CapCount(records, 2))
	assert.Equal(t, map[string]SessionEntry{
		"b": {SessionID: "b", UpdatedAt: 3},
		"d": {SessionID: "d", UpdatedAt: 3},
	}, records)
}

func TestPruneThenCap_NeverGrowsAndKeepsNewest(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	now := time.Now()

	for round := 0; round < 50; round++ {
		records := make(map[string]SessionEntry)
		n := rng.Intn(40)
		for i := 0; i < n; i++ {
			age := time.Duration(rng.Intn(60*24)) * time.Hour
			records[fmt.Sprintf("k%d", i)] = SessionEntry{SessionID: fmt.Sprint(i), UpdatedAt: now.Add(-age).UnixMilli()}
		}
		before := len(records)

		PruneStale(records, 30*24*time.Hour, now)
		afterPrune := len(records)
		survivors := make([]int64, 0, afterPrune)
		for _, e := range records {
			survivors = append(survivors, e.UpdatedAt)
		}
		sort.Slice(survivors, func(i, j int) bool { return survivors[i] > survivors[j] })

		limit := 1 + rng.Intn(20)
		CapCount(records, limit)

		assert.LessOrEqual(t, afterPrune, before)
		assert.LessOrEqual(t, len(records), afterPrune)
		assert.LessOrEqual(t, len(records), limit)

		if len(records) > 0 && len(records) < afterPrune {
			threshold := survivors[len(records)-1]
			for _, e := range records {
				assert.GreaterOrEqual(t, e.UpdatedAt, threshold)
			}
		}
	}
}

func TestRotateFile_BelowThresholdIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	rotated, err := RotateFile(path, 1024, 3, time.Now())
	require.NoError(t, err)
	assert.False(t, rotated)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotateFile_MissingFile(t *testing.T) {
	rotated, err := RotateFile(filepath.Join(t.TempDir(), "missing.json"), 1, 3, time.Now())
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestRotateFile_KeepsNewestBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	payload := strings.Repeat("x", 128)
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))
		rotated, err := RotateFile(path, 64, 3, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, rotated)

		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	}

	backups, err := ListBackups(path)
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, path+".bak."+fmt.Sprint(base.Add(4*time.Second).UnixMilli()), backups[0])
	assert.Equal(t, path+".bak."+fmt.Sprint(base.Add(2*time.Second).UnixMilli()), backups[2])
}

func TestListBackups_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	for _, name := range []string{"sessions.json.bak.100", "sessions.json.bak.200", "other.json.bak.300", "sessions.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
	}

	backups, err := ListBackups(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "sessions.json.bak.200"),
		filepath.Join(dir, "sessions.json.bak.100"),
	}, backups)
}
