package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/loopflow/internal/cache"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func sampleDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:          id,
		Name:        "refine " + id,
		Description: "draft and review",
		Stages: []workflow.StageDefinition{{
			ID: "s1",
			Nodes: []workflow.WorkflowNode{{
				ID:       "n",
				Kind:     workflow.NodeKindFunction,
				Function: &workflow.FunctionConfig{Function: "trim"},
			}},
		}},
		Connections: []workflow.Connection{{From: "n", To: "n"}},
	}
}

func sampleLoop(id string, start time.Time) workflow.LoopSnapshot {
	return workflow.LoopSnapshot{LoopMetadata: workflow.LoopMetadata{
		LoopID:           id,
		Nodes:            []string{"n"},
		CurrentIteration: 2,
		MaxIterations:    5,
		StartTime:        start,
		History:          []string{"X", "X"},
		Status:           workflow.LoopConverged,
		StopReason:       workflow.ReasonConverged,
		Similarity:       1,
	}}
}

// =============================================================================
// Definition stores
// =============================================================================

func setupTestDB(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// 每个连接都是独立的内存库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	store := NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestDefinitionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) DefinitionStore{
		"memory": func(*testing.T) DefinitionStore { return NewMemoryDefinitionStore() },
		"gorm":   func(t *testing.T) DefinitionStore { return setupTestDB(t) },
		"cached": func(t *testing.T) DefinitionStore {
			_, c := setupTestCache(t)
			return NewCachedDefinitionStore(setupTestDB(t), c, time.Minute, nil)
		},
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			_, err := store.GetDefinition(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.SaveDefinition(ctx, &workflow.Definition{}), ErrInvalidInput)

			require.NoError(t, store.SaveDefinition(ctx, sampleDefinition("b")))
			require.NoError(t, store.SaveDefinition(ctx, sampleDefinition("a")))

			got, err := store.GetDefinition(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, sampleDefinition("a"), got)

			updated := sampleDefinition("a")
			updated.Name = "renamed"
			require.NoError(t, store.SaveDefinition(ctx, updated))
			got, err = store.GetDefinition(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Name)

			list, err := store.ListDefinitions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "renamed", list[0].Name)
			assert.Equal(t, "b", list[1].ID)

			require.NoError(t, store.DeleteDefinition(ctx, "a"))
			assert.ErrorIs(t, store.DeleteDefinition(ctx, "a"), ErrNotFound)
			_, err = store.GetDefinition(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "test:", DefaultTTL: time.Minute}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestCachedDefinitionStore(t *testing.T) {
	ctx := context.Background()
	mr, c := setupTestCache(t)
	backing := NewMemoryDefinitionStore()
	store := NewCachedDefinitionStore(backing, c, time.Hour, nil)

	require.NoError(t, store.SaveDefinition(ctx, sampleDefinition("a")))
	assert.False(t, mr.Exists("test:def:a"))

	_, err := store.GetDefinition(ctx, "a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:def:a"))
	assert.Equal(t, time.Hour, mr.TTL("test:def:a"))

	// 命中缓存时不再读底层存储
	require.NoError(t, backing.DeleteDefinition(ctx, "a"))
	got, err := store.GetDefinition(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "refine a", got.Name)

	// 保存会使缓存失效
	updated := sampleDefinition("a")
	updated.Name = "renamed"
	require.NoError(t, store.SaveDefinition(ctx, updated))
	assert.False(t, mr.Exists("test:def:a"))

	// 缓存不可用时回退到底层存储
	require.NoError(t, c.Close())
	got, err = store.GetDefinition(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.NoError(t, store.DeleteDefinition(ctx, "a"))
	_, err = store.GetDefinition(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// Run records
// =============================================================================

func TestGormStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		wf := "wf-a"
		if id == "run-3" {
			wf = "wf-b"
		}
		result := &workflow.RunResult{
			RunSnapshot: workflow.RunSnapshot{
				RunID:      id,
				WorkflowID: wf,
				Status:     workflow.RunCompleted,
				Input:      "in",
				Output:     "out " + id,
				StartTime:  base.Add(time.Duration(i) * time.Minute),
				EndTime:    base.Add(time.Duration(i)*time.Minute + time.Second),
			},
			Loops: []workflow.LoopSnapshot{sampleLoop("loop-"+id, base)},
			Log:   []workflow.LogEntry{{Time: base, Type: workflow.LogInfo, Message: "started"}},
		}
		require.NoError(t, store.SaveRun(ctx, result))
	}

	got, err := store.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "out run-2", got.Output)
	require.Len(t, got.Loops, 1)
	assert.Equal(t, []string{"X", "X"}, got.Loops[0].History)
	assert.Equal(t, "started", got.Log[0].Message)

	_, err = store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].RunID)

	onlyA, err := store.ListRuns(ctx, "wf-a", 1)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "run-2", onlyA[0].RunID)

	// Saving again replaces the record.
	got.Status = workflow.RunFailed
	require.NoError(t, store.SaveRun(ctx, got))
	again, err := store.GetRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, again.Status)

	assert.ErrorIs(t, store.SaveRun(ctx, &workflow.RunResult{}), ErrInvalidInput)
}

// =============================================================================
// Loop archives
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLoopArchive) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisLoopArchive(client, "test:", time.Hour)
}

func TestLoopArchives(t *testing.T) {
	archives := map[string]func(t *testing.T) LoopArchive{
		"memory": func(*testing.T) LoopArchive { return NewMemoryLoopArchive() },
		"redis": func(t *testing.T) LoopArchive {
			_, a := setupTestRedis(t)
			return a
		},
	}

	for name, factory := range archives {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			archive := factory(t)
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			_, err := archive.ListLoops(ctx, "run-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, archive.ArchiveLoop(ctx, "", sampleLoop("l", base)), ErrInvalidInput)

			require.NoError(t, archive.ArchiveLoop(ctx, "run-1", sampleLoop("late", base.Add(time.Minute))))
			require.NoError(t, archive.ArchiveLoop(ctx, "run-1", sampleLoop("early", base)))

			loops, err := archive.ListLoops(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, loops, 2)
			assert.Equal(t, "early", loops[0].LoopID)
			assert.Equal(t, "late", loops[1].LoopID)
			assert.Equal(t, workflow.LoopConverged, loops[0].Status)
			assert.Equal(t, []string{"X", "X"}, loops[0].History)
		})
	}
}

func TestRedisLoopArchive_KeysAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, archive := setupTestRedis(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, archive.Ping(ctx))
	require.NoError(t, archive.ArchiveLoop(ctx, "run-1", sampleLoop("loop-a", base)))
	require.NoError(t, archive.ArchiveLoop(ctx, "run-2", sampleLoop("loop-b", base)))

	assert.True(t, mr.Exists("test:loop:run:run-1"))
	assert.Equal(t, time.Hour, mr.TTL("test:loop:run:run-1"))

	loop, err := archive.GetLoop(ctx, "run-1", "loop-a")
	require.NoError(t, err)
	assert.Equal(t, 2, loop.CurrentIteration)

	_, err = archive.GetLoop(ctx, "run-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Every archived key carries the TTL, so nothing outlives its run.
	assert.ElementsMatch(t, []string{"test:loop:run:run-1", "test:loop:run:run-2"}, mr.Keys())
	for _, key := range mr.Keys() {
		assert.Equal(t, time.Hour, mr.TTL(key), key)
	}

	mr.FastForward(2 * time.Hour)
	_, err = archive.ListLoops(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, mr.Keys())
}
