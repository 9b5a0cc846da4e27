package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/loopflow/api"
	"github.com/BaSui01/loopflow/testutil/fixtures"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/BaSui01/loopflow/workflow/persistence"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 RunHandler 测试
// =============================================================================

type runFixture struct {
	mux         *http.ServeMux
	manager     *workflow.RunManager
	definitions *persistence.MemoryDefinitionStore
	history     *persistence.GormStore
	archive     *persistence.MemoryLoopArchive
}

func newRunFixture(t *testing.T, fns map[string]workflow.Function) *runFixture {
	t.Helper()

	reg := workflow.NewFunctionRegistry()
	for name, fn := range fns {
		reg.Register(name, fn)
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	history := persistence.NewGormStore(db)
	require.NoError(t, history.Migrate(context.Background()))

	archive := persistence.NewMemoryLoopArchive()
	manager := workflow.NewRunManager(
		workflow.DefaultExecutors(nil, reg, nil),
		workflow.DefaultEngineConfig(),
		workflow.WithRunStore(history),
		workflow.WithLoopArchive(archive),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	definitions := persistence.NewMemoryDefinitionStore()
	mux := http.NewServeMux()
	NewRunHandler(manager, zap.NewNop(),
		WithDefinitions(definitions),
		WithRunHistory(history),
		WithLoopHistory(archive),
	).Register(mux)
	NewWorkflowHandler(definitions, zap.NewNop()).Register(mux)

	return &runFixture{mux: mux, manager: manager, definitions: definitions, history: history, archive: archive}
}

func (f *runFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func randomFn() workflow.Function {
	return func(ctx context.Context, _ workflow.FunctionCall) (string, error) {
		select {
		case <-time.After(2 * time.Millisecond):
			return uuid.NewString(), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestRunHandler_StartAndWait(t *testing.T) {
	f := newRunFixture(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/runs", api.StartRunRequest{
		Definition: fixtures.ConvergingSelfLoop("wf-1"),
		Input:      "write something",
		Wait:       true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result workflow.RunResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &result))
	assert.Equal(t, workflow.RunCompleted, result.Status)
	assert.Equal(t, "final answer", result.Output)
	require.Len(t, result.Loops, 1)
	assert.Equal(t, workflow.LoopConverged, result.Loops[0].Status)

	t.Run("get", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/runs/"+result.RunID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got workflow.RunResult
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &got))
		assert.Equal(t, result.RunID, got.RunID)
	})

	t.Run("list", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/runs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var runs []workflow.RunSnapshot
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, result.RunID, runs[0].RunID)
	})

	t.Run("loops and regions", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/runs/"+result.RunID+"/loops", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var loops []workflow.LoopSnapshot
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &loops))
		require.Len(t, loops, 1)
		assert.Equal(t, result.Loops[0].LoopID, loops[0].LoopID)

		w = f.do(t, http.MethodGet, "/api/v1/runs/"+result.RunID+"/regions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var regions []workflow.LoopRegion
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &regions))
		require.Len(t, regions, 1)
		assert.Equal(t, "writer", regions[0].Entry)
	})

	t.Run("history", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/runs/history?workflow_id=wf-1&limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var runs []workflow.RunSnapshot
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, workflow.RunCompleted, runs[0].Status)

		w = f.do(t, http.MethodGet, "/api/v1/runs/history?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunHandler_StartFromStoredWorkflow(t *testing.T) {
	f := newRunFixture(t, nil)
	require.NoError(t, f.definitions.SaveDefinition(context.Background(), fixtures.ConvergingSelfLoop("stored")))

	w := f.do(t, http.MethodPost, "/api/v1/runs", api.StartRunRequest{WorkflowID: "stored", Input: "go"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp api.StartRunResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "stored", resp.WorkflowID)
	require.Len(t, resp.Loops, 1)
	assert.NotEmpty(t, resp.Loops[0].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := f.manager.Wait(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, result.Status)
	assert.Equal(t, resp.Loops[0].ID, result.Loops[0].LoopID)
}

func TestRunHandler_StartValidation(t *testing.T) {
	f := newRunFixture(t, nil)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"both sources", api.StartRunRequest{WorkflowID: "x", Definition: fixtures.ConvergingSelfLoop("x")}, http.StatusBadRequest},
		{"no source", api.StartRunRequest{Input: "hi"}, http.StatusBadRequest},
		{"unknown workflow", api.StartRunRequest{WorkflowID: "missing"}, http.StatusNotFound},
		{"invalid definition", api.StartRunRequest{Definition: &workflow.Definition{ID: "empty"}}, http.StatusBadRequest},
		{"unknown field", map[string]any{"input": "x", "priority": 1}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.False(t, decodeEnvelope(t, w).Success)
		})
	}

	t.Run("invalid definition reports details", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/runs", api.StartRunRequest{Definition: &workflow.Definition{ID: "empty"}})
		env := decodeEnvelope(t, w)
		require.NotNil(t, env.Error)
		assert.Contains(t, env.Error.Details, "at least one stage is required")
	})

	t.Run("wrong content type", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString(`{}`))
		r.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		f.mux.ServeHTTP(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRunHandler_UnknownRun(t *testing.T) {
	f := newRunFixture(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/nope"},
		{http.MethodGet, "/api/v1/runs/nope/regions"},
		{http.MethodGet, "/api/v1/runs/nope/loops"},
		{http.MethodGet, "/api/v1/runs/nope/events"},
		{http.MethodPost, "/api/v1/runs/nope/cancel"},
		{http.MethodPost, "/api/v1/runs/nope/loops/l1/stop"},
	} {
		w := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.method+" "+tc.path)
	}
}

func TestRunHandler_StopLoop(t *testing.T) {
	f := newRunFixture(t, map[string]workflow.Function{"random": randomFn()})

	w := f.do(t, http.MethodPost, "/api/v1/runs", api.StartRunRequest{Definition: fixtures.EndlessSelfLoop("endless", "random"), Input: "go"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp api.StartRunResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &resp))
	require.Len(t, resp.Loops, 1)

	w = f.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/loops/unknown-loop/stop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/loops/"+resp.Loops[0].ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, _ := f.manager.Wait(ctx, resp.RunID)
	require.NotNil(t, result)
	require.Len(t, result.Loops, 1)
	assert.Equal(t, workflow.LoopForceStopped, result.Loops[0].Status)
	assert.Equal(t, workflow.ReasonForceStop, result.Loops[0].StopReason)
}

func TestRunHandler_Cancel(t *testing.T) {
	f := newRunFixture(t, map[string]workflow.Function{"random": randomFn()})

	w := f.do(t, http.MethodPost, "/api/v1/runs", api.StartRunRequest{Definition: fixtures.EndlessSelfLoop("endless", "random"), Input: "go"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp api.StartRunResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &resp))

	w = f.do(t, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, _ := f.manager.Wait(ctx, resp.RunID)
	require.NotNil(t, result)
	assert.Equal(t, workflow.RunStopped, result.Status)
}

func TestRunHandler_FallsBackToHistory(t *testing.T) {
	f := newRunFixture(t, nil)
	ctx := context.Background()

	start := time.Now().Add(-time.Hour)
	archived := &workflow.RunResult{
		RunSnapshot: workflow.RunSnapshot{
			RunID:      "archived-run",
			WorkflowID: "wf-old",
			Status:     workflow.RunCompleted,
			StartTime:  start,
			EndTime:    start.Add(time.Minute),
		},
	}
	require.NoError(t, f.history.SaveRun(ctx, archived))
	require.NoError(t, f.archive.ArchiveLoop(ctx, "archived-run", workflow.LoopSnapshot{
		LoopMetadata: workflow.LoopMetadata{LoopID: "loop-1", Status: workflow.LoopMaxedOut, StartTime: start},
	}))

	w := f.do(t, http.MethodGet, "/api/v1/runs/archived-run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got workflow.RunResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &got))
	assert.Equal(t, "wf-old", got.WorkflowID)

	w = f.do(t, http.MethodGet, "/api/v1/runs/archived-run/loops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var loops []workflow.LoopSnapshot
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &loops))
	require.Len(t, loops, 1)
	assert.Equal(t, workflow.LoopMaxedOut, loops[0].Status)

	// 归档中的运行不可再停止
	w = f.do(t, http.MethodPost, "/api/v1/runs/archived-run/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunHandler_HistoryWithoutStore(t *testing.T) {
	manager := workflow.NewRunManager(workflow.DefaultExecutors(nil, workflow.NewFunctionRegistry(), nil), workflow.DefaultEngineConfig())
	mux := http.NewServeMux()
	NewRunHandler(manager, nil).Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/history", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(decodeEnvelope(t, w).Data))

	body := bytes.NewBufferString(`{"workflow_id":"stored"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
	r.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
