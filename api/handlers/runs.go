package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/loopflow/api"
	"github.com/BaSui01/loopflow/types"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/BaSui01/loopflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 🔁 运行 Handler
// =============================================================================

// RunService 运行管理能力，*workflow.RunManager 实现它
type RunService interface {
	Start(ctx context.Context, def *workflow.Definition, input string) (*workflow.Coordinator, error)
	Get(runID string) (*workflow.RunResult, error)
	Regions(runID string) ([]workflow.LoopRegion, error)
	Wait(ctx context.Context, runID string) (*workflow.RunResult, error)
	ForceStop(runID, loopID string) error
	Cancel(runID string) error
	Subscribe(runID string, buffer int) (<-chan workflow.Event, func(), error)
	List() []workflow.RunSnapshot
}

// RunHandler 处理运行的启动、查询、停止与事件流
type RunHandler struct {
	runs        RunService
	definitions persistence.DefinitionStore
	history     persistence.RunRecordStore
	archive     persistence.LoopArchive
	origins     []string
	logger      *zap.Logger
}

// RunHandlerOption 配置 RunHandler
type RunHandlerOption func(*RunHandler)

// WithDefinitions 允许按 workflow_id 启动已保存的定义
func WithDefinitions(store persistence.DefinitionStore) RunHandlerOption {
	return func(h *RunHandler) { h.definitions = store }
}

// WithRunHistory 内存中找不到的运行回退到持久化记录
func WithRunHistory(store persistence.RunRecordStore) RunHandlerOption {
	return func(h *RunHandler) { h.history = store }
}

// WithLoopHistory 内存中找不到的循环快照回退到归档
func WithLoopHistory(archive persistence.LoopArchive) RunHandlerOption {
	return func(h *RunHandler) { h.archive = archive }
}

// WithAllowedOrigins 设置事件流 WebSocket 允许的跨域来源
func WithAllowedOrigins(origins []string) RunHandlerOption {
	return func(h *RunHandler) { h.origins = origins }
}

// NewRunHandler 创建运行处理器
func NewRunHandler(runs RunService, logger *zap.Logger, opts ...RunHandlerOption) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &RunHandler{runs: runs, logger: logger.With(zap.String("handler", "runs"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册运行相关路由
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.HandleStart)
	mux.HandleFunc("GET /api/v1/runs", h.HandleList)
	mux.HandleFunc("GET /api/v1/runs/history", h.HandleHistory)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/runs/{id}/regions", h.HandleRegions)
	mux.HandleFunc("GET /api/v1/runs/{id}/loops", h.HandleLoops)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", h.HandleEvents)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.HandleCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/loops/{loopId}/stop", h.HandleStopLoop)
}

// HandleStart 处理 POST /api/v1/runs
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.StartRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	def, err := h.resolveDefinition(r.Context(), req)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	coord, err := h.runs.Start(r.Context(), def, req.Input)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	runID := coord.RunID()
	h.logger.Info("run accepted", zap.String("run_id", runID), zap.String("workflow_id", def.ID))

	if req.Wait {
		result, err := h.runs.Wait(r.Context(), runID)
		if result == nil {
			WriteErr(w, err, h.logger)
			return
		}
		WriteSuccess(w, result)
		return
	}

	WriteSuccessStatus(w, http.StatusAccepted, api.StartRunResponse{
		RunID:      runID,
		WorkflowID: def.ID,
		Loops:      coord.Regions(),
	})
}

func (h *RunHandler) resolveDefinition(ctx context.Context, req api.StartRunRequest) (*workflow.Definition, error) {
	switch {
	case req.Definition != nil && req.WorkflowID != "":
		return nil, types.NewInvalidRequestError("workflow_id and definition are mutually exclusive")
	case req.Definition != nil:
		return req.Definition, nil
	case req.WorkflowID == "":
		return nil, types.NewInvalidRequestError("workflow_id or definition is required")
	case h.definitions == nil:
		return nil, types.NewInvalidRequestError("no workflow store configured, send the definition inline")
	}
	return h.definitions.GetDefinition(ctx, req.WorkflowID)
}

// HandleList 处理 GET /api/v1/runs，返回内存中的运行
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.runs.List())
}

// HandleHistory 处理 GET /api/v1/runs/history?workflow_id=&limit=
func (h *RunHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteSuccess(w, []workflow.RunSnapshot{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, types.NewInvalidRequestError("limit must be a non-negative integer"), h.logger)
			return
		}
		limit = n
	}
	runs, err := h.history.ListRuns(r.Context(), r.URL.Query().Get("workflow_id"), limit)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, runs)
}

// HandleGet 处理 GET /api/v1/runs/{id}
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	result, err := h.lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}

func (h *RunHandler) lookup(ctx context.Context, runID string) (*workflow.RunResult, error) {
	result, err := h.runs.Get(runID)
	if err == nil || h.history == nil || !types.IsErrorCode(err, types.ErrNotFound) {
		return result, err
	}
	return h.history.GetRun(ctx, runID)
}

// HandleRegions 处理 GET /api/v1/runs/{id}/regions
func (h *RunHandler) HandleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.runs.Regions(r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, regions)
}

// HandleLoops 处理 GET /api/v1/runs/{id}/loops
func (h *RunHandler) HandleLoops(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	result, err := h.runs.Get(runID)
	if err == nil {
		WriteSuccess(w, result.Loops)
		return
	}
	if h.archive == nil || !types.IsErrorCode(err, types.ErrNotFound) {
		WriteErr(w, err, h.logger)
		return
	}
	loops, err := h.archive.ListLoops(r.Context(), runID)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, loops)
}

// HandleCancel 处理 POST /api/v1/runs/{id}/cancel
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.runs.Cancel(runID); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("run cancel requested", zap.String("run_id", runID))
	WriteSuccessStatus(w, http.StatusAccepted, api.RunActionResponse{RunID: runID})
}

// HandleStopLoop 处理 POST /api/v1/runs/{id}/loops/{loopId}/stop。
// 循环在下一次迭代边界以 force_stopped 结束。
func (h *RunHandler) HandleStopLoop(w http.ResponseWriter, r *http.Request) {
	runID, loopID := r.PathValue("id"), r.PathValue("loopId")
	if err := h.runs.ForceStop(runID, loopID); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("loop force stop requested", zap.String("run_id", runID), zap.String("loop_id", loopID))
	WriteSuccessStatus(w, http.StatusAccepted, api.RunActionResponse{RunID: runID, LoopID: loopID})
}
