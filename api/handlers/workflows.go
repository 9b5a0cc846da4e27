package handlers

import (
	"io"
	"mime"
	"net/http"

	"github.com/BaSui01/loopflow/types"
	"github.com/BaSui01/loopflow/workflow"
	"github.com/BaSui01/loopflow/workflow/persistence"
	"go.uber.org/zap"
)

// =============================================================================
// 📚 工作流定义 Handler
// =============================================================================

// WorkflowHandler 管理已保存的工作流定义
type WorkflowHandler struct {
	store  persistence.DefinitionStore
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流定义处理器
func NewWorkflowHandler(store persistence.DefinitionStore, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{store: store, logger: logger.With(zap.String("handler", "workflows"))}
}

// Register 注册工作流定义路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.HandleSave)
	mux.HandleFunc("GET /api/v1/workflows", h.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", h.HandleDelete)
}

// HandleSave 处理 POST /api/v1/workflows。请求体为 JSON 或 YAML 定义，
// 同 ID 的定义被覆盖。
func (h *WorkflowHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var parse func([]byte) (*workflow.Definition, error)
	switch mediaType {
	case "application/json":
		parse = workflow.ParseDefinitionJSON
	case "application/yaml", "application/x-yaml", "text/yaml":
		parse = workflow.ParseDefinitionYAML
	default:
		WriteError(w, types.NewInvalidRequestError("Content-Type must be application/json or application/yaml"), h.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, types.NewInvalidRequestError("failed to read request body").WithCause(err), h.logger)
		return
	}
	def, err := parse(body)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	if def.ID == "" {
		WriteError(w, types.NewInvalidRequestError("workflow id is required"), h.logger)
		return
	}

	if err := h.store.SaveDefinition(r.Context(), def); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("workflow saved", zap.String("workflow_id", def.ID))
	WriteSuccessStatus(w, http.StatusCreated, persistence.DefinitionSummary{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
	})
}

// HandleList 处理 GET /api/v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.ListDefinitions(r.Context())
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, defs)
}

// HandleGet 处理 GET /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	WriteSuccess(w, def)
}

// HandleDelete 处理 DELETE /api/v1/workflows/{id}
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteDefinition(r.Context(), id); err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	h.logger.Info("workflow deleted", zap.String("workflow_id", id))
	w.WriteHeader(http.StatusNoContent)
}
